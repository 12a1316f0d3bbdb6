package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.plantline/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	// Backend collaborators.
	BackendURL  string `toml:"backend_url"`
	RealtimeURL string `toml:"realtime_url"`
	AccessToken string `toml:"access_token"`

	// Chat defaults for the profile's conversation.
	ExpertID         string `toml:"expert_id"`
	ConversationType string `toml:"conversation_type"`

	// Delivery tuning. Zero means the default.
	GraceSeconds int `toml:"grace_seconds"`
	PollSeconds  int `toml:"poll_seconds"`
}

const (
	defaultConversationType = "standard"
	defaultGrace            = 5 * time.Second
	defaultPoll             = 20 * time.Second
)

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Type returns the configured conversation type or "standard".
func (c *Config) Type() string {
	if c.ConversationType == "" {
		return defaultConversationType
	}
	return c.ConversationType
}

// Grace returns the push confirmation grace window.
func (c *Config) Grace() time.Duration {
	if c.GraceSeconds <= 0 {
		return defaultGrace
	}
	return time.Duration(c.GraceSeconds) * time.Second
}

// Poll returns the fallback polling interval.
func (c *Config) Poll() time.Duration {
	if c.PollSeconds <= 0 {
		return defaultPoll
	}
	return time.Duration(c.PollSeconds) * time.Second
}
