// Package identity resolves the caller identity from the configured access
// token. The daemon is a client of the backend, not the verifier, so claims
// are decoded without signature verification; the backend remains the
// authority and rejects tampered tokens on every durable write.
package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/plantline/plantline/internal/chat"
)

// Provider yields the caller id and the bearer token attached to
// authenticated requests. Both fail with chat.ErrNotAuthenticated when no
// valid credential is available.
type Provider interface {
	UserID() (string, error)
	Token() (string, error)
}

// TokenProvider is a Provider backed by a static JWT access token.
type TokenProvider struct {
	raw       string
	subject   string
	expiresAt time.Time
	now       func() time.Time
}

// NewTokenProvider decodes the token's subject and expiry. An empty token is
// accepted and yields an unauthenticated provider, so the daemon can start
// before the user has signed in.
func NewTokenProvider(raw string) (*TokenProvider, error) {
	p := &TokenProvider{raw: raw, now: time.Now}
	if raw == "" {
		return p, nil
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return nil, fmt.Errorf("decode access token: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("access token has no subject claim")
	}
	p.subject = claims.Subject
	if claims.ExpiresAt != nil {
		p.expiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// UserID returns the authenticated caller id.
func (p *TokenProvider) UserID() (string, error) {
	if err := p.check(); err != nil {
		return "", err
	}
	return p.subject, nil
}

// Token returns the bearer token for authenticated requests.
func (p *TokenProvider) Token() (string, error) {
	if err := p.check(); err != nil {
		return "", err
	}
	return p.raw, nil
}

func (p *TokenProvider) check() error {
	if p.raw == "" || p.subject == "" {
		return chat.ErrNotAuthenticated
	}
	if !p.expiresAt.IsZero() && p.now().After(p.expiresAt) {
		return fmt.Errorf("access token expired at %s: %w", p.expiresAt.Format(time.RFC3339), chat.ErrNotAuthenticated)
	}
	return nil
}
