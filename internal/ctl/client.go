// Package ctl is the control-plane client used by plantlinectl: HTTP over
// the daemon's Unix domain socket, plus a websocket stream for watch mode.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Client talks to a running daemon over its profile socket.
type Client struct {
	http       *http.Client
	socketPath string
}

// New creates a client for the given socket. No connection is made until
// the first call.
func New(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// Status is the daemon status report.
type Status struct {
	Profile     string `json:"profile"`
	PID         int    `json:"pid"`
	ConnState   string `json:"conn_state"`
	LastRefresh int64  `json:"last_refresh,omitempty"`
	UptimeSecs  int64  `json:"uptime_seconds"`
}

// Conversation mirrors the daemon's conversation representation.
type Conversation struct {
	ID            string `json:"id"`
	UserID        string `json:"user_id"`
	ExpertID      string `json:"expert_id"`
	Type          string `json:"conversation_type"`
	Status        string `json:"status"`
	LastMessage   string `json:"last_message,omitempty"`
	LastMessageAt int64  `json:"last_message_at,omitempty"`
}

// Message is one presented list entry.
type Message struct {
	ID             string `json:"id,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text,omitempty"`
	DisplayText    string `json:"display_text"`
	AttachmentKind string `json:"attachment_kind,omitempty"`
	AttachmentRef  string `json:"attachment_ref,omitempty"`
	SentAt         int64  `json:"sent_at"`
	Optimistic     bool   `json:"optimistic"`
	Read           bool   `json:"read"`
}

// ConversationView is the open conversation with its presented messages.
type ConversationView struct {
	Conversation *Conversation `json:"conversation,omitempty"`
	Messages     []Message     `json:"messages"`
	ConnState    string        `json:"conn_state"`
}

// Event is one daemon bus event.
type Event struct {
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

type apiError struct {
	Message string `json:"error"`
	Code    string `json:"code"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.get(ctx, "/v1/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Conversation(ctx context.Context) (*ConversationView, error) {
	var out ConversationView
	if err := c.get(ctx, "/v1/conversation", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.get(ctx, "/v1/conversations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Open(ctx context.Context) (*Conversation, error) {
	var out Conversation
	if err := c.post(ctx, "/v1/conversation/open", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Switch(ctx context.Context, conversationID string) error {
	return c.post(ctx, "/v1/conversation/switch", map[string]string{"conversation_id": conversationID}, nil)
}

func (c *Client) Send(ctx context.Context, text, attachmentKind, attachmentRef string) error {
	req := map[string]string{"text": text}
	if attachmentRef != "" {
		req["attachment_kind"] = attachmentKind
		req["attachment_ref"] = attachmentRef
	}
	return c.post(ctx, "/v1/messages", req, nil)
}

func (c *Client) Refresh(ctx context.Context) error {
	return c.post(ctx, "/v1/refresh", nil, nil)
}

// Watch streams daemon events to fn until the context is cancelled or the
// daemon goes away.
func (c *Client) Watch(ctx context.Context, fn func(Event)) error {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", c.socketPath)
		},
	}
	ws, _, err := dialer.DialContext(ctx, "ws://daemon/v1/events", nil)
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	defer ws.Close()

	go func() {
		<-ctx.Done()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ws.Close()
	}()

	for {
		var evt Event
		if err := ws.ReadJSON(&evt); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event stream closed: %w", err)
		}
		fn(evt)
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://daemon"+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://daemon"+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error() == "" {
			return fmt.Errorf("daemon returned status %d", resp.StatusCode)
		}
		return &apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
