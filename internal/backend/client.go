// Package backend is the adapter for the persistence collaborator: a rows
// API offering ordered message reads, row inserts and updates over HTTP.
// Native failures are mapped onto the chat error taxonomy so callers never
// see transport details.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/plantline/plantline/internal/chat"
	"github.com/plantline/plantline/internal/identity"
	"go.uber.org/zap"
)

// DefaultTimeout bounds every durable operation so nothing silently hangs.
const DefaultTimeout = 8 * time.Second

// Client talks to the backend rows API with bearer auth and per-call deadlines.
type Client struct {
	baseURL string
	http    *http.Client
	ident   identity.Provider
	logger  *zap.Logger
	timeout time.Duration
}

// New creates a backend client. baseURL is the API root without trailing slash.
func New(baseURL string, ident identity.Provider, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		ident:   ident,
		logger:  logger,
		timeout: DefaultTimeout,
	}
}

type conversationRow struct {
	ID            string `json:"id,omitempty"`
	UserID        string `json:"user_id"`
	ExpertID      string `json:"expert_id"`
	Type          string `json:"conversation_type"`
	Status        string `json:"status"`
	LastMessage   string `json:"last_message,omitempty"`
	LastMessageAt int64  `json:"last_message_at,omitempty"`
	CreatedAt     int64  `json:"created_at,omitempty"`
	UpdatedAt     int64  `json:"updated_at,omitempty"`
}

type messageRow struct {
	ID             string `json:"id,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	RecipientID    string `json:"recipient_id"`
	Body           string `json:"body"`
	AttachmentKind string `json:"attachment_kind,omitempty"`
	AttachmentRef  string `json:"attachment_ref,omitempty"`
	Read           bool   `json:"read"`
	SentAt         int64  `json:"sent_at,omitempty"`
}

// ListMessages returns the conversation's messages ascending by sent-at.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	q := url.Values{}
	q.Set("conversation_id", conversationID)
	q.Set("order", "sent_at.asc")

	var rows []messageRow
	if err := c.do(ctx, http.MethodGet, "/rows/v1/messages?"+q.Encode(), nil, &rows); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	msgs := make([]chat.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.toMessage())
	}
	return msgs, nil
}

// InsertMessage durably writes a message and returns the confirmed row with
// its server-assigned id and timestamp.
func (c *Client) InsertMessage(ctx context.Context, m *chat.Message) (*chat.Message, error) {
	row := messageRow{
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		Body:           m.Text,
	}
	if m.Attachment != nil {
		row.AttachmentKind = string(m.Attachment.Kind)
		row.AttachmentRef = m.Attachment.Ref
	}

	var out messageRow
	if err := c.do(ctx, http.MethodPost, "/rows/v1/messages", row, &out); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	confirmed := out.toMessage()
	return &confirmed, nil
}

// ConversationByParticipants returns the most recently updated conversation
// for the (user, expert, type) triple, or nil when none exists.
func (c *Client) ConversationByParticipants(ctx context.Context, userID, expertID, convType string) (*chat.Conversation, error) {
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("expert_id", expertID)
	q.Set("conversation_type", convType)
	q.Set("order", "updated_at.desc")
	q.Set("limit", "1")

	var rows []conversationRow
	if err := c.do(ctx, http.MethodGet, "/rows/v1/conversations?"+q.Encode(), nil, &rows); err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	conv := rows[0].toConversation()
	return &conv, nil
}

// InsertConversation creates a new conversation row. A unique-constraint
// violation surfaces as chat.ErrConflict for the lifecycle manager's
// re-query path.
func (c *Client) InsertConversation(ctx context.Context, conv *chat.Conversation) (*chat.Conversation, error) {
	row := conversationRow{
		UserID:   conv.UserID,
		ExpertID: conv.ExpertID,
		Type:     conv.Type,
		Status:   string(conv.Status),
	}
	var out conversationRow
	if err := c.do(ctx, http.MethodPost, "/rows/v1/conversations", row, &out); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	created := out.toConversation()
	return &created, nil
}

// ReactivateConversation flips a conversation back to active with a fresh
// updated-at, preserving its id.
func (c *Client) ReactivateConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	patch := map[string]any{"status": string(chat.StatusActive)}
	var out conversationRow
	if err := c.do(ctx, http.MethodPatch, "/rows/v1/conversations/"+id, patch, &out); err != nil {
		return nil, fmt.Errorf("reactivate conversation: %w", err)
	}
	conv := out.toConversation()
	return &conv, nil
}

// TouchConversation updates the denormalized last-message cache on the
// conversation row.
func (c *Client) TouchConversation(ctx context.Context, id, preview string, at time.Time) error {
	patch := map[string]any{
		"last_message":    preview,
		"last_message_at": at.UnixMilli(),
	}
	if err := c.do(ctx, http.MethodPatch, "/rows/v1/conversations/"+id, patch, nil); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// NotifyNewMessage asks the backend to notify the counterpart about a new
// message. Callers treat failures as best-effort.
func (c *Client) NotifyNewMessage(ctx context.Context, conversationID, recipientID, preview string) error {
	body := map[string]string{
		"conversation_id": conversationID,
		"recipient_id":    recipientID,
		"preview":         preview,
	}
	if err := c.do(ctx, http.MethodPost, "/functions/v1/notify-message", body, nil); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	token, err := c.ident.Token()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s %s: %w", method, path, chat.ErrTimeout)
		}
		return fmt.Errorf("%s %s: %v: %w", method, path, err, chat.ErrNetwork)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := statusError(resp.StatusCode); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %v: %w", err, chat.ErrNetwork)
		}
	}
	return nil
}

func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		return chat.ErrNotAuthenticated
	case code == http.StatusForbidden:
		return chat.ErrPermissionDenied
	case code == http.StatusNotFound:
		return chat.ErrNotFound
	case code == http.StatusConflict:
		return chat.ErrConflict
	case code == http.StatusGatewayTimeout:
		return chat.ErrTimeout
	default:
		return fmt.Errorf("status %d: %w", code, chat.ErrNetwork)
	}
}

func (r messageRow) toMessage() chat.Message {
	m := chat.Message{
		ID:             r.ID,
		ClientID:       r.ClientID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		RecipientID:    r.RecipientID,
		Text:           r.Body,
		Read:           r.Read,
		SentAt:         time.UnixMilli(r.SentAt),
	}
	if r.AttachmentKind != "" || r.AttachmentRef != "" {
		m.Attachment = &chat.Attachment{
			Kind: chat.AttachmentKind(r.AttachmentKind),
			Ref:  r.AttachmentRef,
		}
	}
	return m
}

func (r conversationRow) toConversation() chat.Conversation {
	return chat.Conversation{
		ID:            r.ID,
		UserID:        r.UserID,
		ExpertID:      r.ExpertID,
		Type:          r.Type,
		Status:        chat.Status(r.Status),
		LastMessage:   r.LastMessage,
		LastMessageAt: time.UnixMilli(r.LastMessageAt),
		CreatedAt:     time.UnixMilli(r.CreatedAt),
		UpdatedAt:     time.UnixMilli(r.UpdatedAt),
	}
}
