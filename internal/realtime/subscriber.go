// Package realtime is the push-channel adapter: a websocket client that
// subscribes to insert events for one conversation topic and surfaces them
// on channels the delivery controller consumes.
package realtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/plantline/plantline/internal/chat"
	"github.com/plantline/plantline/internal/conn"
	"github.com/plantline/plantline/internal/identity"
	"go.uber.org/zap"
)

const (
	pingInterval = 10 * time.Second
	pongTimeout  = 15 * time.Second
	writeTimeout = 5 * time.Second
)

// Topic is the subscription topic for a conversation.
func Topic(conversationID string) string {
	return "conversation:" + conversationID
}

// frame is the wire format in both directions.
type frame struct {
	Type   string      `json:"type"`
	Topic  string      `json:"topic,omitempty"`
	Events []string    `json:"events,omitempty"`
	Row    *messageRow `json:"row,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

type messageRow struct {
	ID             string `json:"id"`
	ClientID       string `json:"client_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	RecipientID    string `json:"recipient_id"`
	Body           string `json:"body"`
	AttachmentKind string `json:"attachment_kind,omitempty"`
	AttachmentRef  string `json:"attachment_ref,omitempty"`
	Read           bool   `json:"read"`
	SentAt         int64  `json:"sent_at"`
}

func (r *messageRow) toMessage() chat.Message {
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

// Subscriber dials the realtime endpoint and opens per-conversation
// subscriptions. One dial per subscription keeps teardown trivial: closing
// the socket closes everything the conversation holds.
type Subscriber struct {
	url    string
	ident  identity.Provider
	logger *zap.Logger
	dialer *websocket.Dialer
}

func New(url string, ident identity.Provider, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		url:    url,
		ident:  ident,
		logger: logger,
		dialer: websocket.DefaultDialer,
	}
}

// Subscribe dials, sends the join frame for the conversation topic filtered
// to insert events, and returns the live subscription. Confirmation arrives
// asynchronously on the subscription's Confirmed channel.
func (s *Subscriber) Subscribe(ctx context.Context, conversationID string) (conn.Subscription, error) {
	token, err := s.ident.Token()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, chat.ErrNotAuthenticated
		}
		return nil, fmt.Errorf("realtime dial: %w: %v", chat.ErrNetwork, err)
	}

	join := frame{Type: "subscribe", Topic: Topic(conversationID), Events: []string{"insert"}}
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteJSON(join); err != nil {
		ws.Close()
		return nil, fmt.Errorf("realtime join: %w: %v", chat.ErrNetwork, err)
	}

	sub := &subscription{
		ws:        ws,
		topic:     join.Topic,
		logger:    s.logger,
		inserts:   make(chan chat.Message, 32),
		confirmed: make(chan struct{}, 1),
		errs:      make(chan error, 1),
		done:      make(chan struct{}),
	}
	go sub.readLoop()
	go sub.pingLoop()
	return sub, nil
}

type subscription struct {
	ws        *websocket.Conn
	topic     string
	logger    *zap.Logger
	inserts   chan chat.Message
	confirmed chan struct{}
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) Inserts() <-chan chat.Message { return s.inserts }
func (s *subscription) Confirmed() <-chan struct{}   { return s.confirmed }
func (s *subscription) Errors() <-chan error         { return s.errs }

func (s *subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = s.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.ws.Close()
	})
}

func (s *subscription) readLoop() {
	_ = s.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		var f frame
		if err := s.ws.ReadJSON(&f); err != nil {
			select {
			case <-s.done:
			default:
				s.fail(fmt.Errorf("realtime read: %w: %v", chat.ErrNetwork, err))
			}
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(pongTimeout))

		switch f.Type {
		case "subscribed":
			select {
			case s.confirmed <- struct{}{}:
			default:
			}
		case "insert":
			if f.Row == nil {
				s.logger.Warn("insert frame without row", zap.String("topic", s.topic))
				continue
			}
			select {
			case s.inserts <- f.Row.toMessage():
			case <-s.done:
				return
			}
		case "error":
			s.fail(fmt.Errorf("realtime subscription: %w: %s", chat.ErrNetwork, f.Reason))
		default:
			// Unknown frame types are skipped so the protocol can grow.
		}
	}
}

func (s *subscription) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			if err != nil {
				select {
				case <-s.done:
				default:
					s.fail(fmt.Errorf("realtime ping: %w: %v", chat.ErrNetwork, err))
				}
				return
			}
		case <-s.done:
			return
		}
	}
}

// fail reports one transport error without blocking. The controller treats
// any error as a degrade signal, so dropping extras loses nothing.
func (s *subscription) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
