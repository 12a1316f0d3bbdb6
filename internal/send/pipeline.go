// Package send implements the optimistic send pipeline: validate, throttle,
// present an optimistic placeholder, perform the durable write, and roll the
// placeholder back on failure. The confirmed message is never inserted here;
// the push/poll channel delivers the server echo so one code path produces
// the final presented state.
package send

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/plantline/plantline/internal/chat"
	"github.com/plantline/plantline/internal/rate"
	"go.uber.org/zap"
)

// Store is the durable write surface the pipeline needs.
type Store interface {
	InsertMessage(ctx context.Context, m *chat.Message) (*chat.Message, error)
	TouchConversation(ctx context.Context, id, preview string, at time.Time) error
}

// Notifier tells the counterpart about a new message. Best-effort only.
type Notifier interface {
	NotifyNewMessage(ctx context.Context, conversationID, recipientID, preview string) error
}

// Presenter receives the optimistic placeholder and its rollback.
type Presenter interface {
	PresentOptimistic(m chat.Message)
	RemoveOptimistic(clientID string)
}

const (
	// sendCooldown throttles sends per conversation.
	sendCooldown = 500 * time.Millisecond
	// writeTimeout bounds the durable insert.
	writeTimeout = 8 * time.Second
	// afterglowTimeout bounds the best-effort post-send side effects.
	afterglowTimeout = 5 * time.Second
	// previewLen caps the denormalized last-message text.
	previewLen = 100
)

// Pipeline performs optimistic sends for one profile.
type Pipeline struct {
	store    Store
	notifier Notifier
	gate     *rate.Gate
	logger   *zap.Logger
	now      func() time.Time
}

// NewPipeline creates a send pipeline. notifier may be nil.
func NewPipeline(store Store, notifier Notifier, gate *rate.Gate, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:    store,
		notifier: notifier,
		gate:     gate,
		logger:   logger,
		now:      time.Now,
	}
}

// Send validates and durably writes a user-authored message. The optimistic
// placeholder is presented synchronously before any network completion and
// removed by identity if the write fails.
func (p *Pipeline) Send(ctx context.Context, conv *chat.Conversation, senderID, recipientID string,
	text string, attachment *chat.Attachment, presenter Presenter) (*chat.Message, error) {

	text = strings.TrimSpace(text)
	if text == "" && (attachment == nil || attachment.Ref == "") {
		return nil, chat.ErrValidation
	}

	if !p.gate.Allow(rate.SendKey(conv.ID), sendCooldown) {
		return nil, fmt.Errorf("send to %s: %w", conv.ID, chat.ErrRateLimited)
	}

	optimistic := chat.Message{
		ClientID:       uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		RecipientID:    recipientID,
		Text:           text,
		Attachment:     attachment,
		SentAt:         p.now(),
	}
	presenter.PresentOptimistic(optimistic)

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	confirmed, err := p.store.InsertMessage(writeCtx, &optimistic)
	if err != nil {
		presenter.RemoveOptimistic(optimistic.ClientID)
		p.logger.Warn("send failed, optimistic entry rolled back",
			zap.String("conversation_id", conv.ID),
			zap.String("client_id", optimistic.ClientID),
			zap.Error(err))
		return nil, err
	}

	go p.afterSend(conv.ID, recipientID, preview(&optimistic))

	return confirmed, nil
}

// afterSend updates the conversation's last-message cache and notifies the
// counterpart. Failures are swallowed: the message is already durable.
func (p *Pipeline) afterSend(conversationID, recipientID, preview string) {
	ctx, cancel := context.WithTimeout(context.Background(), afterglowTimeout)
	defer cancel()

	if err := p.store.TouchConversation(ctx, conversationID, preview, p.now()); err != nil {
		p.logger.Warn("last-message cache update failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
	if p.notifier != nil {
		if err := p.notifier.NotifyNewMessage(ctx, conversationID, recipientID, preview); err != nil {
			p.logger.Warn("counterpart notification failed",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
}

func preview(m *chat.Message) string {
	if m.Text != "" {
		if len(m.Text) > previewLen {
			return m.Text[:previewLen]
		}
		return m.Text
	}
	if m.Attachment != nil {
		return chat.PlaceholderCaption(m.Attachment.Kind)
	}
	return ""
}
