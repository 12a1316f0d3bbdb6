// Package lifecycle finds, creates, and reactivates the single active
// conversation between a user and an expert, enforcing uniqueness under
// concurrent triggers.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/plantline/plantline/internal/chat"
	"github.com/plantline/plantline/internal/rate"
	"go.uber.org/zap"
)

// Store is the persistence surface the manager needs. Implementations map
// failures onto the chat error taxonomy; a nil conversation with nil error
// means no row exists.
type Store interface {
	ConversationByParticipants(ctx context.Context, userID, expertID, convType string) (*chat.Conversation, error)
	InsertConversation(ctx context.Context, conv *chat.Conversation) (*chat.Conversation, error)
	ReactivateConversation(ctx context.Context, id string) (*chat.Conversation, error)
}

const (
	// lookupCooldown suppresses duplicate concurrent lookups per user.
	lookupCooldown = 2 * time.Second
	// opTimeout bounds every durable operation.
	opTimeout = 8 * time.Second
)

// Manager is the sole writer of the single-active-conversation invariant.
type Manager struct {
	store  Store
	gate   *rate.Gate
	logger *zap.Logger
}

// NewManager creates a lifecycle manager.
func NewManager(store Store, gate *rate.Gate, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, gate: gate, logger: logger}
}

// FindOrCreate returns the active conversation for the triple, reactivating
// an archived one or creating a fresh row as needed. Creation is idempotent
// under races: losing a concurrent insert re-queries and returns the winner.
func (m *Manager) FindOrCreate(ctx context.Context, userID, expertID, convType string) (*chat.Conversation, error) {
	if !m.gate.Allow(rate.LookupKey(userID), lookupCooldown) {
		return nil, fmt.Errorf("find conversation for %s: %w", userID, chat.ErrRateLimited)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	conv, err := m.store.ConversationByParticipants(ctx, userID, expertID, convType)
	if err != nil {
		return nil, err
	}

	switch {
	case conv == nil:
		return m.create(ctx, userID, expertID, convType)
	case conv.Status == chat.StatusActive:
		return conv, nil
	default:
		// Reactivation, not a new conversation: same id, fresh updated-at.
		m.logger.Info("reactivating conversation",
			zap.String("conversation_id", conv.ID),
			zap.String("previous_status", string(conv.Status)))
		return m.store.ReactivateConversation(ctx, conv.ID)
	}
}

func (m *Manager) create(ctx context.Context, userID, expertID, convType string) (*chat.Conversation, error) {
	if !m.gate.Allow(rate.CreateKey(userID), lookupCooldown) {
		return nil, fmt.Errorf("create conversation for %s: %w", userID, chat.ErrRateLimited)
	}

	created, err := m.store.InsertConversation(ctx, &chat.Conversation{
		UserID:   userID,
		ExpertID: expertID,
		Type:     convType,
		Status:   chat.StatusActive,
	})
	if err == nil {
		m.logger.Info("conversation created", zap.String("conversation_id", created.ID))
		return created, nil
	}
	if !errors.Is(err, chat.ErrConflict) {
		return nil, err
	}

	// A concurrent creator won the race; return the winner instead of erroring.
	winner, qerr := m.store.ConversationByParticipants(ctx, userID, expertID, convType)
	if qerr != nil {
		return nil, qerr
	}
	if winner == nil {
		return nil, fmt.Errorf("conversation conflict without winner: %w", chat.ErrNotFound)
	}
	return winner, nil
}
