package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/plantline/plantline/internal/bus"
	"github.com/plantline/plantline/internal/chat"
	"github.com/plantline/plantline/internal/config"
	"github.com/plantline/plantline/internal/conn"
	"github.com/plantline/plantline/internal/identity"
	"github.com/plantline/plantline/internal/rate"
	"github.com/plantline/plantline/internal/send"
	"go.uber.org/zap"
)

// Backend is the durable read surface the engine needs.
type Backend interface {
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
}

// Lifecycle resolves the single active conversation for a participant pair.
type Lifecycle interface {
	FindOrCreate(ctx context.Context, userID, expertID, convType string) (*chat.Conversation, error)
}

// Sender performs the optimistic send pipeline.
type Sender interface {
	Send(ctx context.Context, conv *chat.Conversation, senderID, recipientID string,
		text string, attachment *chat.Attachment, presenter send.Presenter) (*chat.Message, error)
}

// Cache is the local sqlite warm-start surface.
type Cache interface {
	GetConversation(id string) (*chat.Conversation, error)
	UpsertConversation(c *chat.Conversation) error
	UpsertMessage(m *chat.Message) error
	ListMessages(conversationID string, limit int) ([]chat.Message, error)
	ListConversations(limit, offset int) ([]chat.Conversation, error)
	MarkConversationRead(conversationID, userID string) error
}

// Snapshot is a point-in-time copy of the presented conversation state.
type Snapshot struct {
	Conversation *chat.Conversation
	Entries      []Entry
	ConnState    conn.State
	LastRefresh  time.Time
}

const (
	// refreshCooldown throttles explicit full refreshes.
	refreshCooldown = 10 * time.Second
	// cacheLimit caps the warm-start page pulled from the local cache.
	cacheLimit = 200
	// welcomeText is presented when the initial load cannot be completed.
	welcomeText = "Hi! Send us a photo or a question about your plant and an expert will get back to you."
)

// loadBackoff is the retry schedule for the initial message load.
var loadBackoff = []time.Duration{2 * time.Second, 4 * time.Second}

// Deps bundles the engine's collaborators.
type Deps struct {
	Config     *config.Config
	Identity   identity.Provider
	Lifecycle  Lifecycle
	Backend    Backend
	Sender     Sender
	Subscriber conn.Subscriber
	Cache      Cache
	Gate       *rate.Gate
	Bus        *bus.Bus
	Logger     *zap.Logger
}

// Engine owns the presented state of one open conversation per profile:
// the merged message list, the delivery controller, and the send path.
// All mutation runs under one mutex; late async results are discarded by
// an epoch token bumped on every switch, refresh, and close.
type Engine struct {
	cfg        *config.Config
	ident      identity.Provider
	lifecycle  Lifecycle
	backend    Backend
	sender     Sender
	subscriber conn.Subscriber
	cache      Cache
	gate       *rate.Gate
	bus        *bus.Bus
	logger     *zap.Logger
	rec        *Reconciler
	backoff    []time.Duration

	mu          stdsync.Mutex
	conv        *chat.Conversation
	entries     []Entry
	controller  *conn.Controller
	cancel      context.CancelFunc
	epoch       int
	lastRefresh time.Time
	synthetic   bool
}

func NewEngine(d Deps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:        d.Config,
		ident:      d.Identity,
		lifecycle:  d.Lifecycle,
		backend:    d.Backend,
		sender:     d.Sender,
		subscriber: d.Subscriber,
		cache:      d.Cache,
		gate:       d.Gate,
		bus:        d.Bus,
		logger:     logger,
		rec:        NewReconciler(logger),
		backoff:    loadBackoff,
	}
}

// Open resolves the profile's default conversation and attaches to it.
func (e *Engine) Open(ctx context.Context) (*chat.Conversation, error) {
	userID, err := e.ident.UserID()
	if err != nil {
		return nil, err
	}
	conv, err := e.lifecycle.FindOrCreate(ctx, userID, e.cfg.ExpertID, e.cfg.Type())
	if err != nil {
		return nil, err
	}
	if err := e.attach(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Switch tears down the current conversation and attaches to another one.
func (e *Engine) Switch(ctx context.Context, conv *chat.Conversation) error {
	return e.attach(ctx, conv)
}

// SwitchTo resolves a cached conversation by id and attaches to it.
func (e *Engine) SwitchTo(ctx context.Context, conversationID string) error {
	conv, err := e.cache.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("conversation %s: %w", conversationID, chat.ErrNotFound)
	}
	return e.attach(ctx, conv)
}

// attach is the common open path: teardown, epoch bump, cache warm-start,
// delivery controller, and the retried initial load.
func (e *Engine) attach(ctx context.Context, conv *chat.Conversation) error {
	e.teardown()

	if err := e.cache.UpsertConversation(conv); err != nil {
		e.logger.Warn("conversation cache write failed",
			zap.String("conversation_id", conv.ID), zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.epoch++
	epoch := e.epoch
	e.conv = conv
	e.cancel = cancel
	e.synthetic = false

	// Warm-start from the local cache so the list is not blank while the
	// durable load is in flight.
	cached, err := e.cache.ListMessages(conv.ID, cacheLimit)
	if err != nil {
		e.logger.Warn("cache warm-start failed",
			zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	e.entries = e.rec.Seed(cached)

	ctl := conn.NewController(conv.ID, e.subscriber, e.gate, e.bus, e.logger,
		conn.Options{Grace: e.cfg.Grace(), PollInterval: e.cfg.Poll()},
		func(m chat.Message) { e.applyInsert(epoch, m) },
		func(pollCtx context.Context) error { return e.loadOnce(pollCtx, epoch, conv.ID) },
	)
	e.controller = ctl
	e.mu.Unlock()

	if err := ctl.Open(runCtx); err != nil {
		cancel()
		return err
	}

	userID, idErr := e.ident.UserID()
	if idErr == nil {
		if err := e.cache.MarkConversationRead(conv.ID, userID); err != nil {
			e.logger.Warn("mark-read failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	}

	e.bus.Publish(bus.Event{Kind: "conversation.opened", Timestamp: time.Now(), Payload: conv.ID})

	go e.initialLoad(runCtx, epoch, conv.ID)
	return nil
}

// Refresh force-reloads the open conversation: teardown and reattach with a
// fresh epoch. Throttled by the rate gate.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	conv := e.conv
	e.mu.Unlock()
	if conv == nil {
		return fmt.Errorf("refresh: %w", chat.ErrNotFound)
	}
	if !e.gate.Allow(rate.RefreshKey(), refreshCooldown) {
		return chat.ErrRateLimited
	}
	// The subscribe cooldown must not swallow the reattach.
	e.gate.Reset(rate.SubscribeKey(conv.ID))
	return e.attach(ctx, conv)
}

// Send pushes a user-authored message through the optimistic pipeline. The
// confirmed echo arrives via push or poll and is reconciled there; Send
// itself only presents and, on failure, rolls back.
func (e *Engine) Send(ctx context.Context, text string, attachment *chat.Attachment) error {
	e.mu.Lock()
	conv := e.conv
	epoch := e.epoch
	e.mu.Unlock()
	if conv == nil {
		return fmt.Errorf("send: %w", chat.ErrNotFound)
	}
	senderID, err := e.ident.UserID()
	if err != nil {
		return err
	}
	recipientID := conv.ExpertID
	if senderID != conv.UserID {
		recipientID = conv.UserID
	}
	_, err = e.sender.Send(ctx, conv, senderID, recipientID, text, attachment, &boundPresenter{engine: e, epoch: epoch})
	return err
}

// boundPresenter implements send.Presenter scoped to the conversation epoch
// the send started under. Pipeline callbacks landing after a switch or
// refresh carry a stale epoch and are discarded, same as applyInsert.
type boundPresenter struct {
	engine *Engine
	epoch  int
}

func (p *boundPresenter) PresentOptimistic(m chat.Message) {
	p.engine.presentOptimistic(p.epoch, m)
}

func (p *boundPresenter) RemoveOptimistic(clientID string) {
	p.engine.removeOptimistic(p.epoch, clientID)
}

func (e *Engine) presentOptimistic(epoch int, m chat.Message) {
	e.mu.Lock()
	if epoch != e.epoch {
		e.mu.Unlock()
		e.logger.Debug("stale optimistic present discarded", zap.String("client_id", m.ClientID))
		return
	}
	e.dropWelcomeLocked()
	e.entries = e.rec.AddOptimistic(e.entries, m)
	e.mu.Unlock()
	e.bus.Publish(bus.Event{Kind: "message.optimistic", Timestamp: time.Now(), Payload: m.ClientID})
}

func (e *Engine) removeOptimistic(epoch int, clientID string) {
	e.mu.Lock()
	if epoch != e.epoch {
		e.mu.Unlock()
		return
	}
	e.entries = e.rec.RemoveOptimistic(e.entries, clientID)
	e.mu.Unlock()
	e.bus.Publish(bus.Event{Kind: "message.rolled_back", Timestamp: time.Now(), Payload: clientID})
}

// Snapshot returns a copy of the presented state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := make([]Entry, len(e.entries))
	copy(entries, e.entries)

	state := conn.Disconnected
	if e.controller != nil {
		state = e.controller.State()
	}
	var conv *chat.Conversation
	if e.conv != nil {
		c := *e.conv
		conv = &c
	}
	return Snapshot{Conversation: conv, Entries: entries, ConnState: state, LastRefresh: e.lastRefresh}
}

// Conversations lists the locally cached conversation index.
func (e *Engine) Conversations() ([]chat.Conversation, error) {
	return e.cache.ListConversations(cacheLimit, 0)
}

// Close detaches from the open conversation.
func (e *Engine) Close() {
	e.teardown()
	e.mu.Lock()
	e.conv = nil
	e.entries = nil
	e.synthetic = false
	e.mu.Unlock()
}

func (e *Engine) teardown() {
	e.mu.Lock()
	ctl := e.controller
	cancel := e.cancel
	e.controller, e.cancel = nil, nil
	e.epoch++
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ctl != nil {
		ctl.Close()
	}
}

// applyInsert merges one push-delivered row. Events for a stale epoch are
// discarded.
func (e *Engine) applyInsert(epoch int, m chat.Message) {
	e.mu.Lock()
	if epoch != e.epoch {
		e.mu.Unlock()
		return
	}
	if m.HasContent() {
		e.dropWelcomeLocked()
	}
	e.entries = e.rec.Merge(e.entries, m)
	e.mu.Unlock()

	if err := e.cache.UpsertMessage(&m); err != nil {
		e.logger.Warn("message cache write failed", zap.String("message_id", m.ID), zap.Error(err))
	}
	e.bus.Publish(bus.Event{Kind: "message.upserted", Timestamp: time.Now(), Payload: m.ID})
}

// loadOnce performs one durable list load and merges the page. Used both by
// the polling fallback and by the initial load.
func (e *Engine) loadOnce(ctx context.Context, epoch int, conversationID string) error {
	msgs, err := e.backend.ListMessages(ctx, conversationID)
	if err != nil {
		return err
	}
	e.applyPage(epoch, msgs)
	return nil
}

func (e *Engine) applyPage(epoch int, msgs []chat.Message) {
	e.mu.Lock()
	if epoch != e.epoch {
		e.mu.Unlock()
		return
	}
	if len(msgs) > 0 {
		e.dropWelcomeLocked()
	}
	for i := range msgs {
		e.entries = e.rec.Merge(e.entries, msgs[i])
	}
	e.lastRefresh = time.Now()
	e.mu.Unlock()

	for i := range msgs {
		if err := e.cache.UpsertMessage(&msgs[i]); err != nil {
			e.logger.Warn("message cache write failed", zap.String("message_id", msgs[i].ID), zap.Error(err))
		}
	}
	e.bus.Publish(bus.Event{Kind: "conversation.synced", Timestamp: time.Now(), Payload: len(msgs)})
}

// initialLoad retries the first page a bounded number of times, then falls
// back to a synthetic welcome message instead of leaving the list blank.
func (e *Engine) initialLoad(ctx context.Context, epoch int, conversationID string) {
	var lastErr error
	for attempt := 0; attempt <= len(e.backoff); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.backoff[attempt-1]):
			case <-ctx.Done():
				return
			}
		}
		if lastErr = e.loadOnce(ctx, epoch, conversationID); lastErr == nil {
			return
		}
		e.logger.Warn("initial load failed",
			zap.String("conversation_id", conversationID),
			zap.Int("attempt", attempt+1), zap.Error(lastErr))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if epoch != e.epoch {
		return
	}
	if len(e.entries) > 0 {
		return
	}
	e.entries = []Entry{{Message: chat.Message{
		ID:             "welcome:" + conversationID,
		ConversationID: conversationID,
		SenderID:       e.cfg.ExpertID,
		Text:           welcomeText,
		SentAt:         time.Now(),
	}}}
	e.synthetic = true
	e.logger.Warn("initial load exhausted retries, presenting welcome message",
		zap.String("conversation_id", conversationID), zap.Error(lastErr))
}

// dropWelcomeLocked removes the synthetic welcome entry once real content
// exists. Caller holds e.mu.
func (e *Engine) dropWelcomeLocked() {
	if !e.synthetic {
		return
	}
	out := e.entries[:0]
	for i := range e.entries {
		if e.entries[i].ID != "welcome:"+e.conv.ID {
			out = append(out, e.entries[i])
		}
	}
	e.entries = out
	e.synthetic = false
}
