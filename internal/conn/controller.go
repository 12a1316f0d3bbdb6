package conn

import (
	"context"
	"sync"
	"time"

	"github.com/plantline/plantline/internal/bus"
	"github.com/plantline/plantline/internal/chat"
	"github.com/plantline/plantline/internal/rate"
	"go.uber.org/zap"
)

// Subscription is one live push subscription for a conversation topic.
// Inserts delivers inserted rows; Confirmed fires once when the transport
// acknowledges the subscription; Errors reports transport failures.
type Subscription interface {
	Inserts() <-chan chat.Message
	Confirmed() <-chan struct{}
	Errors() <-chan error
	Close()
}

// Subscriber is the push transport collaborator.
type Subscriber interface {
	Subscribe(ctx context.Context, conversationID string) (Subscription, error)
}

// Options tunes the controller's timers.
type Options struct {
	// Grace is the time allowed for push subscription confirmation before
	// falling back to polling.
	Grace time.Duration
	// PollInterval is the fixed fallback polling cadence.
	PollInterval time.Duration
	// SubscribeCooldown throttles repeated subscription setup per conversation.
	SubscribeCooldown time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Grace <= 0 {
		out.Grace = 5 * time.Second
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 20 * time.Second
	}
	if out.SubscribeCooldown <= 0 {
		out.SubscribeCooldown = time.Second
	}
	return out
}

// Controller manages the delivery channel for one open conversation.
// Inbound push events are handed to onMessage regardless of state; poll is
// invoked on the fallback cadence while degraded.
type Controller struct {
	conversationID string
	subscriber     Subscriber
	gate           *rate.Gate
	machine        *Machine
	logger         *zap.Logger
	opts           Options

	onMessage func(chat.Message)
	poll      func(ctx context.Context) error

	mu       sync.Mutex
	cancel   context.CancelFunc
	sub      Subscription
	pollStop context.CancelFunc
}

// NewController creates a controller for one conversation.
func NewController(conversationID string, subscriber Subscriber, gate *rate.Gate, b *bus.Bus,
	logger *zap.Logger, opts Options, onMessage func(chat.Message), poll func(ctx context.Context) error) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		conversationID: conversationID,
		subscriber:     subscriber,
		gate:           gate,
		machine:        NewMachine(conversationID, b),
		logger:         logger,
		opts:           opts.withDefaults(),
		onMessage:      onMessage,
		poll:           poll,
	}
}

// State returns the current connection state.
func (c *Controller) State() State {
	return c.machine.Current()
}

// Open requests a push subscription for the conversation topic and arms the
// confirmation grace timer. Repeated opens within the subscribe cooldown
// fail with chat.ErrRateLimited.
func (c *Controller) Open(ctx context.Context) error {
	if !c.gate.Allow(rate.SubscribeKey(c.conversationID), c.opts.SubscribeCooldown) {
		return chat.ErrRateLimited
	}
	if err := c.machine.Transition(Connecting); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Close tears the connection down: unsubscribe push if present, stop
// polling if running, cancel the grace timer, reset to Disconnected.
func (c *Controller) Close() {
	c.mu.Lock()
	cancel := c.cancel
	sub := c.sub
	c.cancel, c.sub = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Close()
	}
	c.stopPolling()
	if c.machine.Current() != Disconnected {
		_ = c.machine.Transition(Disconnected)
	}
}

func (c *Controller) run(ctx context.Context) {
	sub, err := c.subscriber.Subscribe(ctx, c.conversationID)
	if err != nil {
		// Subscription errors are non-fatal: fall back to polling.
		c.logger.Warn("push subscribe failed, degrading",
			zap.String("conversation_id", c.conversationID), zap.Error(err))
		c.degrade(ctx)
		return
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	grace := time.NewTimer(c.opts.Grace)
	defer grace.Stop()

	for {
		select {
		case <-sub.Confirmed():
			if err := c.machine.Transition(Connected); err == nil {
				c.logger.Info("push subscription confirmed",
					zap.String("conversation_id", c.conversationID))
				c.stopPolling()
			}
		case err := <-sub.Errors():
			c.logger.Warn("push channel error, degrading",
				zap.String("conversation_id", c.conversationID), zap.Error(err))
			c.degrade(ctx)
		case <-grace.C:
			if c.machine.Current() == Connecting {
				c.logger.Warn("push confirmation grace elapsed, degrading",
					zap.String("conversation_id", c.conversationID),
					zap.Duration("grace", c.opts.Grace))
				c.degrade(ctx)
			}
		case msg, ok := <-sub.Inserts():
			if !ok {
				return
			}
			// Delivered regardless of state; transitions never drop events.
			c.onMessage(msg)
		case <-ctx.Done():
			return
		}
	}
}

// degrade switches to the polling fallback. Safe to call repeatedly.
func (c *Controller) degrade(ctx context.Context) {
	if err := c.machine.Transition(Degraded); err != nil {
		return
	}

	pollCtx, stop := context.WithCancel(ctx)
	c.mu.Lock()
	c.pollStop = stop
	c.mu.Unlock()

	go c.pollLoop(pollCtx)
}

func (c *Controller) stopPolling() {
	c.mu.Lock()
	stop := c.pollStop
	c.pollStop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// pollLoop calls poll on a fixed interval. Overlapping ticks are skipped by
// the rate gate rather than queued; errors are retried on the next tick
// (the interval itself is the throttle) and never surfaced past the log.
func (c *Controller) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	c.tick(ctx)
	for {
		select {
		case <-ticker.C:
			c.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	if !c.gate.Allow(rate.LoadKey(c.conversationID), c.opts.PollInterval/2) {
		return
	}
	if err := c.poll(ctx); err != nil {
		c.logger.Warn("poll failed, will retry on next tick",
			zap.String("conversation_id", c.conversationID), zap.Error(err))
	}
}
