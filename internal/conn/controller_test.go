package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/plantline/plantline/internal/chat"
	"github.com/plantline/plantline/internal/rate"
)

// fakeSubscription drives the controller from tests.
type fakeSubscription struct {
	inserts   chan chat.Message
	confirmed chan struct{}
	errs      chan error
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		inserts:   make(chan chat.Message, 16),
		confirmed: make(chan struct{}, 1),
		errs:      make(chan error, 1),
		closed:    make(chan struct{}),
	}
}

func (s *fakeSubscription) Inserts() <-chan chat.Message { return s.inserts }
func (s *fakeSubscription) Confirmed() <-chan struct{}   { return s.confirmed }
func (s *fakeSubscription) Errors() <-chan error         { return s.errs }
func (s *fakeSubscription) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

type fakeSubscriber struct {
	sub *fakeSubscription
	err error
}

func (f *fakeSubscriber) Subscribe(_ context.Context, _ string) (Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sub, nil
}

// pollRecorder counts poll invocations.
type pollRecorder struct {
	mu    sync.Mutex
	count int
}

func (p *pollRecorder) poll(_ context.Context) error {
	p.mu.Lock()
	p.count++
	p.mu.Unlock()
	return nil
}

func (p *pollRecorder) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func newTestController(sub Subscriber, opts Options, onMessage func(chat.Message), poll func(context.Context) error) *Controller {
	if onMessage == nil {
		onMessage = func(chat.Message) {}
	}
	if poll == nil {
		poll = func(context.Context) error { return nil }
	}
	return NewController("c1", sub, rate.New(), nil, nil, opts, onMessage, poll)
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if c.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("state = %s, want %s", c.State(), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPushConfirmationConnects(t *testing.T) {
	sub := newFakeSubscription()
	rec := &pollRecorder{}
	c := newTestController(&fakeSubscriber{sub: sub}, Options{Grace: time.Second}, nil, rec.poll)

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	if c.State() != Connecting {
		t.Errorf("state after Open = %s, want CONNECTING", c.State())
	}

	sub.confirmed <- struct{}{}
	waitForState(t, c, Connected)

	if rec.calls() != 0 {
		t.Errorf("poll fired %d times while connected, want 0", rec.calls())
	}
}

// Push subscription never confirms within the grace window: the controller
// must degrade and start polling at the configured interval; a later push
// confirmation retires the fallback.
func TestGraceElapsedDegradesAndPolls(t *testing.T) {
	sub := newFakeSubscription()
	rec := &pollRecorder{}
	c := newTestController(&fakeSubscriber{sub: sub},
		Options{Grace: 30 * time.Millisecond, PollInterval: 25 * time.Millisecond}, nil, rec.poll)

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	waitForState(t, c, Degraded)

	deadline := time.After(2 * time.Second)
	for rec.calls() == 0 {
		select {
		case <-deadline:
			t.Fatal("poll never fired while degraded")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Late push confirmation retires the fallback.
	sub.confirmed <- struct{}{}
	waitForState(t, c, Connected)

	time.Sleep(60 * time.Millisecond)
	before := rec.calls()
	time.Sleep(100 * time.Millisecond)
	if after := rec.calls(); after != before {
		t.Errorf("poll fired %d more times after reconnect, want 0", after-before)
	}
}

func TestSubscribeErrorDegrades(t *testing.T) {
	rec := &pollRecorder{}
	c := newTestController(&fakeSubscriber{err: errors.New("dial refused")},
		Options{Grace: time.Second, PollInterval: 20 * time.Millisecond}, nil, rec.poll)

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	waitForState(t, c, Degraded)
}

func TestChannelErrorDegrades(t *testing.T) {
	sub := newFakeSubscription()
	c := newTestController(&fakeSubscriber{sub: sub}, Options{Grace: time.Second}, nil, nil)

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	sub.errs <- errors.New("socket reset")
	waitForState(t, c, Degraded)
}

// Inbound push events reach the handler in every state; transitions do not
// drop already-received events.
func TestInsertsForwardedRegardlessOfState(t *testing.T) {
	sub := newFakeSubscription()
	got := make(chan chat.Message, 16)
	c := newTestController(&fakeSubscriber{sub: sub},
		Options{Grace: 20 * time.Millisecond, PollInterval: time.Hour},
		func(m chat.Message) { got <- m }, nil)

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	// Still connecting.
	sub.inserts <- chat.Message{ID: "m1"}
	waitForState(t, c, Degraded)
	// Degraded.
	sub.inserts <- chat.Message{ID: "m2"}

	for _, want := range []string{"m1", "m2"} {
		select {
		case m := <-got:
			if m.ID != want {
				t.Errorf("message = %q, want %q", m.ID, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestCloseResetsToDisconnected(t *testing.T) {
	sub := newFakeSubscription()
	c := newTestController(&fakeSubscriber{sub: sub}, Options{Grace: time.Second}, nil, nil)

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	sub.confirmed <- struct{}{}
	waitForState(t, c, Connected)

	c.Close()
	if c.State() != Disconnected {
		t.Errorf("state after Close = %s, want DISCONNECTED", c.State())
	}
	select {
	case <-sub.closed:
	case <-time.After(time.Second):
		t.Error("subscription not closed on teardown")
	}
}

func TestOpenRateLimited(t *testing.T) {
	sub := newFakeSubscription()
	c := newTestController(&fakeSubscriber{sub: sub},
		Options{Grace: time.Second, SubscribeCooldown: time.Minute}, nil, nil)

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("first Open() error = %v", err)
	}
	c.Close()

	if err := c.Open(context.Background()); !errors.Is(err, chat.ErrRateLimited) {
		t.Errorf("second Open() error = %v, want ErrRateLimited", err)
	}
}

// Overlapping poll ticks are skipped, not queued: with a tick cadence far
// shorter than the gate interval only the gated subset runs.
func TestPollTicksGated(t *testing.T) {
	rec := &pollRecorder{}
	c := newTestController(&fakeSubscriber{err: errors.New("no push")},
		Options{Grace: time.Second, PollInterval: 10 * time.Millisecond}, nil, rec.poll)

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	waitForState(t, c, Degraded)
	time.Sleep(100 * time.Millisecond)

	// ~10 ticks elapsed; the 5ms gate interval admits at most one per tick,
	// and the immediate first tick plus ticker ticks must not exceed them.
	if n := rec.calls(); n == 0 || n > 12 {
		t.Errorf("poll calls = %d, want between 1 and 12", n)
	}
}
