// Package rate implements the keyed cooldown gate guarding engine
// operations. Duplicate concurrent triggers (a UI mount race and a
// reconnect firing the same initialization within milliseconds) are
// suppressed locally instead of issuing redundant durable writes or
// thrashing subscriptions.
package rate

import (
	"sync"
	"time"
)

// Gate records the last permitted invocation per operation key and rejects
// calls arriving before the key's minimum interval has elapsed. Entries are
// pruned only by replacement.
type Gate struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// New creates a gate using the wall clock.
func New() *Gate {
	return NewWithClock(time.Now)
}

// NewWithClock creates a gate with an injected clock for deterministic tests.
func NewWithClock(now func() time.Time) *Gate {
	return &Gate{
		last: make(map[string]time.Time),
		now:  now,
	}
}

// Allow reports whether the operation identified by key may run now.
// It records the invocation on success and leaves the record untouched on
// rejection, so a denied caller does not extend the cooldown.
func (g *Gate) Allow(key string, minInterval time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if prev, ok := g.last[key]; ok && now.Sub(prev) < minInterval {
		return false
	}
	g.last[key] = now
	return true
}

// Reset forgets the record for key, re-arming it immediately.
func (g *Gate) Reset(key string) {
	g.mu.Lock()
	delete(g.last, key)
	g.mu.Unlock()
}
