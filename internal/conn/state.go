// Package conn owns one logical delivery connection per open conversation:
// it tracks connection state, arms the polling fallback when the push
// channel does not confirm in time, and retires the fallback once push is
// confirmed.
package conn

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/plantline/plantline/internal/bus"
)

// State represents the delivery state of an open conversation.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Degraded     State = "DEGRADED"
)

// validTransitions defines allowed state transitions. Polling while
// connected is structurally impossible: Degraded is the only state that
// runs the fallback loop.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Degraded, Disconnected},
	Connected:    {Degraded, Disconnected},
	Degraded:     {Connected, Disconnected},
}

// Machine tracks and enforces delivery state transitions for one conversation.
type Machine struct {
	mu             sync.RWMutex
	current        State
	conversationID string
	bus            *bus.Bus
}

// NewMachine creates a state machine starting in Disconnected.
func NewMachine(conversationID string, b *bus.Bus) *Machine {
	return &Machine{
		current:        Disconnected,
		conversationID: conversationID,
		bus:            b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "conn.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				ConversationID: m.conversationID,
				From:           from,
				To:             to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for connection status change events.
type StatusChange struct {
	ConversationID string
	From           State
	To             State
}
