// Package sync holds the message reconciler and the per-profile engine that
// merges optimistic and server-confirmed messages into one time-ordered,
// deduplicated presented list.
package sync

import (
	"sort"
	"strings"
	"time"

	"github.com/plantline/plantline/internal/chat"
	"go.uber.org/zap"
)

// Entry is one presented list item. Optimistic entries are client-synthesized
// and carry only a ClientID; confirmed entries carry a server ID.
type Entry struct {
	chat.Message
	Optimistic bool
}

// DisplayText is the human-readable body: the text if present, otherwise a
// fixed placeholder caption for the attachment kind.
func (e *Entry) DisplayText() string {
	if e.Text != "" {
		return e.Text
	}
	if e.Attachment != nil {
		return chat.PlaceholderCaption(e.Attachment.Kind)
	}
	return ""
}

// echoWindow bounds how far apart a confirmed message and a previous
// confirmed duplicate may be for the echo heuristic to still fire.
const echoWindow = 2 * time.Minute

// Reconciler merges inbound confirmed messages into a presented list.
// Merge is pure over its inputs: the existing slice is never mutated.
type Reconciler struct {
	logger *zap.Logger
	window time.Duration
}

func NewReconciler(logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{logger: logger, window: echoWindow}
}

// Seed builds the initial presented list from a loaded message page.
// Contentless rows are logged and dropped; the result is sorted ascending
// by SentAt with input order preserved for ties.
func (r *Reconciler) Seed(messages []chat.Message) []Entry {
	entries := make([]Entry, 0, len(messages))
	for i := range messages {
		if !messages[i].HasContent() {
			r.logger.Warn("dropping contentless row from presentation",
				zap.String("message_id", messages[i].ID),
				zap.String("conversation_id", messages[i].ConversationID))
			continue
		}
		entries = append(entries, Entry{Message: messages[i]})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].SentAt.Before(entries[j].SentAt)
	})
	return entries
}

// Merge applies one inbound confirmed message to the presented list and
// returns the new list. Applying the same confirmed message twice never
// produces two entries. A confirmed message matching a pending optimistic
// entry (by client id, or by sender and body within the echo window)
// replaces that entry instead of inserting a second one.
func (r *Reconciler) Merge(existing []Entry, incoming chat.Message) []Entry {
	if !incoming.HasContent() {
		r.logger.Warn("dropping contentless row from presentation",
			zap.String("message_id", incoming.ID),
			zap.String("conversation_id", incoming.ConversationID))
		return existing
	}

	if incoming.ID != "" {
		for i := range existing {
			if !existing[i].Optimistic && existing[i].ID == incoming.ID {
				return existing
			}
		}
	}

	if incoming.ClientID != "" {
		for i := range existing {
			if existing[i].Optimistic && existing[i].ClientID == incoming.ClientID {
				return r.replaceAt(existing, i, incoming)
			}
		}
	}

	key := bodyKey(&incoming)
	for i := range existing {
		e := &existing[i]
		if !e.Optimistic && e.SenderID == incoming.SenderID && bodyKey(&e.Message) == key &&
			within(e.SentAt, incoming.SentAt, r.window) {
			// A confirmed message with this body already exists nearby, so
			// the incoming one is a genuine repeat, not an echo.
			return insertSorted(existing, Entry{Message: incoming})
		}
	}
	// Replace the earliest matching optimistic candidate (FIFO). The list is
	// sorted ascending, so the first hit is the earliest.
	for i := range existing {
		e := &existing[i]
		if e.Optimistic && e.SenderID == incoming.SenderID && bodyKey(&e.Message) == key {
			return r.replaceAt(existing, i, incoming)
		}
	}

	return insertSorted(existing, Entry{Message: incoming})
}

// AddOptimistic inserts a client-synthesized entry in sort position.
func (r *Reconciler) AddOptimistic(existing []Entry, m chat.Message) []Entry {
	return insertSorted(existing, Entry{Message: m, Optimistic: true})
}

// RemoveOptimistic drops the optimistic entry with the given client id, if
// present. Used for rollback after a failed durable write.
func (r *Reconciler) RemoveOptimistic(existing []Entry, clientID string) []Entry {
	for i := range existing {
		if existing[i].Optimistic && existing[i].ClientID == clientID {
			out := make([]Entry, 0, len(existing)-1)
			out = append(out, existing[:i]...)
			return append(out, existing[i+1:]...)
		}
	}
	return existing
}

func (r *Reconciler) replaceAt(existing []Entry, i int, incoming chat.Message) []Entry {
	out := make([]Entry, 0, len(existing))
	out = append(out, existing[:i]...)
	out = append(out, existing[i+1:]...)
	return insertSorted(out, Entry{Message: incoming})
}

// insertSorted places the entry after every existing entry with an equal or
// earlier SentAt, so equal timestamps keep arrival order.
func insertSorted(existing []Entry, e Entry) []Entry {
	idx := sort.Search(len(existing), func(i int) bool {
		return existing[i].SentAt.After(e.SentAt)
	})
	out := make([]Entry, 0, len(existing)+1)
	out = append(out, existing[:idx]...)
	out = append(out, e)
	return append(out, existing[idx:]...)
}

// bodyKey is the content identity used by the echo heuristic: trimmed text,
// or the attachment reference for attachment-only messages.
func bodyKey(m *chat.Message) string {
	if t := strings.TrimSpace(m.Text); t != "" {
		return t
	}
	if m.Attachment != nil {
		return m.Attachment.Ref
	}
	return ""
}

func within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}
