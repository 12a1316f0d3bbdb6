package sync

import (
	"testing"
	"time"

	"github.com/plantline/plantline/internal/chat"
	"go.uber.org/zap"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func confirmed(id, sender, text string, at time.Time) chat.Message {
	return chat.Message{
		ID:             id,
		ConversationID: "conv-1",
		SenderID:       sender,
		Text:           text,
		SentAt:         at,
	}
}

func texts(entries []Entry) []string {
	out := make([]string, len(entries))
	for i := range entries {
		out[i] = entries[i].Text
	}
	return out
}

func TestMergeInsertsInSortOrder(t *testing.T) {
	r := NewReconciler(zap.NewNop())

	list := r.Merge(nil, confirmed("m2", "u", "second", base.Add(2*time.Minute)))
	list = r.Merge(list, confirmed("m1", "u", "first", base))
	list = r.Merge(list, confirmed("m3", "u", "third", base.Add(5*time.Minute)))

	got := texts(list)
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestMergeEqualTimestampsKeepArrivalOrder(t *testing.T) {
	r := NewReconciler(zap.NewNop())

	list := r.Merge(nil, confirmed("m1", "u", "arrived first", base))
	list = r.Merge(list, confirmed("m2", "e", "arrived second", base))

	if list[0].ID != "m1" || list[1].ID != "m2" {
		t.Fatalf("equal timestamps reordered: %v", texts(list))
	}
}

func TestMergeIdempotentOnDoubleDelivery(t *testing.T) {
	r := NewReconciler(zap.NewNop())
	msg := confirmed("m1", "u", "hello", base)

	list := r.Merge(nil, msg)
	list = r.Merge(list, msg) // push, then poll delivers the same row

	if len(list) != 1 {
		t.Fatalf("double delivery produced %d entries, want 1", len(list))
	}
}

func TestMergeReplacesOptimisticEcho(t *testing.T) {
	// Scenario: empty conversation, send "Ciao", confirmed echo arrives.
	r := NewReconciler(zap.NewNop())

	opt := chat.Message{ClientID: "c-1", SenderID: "u", Text: "Ciao", SentAt: base}
	list := r.AddOptimistic(nil, opt)
	if len(list) != 1 || !list[0].Optimistic {
		t.Fatalf("optimistic entry not presented: %+v", list)
	}

	echo := confirmed("m1", "u", "Ciao", base.Add(time.Second))
	list = r.Merge(list, echo)

	if len(list) != 1 {
		t.Fatalf("echo produced %d entries, want 1", len(list))
	}
	if list[0].Optimistic || list[0].ID != "m1" {
		t.Fatalf("echo did not replace the optimistic entry: %+v", list[0])
	}
}

func TestMergeEchoMatchesByClientID(t *testing.T) {
	r := NewReconciler(zap.NewNop())

	// Two optimistic entries with the same body; the echo carries the client
	// id of the second, so the heuristic must not take the first.
	list := r.AddOptimistic(nil, chat.Message{ClientID: "c-1", SenderID: "u", Text: "ok", SentAt: base})
	list = r.AddOptimistic(list, chat.Message{ClientID: "c-2", SenderID: "u", Text: "ok", SentAt: base.Add(time.Second)})

	echo := confirmed("m2", "u", "ok", base.Add(2*time.Second))
	echo.ClientID = "c-2"
	list = r.Merge(list, echo)

	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if !list[0].Optimistic || list[0].ClientID != "c-1" {
		t.Fatalf("wrong entry replaced: %+v", list)
	}
	if list[1].Optimistic || list[1].ID != "m2" {
		t.Fatalf("confirmed echo missing: %+v", list)
	}
}

func TestMergeEchoReplacesEarliestCandidate(t *testing.T) {
	r := NewReconciler(zap.NewNop())

	list := r.AddOptimistic(nil, chat.Message{ClientID: "c-1", SenderID: "u", Text: "ok", SentAt: base})
	list = r.AddOptimistic(list, chat.Message{ClientID: "c-2", SenderID: "u", Text: "ok", SentAt: base.Add(time.Second)})

	// Echo without a client id: FIFO picks the earliest optimistic entry.
	list = r.Merge(list, confirmed("m1", "u", "ok", base.Add(2*time.Second)))

	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	remaining := 0
	for i := range list {
		if list[i].Optimistic {
			remaining++
			if list[i].ClientID != "c-2" {
				t.Fatalf("earliest candidate was not the one replaced: %+v", list[i])
			}
		}
	}
	if remaining != 1 {
		t.Fatalf("%d optimistic entries remain, want 1", remaining)
	}
}

func TestMergeRepeatBodyIsNotAnEcho(t *testing.T) {
	// A confirmed message with the same sender and body already in the
	// window means the incoming one is a genuine repeat, so a pending
	// optimistic entry must be left alone.
	r := NewReconciler(zap.NewNop())

	list := r.Merge(nil, confirmed("m1", "u", "ok", base))
	list = r.AddOptimistic(list, chat.Message{ClientID: "c-1", SenderID: "u", Text: "ok", SentAt: base.Add(time.Second)})
	list = r.Merge(list, confirmed("m2", "u", "ok", base.Add(2*time.Second)))

	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	optimistic := 0
	for i := range list {
		if list[i].Optimistic {
			optimistic++
		}
	}
	if optimistic != 1 {
		t.Fatalf("%d optimistic entries, want the pending one untouched", optimistic)
	}
}

func TestMergeDifferentSenderIsNotAnEcho(t *testing.T) {
	r := NewReconciler(zap.NewNop())

	list := r.AddOptimistic(nil, chat.Message{ClientID: "c-1", SenderID: "u", Text: "ok", SentAt: base})
	list = r.Merge(list, confirmed("m1", "expert", "ok", base.Add(time.Second)))

	if len(list) != 2 {
		t.Fatalf("len = %d, want 2 (other sender's message must not consume the optimistic entry)", len(list))
	}
}

func TestMergeEchoMatchesAttachmentByRef(t *testing.T) {
	r := NewReconciler(zap.NewNop())
	att := &chat.Attachment{Kind: chat.AttachmentImage, Ref: "https://cdn.example/leaf.jpg"}

	list := r.AddOptimistic(nil, chat.Message{ClientID: "c-1", SenderID: "u", Attachment: att, SentAt: base})
	echo := chat.Message{ID: "m1", SenderID: "u", Attachment: att, SentAt: base.Add(time.Second)}
	list = r.Merge(list, echo)

	if len(list) != 1 || list[0].Optimistic {
		t.Fatalf("attachment echo not reconciled: %+v", list)
	}
}

func TestMergeDropsContentlessRow(t *testing.T) {
	r := NewReconciler(zap.NewNop())

	list := r.Merge(nil, chat.Message{ID: "m1", SenderID: "u", SentAt: base})
	if len(list) != 0 {
		t.Fatalf("contentless row presented: %+v", list)
	}
}

func TestRemoveOptimistic(t *testing.T) {
	r := NewReconciler(zap.NewNop())

	list := r.AddOptimistic(nil, chat.Message{ClientID: "c-1", SenderID: "u", Text: "doomed", SentAt: base})
	list = r.Merge(list, confirmed("m1", "e", "kept", base.Add(time.Second)))

	list = r.RemoveOptimistic(list, "c-1")
	if len(list) != 1 || list[0].ID != "m1" {
		t.Fatalf("rollback result = %v", texts(list))
	}

	// Unknown client id is a no-op.
	if got := r.RemoveOptimistic(list, "c-404"); len(got) != 1 {
		t.Fatalf("unknown rollback changed the list: %v", texts(got))
	}
}

func TestSeedSortsAndFilters(t *testing.T) {
	r := NewReconciler(zap.NewNop())

	entries := r.Seed([]chat.Message{
		confirmed("m2", "u", "later", base.Add(time.Minute)),
		{ID: "m3", SenderID: "u", SentAt: base}, // contentless
		confirmed("m1", "u", "earlier", base),
	})
	if len(entries) != 2 || entries[0].ID != "m1" || entries[1].ID != "m2" {
		t.Fatalf("seed result = %v", texts(entries))
	}
}

func TestDisplayTextPlaceholders(t *testing.T) {
	cases := []struct {
		kind chat.AttachmentKind
		want string
	}{
		{chat.AttachmentImage, "[photo]"},
		{chat.AttachmentAudio, "[voice message]"},
		{chat.AttachmentDocument, "[document]"},
		{chat.AttachmentProduct, "[product recommendation]"},
	}
	for _, tc := range cases {
		e := Entry{Message: chat.Message{Attachment: &chat.Attachment{Kind: tc.kind, Ref: "r"}}}
		if got := e.DisplayText(); got != tc.want {
			t.Errorf("DisplayText(%s) = %q, want %q", tc.kind, got, tc.want)
		}
	}

	withText := Entry{Message: chat.Message{Text: "hi", Attachment: &chat.Attachment{Kind: chat.AttachmentImage, Ref: "r"}}}
	if got := withText.DisplayText(); got != "hi" {
		t.Errorf("text must win over placeholder, got %q", got)
	}
}
