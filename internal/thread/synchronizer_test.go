package thread

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mvribeiro/wayfarer/internal/bus"
	"github.com/mvribeiro/wayfarer/internal/model"
	"github.com/mvribeiro/wayfarer/internal/transport"
)

// fakeHistory serves scripted message pages, optionally blocking until
// released so tests can interleave a conversation switch with a fetch.
type fakeHistory struct {
	mu    sync.Mutex
	pages map[string][]model.Message // conversation id -> full backlog, oldest first
	gate  chan struct{}
	calls []time.Time // before cursors observed
}

func (f *fakeHistory) ListMessages(ctx context.Context, conversationID string, limit int, before time.Time) ([]model.Message, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, before)

	backlog := f.pages[conversationID]
	var out []model.Message
	for i := len(backlog) - 1; i >= 0 && len(out) < limit; i-- {
		if !before.IsZero() && !backlog[i].CreatedAt.Before(before) {
			continue
		}
		out = append(out, backlog[i])
	}
	return out, nil
}

func msgAt(id, convID, sender string, sec int) model.Message {
	return model.Message{
		ID: id, ConversationID: convID, SenderID: sender,
		Status:    model.StatusSent,
		CreatedAt: time.Date(2026, 8, 30, 12, 0, sec, 0, time.UTC),
	}
}

func newTestSync(t *testing.T, api *fakeHistory, pageSize int) (*Synchronizer, *bus.Bus) {
	t.Helper()
	b := bus.New()
	s := New(api, b, "self", pageSize, nil)
	s.Start()
	t.Cleanup(s.Stop)
	return s, b
}

func awaitKind(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s event", kind)
		}
	}
}

func timelineIDs(s *Synchronizer) []string {
	snap := s.Snapshot()
	out := make([]string, len(snap))
	for i, m := range snap {
		out[i] = m.ID
	}
	return out
}

func TestLoadHistoryPagination(t *testing.T) {
	api := &fakeHistory{pages: map[string][]model.Message{
		"c1": {
			msgAt("m1", "c1", "u2", 1),
			msgAt("m2", "c1", "u2", 2),
			msgAt("m3", "c1", "u2", 3),
			msgAt("m4", "c1", "u2", 4),
		},
	}}
	s, _ := newTestSync(t, api, 2)
	s.Activate("c1")

	added, err := s.LoadHistory(context.Background())
	if err != nil || added != 2 {
		t.Fatalf("first page: added = %d, err = %v", added, err)
	}
	if got := timelineIDs(s); len(got) != 2 || got[0] != "m3" || got[1] != "m4" {
		t.Errorf("timeline = %v, want [m3 m4]", got)
	}

	added, err = s.LoadHistory(context.Background())
	if err != nil || added != 2 {
		t.Fatalf("second page: added = %d, err = %v", added, err)
	}
	if got := timelineIDs(s); len(got) != 4 || got[0] != "m1" || got[3] != "m4" {
		t.Errorf("timeline = %v, want [m1 m2 m3 m4]", got)
	}

	// Backlog drained: short page flips exhausted, next call is free.
	added, err = s.LoadHistory(context.Background())
	if err != nil || added != 0 {
		t.Fatalf("third page: added = %d, err = %v", added, err)
	}
	if !s.Exhausted() {
		t.Error("Exhausted() = false after draining backlog")
	}
}

func TestConversationSwitchDiscardsLateHistory(t *testing.T) {
	api := &fakeHistory{
		pages: map[string][]model.Message{"c1": {msgAt("m1", "c1", "u2", 1)}},
		gate:  make(chan struct{}),
	}
	s, _ := newTestSync(t, api, 10)
	s.Activate("c1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		added, err := s.LoadHistory(context.Background())
		if err != nil || added != 0 {
			t.Errorf("stale load: added = %d, err = %v, want 0, nil", added, err)
		}
	}()

	// Switch while the fetch is blocked, then release it.
	time.Sleep(20 * time.Millisecond)
	s.Activate("c2")
	close(api.gate)
	<-done

	if got := timelineIDs(s); len(got) != 0 {
		t.Errorf("timeline after switch = %v, want empty", got)
	}
	if s.Active() != "c2" {
		t.Errorf("Active() = %q, want c2", s.Active())
	}
}

func TestIncomingAppendsAndDedupes(t *testing.T) {
	api := &fakeHistory{pages: map[string][]model.Message{}}
	s, b := newTestSync(t, api, 10)
	s.Activate("c1")
	ch, unsub := b.Subscribe("thread.", 32)
	defer unsub()

	m := msgAt("m1", "c1", "u2", 1)
	b.Publish("rt.message_new", &m)
	awaitKind(t, ch, "thread.appended")

	dup := m
	b.Publish("rt.message_new", &dup)
	other := msgAt("x1", "c9", "u3", 2)
	b.Publish("rt.message_new", &other)
	m2 := msgAt("m2", "c1", "u2", 3)
	b.Publish("rt.message_new", &m2)
	awaitKind(t, ch, "thread.appended")

	if got := timelineIDs(s); len(got) != 2 || got[0] != "m1" || got[1] != "m2" {
		t.Errorf("timeline = %v, want [m1 m2]", got)
	}
}

func TestOptimisticReconciliation(t *testing.T) {
	api := &fakeHistory{pages: map[string][]model.Message{}}
	s, b := newTestSync(t, api, 10)
	s.Activate("c1")
	ch, unsub := b.Subscribe("thread.", 32)
	defer unsub()

	pending := model.Message{
		ClientID: "tmp-1", ConversationID: "c1", SenderID: "self",
		Content: "oi", CreatedAt: time.Now(),
	}
	if err := s.AppendPending(pending); err != nil {
		t.Fatal(err)
	}
	awaitKind(t, ch, "thread.appended")
	if snap := s.Snapshot(); snap[0].Status != model.StatusPending || snap[0].ID != "" {
		t.Fatalf("optimistic entry = %+v", snap[0])
	}

	// Server echo carries the client id: reconcile, don't duplicate.
	echo := msgAt("m77", "c1", "self", 5)
	echo.ClientID = "tmp-1"
	b.Publish("rt.message_new", &echo)
	evt := awaitKind(t, ch, "thread.reconciled")
	if evt.Payload.(*model.Message).ClientID != "tmp-1" {
		t.Errorf("reconciled payload = %+v", evt.Payload)
	}

	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("timeline = %v, want single reconciled row", timelineIDs(s))
	}
	if snap[0].ID != "m77" || snap[0].Status != model.StatusSent || snap[0].ClientID != "tmp-1" {
		t.Errorf("reconciled = %+v", snap[0])
	}

	// A replayed echo after reconciliation is a plain duplicate.
	b.Publish("rt.message_new", &echo)
	m2 := msgAt("m78", "c1", "u2", 6)
	b.Publish("rt.message_new", &m2)
	awaitKind(t, ch, "thread.appended")
	if snap := s.Snapshot(); len(snap) != 2 {
		t.Errorf("timeline = %v, want 2 rows", timelineIDs(s))
	}
}

func TestFailAndRetryKeepSingleRow(t *testing.T) {
	api := &fakeHistory{pages: map[string][]model.Message{}}
	s, b := newTestSync(t, api, 10)
	s.Activate("c1")
	ch, unsub := b.Subscribe("message.send_failed", 8)
	defer unsub()

	if err := s.AppendPending(model.Message{ClientID: "tmp-1", ConversationID: "c1", SenderID: "self", Content: "oi", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	s.MarkFailed("tmp-1")
	evt := awaitKind(t, ch, "message.send_failed")
	if evt.Payload.(*model.Message).ClientID != "tmp-1" {
		t.Errorf("send_failed payload = %+v", evt.Payload)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Status != model.StatusFailed {
		t.Fatalf("after fail = %+v", snap)
	}

	if !s.MarkRetrying("tmp-1") {
		t.Error("MarkRetrying(failed entry) = false, want true")
	}
	snap = s.Snapshot()
	if len(snap) != 1 || snap[0].Status != model.StatusPending {
		t.Errorf("after retry = %+v, want single pending row", snap)
	}

	// Already back in pending: nothing left to flip.
	if s.MarkRetrying("tmp-1") {
		t.Error("MarkRetrying(pending entry) = true, want false")
	}

	// Duplicate client ids are rejected outright.
	if err := s.AppendPending(model.Message{ClientID: "tmp-1", ConversationID: "c1", SenderID: "self"}); err == nil {
		t.Error("AppendPending(duplicate clientID) = nil, want error")
	}
}

func TestDeliveredAndReadAdvanceStatus(t *testing.T) {
	api := &fakeHistory{pages: map[string][]model.Message{
		"c1": {msgAt("m1", "c1", "self", 1), msgAt("m2", "c1", "self", 2)},
	}}
	s, b := newTestSync(t, api, 10)
	s.Activate("c1")
	if _, err := s.LoadHistory(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch, unsub := b.Subscribe("thread.updated", 32)
	defer unsub()

	b.Publish("rt.message_delivered", &transport.DeliveredPayload{ConversationID: "c1", MessageID: "m2"})
	awaitKind(t, ch, "thread.updated")
	snap := s.Snapshot()
	if snap[1].Status != model.StatusDelivered || snap[0].Status != model.StatusSent {
		t.Errorf("after delivered: %v / %v", snap[0].Status, snap[1].Status)
	}

	b.Publish("rt.message_read", &transport.ReadPayload{ConversationID: "c1", UserID: "u2"})
	awaitKind(t, ch, "thread.updated")
	for _, m := range s.Snapshot() {
		if m.Status != model.StatusRead {
			t.Errorf("message %s status = %v, want read", m.ID, m.Status)
		}
	}

	// Receipts never regress a status.
	b.Publish("rt.message_delivered", &transport.DeliveredPayload{ConversationID: "c1", MessageID: "m2"})
	b.Publish("rt.message_deleted", &transport.DeletedPayload{ConversationID: "c1", MessageID: "m1"})
	awaitKind(t, ch, "thread.updated")
	snap = s.Snapshot()
	if len(snap) != 1 || snap[0].ID != "m2" || snap[0].Status != model.StatusRead {
		t.Errorf("final timeline = %+v", snap)
	}
}

func TestOwnReadReceiptIgnored(t *testing.T) {
	api := &fakeHistory{pages: map[string][]model.Message{
		"c1": {msgAt("m1", "c1", "self", 1)},
	}}
	s, b := newTestSync(t, api, 10)
	s.Activate("c1")
	if _, err := s.LoadHistory(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch, unsub := b.Subscribe("thread.updated", 32)
	defer unsub()

	// The server echoes this client's own read mark; it says nothing
	// about the peer and must not advance the sent message. The
	// delivered receipt behind it is the checkpoint: had the echo been
	// applied, m1 would already sit at read and could not land on
	// delivered.
	b.Publish("rt.message_read", &transport.ReadPayload{ConversationID: "c1", UserID: "self"})
	b.Publish("rt.message_delivered", &transport.DeliveredPayload{ConversationID: "c1", MessageID: "m1"})
	awaitKind(t, ch, "thread.updated")
	if got := s.Snapshot()[0].Status; got != model.StatusDelivered {
		t.Fatalf("status after own receipt = %v, want delivered", got)
	}

	// A peer receipt still works.
	b.Publish("rt.message_read", &transport.ReadPayload{ConversationID: "c1", UserID: "u2"})
	awaitKind(t, ch, "thread.updated")
	if got := s.Snapshot()[0].Status; got != model.StatusRead {
		t.Errorf("status after peer receipt = %v, want read", got)
	}
}

func TestRejoinRefetchesGap(t *testing.T) {
	api := &fakeHistory{pages: map[string][]model.Message{
		"c1": {msgAt("m1", "c1", "u2", 1)},
	}}
	s, b := newTestSync(t, api, 10)
	s.Activate("c1")
	if _, err := s.LoadHistory(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch, unsub := b.Subscribe("thread.updated", 32)
	defer unsub()

	// A message lands server-side while the channel is down.
	api.mu.Lock()
	api.pages["c1"] = append(api.pages["c1"], msgAt("m2", "c1", "u2", 2))
	api.mu.Unlock()

	b.Publish("conn.rejoined", transport.RoomPayload{ConversationID: "c1"})
	awaitKind(t, ch, "thread.updated")
	if got := timelineIDs(s); len(got) != 2 || got[1] != "m2" {
		t.Errorf("timeline after rejoin = %v, want gap closed with m2", got)
	}
}
