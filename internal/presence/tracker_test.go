package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/mvribeiro/wayfarer/internal/bus"
	"github.com/mvribeiro/wayfarer/internal/model"
	"github.com/mvribeiro/wayfarer/internal/transport"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(t *testing.T, b *bus.Bus) (*Tracker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(b, 3*time.Second, nil)
	tr.now = clock.Now
	tr.Start()
	t.Cleanup(tr.Stop)
	return tr, clock
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

func TestOnlineOffline(t *testing.T) {
	b := bus.New()
	tr, clock := newTestTracker(t, b)
	ch, unsub := b.Subscribe("presence.changed", 16)
	defer unsub()

	b.Publish("rt.user_online", &transport.PresencePayload{UserID: "u2"})
	evt := awaitKind(t, ch, "presence.changed")
	if state := evt.Payload.(model.PresenceState); !state.Online || state.UserID != "u2" {
		t.Errorf("payload = %+v, want u2 online", state)
	}
	if !tr.IsOnline("u2") {
		t.Error("IsOnline(u2) = false after user:online")
	}
	if tr.IsOnline("u3") {
		t.Error("IsOnline(u3) = true for unseen user")
	}

	seen := clock.Now().Add(-time.Minute)
	b.Publish("rt.user_offline", &transport.PresencePayload{UserID: "u2", LastSeen: &seen})
	awaitKind(t, ch, "presence.changed")
	if tr.IsOnline("u2") {
		t.Error("IsOnline(u2) = true after user:offline")
	}
	if got, ok := tr.LastSeen("u2"); !ok || !got.Equal(seen) {
		t.Errorf("LastSeen(u2) = %v, %v; want %v, true", got, ok, seen)
	}
}

func TestTypingStartStop(t *testing.T) {
	b := bus.New()
	tr, _ := newTestTracker(t, b)
	ch, unsub := b.Subscribe("presence.typing", 16)
	defer unsub()

	b.Publish("rt.typing_start", &transport.TypingPayload{ConversationID: "c1", UserID: "u2"})
	evt := awaitKind(t, ch, "presence.typing")
	change := evt.Payload.(TypingChange)
	if change.ConversationID != "c1" || len(change.Users) != 1 || change.Users[0] != "u2" {
		t.Errorf("change = %+v, want u2 typing in c1", change)
	}

	b.Publish("rt.typing_stop", &transport.TypingPayload{ConversationID: "c1", UserID: "u2"})
	evt = awaitKind(t, ch, "presence.typing")
	if change := evt.Payload.(TypingChange); len(change.Users) != 0 {
		t.Errorf("change after stop = %+v, want no typing users", change)
	}
	if got := tr.TypingUsers("c1"); got != nil {
		t.Errorf("TypingUsers(c1) = %v, want nil", got)
	}
}

func TestTypingExpiresWithoutStop(t *testing.T) {
	b := bus.New()
	tr, clock := newTestTracker(t, b)
	ch, unsub := b.Subscribe("presence.typing", 16)
	defer unsub()

	b.Publish("rt.typing_start", &transport.TypingPayload{ConversationID: "c1", UserID: "u2"})
	awaitKind(t, ch, "presence.typing")
	if got := tr.TypingUsers("c1"); len(got) != 1 {
		t.Fatalf("TypingUsers(c1) = %v, want [u2]", got)
	}

	// No typing:stop ever arrives; the entry must still lapse.
	clock.Advance(3*time.Second + time.Millisecond)
	if got := tr.TypingUsers("c1"); got != nil {
		t.Errorf("TypingUsers(c1) after TTL = %v, want nil", got)
	}
}

func TestTypingRefreshExtendsTTL(t *testing.T) {
	b := bus.New()
	tr, clock := newTestTracker(t, b)
	ch, unsub := b.Subscribe("presence.typing", 16)
	defer unsub()

	b.Publish("rt.typing_start", &transport.TypingPayload{ConversationID: "c1", UserID: "u2"})
	awaitKind(t, ch, "presence.typing")

	clock.Advance(2 * time.Second)
	b.Publish("rt.typing_start", &transport.TypingPayload{ConversationID: "c1", UserID: "u2"})
	// Give the tracker loop a chance to consume the refresh: events are
	// handled in order, so once the sentinel below is observable the
	// refresh has been processed.
	b.Publish("rt.typing_start", &transport.TypingPayload{ConversationID: "c9", UserID: "u3"})
	awaitKind(t, ch, "presence.typing")

	// 2s past the original expiry but within the refreshed one.
	clock.Advance(2 * time.Second)
	if got := tr.TypingUsers("c1"); len(got) != 1 {
		t.Errorf("TypingUsers(c1) = %v, want refreshed entry alive", got)
	}
}

func TestMessageClearsSenderTyping(t *testing.T) {
	b := bus.New()
	tr, _ := newTestTracker(t, b)
	ch, unsub := b.Subscribe("presence.typing", 16)
	defer unsub()

	b.Publish("rt.typing_start", &transport.TypingPayload{ConversationID: "c1", UserID: "u2"})
	awaitKind(t, ch, "presence.typing")

	b.Publish("rt.message_new", &model.Message{ID: "m1", ConversationID: "c1", SenderID: "u2"})
	awaitKind(t, ch, "presence.typing")
	if got := tr.TypingUsers("c1"); got != nil {
		t.Errorf("TypingUsers(c1) = %v, want typing cleared by message", got)
	}
}

func TestDisconnectClearsTyping(t *testing.T) {
	b := bus.New()
	tr, _ := newTestTracker(t, b)
	ch, unsub := b.Subscribe("presence.typing", 16)
	defer unsub()

	b.Publish("rt.typing_start", &transport.TypingPayload{ConversationID: "c1", UserID: "u2"})
	awaitKind(t, ch, "presence.typing")

	b.Publish("conn.disconnected", nil)
	awaitKind(t, ch, "presence.typing")
	if got := tr.TypingUsers("c1"); got != nil {
		t.Errorf("TypingUsers(c1) after disconnect = %v, want nil", got)
	}
}

func TestTypingUsersSorted(t *testing.T) {
	b := bus.New()
	tr, _ := newTestTracker(t, b)
	ch, unsub := b.Subscribe("presence.typing", 16)
	defer unsub()

	b.Publish("rt.typing_start", &transport.TypingPayload{ConversationID: "c1", UserID: "zeta"})
	awaitKind(t, ch, "presence.typing")
	b.Publish("rt.typing_start", &transport.TypingPayload{ConversationID: "c1", UserID: "alpha"})
	awaitKind(t, ch, "presence.typing")

	got := tr.TypingUsers("c1")
	if len(got) != 2 || got[0] != "alpha" || got[1] != "zeta" {
		t.Errorf("TypingUsers(c1) = %v, want [alpha zeta]", got)
	}
}
