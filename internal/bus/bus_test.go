package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	b.Publish("conn.connected", nil)

	select {
	case evt := <-ch:
		if evt.Kind != "conn.connected" {
			t.Errorf("got kind %q, want conn.connected", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("rt.", 10)
	defer unsub()

	b.Publish("conn.connected", nil)
	b.Publish("rt.message_new", nil)

	select {
	case evt := <-ch:
		if evt.Kind != "rt.message_new" {
			t.Errorf("got kind %q, want rt.message_new", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// The conn.* event must not have been delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	unsub()

	b.Publish("conn.connected", nil)

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("rt.", 1)
	defer unsub()

	b.Publish("rt.one", nil)
	// Buffer is full: this one is dropped rather than blocking.
	b.Publish("rt.two", nil)

	evt := <-ch
	if evt.Kind != "rt.one" {
		t.Errorf("got %q, want rt.one", evt.Kind)
	}
}
