package bus

import (
	"testing"
	"time"
)

func TestPublishDeliversToSubscribersOfTheSameProject(t *testing.T) {
	b := New(Config{})
	sub := b.Subscribe("p1", "u1", "", "test-agent")
	defer b.Unsubscribe(sub)

	other := b.Subscribe("p2", "u2", "", "test-agent")
	defer b.Unsubscribe(other)

	// Each Subscribe announces the joining user with a presence.updated
	// event on its own project; consume those before publishing.
	if ev, ok := sub.Next(); !ok || ev.Type != PresenceUpdated {
		t.Fatalf("join event = %q (ok=%v), want %q", ev.Type, ok, PresenceUpdated)
	}
	if ev := <-other.ch; ev.Type != PresenceUpdated {
		t.Fatalf("other join event = %q, want %q", ev.Type, PresenceUpdated)
	}

	b.Publish(Event{ProjectID: "p1", Type: TaskCreated, Payload: MustPayload(map[string]string{"task_id": "t1"})})

	ev, ok := sub.Next()
	if !ok {
		t.Fatal("expected an event")
	}
	if ev.Type != TaskCreated {
		t.Errorf("Type = %q, want %q", ev.Type, TaskCreated)
	}
	if ev.EventID == 0 {
		t.Error("expected a non-zero event id")
	}

	select {
	case _, ok := <-other.ch:
		if ok {
			t.Error("subscriber of a different project should not receive the event")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesNext(t *testing.T) {
	b := New(Config{})
	sub := b.Subscribe("p1", "u1", "", "test-agent")
	b.Unsubscribe(sub)

	if _, ok := sub.Next(); ok {
		t.Error("Next on an unsubscribed subscription should return ok=false")
	}
}

func TestPublishDropsOldestWhenQueueFull(t *testing.T) {
	b := New(Config{QueueSize: 2})
	sub := b.Subscribe("p1", "u1", "", "test-agent")
	defer b.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		b.Publish(Event{ProjectID: "p1", Type: TaskUpdated})
	}

	ev, ok := sub.Next()
	if !ok {
		t.Fatal("expected a lag marker or event")
	}
	if ev.Type != lagEvent && ev.Type != TaskUpdated {
		t.Errorf("unexpected first event type: %q", ev.Type)
	}
}
