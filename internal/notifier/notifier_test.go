package notifier

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe("t1", 4)
	b := hub.Subscribe("t1", 4)
	defer a.Close()
	defer b.Close()

	hub.Publish("t1", Event{MessageID: "m1", Status: "completed", Version: 2})

	for _, sub := range []*Subscription{a, b} {
		select {
		case ev := <-sub.C:
			if ev.MessageID != "m1" || ev.Version != 2 {
				t.Fatalf("unexpected event %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber never received event")
		}
	}
}

func TestPublishIsTopicScoped(t *testing.T) {
	hub := NewHub()
	other := hub.Subscribe("t2", 4)
	defer other.Close()

	hub.Publish("t1", Event{MessageID: "m1"})

	select {
	case ev := <-other.C:
		t.Fatalf("event leaked across topics: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsOldestNotNewest(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("t1", 2)
	defer sub.Close()

	for v := int64(1); v <= 5; v++ {
		hub.Publish("t1", Event{MessageID: "m1", Version: v})
	}

	var versions []int64
	for len(sub.C) > 0 {
		versions = append(versions, (<-sub.C).Version)
	}
	if len(versions) != 2 || versions[len(versions)-1] != 5 {
		t.Fatalf("newest event lost, drained %v", versions)
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("t1", 4)
	if hub.Subscribers("t1") != 1 {
		t.Fatalf("subscriber not registered")
	}
	sub.Close()
	if hub.Subscribers("t1") != 0 {
		t.Fatalf("subscriber not removed")
	}
	// Close twice is fine.
	sub.Close()

	// Publishing to an empty topic is a no-op.
	hub.Publish("t1", Event{MessageID: "m1"})
}
