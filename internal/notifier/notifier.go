// Package notifier fans out message state changes to realtime subscribers.
// One logical topic per thread. Delivery is at-least-once and best-effort;
// the message store remains the source of truth and subscribers resync from
// it after reconnecting.
package notifier

import (
	"sync"
	"time"
)

// Event is one state change on a thread's topic. Version is the message's
// transition counter so subscribers can drop stale events after a resync.
type Event struct {
	MessageID    string    `json:"message_id"`
	ThreadID     string    `json:"thread_id"`
	Status       string    `json:"status"`
	Version      int64     `json:"version"`
	Content      string    `json:"content,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	At           time.Time `json:"at"`
}

// Publisher is the write side of the realtime channel.
type Publisher interface {
	Publish(threadID string, ev Event)
}

// Hub is an in-process Publisher with per-topic subscriber registries.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
}

// Subscription receives events for one topic. Events arrive on C; a
// subscriber that falls behind loses the oldest pending event rather than
// blocking the publisher.
type Subscription struct {
	C      chan Event
	hub    *Hub
	topic  string
	closed bool
	mu     sync.Mutex
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers interest in a thread's topic. buffer bounds how many
// undelivered events the subscription holds.
func (h *Hub) Subscribe(threadID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &Subscription{
		C:     make(chan Event, buffer),
		hub:   h,
		topic: threadID,
	}
	h.mu.Lock()
	subs, ok := h.topics[threadID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[threadID] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish delivers ev to every subscriber of the topic without blocking.
// When a subscriber's buffer is full the oldest pending event is dropped so
// the newest state always gets through.
func (h *Hub) Publish(threadID string, ev Event) {
	h.mu.RLock()
	subs := h.topics[threadID]
	for sub := range subs {
		select {
		case sub.C <- ev:
		default:
			select {
			case <-sub.C:
			default:
			}
			select {
			case sub.C <- ev:
			default:
			}
		}
	}
	h.mu.RUnlock()
}

// Subscribers reports how many subscriptions a topic currently has.
func (h *Hub) Subscribers(threadID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[threadID])
}

// Close removes the subscription from its topic and closes C.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	h := s.hub
	h.mu.Lock()
	if subs, ok := h.topics[s.topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.topics, s.topic)
		}
	}
	h.mu.Unlock()
	close(s.C)
}
