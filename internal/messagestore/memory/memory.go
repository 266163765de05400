// Package memory implements messagestore.Store entirely in memory. Used by
// tests and for local development without a database.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crescendoschool/crescendo-core/internal/messagestore"
)

// Store implements messagestore.Store with in-process maps.
type Store struct {
	mu       sync.RWMutex
	threads  map[string]*messagestore.Thread
	messages map[string]*record
	seq      int64
}

type record struct {
	msg messagestore.Message
	seq int64
}

// New returns an empty in-memory message store.
func New() *Store {
	return &Store{
		threads:  make(map[string]*messagestore.Thread),
		messages: make(map[string]*record),
	}
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// CreateThread inserts a new thread for the user.
func (s *Store) CreateThread(ctx context.Context, userID string) (*messagestore.Thread, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	now := time.Now().UTC()
	th := &messagestore.Thread{
		ID:             uuid.NewString(),
		UserID:         userID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	s.mu.Lock()
	s.threads[th.ID] = th
	s.mu.Unlock()

	cp := *th
	return &cp, nil
}

// Thread returns a thread by id.
func (s *Store) Thread(ctx context.Context, id string) (*messagestore.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th, ok := s.threads[id]
	if !ok {
		return nil, messagestore.ErrNotFound
	}
	cp := *th
	return &cp, nil
}

// ListThreads returns the user's threads, most recently active first.
func (s *Store) ListThreads(ctx context.Context, userID string, limit int) ([]messagestore.Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	var out []messagestore.Thread
	for _, th := range s.threads {
		if th.UserID == userID {
			out = append(out, *th)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateMessage inserts a message and touches the thread's last activity.
func (s *Store) CreateMessage(ctx context.Context, m messagestore.NewMessage) (*messagestore.Message, error) {
	if m.ThreadID == "" {
		return nil, errors.New("thread id required")
	}
	if !messagestore.ValidStatus(m.Status) {
		return nil, messagestore.ErrInvalidStatus
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[m.ThreadID]
	if !ok {
		return nil, messagestore.ErrNotFound
	}
	th.LastActivityAt = now

	s.seq++
	msg := messagestore.Message{
		ID:        uuid.NewString(),
		ThreadID:  m.ThreadID,
		Role:      m.Role,
		Content:   m.Content,
		Status:    m.Status,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.messages[msg.ID] = &record{msg: msg, seq: s.seq}

	cp := msg
	return &cp, nil
}

// Message returns a message by id.
func (s *Store) Message(ctx context.Context, id string) (*messagestore.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.messages[id]
	if !ok {
		return nil, messagestore.ErrNotFound
	}
	cp := rec.msg
	return &cp, nil
}

// ListMessages returns a thread's messages in creation order.
func (s *Store) ListMessages(ctx context.Context, threadID string, limit int) ([]messagestore.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	s.mu.RLock()
	var recs []*record
	for _, rec := range s.messages {
		if rec.msg.ThreadID == threadID {
			recs = append(recs, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	if len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]messagestore.Message, len(recs))
	for i, rec := range recs {
		out[i] = rec.msg
	}
	return out, nil
}

// Transition applies one CAS status move guarded by the transition table.
func (s *Store) Transition(ctx context.Context, req messagestore.TransitionRequest) (*messagestore.TransitionResult, error) {
	if req.MessageID == "" {
		return nil, errors.New("message id required")
	}
	if len(messagestore.Sources(req.To)) == 0 {
		return nil, fmt.Errorf("%w: no transition reaches %q", messagestore.ErrInvalidStatus, req.To)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.messages[req.MessageID]
	if !ok {
		return nil, messagestore.ErrNotFound
	}
	if !messagestore.CanTransition(rec.msg.Status, req.To) {
		cp := rec.msg
		return &messagestore.TransitionResult{Applied: false, Message: &cp}, nil
	}

	rec.msg.Status = req.To
	rec.msg.Version++
	rec.msg.UpdatedAt = time.Now().UTC()
	switch req.To {
	case messagestore.StatusCompleted:
		rec.msg.Content = req.Content
	case messagestore.StatusError:
		rec.msg.ErrorReason = req.ErrorReason
	}

	cp := rec.msg
	return &messagestore.TransitionResult{Applied: true, Message: &cp}, nil
}

// SweepStale force-fails queued/processing messages not updated since the
// deadline.
func (s *Store) SweepStale(ctx context.Context, updatedBefore time.Time, reason string) ([]messagestore.Message, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	var swept []messagestore.Message
	for _, rec := range s.messages {
		if rec.msg.Status.Terminal() || !rec.msg.UpdatedAt.Before(updatedBefore) {
			continue
		}
		rec.msg.Status = messagestore.StatusError
		rec.msg.ErrorReason = reason
		rec.msg.Version++
		rec.msg.UpdatedAt = now
		swept = append(swept, rec.msg)
	}
	return swept, nil
}
