// Package messagestore persists conversation threads and messages, and owns
// the message status state machine. Transitions only move forward; a message
// that reached a terminal status never leaves it. All transition writes are
// compare-and-swap on the current status so duplicate or out-of-order
// webhook deliveries cannot regress state.
package messagestore

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a message.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// transitions is the full table of legal moves. Anything absent is illegal.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusCompleted, StatusError},
	StatusProcessing: {StatusCompleted, StatusError},
}

// ValidStatus reports whether s names a known status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Sources returns every status from which `to` is reachable in one step.
// Used by stores to build the CAS guard.
func Sources(to Status) []Status {
	var out []Status
	for from, nexts := range transitions {
		for _, next := range nexts {
			if next == to {
				out = append(out, from)
			}
		}
	}
	return out
}

var (
	// ErrNotFound is returned when a thread or message does not exist.
	ErrNotFound = errors.New("messagestore: not found")
	// ErrInvalidStatus is returned for a status outside the known set.
	ErrInvalidStatus = errors.New("messagestore: invalid status")
)

// Thread is a conversation owned by one user.
type Thread struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Message is one exchange unit. Content stays empty until the completed
// transition sets it exactly once; ErrorReason is set only on the error
// transition. Version increments on every applied transition, giving
// realtime subscribers a monotonic ordering key.
type Message struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content,omitempty"`
	Status      Status    `json:"status"`
	ErrorReason string    `json:"error_reason,omitempty"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewMessage is a message insert request.
type NewMessage struct {
	ThreadID string
	Role     Role
	Content  string // empty for assistant placeholders
	Status   Status
}

// TransitionRequest asks for one CAS move of a message's status. Content is
// honoured only when To is completed; ErrorReason only when To is error.
type TransitionRequest struct {
	MessageID   string
	To          Status
	Content     string
	ErrorReason string
}

// TransitionResult reports what the CAS did. When Applied is false the
// message was already at or past the requested status (duplicate or
// out-of-order delivery); Message carries the state actually stored.
type TransitionResult struct {
	Applied bool
	Message *Message
}

// Store defines persistence behaviour for threads and messages.
type Store interface {
	CreateThread(ctx context.Context, userID string) (*Thread, error)
	Thread(ctx context.Context, id string) (*Thread, error)
	ListThreads(ctx context.Context, userID string, limit int) ([]Thread, error)

	CreateMessage(ctx context.Context, m NewMessage) (*Message, error)
	Message(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error)

	// Transition applies a CAS status move per the transition table.
	Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error)
	// SweepStale force-fails queued/processing messages not updated since
	// the deadline, via the same CAS guard. Returns the swept messages.
	SweepStale(ctx context.Context, updatedBefore time.Time, reason string) ([]Message, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
	Close() error
}
