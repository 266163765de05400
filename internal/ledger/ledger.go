// Package ledger defines the credit accounts and the append-only transaction
// log behind them. Balances only move through Append; implementations must
// keep the balance, the transaction log, and the cost records consistent
// under concurrent appends for the same account.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crescendoschool/crescendo-core/internal/costing"
)

// Type classifies a ledger transaction.
type Type string

const (
	TypeInitialGrant Type = "initial_grant"
	TypeSpend        Type = "spend"
	TypeTopup        Type = "topup"
	TypeRefund       Type = "refund"
)

var (
	// ErrNotFound is returned when the account does not exist.
	ErrNotFound = errors.New("ledger: account not found")
	// ErrInsufficientBalance is returned when a spend would drive the
	// balance negative. Nothing is applied.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrDuplicateCharge is returned when a spend references a message that
	// already has a cost record. Nothing is applied.
	ErrDuplicateCharge = errors.New("ledger: message already charged")
)

// Account is the per-user balance snapshot. The balance always equals
// lifetime earned minus lifetime spent, and equals the running sum of all
// transaction amounts for the user.
type Account struct {
	UserID         string    `json:"user_id"`
	Balance        int64     `json:"balance"`
	LifetimeEarned int64     `json:"lifetime_earned"`
	LifetimeSpent  int64     `json:"lifetime_spent"`
	PeriodSpent    int64     `json:"period_spent"`
	PeriodStart    time.Time `json:"period_start"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Transaction is one append-only ledger entry. BalanceAfter snapshots the
// account balance immediately after this entry applied, in creation order.
type Transaction struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Type         Type      `json:"type"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	MessageID    string    `json:"message_id,omitempty"`
	ThreadID     string    `json:"thread_id,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CostRecord stores the full pricing breakdown for one completed assistant
// message. Uniquely keyed by message id, which is the double-charge backstop
// on webhook redelivery.
type CostRecord struct {
	MessageID string            `json:"message_id"`
	ThreadID  string            `json:"thread_id"`
	UserID    string            `json:"user_id"`
	Breakdown costing.Breakdown `json:"breakdown"`
	CreatedAt time.Time         `json:"created_at"`
}

// Entry is an append request. Amount is signed: grants, topups and refunds
// are positive, spends negative. A spend for a completed message carries the
// cost breakdown so the cost record lands in the same atomic write.
type Entry struct {
	UserID      string
	Type        Type
	Amount      int64
	MessageID   string
	ThreadID    string
	Description string
	Cost        *costing.Breakdown
}

// Validate checks the entry shape before it reaches a store.
func (e Entry) Validate() error {
	if e.UserID == "" {
		return errors.New("ledger: entry requires user id")
	}
	switch e.Type {
	case TypeSpend:
		if e.Amount >= 0 {
			return fmt.Errorf("ledger: spend amount must be negative, got %d", e.Amount)
		}
	case TypeInitialGrant, TypeTopup, TypeRefund:
		if e.Amount <= 0 {
			return fmt.Errorf("ledger: %s amount must be positive, got %d", e.Type, e.Amount)
		}
	default:
		return fmt.Errorf("ledger: invalid transaction type %q", e.Type)
	}
	if e.Cost != nil && e.MessageID == "" {
		return errors.New("ledger: cost record requires message id")
	}
	return nil
}

// Store defines persistence behaviour for the ledger.
type Store interface {
	// EnsureAccount creates the account if missing, applying the initial
	// grant exactly once. Safe to call repeatedly.
	EnsureAccount(ctx context.Context, userID string, initialGrant int64) (*Account, error)
	// Account returns a snapshot of the account. Advisory only; the
	// authoritative balance check happens inside Append.
	Account(ctx context.Context, userID string) (*Account, error)
	// Append atomically applies the entry to the balance and writes the
	// transaction row. Per-account appends are serialized.
	Append(ctx context.Context, entry Entry) (*Transaction, error)
	// ListTransactions returns entries for a user, newest first.
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]Transaction, error)
	// CostRecorded reports whether a cost record exists for the message.
	CostRecorded(ctx context.Context, messageID string) (bool, error)
	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
	Close() error
}
