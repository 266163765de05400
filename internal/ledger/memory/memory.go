// Package memory implements ledger.Store in process memory. It exists so the
// pipeline can be exercised without a database; semantics match the SQL
// stores, including per-account serialization of appends.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crescendoschool/crescendo-core/internal/ledger"
)

type account struct {
	mu   sync.Mutex
	snap ledger.Account
	txns []ledger.Transaction
}

// Store implements ledger.Store in memory.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*account
	costs    map[string]ledger.CostRecord
}

// New returns an empty in-memory ledger.
func New() *Store {
	return &Store{
		accounts: make(map[string]*account),
		costs:    make(map[string]ledger.CostRecord),
	}
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// Ping is a no-op for the in-memory store.
func (s *Store) Ping(ctx context.Context) error { return nil }

// EnsureAccount creates the account if missing, applying the initial grant
// exactly once.
func (s *Store) EnsureAccount(ctx context.Context, userID string, initialGrant int64) (*ledger.Account, error) {
	if userID == "" {
		return nil, ledger.ErrNotFound
	}
	now := time.Now().UTC()

	s.mu.Lock()
	acct, ok := s.accounts[userID]
	if !ok {
		acct = &account{snap: ledger.Account{
			UserID:      userID,
			PeriodStart: monthStart(now),
			CreatedAt:   now,
			UpdatedAt:   now,
		}}
		s.accounts[userID] = acct
	}
	s.mu.Unlock()

	if !ok && initialGrant > 0 {
		if _, err := s.Append(ctx, ledger.Entry{
			UserID:      userID,
			Type:        ledger.TypeInitialGrant,
			Amount:      initialGrant,
			Description: "initial credit grant",
		}); err != nil {
			return nil, err
		}
	}
	return s.Account(ctx, userID)
}

// Account returns a copy of the account snapshot.
func (s *Store) Account(ctx context.Context, userID string) (*ledger.Account, error) {
	s.mu.RLock()
	acct, ok := s.accounts[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, ledger.ErrNotFound
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	snap := acct.snap
	return &snap, nil
}

// Append applies the entry under the account mutex, serializing concurrent
// appends for the same user.
func (s *Store) Append(ctx context.Context, entry ledger.Entry) (*ledger.Transaction, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	acct, ok := s.accounts[entry.UserID]
	if !ok {
		s.mu.Unlock()
		return nil, ledger.ErrNotFound
	}
	if entry.Cost != nil {
		if _, dup := s.costs[entry.MessageID]; dup {
			s.mu.Unlock()
			return nil, ledger.ErrDuplicateCharge
		}
	}
	s.mu.Unlock()

	now := time.Now().UTC()
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if entry.Amount < 0 && acct.snap.Balance+entry.Amount < 0 {
		return nil, ledger.ErrInsufficientBalance
	}

	// Record the cost under the global lock again; a racing duplicate loses
	// here and nothing below has been applied yet for it.
	if entry.Cost != nil {
		s.mu.Lock()
		if _, dup := s.costs[entry.MessageID]; dup {
			s.mu.Unlock()
			return nil, ledger.ErrDuplicateCharge
		}
		s.costs[entry.MessageID] = ledger.CostRecord{
			MessageID: entry.MessageID,
			ThreadID:  entry.ThreadID,
			UserID:    entry.UserID,
			Breakdown: *entry.Cost,
			CreatedAt: now,
		}
		s.mu.Unlock()
	}

	if start := monthStart(now); acct.snap.PeriodStart.Before(start) {
		acct.snap.PeriodStart = start
		acct.snap.PeriodSpent = 0
	}
	acct.snap.Balance += entry.Amount
	if entry.Amount > 0 {
		acct.snap.LifetimeEarned += entry.Amount
	} else {
		acct.snap.LifetimeSpent += -entry.Amount
		acct.snap.PeriodSpent += -entry.Amount
	}
	acct.snap.UpdatedAt = now

	txn := ledger.Transaction{
		ID:           uuid.NewString(),
		UserID:       entry.UserID,
		Type:         entry.Type,
		Amount:       entry.Amount,
		BalanceAfter: acct.snap.Balance,
		MessageID:    entry.MessageID,
		ThreadID:     entry.ThreadID,
		Description:  entry.Description,
		CreatedAt:    now,
	}
	acct.txns = append(acct.txns, txn)
	return &txn, nil
}

// ListTransactions returns entries for a user, newest first. An unknown user
// reads as an empty page, matching the SQL stores.
func (s *Store) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	acct, ok := s.accounts[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	acct.mu.Lock()
	all := make([]ledger.Transaction, 0, len(acct.txns))
	for i := len(acct.txns) - 1; i >= 0; i-- {
		all = append(all, acct.txns[i])
	}
	acct.mu.Unlock()

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// CostRecorded reports whether a cost record exists for the message.
func (s *Store) CostRecorded(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.costs[messageID]
	return ok, nil
}

func monthStart(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
