// Package sqlite implements ledger.Store on a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/crescendoschool/crescendo-core/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite ledger at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id TEXT PRIMARY KEY,
	balance INTEGER NOT NULL DEFAULT 0,
	lifetime_earned INTEGER NOT NULL DEFAULT 0,
	lifetime_spent INTEGER NOT NULL DEFAULT 0,
	period_spent INTEGER NOT NULL DEFAULT 0,
	period_start TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	CHECK (balance = lifetime_earned - lifetime_spent)
);

CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	type TEXT NOT NULL CHECK(type IN ('initial_grant','spend','topup','refund')),
	amount INTEGER NOT NULL,
	balance_after INTEGER NOT NULL,
	message_id TEXT,
	thread_id TEXT,
	description TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_user_created ON transactions(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS cost_records (
	message_id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	model TEXT NOT NULL,
	provider TEXT,
	input_usd REAL NOT NULL,
	output_usd REAL NOT NULL,
	total_usd REAL NOT NULL,
	credit_usd REAL NOT NULL,
	credit_units INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cost_records_user_created ON cost_records(user_id, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureAccount creates the account if missing and applies the initial grant
// exactly once, keyed on the insert actually happening.
func (s *Store) EnsureAccount(ctx context.Context, userID string, initialGrant int64) (*ledger.Account, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO accounts(user_id, balance, lifetime_earned, lifetime_spent, period_spent, period_start, created_at, updated_at)
VALUES(?, 0, 0, 0, 0, ?, ?, ?)
ON CONFLICT(user_id) DO NOTHING`,
		userID, monthStart(now), now, now)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if inserted > 0 && initialGrant > 0 {
		if _, err := s.Append(ctx, ledger.Entry{
			UserID:      userID,
			Type:        ledger.TypeInitialGrant,
			Amount:      initialGrant,
			Description: "initial credit grant",
		}); err != nil {
			return nil, fmt.Errorf("apply initial grant: %w", err)
		}
	}
	return s.Account(ctx, userID)
}

// Account returns a snapshot of the account.
func (s *Store) Account(ctx context.Context, userID string) (*ledger.Account, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT user_id, balance, lifetime_earned, lifetime_spent, period_spent, period_start, created_at, updated_at
FROM accounts WHERE user_id = ?`, userID)
	var a ledger.Account
	err := row.Scan(&a.UserID, &a.Balance, &a.LifetimeEarned, &a.LifetimeSpent, &a.PeriodSpent, &a.PeriodStart, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Append applies the entry inside one database transaction. The balance
// mutation is a single guarded UPDATE, so concurrent appends for the same
// account cannot both read a stale balance; the transaction row snapshots
// the balance the UPDATE returned.
func (s *Store) Append(ctx context.Context, entry ledger.Entry) (*ledger.Transaction, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if entry.Cost != nil {
		b := entry.Cost
		_, err = tx.ExecContext(ctx, `
INSERT INTO cost_records(message_id, thread_id, user_id, input_tokens, output_tokens, total_tokens, model, provider, input_usd, output_usd, total_usd, credit_usd, credit_units, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.MessageID, entry.ThreadID, entry.UserID,
			b.InputTokens, b.OutputTokens, b.TotalTokens, b.Model, b.Provider,
			b.InputUSD, b.OutputUSD, b.TotalUSD, b.CreditUSD, b.CreditUnits, now)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, ledger.ErrDuplicateCharge
			}
			return nil, fmt.Errorf("insert cost record: %w", err)
		}
	}

	var earned, spent int64
	if entry.Amount > 0 {
		earned = entry.Amount
	} else {
		spent = -entry.Amount
	}

	args := []any{
		entry.Amount, earned, spent,
		monthStart(now), spent, spent,
		monthStart(now), monthStart(now),
		now, entry.UserID,
	}
	guard := ""
	if entry.Amount < 0 {
		guard = "AND balance + ? >= 0"
		args = append(args, entry.Amount)
	}

	row := tx.QueryRowContext(ctx, `
UPDATE accounts SET
	balance = balance + ?,
	lifetime_earned = lifetime_earned + ?,
	lifetime_spent = lifetime_spent + ?,
	period_spent = CASE WHEN period_start < ? THEN ? ELSE period_spent + ? END,
	period_start = CASE WHEN period_start < ? THEN ? ELSE period_start END,
	updated_at = ?
WHERE user_id = ? `+guard+`
RETURNING balance`, args...)

	var balanceAfter int64
	if err := row.Scan(&balanceAfter); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.classifyRejected(ctx, tx, entry.UserID)
		}
		return nil, fmt.Errorf("update balance: %w", err)
	}

	txn := &ledger.Transaction{
		ID:           uuid.NewString(),
		UserID:       entry.UserID,
		Type:         entry.Type,
		Amount:       entry.Amount,
		BalanceAfter: balanceAfter,
		MessageID:    entry.MessageID,
		ThreadID:     entry.ThreadID,
		Description:  entry.Description,
		CreatedAt:    now,
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO transactions(id, user_id, type, amount, balance_after, message_id, thread_id, description, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.UserID, string(txn.Type), txn.Amount, txn.BalanceAfter,
		nullable(txn.MessageID), nullable(txn.ThreadID), txn.Description, txn.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return txn, nil
}

// classifyRejected decides why the guarded UPDATE matched no row.
func (s *Store) classifyRejected(ctx context.Context, tx *sql.Tx, userID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE user_id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotFound
	}
	if err != nil {
		return err
	}
	return ledger.ErrInsufficientBalance
}

// ListTransactions returns entries for a user, newest first.
func (s *Store) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]ledger.Transaction, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, type, amount, balance_after, COALESCE(message_id, ''), COALESCE(thread_id, ''), COALESCE(description, ''), created_at
FROM transactions
WHERE user_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Transaction
	for rows.Next() {
		var t ledger.Transaction
		var typ string
		if err := rows.Scan(&t.ID, &t.UserID, &typ, &t.Amount, &t.BalanceAfter, &t.MessageID, &t.ThreadID, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = ledger.Type(typ)
		entries = append(entries, t)
	}
	return entries, rows.Err()
}

// CostRecorded reports whether a cost record exists for the message.
func (s *Store) CostRecorded(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, errors.New("message id required")
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM cost_records WHERE message_id = ?`, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// monthStart truncates to the first instant of the month, the period
// boundary for usage counters.
func monthStart(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
