// Package postgres implements ledger.Store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/crescendoschool/crescendo-core/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger using the provided DSN and connection
// pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}

	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
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
	balance BIGINT NOT NULL DEFAULT 0,
	lifetime_earned BIGINT NOT NULL DEFAULT 0,
	lifetime_spent BIGINT NOT NULL DEFAULT 0,
	period_spent BIGINT NOT NULL DEFAULT 0,
	period_start TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK (balance = lifetime_earned - lifetime_spent)
);

CREATE TABLE IF NOT EXISTS transactions (
	id UUID PRIMARY KEY,
	user_id TEXT NOT NULL,
	type TEXT NOT NULL CHECK(type IN ('initial_grant','spend','topup','refund')),
	amount BIGINT NOT NULL,
	balance_after BIGINT NOT NULL,
	message_id TEXT,
	thread_id TEXT,
	description TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_transactions_user_created ON transactions(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS cost_records (
	message_id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	input_tokens BIGINT NOT NULL,
	output_tokens BIGINT NOT NULL,
	total_tokens BIGINT NOT NULL,
	model TEXT NOT NULL,
	provider TEXT,
	input_usd DOUBLE PRECISION NOT NULL,
	output_usd DOUBLE PRECISION NOT NULL,
	total_usd DOUBLE PRECISION NOT NULL,
	credit_usd DOUBLE PRECISION NOT NULL,
	credit_units BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
// exactly once.
func (s *Store) EnsureAccount(ctx context.Context, userID string, initialGrant int64) (*ledger.Account, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO accounts(user_id, period_start, created_at, updated_at)
VALUES($1, $2, $3, $3)
ON CONFLICT (user_id) DO NOTHING`,
		userID, monthStart(now), now)
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
FROM accounts WHERE user_id = $1`, userID)
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

// Append applies the entry inside one transaction. The balance moves via a
// single guarded UPDATE which takes the row lock, so concurrent appends for
// one account serialize on the database; balance_after comes from RETURNING.
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
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
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

	query := `
UPDATE accounts SET
	balance = balance + $1,
	lifetime_earned = lifetime_earned + $2,
	lifetime_spent = lifetime_spent + $3,
	period_spent = CASE WHEN period_start < $4 THEN $3 ELSE period_spent + $3 END,
	period_start = CASE WHEN period_start < $4 THEN $4 ELSE period_start END,
	updated_at = $5
WHERE user_id = $6`
	if entry.Amount < 0 {
		query += ` AND balance + $1 >= 0`
	}
	query += ` RETURNING balance`

	var balanceAfter int64
	err = tx.QueryRowContext(ctx, query, entry.Amount, earned, spent, monthStart(now), now, entry.UserID).Scan(&balanceAfter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.classifyRejected(ctx, tx, entry.UserID)
	}
	if err != nil {
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
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
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

func (s *Store) classifyRejected(ctx context.Context, tx *sql.Tx, userID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE user_id = $1`, userID).Scan(&one)
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
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`, userID, limit, offset)
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
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM cost_records WHERE message_id = $1`, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func monthStart(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
