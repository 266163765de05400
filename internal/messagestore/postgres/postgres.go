// Package postgres implements messagestore.Store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/crescendoschool/crescendo-core/internal/messagestore"
)

// Store implements messagestore.Store for PostgreSQL.
type Store struct {
	db *sql.DB
}

// Config holds connection pool settings.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns sensible defaults for connection pooling.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// New creates a new PostgreSQL message store with the given DSN.
func New(dsn string, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS threads (
	id UUID PRIMARY KEY,
	user_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_threads_user_activity ON threads(user_id, last_activity_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id UUID PRIMARY KEY,
	seq BIGSERIAL,
	thread_id UUID NOT NULL REFERENCES threads(id),
	role TEXT NOT NULL CHECK(role IN ('user','assistant')),
	content TEXT,
	status TEXT NOT NULL CHECK(status IN ('queued','processing','completed','error')),
	error_reason TEXT,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_messages_thread_seq ON messages(thread_id, seq);
CREATE INDEX IF NOT EXISTS idx_messages_status_updated ON messages(status, updated_at);
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
	_, err := s.db.ExecContext(ctx, `
INSERT INTO threads(id, user_id, created_at, last_activity_at) VALUES($1, $2, $3, $3)`,
		th.ID, th.UserID, now)
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	return th, nil
}

// Thread returns a thread by id.
func (s *Store) Thread(ctx context.Context, id string) (*messagestore.Thread, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, created_at, last_activity_at FROM threads WHERE id = $1`, id)
	var th messagestore.Thread
	err := row.Scan(&th.ID, &th.UserID, &th.CreatedAt, &th.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, messagestore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &th, nil
}

// ListThreads returns the user's threads, most recently active first.
func (s *Store) ListThreads(ctx context.Context, userID string, limit int) ([]messagestore.Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, created_at, last_activity_at
FROM threads WHERE user_id = $1
ORDER BY last_activity_at DESC
LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []messagestore.Thread
	for rows.Next() {
		var th messagestore.Thread
		if err := rows.Scan(&th.ID, &th.UserID, &th.CreatedAt, &th.LastActivityAt); err != nil {
			return nil, err
		}
		threads = append(threads, th)
	}
	return threads, rows.Err()
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
	msg := &messagestore.Message{
		ID:        uuid.NewString(),
		ThreadID:  m.ThreadID,
		Role:      m.Role,
		Content:   m.Content,
		Status:    m.Status,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO messages(id, thread_id, role, content, status, version, created_at, updated_at)
VALUES($1, $2, $3, $4, $5, 1, $6, $6)`,
		msg.ID, msg.ThreadID, string(msg.Role), nullable(msg.Content), string(msg.Status), now)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, messagestore.ErrNotFound
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE threads SET last_activity_at = $1 WHERE id = $2`, now, m.ThreadID); err != nil {
		return nil, fmt.Errorf("touch thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert: %w", err)
	}
	return msg, nil
}

// Message returns a message by id.
func (s *Store) Message(ctx context.Context, id string) (*messagestore.Message, error) {
	return scanMessage(s.db.QueryRowContext(ctx, `
SELECT id, thread_id, role, COALESCE(content, ''), status, COALESCE(error_reason, ''), version, created_at, updated_at
FROM messages WHERE id = $1`, id))
}

// ListMessages returns a thread's messages in creation order.
func (s *Store) ListMessages(ctx context.Context, threadID string, limit int) ([]messagestore.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, thread_id, role, COALESCE(content, ''), status, COALESCE(error_reason, ''), version, created_at, updated_at
FROM messages WHERE thread_id = $1
ORDER BY seq ASC
LIMIT $2`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []messagestore.Message
	for rows.Next() {
		var m messagestore.Message
		var role, status string
		if err := rows.Scan(&m.ID, &m.ThreadID, &role, &m.Content, &status, &m.ErrorReason, &m.Version, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Role = messagestore.Role(role)
		m.Status = messagestore.Status(status)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Transition applies one CAS status move guarded by the transition table.
func (s *Store) Transition(ctx context.Context, req messagestore.TransitionRequest) (*messagestore.TransitionResult, error) {
	if req.MessageID == "" {
		return nil, errors.New("message id required")
	}
	sources := messagestore.Sources(req.To)
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: no transition reaches %q", messagestore.ErrInvalidStatus, req.To)
	}
	now := time.Now().UTC()

	set := `status = $1, version = version + 1, updated_at = $2`
	args := []any{string(req.To), now}
	switch req.To {
	case messagestore.StatusCompleted:
		set += `, content = $3`
		args = append(args, req.Content)
	case messagestore.StatusError:
		set += `, error_reason = $3`
		args = append(args, req.ErrorReason)
	}
	idIdx := len(args) + 1
	args = append(args, req.MessageID)
	var guards []string
	for _, src := range sources {
		args = append(args, string(src))
		guards = append(guards, fmt.Sprintf("$%d", len(args)))
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE messages SET %s WHERE id = $%d AND status IN (%s)`, set, idIdx, strings.Join(guards, ",")), args...)
	if err != nil {
		return nil, fmt.Errorf("transition update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	msg, err := s.Message(ctx, req.MessageID)
	if err != nil {
		return nil, err
	}
	return &messagestore.TransitionResult{Applied: n > 0, Message: msg}, nil
}

// SweepStale force-fails queued/processing messages not updated since the
// deadline, via the same status guard.
func (s *Store) SweepStale(ctx context.Context, updatedBefore time.Time, reason string) ([]messagestore.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
UPDATE messages SET status = 'error', error_reason = $1, version = version + 1, updated_at = $2
WHERE status IN ('queued','processing') AND updated_at < $3
RETURNING id, thread_id, role, COALESCE(content, ''), status, COALESCE(error_reason, ''), version, created_at, updated_at`,
		reason, time.Now().UTC(), updatedBefore)
	if err != nil {
		return nil, fmt.Errorf("sweep stale: %w", err)
	}
	defer rows.Close()

	var swept []messagestore.Message
	for rows.Next() {
		var m messagestore.Message
		var role, status string
		if err := rows.Scan(&m.ID, &m.ThreadID, &role, &m.Content, &status, &m.ErrorReason, &m.Version, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Role = messagestore.Role(role)
		m.Status = messagestore.Status(status)
		swept = append(swept, m)
	}
	return swept, rows.Err()
}

func scanMessage(row *sql.Row) (*messagestore.Message, error) {
	var m messagestore.Message
	var role, status string
	err := row.Scan(&m.ID, &m.ThreadID, &role, &m.Content, &status, &m.ErrorReason, &m.Version, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, messagestore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Role = messagestore.Role(role)
	m.Status = messagestore.Status(status)
	return &m, nil
}

// isForeignKeyViolation reports whether err is a PostgreSQL foreign_key_violation.
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
