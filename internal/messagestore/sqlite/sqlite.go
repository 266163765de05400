// Package sqlite implements messagestore.Store on a local SQLite database.
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

	"github.com/crescendoschool/crescendo-core/internal/messagestore"
)

// Store implements messagestore.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite message store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create message store directory: %w", err)
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
CREATE TABLE IF NOT EXISTS threads (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	last_activity_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_threads_user_activity ON threads(user_id, last_activity_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	role TEXT NOT NULL CHECK(role IN ('user','assistant')),
	content TEXT,
	status TEXT NOT NULL CHECK(status IN ('queued','processing','completed','error')),
	error_reason TEXT,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread_created ON messages(thread_id, created_at);
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
INSERT INTO threads(id, user_id, created_at, last_activity_at) VALUES(?, ?, ?, ?)`,
		th.ID, th.UserID, th.CreatedAt, th.LastActivityAt)
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	return th, nil
}

// Thread returns a thread by id.
func (s *Store) Thread(ctx context.Context, id string) (*messagestore.Thread, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, created_at, last_activity_at FROM threads WHERE id = ?`, id)
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
FROM threads WHERE user_id = ?
ORDER BY last_activity_at DESC
LIMIT ?`, userID, limit)
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
VALUES(?, ?, ?, ?, ?, 1, ?, ?)`,
		msg.ID, msg.ThreadID, string(msg.Role), nullable(msg.Content), string(msg.Status), msg.CreatedAt, msg.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE threads SET last_activity_at = ? WHERE id = ?`, now, m.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("touch thread: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, messagestore.ErrNotFound
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
FROM messages WHERE id = ?`, id))
}

// ListMessages returns a thread's messages in creation order.
func (s *Store) ListMessages(ctx context.Context, threadID string, limit int) ([]messagestore.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, thread_id, role, COALESCE(content, ''), status, COALESCE(error_reason, ''), version, created_at, updated_at
FROM messages WHERE thread_id = ?
ORDER BY created_at ASC, rowid ASC
LIMIT ?`, threadID, limit)
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

// Transition applies one CAS status move. The UPDATE's status guard is the
// transition table, so a stale or duplicate request matches zero rows and is
// reported as not applied rather than overwriting newer state.
func (s *Store) Transition(ctx context.Context, req messagestore.TransitionRequest) (*messagestore.TransitionResult, error) {
	if req.MessageID == "" {
		return nil, errors.New("message id required")
	}
	sources := messagestore.Sources(req.To)
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: no transition reaches %q", messagestore.ErrInvalidStatus, req.To)
	}
	now := time.Now().UTC()

	set := `status = ?, version = version + 1, updated_at = ?`
	args := []any{string(req.To), now}
	switch req.To {
	case messagestore.StatusCompleted:
		set += `, content = ?`
		args = append(args, req.Content)
	case messagestore.StatusError:
		set += `, error_reason = ?`
		args = append(args, req.ErrorReason)
	}
	args = append(args, req.MessageID)
	for _, src := range sources {
		args = append(args, string(src))
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE messages SET %s WHERE id = ? AND status IN (%s)`, set, placeholders(len(sources))), args...)
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
// deadline. The same status guard keeps it from racing a live transition.
func (s *Store) SweepStale(ctx context.Context, updatedBefore time.Time, reason string) ([]messagestore.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
UPDATE messages SET status = 'error', error_reason = ?, version = version + 1, updated_at = ?
WHERE status IN ('queued','processing') AND updated_at < ?
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

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
