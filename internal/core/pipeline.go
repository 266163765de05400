// Package core wires submission, admission control and dispatch into the
// pipeline the HTTP layer exposes. The pipeline owns no state of its own;
// everything lives in the message store and the ledger.
package core

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/crescendoschool/crescendo-core/internal/dispatch"
	"github.com/crescendoschool/crescendo-core/internal/ledger"
	"github.com/crescendoschool/crescendo-core/internal/messagestore"
)

// ErrEmptyContent is returned when a submission carries no content.
var ErrEmptyContent = errors.New("core: content must not be empty")

// Dispatcher hands a queued message to the worker fleet.
type Dispatcher interface {
	Dispatch(ctx context.Context, job dispatch.Job) error
}

// Config tunes pipeline behaviour.
type Config struct {
	// MinReserve is the admission threshold: a submission is rejected when
	// the balance snapshot is below it. Advisory; the authoritative check
	// happens inside the ledger append.
	MinReserve int64
	// InitialGrant is credited once when an account is first seen.
	InitialGrant int64
	// HistoryLimit bounds how many prior messages ride along on dispatch.
	HistoryLimit int
	// DispatchTimeout bounds the fire-and-forget worker call.
	DispatchTimeout time.Duration
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		MinReserve:      50,
		InitialGrant:    1000,
		HistoryLimit:    20,
		DispatchTimeout: 10 * time.Second,
	}
}

// Pipeline accepts new messages and queues them for completion.
type Pipeline struct {
	messages   messagestore.Store
	accounts   ledger.Store
	dispatcher Dispatcher
	cfg        Config
	logger     *log.Logger
}

// NewPipeline creates a Pipeline. dispatcher may be nil in tests; submission
// then stops at the queued record.
func NewPipeline(messages messagestore.Store, accounts ledger.Store, dispatcher Dispatcher, cfg Config, logger *log.Logger) *Pipeline {
	if cfg.MinReserve <= 0 {
		cfg.MinReserve = DefaultConfig().MinReserve
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig().HistoryLimit
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultConfig().DispatchTimeout
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[core] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Pipeline{
		messages:   messages,
		accounts:   accounts,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

// SubmitResult reports what submit created.
type SubmitResult struct {
	MessageID string              `json:"message_id"`
	ThreadID  string              `json:"thread_id"`
	Status    messagestore.Status `json:"status"`
}

// CreateThread opens a new conversation for the user, provisioning the
// account on first contact.
func (p *Pipeline) CreateThread(ctx context.Context, userID string) (*messagestore.Thread, error) {
	if _, err := p.accounts.EnsureAccount(ctx, userID, p.cfg.InitialGrant); err != nil {
		return nil, err
	}
	return p.messages.CreateThread(ctx, userID)
}

// ListThreads returns the user's threads, most recently active first.
func (p *Pipeline) ListThreads(ctx context.Context, userID string, limit int) ([]messagestore.Thread, error) {
	return p.messages.ListThreads(ctx, userID, limit)
}

// ListMessages returns a thread's messages after checking ownership. A
// thread owned by someone else reads as not found.
func (p *Pipeline) ListMessages(ctx context.Context, threadID, userID string, limit int) ([]messagestore.Message, error) {
	if _, err := p.ownedThread(ctx, threadID, userID); err != nil {
		return nil, err
	}
	return p.messages.ListMessages(ctx, threadID, limit)
}

// Thread returns the thread after checking ownership.
func (p *Pipeline) Thread(ctx context.Context, threadID, userID string) (*messagestore.Thread, error) {
	return p.ownedThread(ctx, threadID, userID)
}

// Account returns the user's ledger snapshot, provisioning on first contact.
func (p *Pipeline) Account(ctx context.Context, userID string) (*ledger.Account, error) {
	return p.accounts.EnsureAccount(ctx, userID, p.cfg.InitialGrant)
}

// Transactions returns the user's ledger history, newest first.
func (p *Pipeline) Transactions(ctx context.Context, userID string, limit, offset int) ([]ledger.Transaction, error) {
	return p.accounts.ListTransactions(ctx, userID, limit, offset)
}

// Topup credits an account outside the completion flow, for support cases
// and plan purchases. The account is provisioned first so a top-up can
// target a user who has never submitted.
func (p *Pipeline) Topup(ctx context.Context, userID string, amount int64, description string) (*ledger.Transaction, error) {
	if _, err := p.accounts.EnsureAccount(ctx, userID, p.cfg.InitialGrant); err != nil {
		return nil, err
	}
	return p.accounts.Append(ctx, ledger.Entry{
		UserID:      userID,
		Type:        ledger.TypeTopup,
		Amount:      amount,
		Description: description,
	})
}

// Submit accepts a user message: admission control against the minimum
// reserve, persist the user message plus a queued assistant placeholder,
// then dispatch to the worker. Dispatch failure does not roll back the
// queued record; the stale sweep fails it if no callback ever arrives.
func (p *Pipeline) Submit(ctx context.Context, threadID, userID, content string) (*SubmitResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	thread, err := p.ownedThread(ctx, threadID, userID)
	if err != nil {
		return nil, err
	}

	acct, err := p.accounts.EnsureAccount(ctx, userID, p.cfg.InitialGrant)
	if err != nil {
		return nil, err
	}
	if acct.Balance < p.cfg.MinReserve {
		p.logger.Printf("submit rejected user=%s balance=%d reserve=%d", userID, acct.Balance, p.cfg.MinReserve)
		return nil, ledger.ErrInsufficientBalance
	}

	history, err := p.history(ctx, thread.ID)
	if err != nil {
		return nil, err
	}

	if _, err := p.messages.CreateMessage(ctx, messagestore.NewMessage{
		ThreadID: thread.ID,
		Role:     messagestore.RoleUser,
		Content:  content,
		Status:   messagestore.StatusCompleted,
	}); err != nil {
		return nil, err
	}
	placeholder, err := p.messages.CreateMessage(ctx, messagestore.NewMessage{
		ThreadID: thread.ID,
		Role:     messagestore.RoleAssistant,
		Status:   messagestore.StatusQueued,
	})
	if err != nil {
		return nil, err
	}

	p.dispatchAsync(dispatch.Job{
		MessageID: placeholder.ID,
		ThreadID:  thread.ID,
		UserID:    userID,
		Content:   content,
		History:   history,
	})

	return &SubmitResult{
		MessageID: placeholder.ID,
		ThreadID:  thread.ID,
		Status:    placeholder.Status,
	}, nil
}

func (p *Pipeline) ownedThread(ctx context.Context, threadID, userID string) (*messagestore.Thread, error) {
	thread, err := p.messages.Thread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	// A foreign thread reads as not found so ids cannot be probed.
	if thread.UserID != userID {
		return nil, messagestore.ErrNotFound
	}
	return thread, nil
}

func (p *Pipeline) history(ctx context.Context, threadID string) ([]dispatch.HistoryItem, error) {
	msgs, err := p.messages.ListMessages(ctx, threadID, 0)
	if err != nil {
		return nil, err
	}
	var items []dispatch.HistoryItem
	for _, m := range msgs {
		if m.Status != messagestore.StatusCompleted || m.Content == "" {
			continue
		}
		items = append(items, dispatch.HistoryItem{Role: string(m.Role), Content: m.Content})
	}
	if len(items) > p.cfg.HistoryLimit {
		items = items[len(items)-p.cfg.HistoryLimit:]
	}
	return items, nil
}

// dispatchAsync hands the job to the worker without holding up the caller.
func (p *Pipeline) dispatchAsync(job dispatch.Job) {
	if p.dispatcher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DispatchTimeout)
		defer cancel()
		if err := p.dispatcher.Dispatch(ctx, job); err != nil {
			p.logger.Printf("dispatch failed message=%s thread=%s: %v", job.MessageID, job.ThreadID, err)
		}
	}()
}
