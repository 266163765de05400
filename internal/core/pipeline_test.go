package core

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/crescendoschool/crescendo-core/internal/dispatch"
	"github.com/crescendoschool/crescendo-core/internal/ledger"
	ledgermem "github.com/crescendoschool/crescendo-core/internal/ledger/memory"
	"github.com/crescendoschool/crescendo-core/internal/messagestore"
	msgmem "github.com/crescendoschool/crescendo-core/internal/messagestore/memory"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []dispatch.Job
	err  error
	seen chan dispatch.Job
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{seen: make(chan dispatch.Job, 8)}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, job dispatch.Job) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	f.seen <- job
	return f.err
}

func newPipeline(t *testing.T, d Dispatcher) (*Pipeline, *msgmem.Store, *ledgermem.Store) {
	t.Helper()
	messages := msgmem.New()
	accounts := ledgermem.New()
	quiet := log.New(io.Discard, "", 0)
	p := NewPipeline(messages, accounts, d, Config{MinReserve: 50, InitialGrant: 1000}, quiet)
	return p, messages, accounts
}

func TestSubmitQueuesAndDispatches(t *testing.T) {
	d := newFakeDispatcher()
	p, messages, _ := newPipeline(t, d)
	ctx := context.Background()

	th, err := p.CreateThread(ctx, "u1")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	res, err := p.Submit(ctx, th.ID, "u1", "teach me scales")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Status != messagestore.StatusQueued {
		t.Fatalf("status = %s, want queued", res.Status)
	}

	msgs, _ := messages.ListMessages(ctx, th.ID, 0)
	if len(msgs) != 2 {
		t.Fatalf("expected user message + placeholder, got %+v", msgs)
	}
	if msgs[0].Role != messagestore.RoleUser || msgs[0].Status != messagestore.StatusCompleted || msgs[0].Content != "teach me scales" {
		t.Fatalf("unexpected user message %+v", msgs[0])
	}
	if msgs[1].Role != messagestore.RoleAssistant || msgs[1].Status != messagestore.StatusQueued || msgs[1].ID != res.MessageID {
		t.Fatalf("unexpected placeholder %+v", msgs[1])
	}

	select {
	case job := <-d.seen:
		if job.MessageID != res.MessageID || job.Content != "teach me scales" {
			t.Fatalf("unexpected job %+v", job)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatch never happened")
	}
}

func TestSubmitEmptyContent(t *testing.T) {
	p, _, _ := newPipeline(t, nil)
	ctx := context.Background()
	th, _ := p.CreateThread(ctx, "u1")
	if _, err := p.Submit(ctx, th.ID, "u1", "   "); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
}

func TestSubmitForeignThreadReadsAsNotFound(t *testing.T) {
	p, _, _ := newPipeline(t, nil)
	ctx := context.Background()
	th, _ := p.CreateThread(ctx, "owner")
	if _, err := p.Submit(ctx, th.ID, "intruder", "hi"); !errors.Is(err, messagestore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := p.ListMessages(ctx, th.ID, "intruder", 0); !errors.Is(err, messagestore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on read, got %v", err)
	}
}

func TestSubmitAdmissionControl(t *testing.T) {
	p, messages, accounts := newPipeline(t, nil)
	ctx := context.Background()
	th, _ := p.CreateThread(ctx, "u1")

	// Drain below the reserve.
	if _, err := accounts.Append(ctx, ledger.Entry{
		UserID: "u1", Type: ledger.TypeSpend, Amount: -960, Description: "drain",
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	_, err := p.Submit(ctx, th.ID, "u1", "one more")
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// No partial state: nothing was queued.
	msgs, _ := messages.ListMessages(ctx, th.ID, 0)
	if len(msgs) != 0 {
		t.Fatalf("rejected submit created messages: %+v", msgs)
	}
}

func TestSubmitDispatchFailureKeepsQueuedRecord(t *testing.T) {
	d := newFakeDispatcher()
	d.err = errors.New("worker down")
	p, messages, _ := newPipeline(t, d)
	ctx := context.Background()
	th, _ := p.CreateThread(ctx, "u1")

	res, err := p.Submit(ctx, th.ID, "u1", "hello")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-d.seen

	msg, err := messages.Message(ctx, res.MessageID)
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if msg.Status != messagestore.StatusQueued {
		t.Fatalf("dispatch failure mutated placeholder: %+v", msg)
	}
}

func TestSubmitIncludesHistory(t *testing.T) {
	d := newFakeDispatcher()
	p, messages, _ := newPipeline(t, d)
	ctx := context.Background()
	th, _ := p.CreateThread(ctx, "u1")

	if _, err := p.Submit(ctx, th.ID, "u1", "first question"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	first := <-d.seen

	// Complete the assistant placeholder so it becomes history.
	if _, err := messages.Transition(ctx, messagestore.TransitionRequest{
		MessageID: first.MessageID, To: messagestore.StatusCompleted, Content: "first answer",
	}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	if _, err := p.Submit(ctx, th.ID, "u1", "second question"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second := <-d.seen

	if len(second.History) != 2 {
		t.Fatalf("unexpected history %+v", second.History)
	}
	if second.History[0].Content != "first question" || second.History[1].Content != "first answer" {
		t.Fatalf("history out of order %+v", second.History)
	}
}

func TestAccountProvisionedOnFirstContact(t *testing.T) {
	p, _, _ := newPipeline(t, nil)
	ctx := context.Background()

	acct, err := p.Account(ctx, "fresh")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if acct.Balance != 1000 || acct.LifetimeEarned != 1000 {
		t.Fatalf("unexpected initial account %+v", acct)
	}

	// Second call must not re-grant.
	acct, _ = p.Account(ctx, "fresh")
	if acct.Balance != 1000 {
		t.Fatalf("grant applied twice: %+v", acct)
	}
}

func TestTopupCreditsAccount(t *testing.T) {
	p, _, _ := newPipeline(t, nil)
	ctx := context.Background()

	txn, err := p.Topup(ctx, "u9", 500, "term plan")
	if err != nil {
		t.Fatalf("Topup: %v", err)
	}
	if txn.Type != ledger.TypeTopup || txn.Amount != 500 {
		t.Fatalf("unexpected transaction %+v", txn)
	}
	// Initial grant plus the top-up.
	if txn.BalanceAfter != 1500 {
		t.Fatalf("balance after = %d, want 1500", txn.BalanceAfter)
	}

	if _, err := p.Topup(ctx, "u9", -5, "bogus"); err == nil {
		t.Fatalf("negative top-up accepted")
	}
}
