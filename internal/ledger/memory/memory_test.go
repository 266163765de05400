package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/crescendoschool/crescendo-core/internal/costing"
	"github.com/crescendoschool/crescendo-core/internal/ledger"
)

func TestConcurrentDebitsConserveBalance(t *testing.T) {
	store := New()
	ctx := context.Background()
	const initial = 500
	if _, err := store.EnsureAccount(ctx, "u1", initial); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	var debited int64

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Append(ctx, ledger.Entry{UserID: "u1", Type: ledger.TypeSpend, Amount: -20})
			switch {
			case err == nil:
				mu.Lock()
				debited += 20
				mu.Unlock()
			case errors.Is(err, ledger.ErrInsufficientBalance):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	acct, err := store.Account(ctx, "u1")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if acct.Balance != initial-debited {
		t.Fatalf("balance %d, expected %d", acct.Balance, initial-debited)
	}
	if acct.Balance != acct.LifetimeEarned-acct.LifetimeSpent {
		t.Fatalf("conservation violated: %#v", acct)
	}
	if acct.Balance < 0 {
		t.Fatalf("balance went negative: %d", acct.Balance)
	}
}

func TestDuplicateChargeBackstop(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, err := store.EnsureAccount(ctx, "u1", 100); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}

	entry := ledger.Entry{
		UserID: "u1", Type: ledger.TypeSpend, Amount: -10,
		MessageID: "m1", ThreadID: "t1",
		Cost: &costing.Breakdown{Model: "x", CreditUnits: 10},
	}
	if _, err := store.Append(ctx, entry); err != nil {
		t.Fatalf("first charge: %v", err)
	}
	if _, err := store.Append(ctx, entry); !errors.Is(err, ledger.ErrDuplicateCharge) {
		t.Fatalf("expected ErrDuplicateCharge, got %v", err)
	}
	acct, _ := store.Account(ctx, "u1")
	if acct.Balance != 90 {
		t.Fatalf("duplicate moved balance: %d", acct.Balance)
	}
}

func TestListTransactionsNewestFirst(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, err := store.EnsureAccount(ctx, "u1", 100); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.Append(ctx, ledger.Entry{UserID: "u1", Type: ledger.TypeSpend, Amount: -1}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	txns, err := store.ListTransactions(ctx, "u1", 2, 0)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("expected 2, got %d", len(txns))
	}
	if txns[0].BalanceAfter != 97 || txns[1].BalanceAfter != 98 {
		t.Fatalf("unexpected ordering: %#v", txns)
	}
}

func TestListTransactionsUnknownUserIsEmpty(t *testing.T) {
	store := New()
	txns, err := store.ListTransactions(context.Background(), "nobody", 10, 0)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txns) != 0 {
		t.Fatalf("expected empty page, got %#v", txns)
	}
}
