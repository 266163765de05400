package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crescendoschool/crescendo-core/internal/messagestore"
)

func TestCreateMessageUnknownThread(t *testing.T) {
	store := New()
	_, err := store.CreateMessage(context.Background(), messagestore.NewMessage{
		ThreadID: "ghost",
		Role:     messagestore.RoleAssistant,
		Status:   messagestore.StatusQueued,
	})
	if !errors.Is(err, messagestore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionCASAppliesOnce(t *testing.T) {
	store := New()
	ctx := context.Background()
	th, err := store.CreateThread(ctx, "u1")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	msg, err := store.CreateMessage(ctx, messagestore.NewMessage{
		ThreadID: th.ID, Role: messagestore.RoleAssistant, Status: messagestore.StatusQueued,
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	applied := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Transition(ctx, messagestore.TransitionRequest{
				MessageID: msg.ID, To: messagestore.StatusCompleted, Content: "winner",
			})
			if err != nil {
				t.Errorf("Transition: %v", err)
				return
			}
			applied <- res.Applied
		}()
	}
	wg.Wait()
	close(applied)

	var wins int
	for ok := range applied {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("CAS applied %d times, want exactly 1", wins)
	}
	got, _ := store.Message(ctx, msg.ID)
	if got.Status != messagestore.StatusCompleted || got.Version != 2 {
		t.Fatalf("unexpected final state %+v", got)
	}
}

func TestListMessagesOrderAndIsolation(t *testing.T) {
	store := New()
	ctx := context.Background()
	th, _ := store.CreateThread(ctx, "u1")
	other, _ := store.CreateThread(ctx, "u2")

	for _, content := range []string{"first", "second", "third"} {
		if _, err := store.CreateMessage(ctx, messagestore.NewMessage{
			ThreadID: th.ID, Role: messagestore.RoleUser, Content: content, Status: messagestore.StatusCompleted,
		}); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}
	if _, err := store.CreateMessage(ctx, messagestore.NewMessage{
		ThreadID: other.ID, Role: messagestore.RoleUser, Content: "elsewhere", Status: messagestore.StatusCompleted,
	}); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	msgs, err := store.ListMessages(ctx, th.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Content != "first" || msgs[2].Content != "third" {
		t.Fatalf("unexpected order %+v", msgs)
	}

	// Mutating the returned slice must not touch store state.
	msgs[0].Content = "tampered"
	got, _ := store.ListMessages(ctx, th.ID, 0)
	if got[0].Content != "first" {
		t.Fatalf("store state mutated through returned copy")
	}
}

func TestSweepStaleSkipsTerminal(t *testing.T) {
	store := New()
	ctx := context.Background()
	th, _ := store.CreateThread(ctx, "u1")

	stale, _ := store.CreateMessage(ctx, messagestore.NewMessage{
		ThreadID: th.ID, Role: messagestore.RoleAssistant, Status: messagestore.StatusQueued,
	})
	done, _ := store.CreateMessage(ctx, messagestore.NewMessage{
		ThreadID: th.ID, Role: messagestore.RoleAssistant, Status: messagestore.StatusQueued,
	})
	if _, err := store.Transition(ctx, messagestore.TransitionRequest{
		MessageID: done.ID, To: messagestore.StatusCompleted, Content: "done",
	}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	swept, err := store.SweepStale(ctx, time.Now().UTC().Add(time.Minute), "processing failed")
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if len(swept) != 1 || swept[0].ID != stale.ID {
		t.Fatalf("unexpected sweep set %+v", swept)
	}
	got, _ := store.Message(ctx, done.ID)
	if got.Status != messagestore.StatusCompleted {
		t.Fatalf("terminal message swept: %+v", got)
	}
}

func TestListThreadsMostRecentFirst(t *testing.T) {
	store := New()
	ctx := context.Background()
	a, _ := store.CreateThread(ctx, "u1")
	time.Sleep(2 * time.Millisecond)
	b, _ := store.CreateThread(ctx, "u1")
	time.Sleep(2 * time.Millisecond)

	// Activity on a makes it most recent again.
	if _, err := store.CreateMessage(ctx, messagestore.NewMessage{
		ThreadID: a.ID, Role: messagestore.RoleUser, Content: "hi", Status: messagestore.StatusCompleted,
	}); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	threads, err := store.ListThreads(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(threads) != 2 || threads[0].ID != a.ID || threads[1].ID != b.ID {
		t.Fatalf("unexpected thread order %+v", threads)
	}
}
