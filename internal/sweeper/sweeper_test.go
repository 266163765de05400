package sweeper

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/crescendoschool/crescendo-core/internal/messagestore"
	msgmem "github.com/crescendoschool/crescendo-core/internal/messagestore/memory"
	"github.com/crescendoschool/crescendo-core/internal/notifier"
)

func TestSweepOnceFailsStaleAndPublishes(t *testing.T) {
	ctx := context.Background()
	messages := msgmem.New()
	hub := notifier.NewHub()

	th, _ := messages.CreateThread(ctx, "u1")
	stale, err := messages.CreateMessage(ctx, messagestore.NewMessage{
		ThreadID: th.ID, Role: messagestore.RoleAssistant, Status: messagestore.StatusQueued,
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	sub := hub.Subscribe(th.ID, 4)
	defer sub.Close()

	// Deadline of zero means everything already queued is overdue.
	s := New(messages, hub, Config{Deadline: time.Nanosecond, Interval: time.Hour}, log.New(io.Discard, "", 0))
	time.Sleep(5 * time.Millisecond)

	n, err := s.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}

	got, _ := messages.Message(ctx, stale.ID)
	if got.Status != messagestore.StatusError || got.ErrorReason != StaleReason {
		t.Fatalf("stale message not failed: %+v", got)
	}

	select {
	case ev := <-sub.C:
		if ev.MessageID != stale.ID || ev.Status != string(messagestore.StatusError) || ev.ErrorMessage != StaleReason {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("sweep event never published")
	}
}

func TestSweepOnceLeavesFreshAndTerminalAlone(t *testing.T) {
	ctx := context.Background()
	messages := msgmem.New()

	th, _ := messages.CreateThread(ctx, "u1")
	fresh, _ := messages.CreateMessage(ctx, messagestore.NewMessage{
		ThreadID: th.ID, Role: messagestore.RoleAssistant, Status: messagestore.StatusQueued,
	})
	done, _ := messages.CreateMessage(ctx, messagestore.NewMessage{
		ThreadID: th.ID, Role: messagestore.RoleAssistant, Status: messagestore.StatusQueued,
	})
	if _, err := messages.Transition(ctx, messagestore.TransitionRequest{
		MessageID: done.ID, To: messagestore.StatusCompleted, Content: "done",
	}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	s := New(messages, nil, Config{Deadline: time.Hour, Interval: time.Hour}, log.New(io.Discard, "", 0))
	n, err := s.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("swept %d, want 0", n)
	}
	got, _ := messages.Message(ctx, fresh.ID)
	if got.Status != messagestore.StatusQueued {
		t.Fatalf("fresh message touched: %+v", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	messages := msgmem.New()
	s := New(messages, nil, Config{Deadline: time.Minute, Interval: 5 * time.Millisecond}, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(stopped)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop on cancel")
	}
}
