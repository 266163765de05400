package ratelimit

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiterAllowsBurstThenBlocks(t *testing.T) {
	l := NewLimiter(Config{UserRequestsPerSecond: 0.001, UserBurstSize: 3})
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !l.AllowUser(ctx, "u1") {
			t.Fatalf("request %d within burst denied", i)
		}
	}
	if l.AllowUser(ctx, "u1") {
		t.Fatalf("request past burst allowed")
	}

	// Other users are unaffected.
	if !l.AllowUser(ctx, "u2") {
		t.Fatalf("independent user denied")
	}
}

func TestLimiterEmptyKeyAllowed(t *testing.T) {
	l := NewLimiter(Config{UserRequestsPerSecond: 0.001, UserBurstSize: 1})
	defer l.Close()
	for i := 0; i < 5; i++ {
		if !l.AllowUser(context.Background(), "") {
			t.Fatalf("anonymous request denied")
		}
	}
}

func TestLimiterReset(t *testing.T) {
	l := NewLimiter(Config{UserRequestsPerSecond: 0.001, UserBurstSize: 1})
	defer l.Close()
	ctx := context.Background()

	if !l.AllowUser(ctx, "u1") {
		t.Fatalf("first request denied")
	}
	if l.AllowUser(ctx, "u1") {
		t.Fatalf("second request allowed")
	}
	if err := l.ResetUser("u1"); err != nil {
		t.Fatalf("ResetUser: %v", err)
	}
	if !l.AllowUser(ctx, "u1") {
		t.Fatalf("request after reset denied")
	}
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	l := NewLimiter(Config{UserRequestsPerSecond: 0.001, UserBurstSize: 1})
	defer l.Close()

	keyFn := func(r *http.Request) string { return r.Header.Get("X-Test-User") }
	mw := NewMiddleware(l, keyFn, true, log.New(io.Discard, "", 0))
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/threads/t1/messages", nil)
		req.Header.Set("X-Test-User", "u1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := do(); rec.Code != http.StatusOK {
		t.Fatalf("first request status %d", rec.Code)
	}
	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status %d, want 429", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("missing rate limit headers: %v", rec.Header())
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	l := NewLimiter(Config{UserRequestsPerSecond: 0.001, UserBurstSize: 1})
	defer l.Close()
	mw := NewMiddleware(l, func(*http.Request) string { return "u1" }, false, nil)
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("disabled middleware limited request %d", i)
		}
	}
}

func TestMemoryStoreCleanup(t *testing.T) {
	s := NewMemoryStoreWithCleanup(time.Hour)
	defer s.Close()
	ctx := context.Background()

	// An active (drained) bucket survives cleanup; a full one does not.
	if _, _, err := s.AllowUser(ctx, "busy", 1, 0.001); err != nil {
		t.Fatalf("AllowUser: %v", err)
	}
	if _, err := s.GetUserRemaining(ctx, "idle", 10, 1); err != nil {
		t.Fatalf("GetUserRemaining: %v", err)
	}

	s.cleanup()
	stats := s.GetStats()
	if stats.ActiveUserBuckets != 1 {
		t.Fatalf("expected only drained bucket to survive, got %d", stats.ActiveUserBuckets)
	}
}
