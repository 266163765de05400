package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestTokenBucketBurstThenDeny(t *testing.T) {
	tb := NewTokenBucket(10, 5)

	for i := 0; i < 10; i++ {
		if !tb.Allow() {
			t.Fatalf("burst request %d denied", i)
		}
	}
	if tb.Allow() {
		t.Fatalf("request allowed on an empty bucket")
	}
}

func TestTokenBucketAllowN(t *testing.T) {
	tb := NewTokenBucket(100, 10)

	if !tb.AllowN(50) {
		t.Fatalf("AllowN(50) denied on a full bucket")
	}
	if got := tb.Remaining(); got < 49 || got > 51 {
		t.Fatalf("remaining = %f, want ~50", got)
	}
	if tb.AllowN(60) {
		t.Fatalf("AllowN(60) allowed with only ~50 tokens")
	}
	// A denied AllowN must not consume anything.
	if got := tb.Remaining(); got < 49 || got > 51 {
		t.Fatalf("denied AllowN consumed tokens, remaining = %f", got)
	}
}

func TestTokenBucketRefills(t *testing.T) {
	tb := NewTokenBucket(100, 50)

	tb.AllowN(100)
	time.Sleep(500 * time.Millisecond)

	if got := tb.Remaining(); got < 23 || got > 27 {
		t.Fatalf("remaining after 500ms = %f, want ~25", got)
	}
}

func TestTokenBucketReset(t *testing.T) {
	tb := NewTokenBucket(100, 10)

	tb.AllowN(100)
	tb.Reset()

	if got := tb.Remaining(); got != 100 {
		t.Fatalf("remaining after reset = %f, want 100", got)
	}
}

func TestTokenBucketWaitTime(t *testing.T) {
	tb := NewTokenBucket(10, 10)

	if wait := tb.WaitTime(); wait != 0 {
		t.Fatalf("wait = %v on a full bucket, want 0", wait)
	}

	tb.AllowN(10)

	// One token at 10/sec refill is about 100ms out.
	if wait := tb.WaitTime(); wait < 90*time.Millisecond || wait > 110*time.Millisecond {
		t.Fatalf("wait = %v, want ~100ms", wait)
	}
}

func TestTokenBucketConcurrent(t *testing.T) {
	tb := NewTokenBucket(1000, 100)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				tb.Allow()
			}
		}()
	}
	wg.Wait()

	if got := tb.Remaining(); got > 1 {
		t.Fatalf("remaining = %f after draining concurrently, want ~0", got)
	}
}
