package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements an in-memory rate limit store using token buckets.
// Suitable for single-instance deployments.
type MemoryStore struct {
	userBuckets map[string]*TokenBucket
	mu          sync.RWMutex

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

// NewMemoryStore creates a new in-memory rate limit store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanup(5 * time.Minute)
}

// NewMemoryStoreWithCleanup creates a new in-memory store with custom cleanup interval.
func NewMemoryStoreWithCleanup(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		userBuckets:     make(map[string]*TokenBucket),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// AllowUser checks if a request from the user should be allowed.
func (s *MemoryStore) AllowUser(ctx context.Context, userID string, capacity, refillRate float64) (bool, float64, error) {
	bucket := s.getUserBucket(userID, capacity, refillRate)
	allowed := bucket.Allow()
	remaining := bucket.Remaining()
	return allowed, remaining, nil
}

// ResetUser resets the rate limit for a user.
func (s *MemoryStore) ResetUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bucket, exists := s.userBuckets[userID]; exists {
		bucket.Reset()
	}
	return nil
}

// GetUserRemaining returns remaining tokens for a user.
func (s *MemoryStore) GetUserRemaining(ctx context.Context, userID string, capacity, refillRate float64) (float64, error) {
	bucket := s.getUserBucket(userID, capacity, refillRate)
	return bucket.Remaining(), nil
}

// Close stops background cleanup.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	return nil
}

// getUserBucket gets or creates a token bucket for the user.
func (s *MemoryStore) getUserBucket(userID string, capacity, refillRate float64) *TokenBucket {
	s.mu.RLock()
	bucket, exists := s.userBuckets[userID]
	s.mu.RUnlock()

	if exists {
		return bucket
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if bucket, exists = s.userBuckets[userID]; exists {
		return bucket
	}

	bucket = NewTokenBucket(capacity, refillRate)
	s.userBuckets[userID] = bucket
	return bucket
}

// cleanupLoop periodically removes buckets that are full (inactive).
func (s *MemoryStore) cleanupLoop() {
	if s.cleanupInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes inactive buckets to prevent memory leaks.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A bucket close to full capacity has been idle long enough to refill;
	// the 95% threshold accounts for recent partial refills.
	for userID, bucket := range s.userBuckets {
		if bucket.Remaining() >= bucket.capacity*0.95 {
			delete(s.userBuckets, userID)
		}
	}
}

// StoreStats reports current statistics about the store.
type StoreStats struct {
	ActiveUserBuckets int
}

// GetStats returns current statistics.
func (s *MemoryStore) GetStats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return StoreStats{
		ActiveUserBuckets: len(s.userBuckets),
	}
}
