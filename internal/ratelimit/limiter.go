package ratelimit

import (
	"context"
)

// Store defines the interface for rate limit storage backends.
// Implementations can be in-memory (for single instance) or distributed.
type Store interface {
	// AllowUser checks if a request from the user should be allowed.
	AllowUser(ctx context.Context, userID string, capacity, refillRate float64) (allowed bool, remaining float64, err error)

	// ResetUser resets the rate limit for a user.
	ResetUser(ctx context.Context, userID string) error

	// GetUserRemaining returns remaining tokens for a user.
	GetUserRemaining(ctx context.Context, userID string, capacity, refillRate float64) (float64, error)

	// Close releases resources.
	Close() error
}

// Limiter manages per-user submission limits using a pluggable storage
// backend. For single-instance deployments, use MemoryStore (default).
type Limiter struct {
	store Store

	userCapacity   float64
	userRefillRate float64
}

// Config holds configuration for the rate limiter.
type Config struct {
	// Storage backend (optional, defaults to MemoryStore)
	Store Store

	// User limits (per user id)
	UserRequestsPerSecond float64 // Sustained rate
	UserBurstSize         float64 // Burst capacity
}

// DefaultConfig returns sensible production defaults: one submission per
// second sustained with a burst of ten.
func DefaultConfig() Config {
	return Config{
		UserRequestsPerSecond: 1,
		UserBurstSize:         10,
	}
}

// NewLimiter creates a new rate limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.UserRequestsPerSecond <= 0 {
		cfg.UserRequestsPerSecond = def.UserRequestsPerSecond
	}
	if cfg.UserBurstSize <= 0 {
		cfg.UserBurstSize = def.UserBurstSize
	}

	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}

	return &Limiter{
		store:          store,
		userCapacity:   cfg.UserBurstSize,
		userRefillRate: cfg.UserRequestsPerSecond,
	}
}

// AllowUser checks if a request from the given user should be allowed.
func (l *Limiter) AllowUser(ctx context.Context, userID string) bool {
	if userID == "" {
		return true
	}

	allowed, _, err := l.store.AllowUser(ctx, userID, l.userCapacity, l.userRefillRate)
	if err != nil {
		// On error, allow the request (fail open)
		return true
	}
	return allowed
}

// GetUserRemaining returns the number of tokens remaining for the user.
func (l *Limiter) GetUserRemaining(userID string) float64 {
	if userID == "" {
		return l.userCapacity
	}

	remaining, err := l.store.GetUserRemaining(context.Background(), userID, l.userCapacity, l.userRefillRate)
	if err != nil {
		return l.userCapacity
	}
	return remaining
}

// ResetUser resets the rate limit for a specific user.
func (l *Limiter) ResetUser(userID string) error {
	return l.store.ResetUser(context.Background(), userID)
}

// Close stops the limiter and releases resources.
func (l *Limiter) Close() error {
	return l.store.Close()
}
