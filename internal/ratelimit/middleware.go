package ratelimit

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc extracts the rate limit key from a request. Usually this is the
// authenticated user id placed on the context by the auth middleware. An
// empty key disables limiting for that request.
type KeyFunc func(r *http.Request) string

// Middleware wraps an HTTP handler with per-user rate limiting.
type Middleware struct {
	limiter *Limiter
	keyFn   KeyFunc
	enabled bool
	logger  *log.Logger
}

// NewMiddleware creates a new rate limiting middleware.
func NewMiddleware(limiter *Limiter, keyFn KeyFunc, enabled bool, logger *log.Logger) *Middleware {
	return &Middleware{
		limiter: limiter,
		keyFn:   keyFn,
		enabled: enabled,
		logger:  logger,
	}
}

// Wrap applies rate limiting to an HTTP handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.enabled || m.keyFn == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := m.keyFn(r)

		if !m.limiter.AllowUser(r.Context(), userID) {
			m.addRateLimitHeaders(w, userID)

			if m.logger != nil {
				m.logger.Printf("rate limit exceeded: user=%s path=%s", userID, r.URL.Path)
			}

			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}

		m.addRateLimitHeaders(w, userID)
		next.ServeHTTP(w, r)
	})
}

// addRateLimitHeaders adds standard rate limit headers to the response.
// See: https://datatracker.ietf.org/doc/html/draft-polli-ratelimit-headers
func (m *Middleware) addRateLimitHeaders(w http.ResponseWriter, userID string) {
	if userID == "" {
		return
	}
	remaining := m.limiter.GetUserRemaining(userID)
	limit := m.limiter.userCapacity

	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", remaining))

	// Reset time: when the bucket will be full again.
	if remaining < limit {
		secondsNeeded := (limit - remaining) / m.limiter.userRefillRate
		resetTime := time.Now().Add(time.Duration(secondsNeeded * float64(time.Second)))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))
	}
}
