// Package httpserver exposes the REST and websocket surface of the
// completion service: thread and message management, the credit ledger,
// the signed worker callback, and operational endpoints.
package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/crescendoschool/crescendo-core/internal/auth"
	"github.com/crescendoschool/crescendo-core/internal/core"
	"github.com/crescendoschool/crescendo-core/internal/health"
	"github.com/crescendoschool/crescendo-core/internal/metrics"
	"github.com/crescendoschool/crescendo-core/internal/notifier/ws"
	"github.com/crescendoschool/crescendo-core/internal/ratelimit"
	"github.com/crescendoschool/crescendo-core/internal/webhook"
)

// sessionContextKey carries the authenticated user id on the request context.
type sessionContextKey struct{}

// Server exposes REST endpoints for the completion service.
type Server struct {
	pipeline  *core.Pipeline
	processor *webhook.Processor
	signer    *webhook.Signer
	auth      *auth.Manager
	events    *ws.Bridge

	authDisabled bool
	adminKey     string

	checker   *health.Checker
	collector *metrics.Collector
	limiter   *ratelimit.Middleware

	logger   *log.Logger
	logLevel string
}

// New constructs a Server with the required dependencies. Optional pieces
// (health checker, metrics, rate limiter) attach through setters.
func New(pipeline *core.Pipeline, processor *webhook.Processor, signer *webhook.Signer, authManager *auth.Manager, events *ws.Bridge) *Server {
	return &Server{
		pipeline:  pipeline,
		processor: processor,
		signer:    signer,
		auth:      authManager,
		events:    events,
	}
}

// SetLogger configures request logging output and level.
func (s *Server) SetLogger(logger *log.Logger, level string) {
	s.logger = logger
	s.logLevel = strings.ToLower(strings.TrimSpace(level))
}

// SetAuthDisabled switches session checks to trusting the X-User-ID header.
// Local development only.
func (s *Server) SetAuthDisabled(disabled bool) { s.authDisabled = disabled }

// SetAdminKey enables the admin routes. An empty key keeps them off.
func (s *Server) SetAdminKey(key string) { s.adminKey = strings.TrimSpace(key) }

// SetHealthChecker attaches dependency probes to the health endpoint.
func (s *Server) SetHealthChecker(c *health.Checker) { s.checker = c }

// SetMetrics attaches the metrics collector.
func (s *Server) SetMetrics(c *metrics.Collector) { s.collector = c }

// SetRateLimiter attaches per-user submission limiting.
func (s *Server) SetRateLimiter(m *ratelimit.Middleware) { s.limiter = m }

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Post("/internal/webhooks/completion", s.handleCompletionCallback)

	r.Route("/v1", func(api chi.Router) {
		api.Post("/auth/login", s.handleAuthLogin)
		api.Post("/auth/verify", s.handleAuthVerify)

		api.Group(func(private chi.Router) {
			private.Use(s.sessionMiddleware)
			private.Post("/threads", s.handleCreateThread)
			private.Get("/threads", s.handleListThreads)
			private.Get("/threads/{threadID}", s.handleGetThread)
			private.Method(http.MethodPost, "/threads/{threadID}/messages", s.maybeLimit(http.HandlerFunc(s.handleSubmitMessage)))
			private.Get("/threads/{threadID}/messages", s.handleListMessages)
			private.Get("/threads/{threadID}/events", s.handleThreadEvents)
			private.Get("/ledger", s.handleAccount)
			private.Get("/ledger/transactions", s.handleTransactions)
		})

		if s.adminKey != "" {
			api.Method(http.MethodPost, "/admin/credits/topup", s.requireAdminKey(s.handleTopup))
		}
	})

	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if s.isDebug() {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	if s.collector != nil {
		r.Use(s.metricsMiddleware)
	}
	return r
}

// maybeLimit wraps submission handlers with the rate limiter when one is
// configured.
func (s *Server) maybeLimit(h http.Handler) http.Handler {
	if s.limiter == nil {
		return h
	}
	return s.limiter.Wrap(h)
}

// metricsMiddleware records per-route request counts and durations. Rate
// limit rejections are tracked against the user that hit them.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		if endpoint == "" {
			endpoint = r.URL.Path
		}
		s.collector.RecordRequest(endpoint, time.Since(start))
		switch {
		case ww.Status() == http.StatusTooManyRequests:
			s.collector.RecordRateLimitHit(UserIDFromRequest(r))
		case ww.Status() >= http.StatusInternalServerError:
			s.collector.RecordError(endpoint)
		}
	})
}

// sessionMiddleware authenticates the request and stashes the user id on
// the context. With auth disabled, the X-User-ID header is trusted as-is.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.authenticateRequest(r)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err)
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticateRequest(r *http.Request) (string, error) {
	if s.authDisabled {
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			return "", errors.New("X-User-ID header required")
		}
		return userID, nil
	}
	if s.auth == nil {
		return "", errors.New("auth unavailable")
	}
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		// Browsers cannot set headers on websocket upgrades; the events
		// endpoint passes the token as a query parameter instead.
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return "", errors.New("missing session token")
	}
	return s.auth.ValidateToken(token)
}

// requireAdminKey guards admin routes with a constant-time key comparison.
func (s *Server) requireAdminKey(fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.adminKey)) != 1 {
			s.respondError(w, http.StatusUnauthorized, errors.New("invalid admin key"))
			return
		}
		fn(w, r)
	})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// UserIDFromRequest returns the authenticated user id, or "" before the
// session middleware has run. Doubles as the rate limiter key function.
func UserIDFromRequest(r *http.Request) string {
	if v, ok := r.Context().Value(sessionContextKey{}).(string); ok {
		return v
	}
	return ""
}

func (s *Server) userID(r *http.Request) string {
	return UserIDFromRequest(r)
}

// queryInt parses an integer query parameter, falling back when absent or
// malformed.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }

func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
