package httpserver

import (
	"net/http"

	"github.com/crescendoschool/crescendo-core/internal/health"
	"github.com/crescendoschool/crescendo-core/internal/metrics"
)

// handleHealth handles GET /health. Without a checker it reports a bare
// liveness signal.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{"status": health.StatusHealthy})
		return
	}
	status := s.checker.Check(r.Context())
	code := http.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, status)
}

// handleMetrics handles GET /metrics in Prometheus exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.collector.GetSnapshot())))
}
