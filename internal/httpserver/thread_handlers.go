package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crescendoschool/crescendo-core/internal/core"
	"github.com/crescendoschool/crescendo-core/internal/ledger"
	"github.com/crescendoschool/crescendo-core/internal/messagestore"
)

const (
	defaultListLimit = 50
	maxSubmitBytes   = 64 << 10
)

// handleCreateThread handles POST /v1/threads.
func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	thread, err := s.pipeline.CreateThread(r.Context(), s.userID(r))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, thread)
}

// handleListThreads handles GET /v1/threads.
func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.pipeline.ListThreads(r.Context(), s.userID(r), queryInt(r, "limit", defaultListLimit))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

// handleGetThread handles GET /v1/threads/{threadID}.
func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	thread, err := s.pipeline.Thread(r.Context(), chi.URLParam(r, "threadID"), s.userID(r))
	if err != nil {
		s.respondThreadError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, thread)
}

// handleSubmitMessage handles POST /v1/threads/{threadID}/messages. The
// reply arrives asynchronously; the response carries the queued assistant
// placeholder the client should watch.
func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes)).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	userID := s.userID(r)
	result, err := s.pipeline.Submit(r.Context(), chi.URLParam(r, "threadID"), userID, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrEmptyContent):
			s.recordSubmission("empty_content")
			s.respondError(w, http.StatusBadRequest, err)
		case errors.Is(err, ledger.ErrInsufficientBalance):
			s.recordSubmission("insufficient_balance")
			s.respondError(w, http.StatusPaymentRequired, errors.New("credit balance below minimum reserve"))
		case errors.Is(err, messagestore.ErrNotFound):
			s.respondError(w, http.StatusNotFound, errors.New("thread not found"))
		default:
			s.logf("submit failed user=%s: %v", userID, err)
			s.respondError(w, http.StatusInternalServerError, err)
		}
		return
	}
	s.recordSubmission("")
	s.respondJSON(w, http.StatusAccepted, result)
}

// handleListMessages handles GET /v1/threads/{threadID}/messages.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.pipeline.ListMessages(r.Context(), chi.URLParam(r, "threadID"), s.userID(r), queryInt(r, "limit", 0))
	if err != nil {
		s.respondThreadError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleThreadEvents handles GET /v1/threads/{threadID}/events. Ownership
// is checked before upgrading; afterwards the websocket bridge owns the
// connection.
func (s *Server) handleThreadEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("realtime events disabled"))
		return
	}
	threadID := chi.URLParam(r, "threadID")
	if _, err := s.pipeline.Thread(r.Context(), threadID, s.userID(r)); err != nil {
		s.respondThreadError(w, err)
		return
	}
	s.events.Serve(w, r, threadID)
}

// respondThreadError maps thread lookup failures; foreign threads already
// read as not found at the pipeline level.
func (s *Server) respondThreadError(w http.ResponseWriter, err error) {
	if errors.Is(err, messagestore.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, errors.New("thread not found"))
		return
	}
	s.respondError(w, http.StatusInternalServerError, err)
}

func (s *Server) recordSubmission(reason string) {
	if s.collector != nil {
		s.collector.RecordSubmission(reason)
	}
}
