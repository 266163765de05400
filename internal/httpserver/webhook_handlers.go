package httpserver

import (
	"errors"
	"io"
	"net/http"

	"github.com/crescendoschool/crescendo-core/internal/messagestore"
	"github.com/crescendoschool/crescendo-core/internal/webhook"
)

// maxCallbackBytes bounds worker callback bodies. Completions are capped
// well below this on the worker side.
const maxCallbackBytes = 1 << 20

// handleCompletionCallback handles POST /internal/webhooks/completion, the
// worker's status delivery. Signature first, then shape, then semantics:
// 401 and 400 tell the worker to stop redelivering, 404 means the ids are
// unknown, and only storage trouble earns a 503 so the worker retries.
// Duplicates acknowledge with 200 like first deliveries.
func (s *Server) handleCompletionCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes+1))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > maxCallbackBytes {
		s.respondError(w, http.StatusRequestEntityTooLarge, errors.New("callback body too large"))
		return
	}

	if err := s.signer.Verify(body, r.Header.Get(webhook.SignatureHeader)); err != nil {
		s.logf("callback rejected: %v", err)
		s.respondError(w, http.StatusUnauthorized, errors.New("invalid signature"))
		return
	}

	cb, err := webhook.ParseCallback(body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	outcome, err := s.processor.Process(r.Context(), cb)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrBadPayload):
			s.respondError(w, http.StatusBadRequest, err)
		case errors.Is(err, messagestore.ErrNotFound):
			s.respondError(w, http.StatusNotFound, err)
		case errors.Is(err, webhook.ErrPersistence):
			s.logf("callback persistence failure message=%s: %v", cb.MessageID, err)
			s.respondError(w, http.StatusServiceUnavailable, errors.New("temporarily unable to persist, retry"))
		default:
			s.respondError(w, http.StatusInternalServerError, err)
		}
		return
	}

	if s.collector != nil {
		s.collector.RecordWebhook(string(outcome))
	}
	s.debugf("callback message=%s status=%s outcome=%s", cb.MessageID, cb.Status, outcome)
	s.respondJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}
