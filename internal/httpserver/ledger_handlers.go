package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/crescendoschool/crescendo-core/internal/ledger"
)

// handleAccount handles GET /v1/ledger.
func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.pipeline.Account(r.Context(), s.userID(r))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, acct)
}

// handleTransactions handles GET /v1/ledger/transactions.
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultListLimit)
	offset := queryInt(r, "offset", 0)
	txns, err := s.pipeline.Transactions(r.Context(), s.userID(r), limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

// handleTopup handles POST /v1/admin/credits/topup. Guarded by the admin
// key, not a user session.
func (s *Server) handleTopup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"user_id"`
		Amount      int64  `json:"amount"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("user_id required"))
		return
	}
	if req.Amount <= 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("amount must be positive"))
		return
	}
	txn, err := s.pipeline.Topup(r.Context(), userID, req.Amount, strings.TrimSpace(req.Description))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if s.collector != nil {
		s.collector.RecordGrant(req.Amount)
	}
	s.logf("topup user=%s amount=%d txn=%s", userID, req.Amount, txn.ID)
	s.respondJSON(w, http.StatusCreated, txn)
}
