package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

const sessionTTL = 24 * time.Hour

// handleAuthLogin starts a login challenge for a user id. The school's
// portal delivers the code out of band; it is echoed here so local setups
// work without a mail hookup.
func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("auth disabled"))
		return
	}
	var req struct {
		UserID string `json:"user_id"`
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
	challengeID, code, expires, err := s.auth.CreateChallenge(userID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"challenge_id": challengeID,
		"expires_at":   expires.UTC().Format(time.RFC3339),
		"code":         code,
	})
}

// handleAuthVerify exchanges a challenge code for a session token.
func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("auth disabled"))
		return
	}
	var req struct {
		ChallengeID string `json:"challenge_id"`
		Code        string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	challengeID := strings.TrimSpace(req.ChallengeID)
	code := strings.TrimSpace(req.Code)
	if challengeID == "" || code == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("challenge id and code required"))
		return
	}
	userID, err := s.auth.VerifyChallenge(challengeID, code)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err)
		return
	}
	token, err := s.auth.IssueToken(userID, sessionTTL)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"user_id":    userID,
		"expires_at": time.Now().Add(sessionTTL).UTC().Format(time.RFC3339),
	})
}
