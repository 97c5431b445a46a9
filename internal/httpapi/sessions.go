package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/antoniostano/secondbrain/internal/session"
)

const (
	defaultRecentTurns = 50
	maxRecentTurns     = 500
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	sess, err := s.sessions.CreateSession(req.UserID, session.CreateOptions{
		Provider: strings.ToLower(strings.TrimSpace(req.Provider)),
		Model:    strings.TrimSpace(req.Model),
		VoiceID:  strings.TrimSpace(req.VoiceID),
	})
	if err != nil {
		respondSessionError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:      sess.ID,
		UserID:         sess.UserID,
		State:          sess.State,
		Provider:       sess.Provider,
		Model:          sess.Model,
		VoiceID:        sess.VoiceID,
		StartedAt:      sess.StartedAt,
		IdleTimeoutMS:  s.cfg.Voice.IdleTimeout.Milliseconds(),
		WebSocketRoute: "/v1/voice/sessions/" + sess.ID + "/ws",
	})
}

// handleGetSession serves local sessions first, then snapshots mirrored by
// other replicas. An optional user_id query restricts the lookup to its owner.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))

	var (
		sess *session.VoiceSession
		err  error
	)
	if userID != "" {
		sess, err = s.sessions.GetSessionForUser(id, userID)
	} else {
		sess, err = s.sessions.GetSession(id)
	}
	if errors.Is(err, session.ErrNotFound) && s.snapshots != nil {
		snap, lerr := s.snapshots.Lookup(r.Context(), id)
		switch {
		case lerr == nil && (userID == "" || snap.UserID == userID):
			w.Header().Set("X-Session-Source", "mirror")
			sess, err = snap, nil
		case lerr != nil && !errors.Is(lerr, session.ErrNotFound):
			s.log.Warn("session snapshot lookup failed", zap.String("session_id", id), zap.Error(lerr))
		}
	}
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	var req session.UpdateStateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, err := s.sessions.UpdateState(chi.URLParam(r, "id"), req.State, req.Reason)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAddTurn(w http.ResponseWriter, r *http.Request) {
	var req session.AddTurnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, err := s.sessions.AddTurn(chi.URLParam(r, "id"), session.Turn{Role: req.Role, Content: req.Content})
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Touch(chi.URLParam(r, "id")); err != nil {
		respondSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req session.EndRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, err := s.sessions.EndSession(chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	active := s.sessions.GetActiveSessions(userID)
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"count":    len(active),
		"sessions": active,
	})
}

func (s *Server) handleSessionArchive(w http.ResponseWriter, r *http.Request) {
	if s.turns == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "turn archive not configured")
		return
	}
	id := chi.URLParam(r, "id")
	records, err := s.turns.SessionTurns(r.Context(), id)
	if err != nil {
		s.log.Error("read archived turns failed", zap.String("session_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "archive unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "turns": records})
}

func (s *Server) handleRecentTurns(w http.ResponseWriter, r *http.Request) {
	if s.turns == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "turn archive not configured")
		return
	}
	limit := defaultRecentTurns
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentTurns)
	}
	userID := chi.URLParam(r, "userID")
	records, err := s.turns.RecentTurns(r.Context(), userID, limit)
	if err != nil {
		s.log.Error("read recent turns failed", zap.String("user_id", userID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "archive unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "turns": records})
}

func (s *Server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	if s.providers == nil {
		respondJSON(w, http.StatusOK, map[string]any{"providers": []any{}})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"providers":     s.providers.Statuses(),
		"tts_preferred": s.cfg.Voice.TTSProviders,
		"stt_preferred": s.cfg.Voice.STTProviders,
	})
}

func respondSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, session.ErrTooManySessions):
		respondError(w, http.StatusTooManyRequests, "too_many_sessions", err.Error())
	case errors.Is(err, session.ErrSessionEnded):
		respondError(w, http.StatusConflict, "session_ended", err.Error())
	case errors.Is(err, session.ErrInvalidState), errors.Is(err, session.ErrInvalidTurn), errors.Is(err, session.ErrMissingUser):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
