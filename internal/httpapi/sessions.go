package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/taskrelay/internal/session"
	"github.com/ent0n29/taskrelay/internal/taskruntime"
	"github.com/ent0n29/taskrelay/internal/tasks"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	sess := s.sessions.Create(strings.TrimSpace(req.UserID), strings.TrimSpace(req.Label))
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Label:           sess.Label,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("ended")

	resp := map[string]any{"session": sess}
	if s.taskService != nil {
		results := s.taskService.CancelAllDescendants(r.Context(), id)
		if len(results) > 0 {
			s.logger.Info("session ended with running tasks",
				zap.String("session_id", id),
				zap.Int("cancelled", len(results)),
			)
		}
		resp["cancelled"] = summarizeCancel(results)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessionEvent(w http.ResponseWriter, r *http.Request) {
	if s.taskService == nil {
		respondTaskError(w, tasks.ErrNotInitialized)
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))

	var evt taskruntime.SessionEvent
	if err := decodeJSON(r, &evt); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if evt.SessionID == "" {
		evt.SessionID = id
	}
	if evt.SessionID != id {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id does not match path")
		return
	}
	if err := s.validate.Struct(evt); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.taskService.HandleEvent(r.Context(), evt); err != nil {
		respondTaskError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSessionTasks(w http.ResponseWriter, r *http.Request) {
	if s.taskService == nil {
		respondTaskError(w, tasks.ErrNotInitialized)
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"tasks":      s.taskService.GetTasksByParentSession(id),
	})
}

func (s *Server) handleSessionDescendants(w http.ResponseWriter, r *http.Request) {
	if s.taskService == nil {
		respondTaskError(w, tasks.ErrNotInitialized)
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"tasks":      s.taskService.GetAllDescendantTasks(id),
	})
}

func (s *Server) handlePendingNotifications(w http.ResponseWriter, r *http.Request) {
	if s.taskService == nil {
		respondTaskError(w, tasks.ErrNotInitialized)
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"tasks":      s.taskService.GetPendingNotifications(id),
	})
}

func (s *Server) handleClearNotifications(w http.ResponseWriter, r *http.Request) {
	if s.taskService == nil {
		respondTaskError(w, tasks.ErrNotInitialized)
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"cleared":    s.taskService.ClearNotifications(id),
	})
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	if s.taskService == nil {
		respondTaskError(w, tasks.ErrNotInitialized)
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))

	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		limit = n
	}

	history, err := s.taskService.History(r.Context(), id, limit)
	if err != nil {
		s.logger.Warn("history lookup failed", zap.String("session_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "history_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"tasks":      history,
	})
}
