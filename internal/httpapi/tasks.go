package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/taskrelay/internal/session"
	"github.com/ent0n29/taskrelay/internal/taskruntime"
	"github.com/ent0n29/taskrelay/internal/tasks"
)

type launchTaskResponse struct {
	TaskID      string       `json:"task_id"`
	SessionID   string       `json:"session_id"`
	Status      tasks.Status `json:"status"`
	Description string       `json:"description"`
	Agent       string       `json:"agent"`
}

type cancelAllResponse struct {
	Cancelled int                        `json:"cancelled"`
	Failed    int                        `json:"failed"`
	Results   []taskruntime.CancelResult `json:"results"`
}

func (s *Server) handleLaunchTask(w http.ResponseWriter, r *http.Request) {
	if s.taskService == nil {
		respondTaskError(w, tasks.ErrNotInitialized)
		return
	}

	var req tasks.LaunchInput
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Agent = strings.TrimSpace(req.Agent)
	req.ParentSessionID = strings.TrimSpace(req.ParentSessionID)
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.checkParent(req.ParentSessionID); err != nil {
		respondTaskError(w, err)
		return
	}

	task, err := s.taskService.Launch(r.Context(), req)
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, launchTaskResponse{
		TaskID:      task.ID,
		SessionID:   task.SessionID,
		Status:      task.Status,
		Description: task.Description,
		Agent:       task.Agent,
	})
}

// checkParent accepts an active parent session or the child session of a
// live task, which lets tasks launch nested tasks.
func (s *Server) checkParent(parentSessionID string) error {
	err := s.sessions.Touch(parentSessionID)
	if err == nil {
		return nil
	}
	if _, ok := s.taskService.FindBySession(parentSessionID); ok {
		return nil
	}
	if errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("%w: %s", session.ErrNotFound, parentSessionID)
	}
	return err
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.taskService == nil {
		respondTaskError(w, tasks.ErrNotInitialized)
		return
	}

	var statuses []tasks.Status
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := tasks.ParseStatus(part)
			if !ok {
				respondError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown status %q", part))
				return
			}
			statuses = append(statuses, status)
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"tasks": s.taskService.ListTasks(statuses...),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.taskService == nil {
		respondTaskError(w, tasks.ErrNotInitialized)
		return
	}
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	task, err := s.taskService.GetTask(taskID)
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskOutput(w http.ResponseWriter, r *http.Request) {
	if s.taskService == nil {
		respondTaskError(w, tasks.ErrNotInitialized)
		return
	}
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	q := r.URL.Query()
	wait := false
	if raw := strings.TrimSpace(q.Get("wait")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "wait must be a boolean")
			return
		}
		wait = v
	}
	if !wait {
		out, err := s.taskService.GetOutput(taskID)
		if err != nil {
			respondTaskError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, out)
		return
	}

	timeout := taskruntime.DefaultWaitTimeout
	if raw := strings.TrimSpace(q.Get("timeout")); raw != "" {
		d, err := parseTimeout(raw)
		if err != nil || d <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "timeout must be a positive duration")
			return
		}
		timeout = d
	}

	out, err := s.taskService.WaitOutput(r.Context(), taskID, timeout)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away.
			return
		}
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// parseTimeout accepts a Go duration or a bare number of milliseconds.
func parseTimeout(raw string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(raw)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if s.taskService == nil {
		respondTaskError(w, tasks.ErrNotInitialized)
		return
	}
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	task, err := s.taskService.CancelTask(r.Context(), taskID)
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelAllTasks(w http.ResponseWriter, r *http.Request) {
	if s.taskService == nil {
		respondTaskError(w, tasks.ErrNotInitialized)
		return
	}
	results := s.taskService.CancelAllTasks(r.Context())
	for _, res := range results {
		if res.Err != nil {
			s.logger.Warn("cancel failed", zap.String("task_id", res.TaskID), zap.Error(res.Err))
		}
	}
	respondJSON(w, http.StatusOK, summarizeCancel(results))
}

func summarizeCancel(results []taskruntime.CancelResult) cancelAllResponse {
	resp := cancelAllResponse{Results: results}
	for _, res := range results {
		if res.Err != nil {
			resp.Failed++
			continue
		}
		resp.Cancelled++
	}
	return resp
}
