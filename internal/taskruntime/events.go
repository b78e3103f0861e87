package taskruntime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/taskrelay/internal/tasks"
)

type SessionEventType string

const (
	EventToolUsed       SessionEventType = "tool.used"
	EventMessageUpdated SessionEventType = "message.updated"
	EventSessionIdle    SessionEventType = "session.idle"
	EventSessionError   SessionEventType = "session.error"
	EventSessionDeleted SessionEventType = "session.deleted"
)

// SessionEvent is activity reported by the host for a task's own session.
type SessionEvent struct {
	Type      SessionEventType `json:"type" validate:"required"`
	SessionID string           `json:"session_id" validate:"required"`
	Tool      string           `json:"tool,omitempty"`
	Text      string           `json:"text,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// HandleEvent applies a host session event to the task running in that
// session. Events for sessions without a running task are ignored.
func (s *Service) HandleEvent(ctx context.Context, evt SessionEvent) error {
	switch evt.Type {
	case EventToolUsed, EventMessageUpdated, EventSessionIdle, EventSessionError, EventSessionDeleted:
	default:
		return fmt.Errorf("%w: unknown event type %q", tasks.ErrInvalidArgument, evt.Type)
	}

	task, ok := s.registry.FindBySession(strings.TrimSpace(evt.SessionID))
	if !ok || task.Status != tasks.StatusRunning {
		return nil
	}

	var err error
	switch evt.Type {
	case EventToolUsed:
		err = s.registry.UpdateProgress(task.ID, tasks.ProgressUpdate{Tool: evt.Tool}, s.now())
	case EventMessageUpdated:
		text := strings.TrimSpace(evt.Text)
		if text == "" {
			return nil
		}
		delta := text
		if task.Output != "" {
			delta = "\n" + text
		}
		err = s.registry.UpdateProgress(task.ID, tasks.ProgressUpdate{Message: text, Delta: delta}, s.now())
	case EventSessionIdle:
		_, err = s.finish(task.ID, tasks.StatusCompleted, task.Progress.LastMessage)
	case EventSessionError:
		msg := strings.TrimSpace(evt.Error)
		if msg == "" {
			msg = "Session error"
		}
		_, err = s.finish(task.ID, tasks.StatusError, msg)
	case EventSessionDeleted:
		_, err = s.CancelTask(ctx, task.ID)
	}
	if err != nil {
		// lost a race with another settlement
		if errors.Is(err, tasks.ErrInvalidState) || errors.Is(err, tasks.ErrTaskNotFound) {
			return nil
		}
		return err
	}
	if evt.Type == EventSessionIdle || evt.Type == EventSessionError {
		if cancel := s.getRunningCancel(task.ID); cancel != nil {
			cancel()
		}
	}
	return nil
}
