package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/taskrelay/internal/logging"
	"github.com/ent0n29/taskrelay/internal/protocol"
	"github.com/ent0n29/taskrelay/internal/tasks"
)

var ErrUnknownSession = errors.New("unknown agent session")

const statusRetention = 10 * time.Minute

// Deliverer pushes messages to a parent session.
type Deliverer interface {
	Deliver(sessionID string, msg any) error
}

type sessionState struct {
	status    tasks.Status
	updatedAt time.Time
}

// Host runs sub-agents through an Adapter, tracks the status of each
// child session and delivers completion notices to parent sessions.
type Host struct {
	adapter  Adapter
	sessions Deliverer
	logger   *zap.Logger

	mu       sync.Mutex
	statuses map[string]sessionState
}

func NewHost(adapter Adapter, sessions Deliverer, logger *zap.Logger) *Host {
	return &Host{
		adapter:  adapter,
		sessions: sessions,
		logger:   logging.OrNop(logger).Named("agent"),
		statuses: make(map[string]sessionState),
	}
}

func (h *Host) CallAgent(ctx context.Context, call tasks.AgentCall) (string, error) {
	if h.adapter == nil {
		return "", errors.New("agent adapter is not configured")
	}
	h.setStatus(call.SessionID, tasks.StatusRunning)

	req := Request{
		TaskID:          call.TaskID,
		SessionID:       call.SessionID,
		ParentSessionID: call.ParentSessionID,
		Agent:           call.Agent,
		Prompt:          call.Prompt,
	}
	if call.ParentModel != nil && strings.EqualFold(call.ParentModel.ProviderID, "openai") {
		req.Model = call.ParentModel.ModelID
	}

	var out strings.Builder
	resp, err := h.adapter.StreamResponse(ctx, req, func(delta string) error {
		out.WriteString(delta)
		if call.OnProgress != nil {
			call.OnProgress(tasks.ProgressUpdate{Delta: delta})
		}
		return nil
	})
	if err != nil {
		status := tasks.StatusError
		if errors.Is(err, context.Canceled) {
			status = tasks.StatusCancelled
		}
		h.setStatus(call.SessionID, status)
		return "", err
	}

	final := strings.TrimSpace(resp.Text)
	if final == "" {
		final = strings.TrimSpace(out.String())
	}
	h.setStatus(call.SessionID, tasks.StatusCompleted)
	return final, nil
}

func (h *Host) SessionStatus(ctx context.Context, sessionID string) (tasks.Status, error) {
	_ = ctx
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.statuses[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return state.status, nil
}

func (h *Host) SendMessage(ctx context.Context, n tasks.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.sessions == nil {
		return errors.New("no session registry configured")
	}
	if err := h.sessions.Deliver(n.ParentSessionID, protocol.NewTaskNotification(n)); err != nil {
		return fmt.Errorf("deliver to %s: %w", n.ParentSessionID, err)
	}
	h.logger.Debug("notification delivered",
		zap.String("task_id", n.TaskID),
		zap.String("parent_session_id", n.ParentSessionID),
	)
	return nil
}

func (h *Host) setStatus(sessionID string, status tasks.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses[sessionID] = sessionState{status: status, updatedAt: time.Now()}
}

// PruneStatuses drops terminal child session statuses older than the
// retention window and returns how many were removed.
func (h *Host) PruneStatuses(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	pruned := 0
	for id, state := range h.statuses {
		if state.status.Terminal() && now.Sub(state.updatedAt) > statusRetention {
			delete(h.statuses, id)
			pruned++
		}
	}
	return pruned
}

func (h *Host) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := h.PruneStatuses(now); n > 0 {
					h.logger.Debug("pruned agent session statuses", zap.Int("count", n))
				}
			}
		}
	}()
}
