package tasks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxOutputBytes bounds the streamed output kept per task; older text is
// dropped first.
const MaxOutputBytes = 64 << 10

const lastMessagePreview = 500

type entry struct {
	task    *Task
	done    chan struct{}
	dropped bool
}

// Registry is the authoritative in-memory store of background tasks.
// Status transitions are compare-and-set under the registry lock, so at
// most one settlement wins for any task.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

func (r *Registry) Create(in LaunchInput, now time.Time) (Task, error) {
	in = in.normalized()
	if in.Agent == "" {
		return Task{}, fmt.Errorf("%w: agent is required", ErrInvalidArgument)
	}
	if in.ParentSessionID == "" {
		return Task{}, fmt.Errorf("%w: parent_session_id is required", ErrInvalidArgument)
	}

	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = "ses_" + uuid.NewString()
	}
	task := &Task{
		ID:              "bg_" + uuid.NewString(),
		SessionID:       sessionID,
		ParentSessionID: in.ParentSessionID,
		ParentMessageID: in.ParentMessageID,
		Description:     in.Description,
		Prompt:          in.Prompt,
		Agent:           in.Agent,
		Status:          StatusRunning,
		StartedAt:       now,
		Progress:        Progress{LastUpdate: now},
	}
	if in.ParentModel != nil {
		model := *in.ParentModel
		task.ParentModel = &model
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[task.ID] = &entry{task: task, done: make(chan struct{})}
	r.order = append(r.order, task.ID)
	return task.Clone(), nil
}

func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Task{}, false
	}
	return e.task.Clone(), true
}

func (r *Registry) Complete(id, result string, now time.Time) (Task, error) {
	return r.settle(id, now, func(t *Task) {
		t.Status = StatusCompleted
		t.Result = result
	})
}

func (r *Registry) Fail(id, message string, now time.Time) (Task, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "unknown error"
	}
	return r.settle(id, now, func(t *Task) {
		t.Status = StatusError
		t.Error = message
	})
}

func (r *Registry) Cancel(id string, now time.Time) (Task, error) {
	return r.settle(id, now, func(t *Task) {
		t.Status = StatusCancelled
	})
}

func (r *Registry) settle(id string, now time.Time, apply func(*Task)) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if e.task.Status != StatusRunning {
		return Task{}, fmt.Errorf("%w: task %s is %s", ErrInvalidState, id, e.task.Status)
	}
	if now.Before(e.task.StartedAt) {
		now = e.task.StartedAt
	}
	apply(e.task)
	e.task.CompletedAt = &now
	e.task.Progress.LastUpdate = now
	close(e.done)
	return e.task.Clone(), nil
}

// UpdateProgress records agent activity. Updates for settled tasks are
// ignored.
func (r *Registry) UpdateProgress(id string, update ProgressUpdate, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if e.task.Status.Terminal() {
		return nil
	}

	p := &e.task.Progress
	p.LastUpdate = now
	if tool := strings.TrimSpace(update.Tool); tool != "" {
		p.ToolCalls++
		p.LastTool = tool
	}
	if update.Delta != "" {
		e.task.Output = appendOutput(e.task.Output, update.Delta)
	}
	msg := strings.TrimSpace(update.Message)
	if msg == "" && update.Delta != "" {
		msg = strings.TrimSpace(tail(e.task.Output, lastMessagePreview))
	}
	if msg != "" {
		at := now
		p.LastMessage = msg
		p.LastMessageAt = &at
	}
	return nil
}

// ListByStatus returns tasks in creation order. With no statuses every
// task is returned.
func (r *Registry) ListByStatus(statuses ...Status) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Task, 0, len(r.order))
	for _, id := range r.order {
		t := r.entries[id].task
		if len(statuses) > 0 && !containsStatus(statuses, t.Status) {
			continue
		}
		out = append(out, t.Clone())
	}
	return out
}

func (r *Registry) ListByParentSession(parentSessionID string) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Task, 0)
	for _, id := range r.order {
		t := r.entries[id].task
		if t.ParentSessionID == parentSessionID {
			out = append(out, t.Clone())
		}
	}
	return out
}

// ListAllDescendants walks parent to child session edges depth first.
// Each session is expanded once, so cyclic parent links terminate.
func (r *Registry) ListAllDescendants(sessionID string) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	visited := make(map[string]bool)
	seen := make(map[string]bool)
	out := make([]Task, 0)
	var walk func(parent string)
	walk = func(parent string) {
		if visited[parent] {
			return
		}
		visited[parent] = true
		for _, id := range r.order {
			t := r.entries[id].task
			if t.ParentSessionID != parent || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, t.Clone())
			walk(t.SessionID)
		}
	}
	walk(sessionID)
	return out
}

func (r *Registry) FindBySession(sessionID string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if t := r.entries[id].task; t.SessionID == sessionID {
			return t.Clone(), true
		}
	}
	return Task{}, false
}

// CountRunning is cheaper than ListByStatus when only the number matters.
func (r *Registry) CountRunning() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.task.Status == StatusRunning {
			n++
		}
	}
	return n
}

func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Clear drops every task. Waiters on tasks that were still running are
// released and observe ErrTaskNotFound.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.task.Status == StatusRunning {
			e.dropped = true
			close(e.done)
		}
	}
	r.entries = make(map[string]*entry)
	r.order = nil
}

// Done returns a channel closed once the task leaves running.
func (r *Registry) Done(id string) (<-chan struct{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.done, true
}

// Watch resolves the task now and returns a func that blocks until it
// settles. A watch taken before the task is deleted still yields the
// final snapshot; once the task is gone Watch returns ErrTaskNotFound.
func (r *Registry) Watch(id string) (func(context.Context) (Task, error), error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	return func(ctx context.Context) (Task, error) {
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-e.done:
		}

		r.mu.RLock()
		defer r.mu.RUnlock()
		if e.dropped {
			return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return e.task.Clone(), nil
	}, nil
}

// Await blocks until the task settles and returns its final snapshot.
// The task must still be registered when Await is called.
func (r *Registry) Await(ctx context.Context, id string) (Task, error) {
	wait, err := r.Watch(id)
	if err != nil {
		return Task{}, err
	}
	return wait(ctx)
}

func containsStatus(statuses []Status, s Status) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func appendOutput(current, delta string) string {
	return tail(current+delta, MaxOutputBytes)
}

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := len(s) - max
	// avoid splitting a UTF-8 sequence
	for cut < len(s) && s[cut]&0xC0 == 0x80 {
		cut++
	}
	return s[cut:]
}
