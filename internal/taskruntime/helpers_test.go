package taskruntime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/taskrelay/internal/tasks"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeHost struct {
	call func(ctx context.Context, call tasks.AgentCall) (string, error)

	mu        sync.Mutex
	statuses  map[string]tasks.Status
	sendErr   error
	sent      []tasks.Notification
	delivered chan tasks.Notification
}

func newFakeHost(call func(ctx context.Context, call tasks.AgentCall) (string, error)) *fakeHost {
	return &fakeHost{
		call:      call,
		statuses:  make(map[string]tasks.Status),
		delivered: make(chan tasks.Notification, 32),
	}
}

func (h *fakeHost) CallAgent(ctx context.Context, call tasks.AgentCall) (string, error) {
	return h.call(ctx, call)
}

func (h *fakeHost) SessionStatus(ctx context.Context, sessionID string) (tasks.Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	status, ok := h.statuses[sessionID]
	if !ok {
		return "", errors.New("unknown session")
	}
	return status, nil
}

func (h *fakeHost) SendMessage(ctx context.Context, n tasks.Notification) error {
	h.mu.Lock()
	h.sent = append(h.sent, n)
	err := h.sendErr
	h.mu.Unlock()
	h.delivered <- n
	return err
}

func (h *fakeHost) setStatus(sessionID string, status tasks.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses[sessionID] = status
}

func (h *fakeHost) sentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

// blockUntil returns an agent that waits for release or cancellation.
func blockUntil(release <-chan string) func(context.Context, tasks.AgentCall) (string, error) {
	return func(ctx context.Context, call tasks.AgentCall) (string, error) {
		select {
		case out := <-release:
			return out, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// ignoreCancel returns an agent that keeps running after its context is
// cancelled, like an uncooperative agent.
func ignoreCancel(release <-chan string) func(context.Context, tasks.AgentCall) (string, error) {
	return func(ctx context.Context, call tasks.AgentCall) (string, error) {
		return <-release, nil
	}
}

func newTestService(t *testing.T, cfg Config, host Host) (*Service, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	s := New(cfg, nil, nil, nil)
	s.now = clock.Now
	if host != nil {
		s.Initialize(host)
	}
	t.Cleanup(s.Cleanup)
	return s, clock
}

func launchInput(agent, prompt string) tasks.LaunchInput {
	return tasks.LaunchInput{
		Description:     "test task",
		Prompt:          prompt,
		Agent:           agent,
		ParentSessionID: "main",
	}
}

func waitTaskStatus(t *testing.T, s *Service, taskID string, want tasks.Status) tasks.Task {
	t.Helper()
	var last tasks.Task
	require.Eventually(t, func() bool {
		task, err := s.GetTask(taskID)
		if err != nil {
			return false
		}
		last = task
		return task.Status == want
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %s", taskID, want)
	return last
}

func waitDelivered(t *testing.T, h *fakeHost) tasks.Notification {
	t.Helper()
	select {
	case n := <-h.delivered:
		return n
	case <-time.After(2 * time.Second):
		t.Fatalf("no notification delivered")
		return tasks.Notification{}
	}
}

func assertNoDelivery(t *testing.T, h *fakeHost, within time.Duration) {
	t.Helper()
	select {
	case n := <-h.delivered:
		t.Fatalf("unexpected notification for %s: %q", n.TaskID, n.Text)
	case <-time.After(within):
	}
}
