package taskruntime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/taskrelay/internal/tasks"
)

const (
	DefaultWaitTimeout = 60 * time.Second
	MaxWaitTimeout     = 10 * time.Minute
)

// GetOutput reports what a task has produced so far without blocking.
func (s *Service) GetOutput(taskID string) (tasks.Output, error) {
	task, err := s.GetTask(taskID)
	if err != nil {
		return tasks.Output{}, err
	}
	return tasks.OutputOf(task, s.now()), nil
}

// WaitOutput blocks until the task settles or timeout elapses. On timeout
// the current output is returned with TimedOut set. A wait that began
// while the task was registered returns the final snapshot even if the
// task is purged after delivery; a wait that starts after the purge
// gets ErrTaskNotFound.
func (s *Service) WaitOutput(ctx context.Context, taskID string, timeout time.Duration) (tasks.Output, error) {
	taskID = strings.TrimSpace(taskID)
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	if timeout > MaxWaitTimeout {
		timeout = MaxWaitTimeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	task, err := s.registry.Await(waitCtx, taskID)
	if err == nil {
		return tasks.OutputOf(task, s.now()), nil
	}
	if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return tasks.Output{}, err
	}

	current, ok := s.registry.Get(taskID)
	if !ok {
		return tasks.Output{}, fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, taskID)
	}
	out := tasks.OutputOf(current, s.now())
	out.TimedOut = current.Status == tasks.StatusRunning
	return out, nil
}
