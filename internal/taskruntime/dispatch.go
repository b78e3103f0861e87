package taskruntime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/taskrelay/internal/tasks"
)

func (s *Service) scheduleDispatch(task tasks.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.dispatchTimers[task.ID]; ok {
		prev.Stop()
	}
	s.dispatchTimers[task.ID] = time.AfterFunc(s.cfg.NotificationDelay, func() {
		s.dispatch(task)
	})
}

// dispatch delivers the completion notice for task if it is still
// pending, then drops the task from the registry either way.
func (s *Service) dispatch(task tasks.Task) {
	s.mu.Lock()
	delete(s.dispatchTimers, task.ID)
	host := s.host
	s.mu.Unlock()
	defer s.registry.Delete(task.ID)

	pending, ok := s.queue.Take(task.ParentSessionID, task.ID)
	if !ok {
		s.metrics.ObserveNotification("skipped")
		s.logger.Debug("notification already acknowledged", zap.String("task_id", task.ID))
		return
	}
	if host == nil {
		s.metrics.ObserveNotification("skipped")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DeliveryTimeout)
	defer cancel()
	if err := s.sendMessage(ctx, host, tasks.NewNotification(pending, s.now())); err != nil {
		s.metrics.ObserveNotification("failed")
		s.logger.Warn("completion notification not delivered",
			zap.String("task_id", task.ID),
			zap.String("parent_session_id", task.ParentSessionID),
			zap.Error(fmt.Errorf("%w: %w", tasks.ErrDeliveryFailed, err)),
		)
		return
	}
	s.metrics.ObserveNotification("delivered")
}

func (s *Service) sendMessage(ctx context.Context, host Host, n tasks.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send message panicked: %v", r)
		}
	}()
	return host.SendMessage(ctx, n)
}

// GetPendingNotifications returns settled tasks for the parent whose
// notification has not been delivered or acknowledged yet.
func (s *Service) GetPendingNotifications(parentSessionID string) []tasks.Task {
	return s.queue.Pending(strings.TrimSpace(parentSessionID))
}

// ClearNotifications acknowledges every pending notification for the
// parent. Acknowledged tasks are not pushed again.
func (s *Service) ClearNotifications(parentSessionID string) int {
	return s.queue.Clear(strings.TrimSpace(parentSessionID))
}
