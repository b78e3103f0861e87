package taskruntime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/taskrelay/internal/tasks"
)

// poller runs tick on a fixed interval while there is running work. It is
// started on launch and stops itself once idle reports true.
type poller struct {
	interval time.Duration
	tick     func()
	idle     func() bool

	mu   sync.Mutex
	stop chan struct{}
}

func newPoller(interval time.Duration, tick func(), idle func() bool) *poller {
	return &poller{interval: interval, tick: tick, idle: idle}
}

func (p *poller) ensureRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return
	}
	stop := make(chan struct{})
	p.stop = stop
	go p.loop(stop)
}

func (p *poller) loop(stop chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *poller) stopIfIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop == nil || !p.idle() {
		return
	}
	close(p.stop)
	p.stop = nil
}

func (p *poller) halt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop == nil {
		return
	}
	close(p.stop)
	p.stop = nil
}

func (p *poller) running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stop != nil
}

// pollOnce is one sweep: reap tasks past their TTL, optionally ask the
// host about session liveness, then stop the loop if nothing is running.
func (s *Service) pollOnce(ctx context.Context) {
	now := s.now()
	s.reapExpired(now)
	if s.cfg.LivenessPolling {
		s.checkLiveness(ctx)
	}
	s.poller.stopIfIdle()
}

func (s *Service) reapExpired(now time.Time) {
	ttl := s.cfg.TaskTTL
	for _, t := range s.registry.ListByStatus(tasks.StatusRunning) {
		if now.Sub(t.StartedAt) <= ttl {
			continue
		}
		if _, err := s.registry.Fail(t.ID, fmt.Sprintf("Task timed out after %s", ttl), now); err != nil {
			continue
		}
		s.queue.Remove(t.ID)
		s.registry.Delete(t.ID)
		if cancel := s.getRunningCancel(t.ID); cancel != nil {
			cancel()
		}
		s.metrics.ObserveTaskEvent("reaped")
		s.logger.Warn("background task timed out",
			zap.String("task_id", t.ID),
			zap.Duration("ttl", ttl),
		)
	}

	for _, t := range s.queue.PruneStartedBefore(now.Add(-ttl)) {
		s.metrics.ObserveNotification("pruned")
		s.logger.Debug("stale notification pruned", zap.String("task_id", t.ID))
	}
	s.refreshRunningGauge()
}

func (s *Service) checkLiveness(ctx context.Context) {
	host := s.currentHost()
	if host == nil {
		return
	}
	for _, t := range s.registry.ListByStatus(tasks.StatusRunning) {
		status, err := host.SessionStatus(ctx, t.SessionID)
		if err != nil {
			s.logger.Debug("session status unavailable",
				zap.String("task_id", t.ID),
				zap.String("session_id", t.SessionID),
				zap.Error(err),
			)
			continue
		}
		switch status {
		case tasks.StatusCompleted:
			_, err = s.finish(t.ID, tasks.StatusCompleted, t.Progress.LastMessage)
		case tasks.StatusError:
			_, err = s.finish(t.ID, tasks.StatusError, "Session error")
		case tasks.StatusCancelled:
			_, err = s.finish(t.ID, tasks.StatusCancelled, "")
		default:
			continue
		}
		if err != nil {
			continue
		}
		if cancel := s.getRunningCancel(t.ID); cancel != nil {
			cancel()
		}
	}
}
