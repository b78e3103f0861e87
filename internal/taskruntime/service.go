package taskruntime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/taskrelay/internal/logging"
	"github.com/ent0n29/taskrelay/internal/observability"
	"github.com/ent0n29/taskrelay/internal/policy"
	"github.com/ent0n29/taskrelay/internal/tasks"
)

// Host is the narrow capability set the service needs from the session
// environment that launched it.
type Host interface {
	CallAgent(ctx context.Context, call tasks.AgentCall) (string, error)
	SessionStatus(ctx context.Context, sessionID string) (tasks.Status, error)
	SendMessage(ctx context.Context, n tasks.Notification) error
}

type Config struct {
	PollInterval      time.Duration
	TaskTTL           time.Duration
	NotificationDelay time.Duration
	DeliveryTimeout   time.Duration
	// LivenessPolling enables the per-tick Host.SessionStatus check for
	// hosts that cannot report completion through CallAgent alone.
	LivenessPolling bool
	AllowedAgents   []string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.TaskTTL <= 0 {
		c.TaskTTL = 30 * time.Minute
	}
	if c.NotificationDelay <= 0 {
		c.NotificationDelay = 200 * time.Millisecond
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 5 * time.Second
	}
	return c
}

type Service struct {
	cfg      Config
	registry *tasks.Registry
	queue    *tasks.NotificationQueue
	store    tasks.Store
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
	poller   *poller

	mu             sync.Mutex
	host           Host
	runningCancels map[string]context.CancelFunc
	dispatchTimers map[string]*time.Timer
}

// New builds an uninitialized service. store, metrics and logger may be
// nil.
func New(cfg Config, store tasks.Store, metrics *observability.Metrics, logger *zap.Logger) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:            cfg,
		registry:       tasks.NewRegistry(),
		queue:          tasks.NewNotificationQueue(),
		store:          store,
		metrics:        metrics,
		logger:         logging.OrNop(logger).Named("taskruntime"),
		now:            func() time.Time { return time.Now().UTC() },
		runningCancels: make(map[string]context.CancelFunc),
		dispatchTimers: make(map[string]*time.Timer),
	}
	s.poller = newPoller(cfg.PollInterval, func() {
		s.pollOnce(context.Background())
	}, func() bool {
		return s.registry.CountRunning() == 0
	})
	return s
}

// Initialize binds the host. Launch fails with ErrNotInitialized until it
// is called.
func (s *Service) Initialize(host Host) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.host = host
}

func (s *Service) Initialized() bool {
	return s.currentHost() != nil
}

func (s *Service) Launch(ctx context.Context, in tasks.LaunchInput) (tasks.Task, error) {
	_ = ctx
	host := s.currentHost()
	if host == nil {
		return tasks.Task{}, tasks.ErrNotInitialized
	}
	agent := strings.TrimSpace(in.Agent)
	if agent == "" {
		return tasks.Task{}, fmt.Errorf("%w: agent is required", tasks.ErrInvalidArgument)
	}
	if !policy.AgentAllowed(agent, s.cfg.AllowedAgents) {
		return tasks.Task{}, fmt.Errorf("%w: agent %q is not allowed", tasks.ErrInvalidArgument, agent)
	}
	if decision := policy.DecidePrompt(in.Prompt); decision.Blocked {
		return tasks.Task{}, fmt.Errorf("%w: blocked by policy: %s", tasks.ErrInvalidArgument, decision.Reason)
	}

	task, err := s.registry.Create(in, s.now())
	if err != nil {
		return tasks.Task{}, err
	}
	s.metrics.ObserveTaskEvent("launched")
	s.refreshRunningGauge()
	s.poller.ensureRunning()

	execCtx, cancel := context.WithCancel(context.Background())
	s.setRunningCancel(task.ID, cancel)
	go s.execute(execCtx, host, task)

	s.logger.Info("background task launched",
		zap.String("task_id", task.ID),
		zap.String("session_id", task.SessionID),
		zap.String("parent_session_id", task.ParentSessionID),
		zap.String("agent", task.Agent),
	)
	return task, nil
}

func (s *Service) execute(ctx context.Context, host Host, task tasks.Task) {
	defer s.clearRunningCancel(task.ID)

	result, err := s.callAgent(ctx, host, task)
	var settleErr error
	if err != nil {
		s.logger.Warn("background task failed",
			zap.String("task_id", task.ID),
			zap.Error(fmt.Errorf("%w: %w", tasks.ErrAgentFailure, err)),
		)
		_, settleErr = s.finish(task.ID, tasks.StatusError, err.Error())
	} else {
		_, settleErr = s.finish(task.ID, tasks.StatusCompleted, result)
	}
	if settleErr != nil {
		s.logger.Debug("late agent settlement ignored",
			zap.String("task_id", task.ID),
			zap.Error(settleErr),
		)
	}
}

func (s *Service) callAgent(ctx context.Context, host Host, task tasks.Task) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panicked: %v", r)
		}
	}()
	return host.CallAgent(ctx, tasks.AgentCall{
		TaskID:          task.ID,
		SessionID:       task.SessionID,
		ParentSessionID: task.ParentSessionID,
		Agent:           task.Agent,
		Prompt:          task.Prompt,
		ParentModel:     task.ParentModel,
		OnProgress: func(update tasks.ProgressUpdate) {
			_ = s.registry.UpdateProgress(task.ID, update, s.now())
		},
	})
}

// finish is the only path that moves a task out of running with a
// notification. payload is the result for completed tasks and the error
// message for failed ones.
func (s *Service) finish(taskID string, status tasks.Status, payload string) (tasks.Task, error) {
	now := s.now()
	var (
		task tasks.Task
		err  error
	)
	switch status {
	case tasks.StatusCompleted:
		task, err = s.registry.Complete(taskID, payload, now)
	case tasks.StatusError:
		task, err = s.registry.Fail(taskID, payload, now)
	case tasks.StatusCancelled:
		task, err = s.registry.Cancel(taskID, now)
	default:
		return tasks.Task{}, fmt.Errorf("%w: cannot settle task as %q", tasks.ErrInvalidArgument, status)
	}
	if err != nil {
		return tasks.Task{}, err
	}

	s.metrics.ObserveTaskEvent(taskEventName(status))
	s.metrics.ObserveTaskDuration(task.Duration(now))
	s.persistTask(task)
	s.queue.Enqueue(task)
	s.scheduleDispatch(task)
	s.refreshRunningGauge()
	s.poller.stopIfIdle()

	s.logger.Info("background task settled",
		zap.String("task_id", task.ID),
		zap.String("status", string(task.Status)),
		zap.Duration("duration", task.Duration(now)),
	)
	return task, nil
}

// CancelTask cancels a running task. The agent's context is cancelled as
// a hint; its eventual result is discarded.
func (s *Service) CancelTask(ctx context.Context, taskID string) (tasks.Task, error) {
	_ = ctx
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return tasks.Task{}, fmt.Errorf("%w: task_id is required", tasks.ErrInvalidArgument)
	}
	current, ok := s.registry.Get(taskID)
	if !ok {
		return tasks.Task{}, fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, taskID)
	}
	if current.Status != tasks.StatusRunning {
		return tasks.Task{}, fmt.Errorf("%w: only running tasks can be cancelled, task %s is %s", tasks.ErrInvalidState, taskID, current.Status)
	}

	task, err := s.finish(taskID, tasks.StatusCancelled, "")
	if err != nil {
		return tasks.Task{}, err
	}
	if cancel := s.getRunningCancel(taskID); cancel != nil {
		cancel()
	}
	return task, nil
}

type CancelResult struct {
	TaskID string     `json:"task_id"`
	Task   tasks.Task `json:"task"`
	Err    error      `json:"-"`
	Error  string     `json:"error,omitempty"`
}

// CancelAllTasks cancels every running task independently. One result is
// returned per task that was running when the call started.
func (s *Service) CancelAllTasks(ctx context.Context) []CancelResult {
	return s.cancelEach(ctx, s.registry.ListByStatus(tasks.StatusRunning))
}

// CancelAllDescendants cancels the running tasks below sessionID at any
// depth.
func (s *Service) CancelAllDescendants(ctx context.Context, sessionID string) []CancelResult {
	var running []tasks.Task
	for _, t := range s.registry.ListAllDescendants(strings.TrimSpace(sessionID)) {
		if t.Status == tasks.StatusRunning {
			running = append(running, t)
		}
	}
	return s.cancelEach(ctx, running)
}

func (s *Service) cancelEach(ctx context.Context, running []tasks.Task) []CancelResult {
	results := make([]CancelResult, 0, len(running))
	for _, t := range running {
		task, err := s.CancelTask(ctx, t.ID)
		res := CancelResult{TaskID: t.ID, Task: task, Err: err}
		if err != nil {
			res.Task = t
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

func (s *Service) GetTask(taskID string) (tasks.Task, error) {
	task, ok := s.registry.Get(strings.TrimSpace(taskID))
	if !ok {
		return tasks.Task{}, fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, taskID)
	}
	return task, nil
}

// ListTasks returns live tasks in launch order, optionally filtered by
// status.
func (s *Service) ListTasks(statuses ...tasks.Status) []tasks.Task {
	return s.registry.ListByStatus(statuses...)
}

func (s *Service) GetTasksByParentSession(parentSessionID string) []tasks.Task {
	return s.registry.ListByParentSession(strings.TrimSpace(parentSessionID))
}

func (s *Service) GetAllDescendantTasks(sessionID string) []tasks.Task {
	return s.registry.ListAllDescendants(strings.TrimSpace(sessionID))
}

func (s *Service) FindBySession(sessionID string) (tasks.Task, bool) {
	return s.registry.FindBySession(strings.TrimSpace(sessionID))
}

// History returns archived settled tasks for a parent session, newest
// first. Without a store it returns nothing.
func (s *Service) History(ctx context.Context, parentSessionID string, limit int) ([]tasks.Task, error) {
	if s.store == nil {
		return []tasks.Task{}, nil
	}
	return s.store.ListTasksByParentSession(ctx, strings.TrimSpace(parentSessionID), limit)
}

// Cleanup stops background work and drops all tasks and pending
// notifications. Agents still running are told to stop; their results
// are discarded.
func (s *Service) Cleanup() {
	s.poller.halt()

	s.mu.Lock()
	for id, timer := range s.dispatchTimers {
		timer.Stop()
		delete(s.dispatchTimers, id)
	}
	cancels := make([]context.CancelFunc, 0, len(s.runningCancels))
	for id, cancel := range s.runningCancels {
		cancels = append(cancels, cancel)
		delete(s.runningCancels, id)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.registry.Clear()
	s.queue.Reset()
	s.refreshRunningGauge()
	s.logger.Info("background manager cleaned up")
}

func (s *Service) Close() error {
	s.Cleanup()
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

func (s *Service) persistTask(task tasks.Task) {
	if s.store == nil {
		return
	}
	task.Prompt, _ = policy.RedactPII(task.Prompt)
	task.Result, _ = policy.RedactPII(task.Result)
	task.Error, _ = policy.RedactPII(task.Error)
	go func(snapshot tasks.Task) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.store.SaveTask(ctx, snapshot); err != nil {
			s.logger.Warn("archive task failed",
				zap.String("task_id", snapshot.ID),
				zap.Error(err),
			)
		}
	}(task)
}

func (s *Service) refreshRunningGauge() {
	s.metrics.SetTasksRunning(s.registry.CountRunning())
}

func (s *Service) currentHost() Host {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

func (s *Service) setRunningCancel(taskID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runningCancels[taskID] = cancel
}

func (s *Service) getRunningCancel(taskID string) context.CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningCancels[taskID]
}

func (s *Service) clearRunningCancel(taskID string) {
	s.mu.Lock()
	cancel, ok := s.runningCancels[taskID]
	delete(s.runningCancels, taskID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func taskEventName(status tasks.Status) string {
	switch status {
	case tasks.StatusCompleted:
		return "completed"
	case tasks.StatusError:
		return "failed"
	case tasks.StatusCancelled:
		return "cancelled"
	default:
		return string(status)
	}
}
