package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ent0n29/taskrelay/internal/agent"
	"github.com/ent0n29/taskrelay/internal/config"
	"github.com/ent0n29/taskrelay/internal/httpapi"
	"github.com/ent0n29/taskrelay/internal/logging"
	"github.com/ent0n29/taskrelay/internal/observability"
	"github.com/ent0n29/taskrelay/internal/policy"
	"github.com/ent0n29/taskrelay/internal/session"
	"github.com/ent0n29/taskrelay/internal/taskruntime"
	"github.com/ent0n29/taskrelay/internal/tasks"
)

const (
	sessionJanitorInterval = 5 * time.Second
	hostJanitorInterval    = time.Minute
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Sessions    *session.Manager
	TaskService *taskruntime.Service
	Metrics     *observability.Metrics
	Registry    *prometheus.Registry
	// StoreMode is "postgres" when settled tasks are archived, else "disabled".
	StoreMode string

	// Cleanup should be called on shutdown to release external resources (DB, background loops).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	logger = logging.OrNop(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(cfg.MetricsNamespace, registry)

	store, err := tasks.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("task store init failed: %w", err)
	}
	storeMode := "disabled"
	if store != nil {
		storeMode = "postgres"
	}

	adapter, err := agent.NewAdapter(agent.Config{
		Provider:      cfg.AgentProvider,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIModel:   cfg.OpenAIModel,
		MockDelay:     cfg.AgentMockDelay,
	}, metrics)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, fmt.Errorf("agent adapter init failed: %w", err)
	}

	taskService := taskruntime.New(taskruntime.Config{
		PollInterval:      cfg.TaskPollInterval,
		TaskTTL:           cfg.TaskTTL,
		NotificationDelay: cfg.TaskNotificationDelay,
		DeliveryTimeout:   cfg.TaskDeliveryTimeout,
		LivenessPolling:   cfg.TaskLivenessPolling,
		AllowedAgents:     policy.ParseAllowList(cfg.AgentAllowList),
	}, store, metrics, logger)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.ObserveSessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
		if results := taskService.CancelAllDescendants(context.Background(), s.ID); len(results) > 0 {
			logger.Info("expired session left running tasks",
				zap.String("session_id", s.ID),
				zap.Int("cancelled", len(results)),
			)
		}
	})

	host := agent.NewHost(adapter, sessions, logger)
	taskService.Initialize(host)

	accessLog := httpapi.NewAccessLogger(cfg.LogEncoding == "json")
	api := httpapi.New(cfg, sessions, taskService, httpapi.Options{
		Metrics:   metrics,
		Gatherer:  registry,
		Logger:    logger,
		AccessLog: &accessLog,
	})

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	sessions.StartJanitor(janitorCtx, sessionJanitorInterval)
	host.StartJanitor(janitorCtx, hostJanitorInterval)

	logger.Info("taskrelay built",
		zap.String("agent_provider", cfg.AgentProvider),
		zap.String("task_store", storeMode),
		zap.Duration("task_ttl", cfg.TaskTTL),
		zap.Bool("liveness_polling", cfg.TaskLivenessPolling),
	)

	cleanup := func() error {
		stopJanitor()
		var errs []string
		if err := taskService.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Sessions:    sessions,
		TaskService: taskService,
		Metrics:     metrics,
		Registry:    registry,
		StoreMode:   storeMode,
		Cleanup:     cleanup,
	}, nil
}
