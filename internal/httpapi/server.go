package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.uber.org/zap"

	"github.com/ent0n29/taskrelay/internal/config"
	"github.com/ent0n29/taskrelay/internal/logging"
	"github.com/ent0n29/taskrelay/internal/observability"
	"github.com/ent0n29/taskrelay/internal/session"
	"github.com/ent0n29/taskrelay/internal/taskruntime"
	"github.com/ent0n29/taskrelay/internal/tasks"
)

// Options carries the optional collaborators of a Server.
type Options struct {
	Metrics *observability.Metrics
	// Gatherer backs /metrics. prometheus.DefaultGatherer when nil.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	// AccessLog enables the httplog request logger.
	AccessLog *zerolog.Logger
}

type Server struct {
	cfg         config.Config
	sessions    *session.Manager
	taskService *taskruntime.Service
	metrics     *observability.Metrics
	gatherer    prometheus.Gatherer
	logger      *zap.Logger
	accessLog   *zerolog.Logger
	validate    *validator.Validate
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, taskService *taskruntime.Service, opts Options) *Server {
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:         cfg,
		sessions:    sessions,
		taskService: taskService,
		metrics:     opts.Metrics,
		gatherer:    gatherer,
		logger:      logging.OrNop(opts.Logger).Named("httpapi"),
		accessLog:   opts.AccessLog,
		validate:    validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// NewAccessLogger builds the zerolog logger used by the request logging
// middleware.
func NewAccessLogger(jsonOutput bool) zerolog.Logger {
	return httplog.NewLogger("taskrelay", httplog.Options{
		JSON:    jsonOutput,
		Concise: true,
	})
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.accessLog != nil {
		r.Use(httplog.RequestLogger(*s.accessLog))
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler(s.gatherer).ServeHTTP(w, r)
	})

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/end", s.handleEndSession)
			r.Get("/ws", s.handleSessionWS)
			r.Post("/events", s.handleSessionEvent)
			r.Get("/tasks", s.handleSessionTasks)
			r.Get("/descendants", s.handleSessionDescendants)
			r.Get("/notifications", s.handlePendingNotifications)
			r.Delete("/notifications", s.handleClearNotifications)
			r.Get("/history", s.handleSessionHistory)
		})
	})

	r.Route("/v1/tasks", func(r chi.Router) {
		r.Post("/", s.handleLaunchTask)
		r.Get("/", s.handleListTasks)
		r.Post("/cancel", s.handleCancelAllTasks)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Get("/output", s.handleTaskOutput)
			r.Post("/cancel", s.handleCancelTask)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"tasks_running":   s.runningCount(),
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.taskService == nil || !s.taskService.Initialized() {
		respondError(w, http.StatusServiceUnavailable, "not_initialized", tasks.ErrNotInitialized.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"task_store_mode": s.taskStoreMode(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondTaskError maps runtime sentinels onto HTTP status codes.
func respondTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tasks.ErrInvalidArgument):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, tasks.ErrNotInitialized):
		respondError(w, http.StatusServiceUnavailable, "not_initialized", err.Error())
	case errors.Is(err, tasks.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
	case errors.Is(err, tasks.ErrInvalidState):
		respondError(w, http.StatusConflict, "invalid_task_state", err.Error())
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, session.ErrEnded):
		respondError(w, http.StatusConflict, "session_ended", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) runningCount() int {
	if s.taskService == nil {
		return 0
	}
	return len(s.taskService.ListTasks(tasks.StatusRunning))
}

func (s *Server) taskStoreMode() string {
	if s.cfg.DatabaseURL == "" {
		return "disabled"
	}
	return "postgres"
}
