package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/taskrelay/internal/agent"
	"github.com/ent0n29/taskrelay/internal/config"
	"github.com/ent0n29/taskrelay/internal/observability"
	"github.com/ent0n29/taskrelay/internal/protocol"
	"github.com/ent0n29/taskrelay/internal/session"
	"github.com/ent0n29/taskrelay/internal/taskruntime"
	"github.com/ent0n29/taskrelay/internal/tasks"
)

type testEnv struct {
	server   *httptest.Server
	sessions *session.Manager
	service  *taskruntime.Service
}

type envOptions struct {
	mockDelay         time.Duration
	notificationDelay time.Duration
	skipInitialize    bool
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	cfg := config.Config{SessionInactivityTimeout: 2 * time.Minute}
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test_httpapi", reg)
	sessions := session.NewManager(cfg.SessionInactivityTimeout)

	notificationDelay := opts.notificationDelay
	if notificationDelay == 0 {
		notificationDelay = 20 * time.Millisecond
	}
	service := taskruntime.New(taskruntime.Config{
		PollInterval:      time.Hour,
		NotificationDelay: notificationDelay,
	}, nil, metrics, nil)
	if !opts.skipInitialize {
		service.Initialize(agent.NewHost(agent.NewMockAdapter(opts.mockDelay), sessions, nil))
	}
	t.Cleanup(service.Cleanup)

	srv := New(cfg, sessions, service, Options{Metrics: metrics, Gatherer: reg})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, sessions: sessions, service: service}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return res.StatusCode
}

func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	var created session.CreateResponse
	status := e.do(t, http.MethodPost, "/v1/sessions", map[string]string{"user_id": "user-1"}, &created)
	if status != http.StatusCreated {
		t.Fatalf("create session status = %d, want %d", status, http.StatusCreated)
	}
	if created.SessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	return created.SessionID
}

func TestCreateAndEndSession(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	sessionID := env.createSession(t)

	if status := env.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/end", nil, nil); status != http.StatusOK {
		t.Fatalf("end status = %d, want %d", status, http.StatusOK)
	}
	if status := env.do(t, http.MethodPost, "/v1/sessions/ses_missing/end", nil, nil); status != http.StatusNotFound {
		t.Fatalf("end unknown status = %d, want %d", status, http.StatusNotFound)
	}
}

func TestCreateSessionRejectsOversizedLabel(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	var errResp errorResponse
	status := env.do(t, http.MethodPost, "/v1/sessions", map[string]string{"label": strings.Repeat("x", 300)}, &errResp)
	if status != http.StatusBadRequest || errResp.Code != "invalid_request" {
		t.Fatalf("create status = %d code = %q, want 400 invalid_request", status, errResp.Code)
	}
}

func TestLaunchAndWaitForOutput(t *testing.T) {
	env := newTestEnv(t, envOptions{mockDelay: 50 * time.Millisecond, notificationDelay: time.Hour})
	sessionID := env.createSession(t)

	var launched launchTaskResponse
	status := env.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"agent":             "echo",
		"prompt":            "hi-back",
		"parent_session_id": sessionID,
	}, &launched)
	if status != http.StatusCreated {
		t.Fatalf("launch status = %d, want %d", status, http.StatusCreated)
	}
	if launched.Status != tasks.StatusRunning {
		t.Fatalf("launch status field = %q, want running", launched.Status)
	}
	if !strings.HasPrefix(launched.TaskID, "bg_") {
		t.Fatalf("task id = %q, want bg_ prefix", launched.TaskID)
	}

	var out tasks.Output
	status = env.do(t, http.MethodGet, "/v1/tasks/"+launched.TaskID+"/output?wait=true&timeout=5s", nil, &out)
	if status != http.StatusOK {
		t.Fatalf("output status = %d, want %d", status, http.StatusOK)
	}
	if out.Status != tasks.StatusCompleted || out.Result != "hi-back" {
		t.Fatalf("output = %+v, want completed hi-back", out)
	}

	var pending struct {
		Tasks []tasks.Task `json:"tasks"`
	}
	env.do(t, http.MethodGet, "/v1/sessions/"+sessionID+"/notifications", nil, &pending)
	if len(pending.Tasks) != 1 || pending.Tasks[0].ID != launched.TaskID {
		t.Fatalf("pending = %+v, want the completed task", pending.Tasks)
	}

	var cleared struct {
		Cleared int `json:"cleared"`
	}
	env.do(t, http.MethodDelete, "/v1/sessions/"+sessionID+"/notifications", nil, &cleared)
	if cleared.Cleared != 1 {
		t.Fatalf("cleared = %d, want 1", cleared.Cleared)
	}

	var listed struct {
		Tasks []tasks.Task `json:"tasks"`
	}
	env.do(t, http.MethodGet, "/v1/sessions/"+sessionID+"/tasks", nil, &listed)
	if len(listed.Tasks) != 1 {
		t.Fatalf("session tasks = %d, want 1", len(listed.Tasks))
	}
}

func TestLaunchValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	sessionID := env.createSession(t)

	cases := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{
			name:   "blank agent",
			body:   map[string]any{"agent": "  ", "prompt": "x", "parent_session_id": sessionID},
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "missing prompt",
			body:   map[string]any{"agent": "echo", "parent_session_id": sessionID},
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "unknown parent",
			body:   map[string]any{"agent": "echo", "prompt": "x", "parent_session_id": "ses_nope"},
			status: http.StatusNotFound,
			code:   "session_not_found",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var errResp errorResponse
			status := env.do(t, http.MethodPost, "/v1/tasks", tc.body, &errResp)
			if status != tc.status || errResp.Code != tc.code {
				t.Fatalf("status = %d code = %q, want %d %q", status, errResp.Code, tc.status, tc.code)
			}
		})
	}
	if n := len(env.service.ListTasks()); n != 0 {
		t.Fatalf("ListTasks() = %d, want 0 after rejected launches", n)
	}
}

func TestLaunchBeforeInitialize(t *testing.T) {
	env := newTestEnv(t, envOptions{skipInitialize: true})
	sessionID := env.createSession(t)

	var errResp errorResponse
	status := env.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"agent": "echo", "prompt": "x", "parent_session_id": sessionID,
	}, &errResp)
	if status != http.StatusServiceUnavailable || errResp.Code != "not_initialized" {
		t.Fatalf("status = %d code = %q, want 503 not_initialized", status, errResp.Code)
	}
	if status := env.do(t, http.MethodGet, "/readyz", nil, nil); status != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want %d", status, http.StatusServiceUnavailable)
	}
}

func TestNestedLaunchUsesChildSessionAsParent(t *testing.T) {
	env := newTestEnv(t, envOptions{mockDelay: time.Hour})
	sessionID := env.createSession(t)

	var parent launchTaskResponse
	env.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"agent": "explore", "prompt": "outer", "parent_session_id": sessionID,
	}, &parent)

	var child launchTaskResponse
	status := env.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"agent": "explore", "prompt": "inner", "parent_session_id": parent.SessionID,
	}, &child)
	if status != http.StatusCreated {
		t.Fatalf("nested launch status = %d, want %d", status, http.StatusCreated)
	}

	var desc struct {
		Tasks []tasks.Task `json:"tasks"`
	}
	env.do(t, http.MethodGet, "/v1/sessions/"+sessionID+"/descendants", nil, &desc)
	if len(desc.Tasks) != 2 {
		t.Fatalf("descendants = %d, want 2", len(desc.Tasks))
	}
}

func TestCancelTaskEndpoints(t *testing.T) {
	env := newTestEnv(t, envOptions{mockDelay: time.Hour, notificationDelay: time.Hour})
	sessionID := env.createSession(t)

	var launched launchTaskResponse
	env.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"agent": "explore", "prompt": "slow", "parent_session_id": sessionID,
	}, &launched)

	var cancelled tasks.Task
	status := env.do(t, http.MethodPost, "/v1/tasks/"+launched.TaskID+"/cancel", nil, &cancelled)
	if status != http.StatusOK || cancelled.Status != tasks.StatusCancelled {
		t.Fatalf("cancel status = %d task status = %q, want 200 cancelled", status, cancelled.Status)
	}

	var errResp errorResponse
	status = env.do(t, http.MethodPost, "/v1/tasks/"+launched.TaskID+"/cancel", nil, &errResp)
	if status != http.StatusConflict || errResp.Code != "invalid_task_state" {
		t.Fatalf("second cancel status = %d code = %q, want 409 invalid_task_state", status, errResp.Code)
	}

	status = env.do(t, http.MethodPost, "/v1/tasks/bg_missing/cancel", nil, &errResp)
	if status != http.StatusNotFound || errResp.Code != "task_not_found" {
		t.Fatalf("unknown cancel status = %d code = %q, want 404 task_not_found", status, errResp.Code)
	}
}

func TestCancelAllTasks(t *testing.T) {
	env := newTestEnv(t, envOptions{mockDelay: time.Hour, notificationDelay: time.Hour})
	sessionID := env.createSession(t)
	for i := 0; i < 3; i++ {
		env.do(t, http.MethodPost, "/v1/tasks", map[string]any{
			"agent": "explore", "prompt": "slow", "parent_session_id": sessionID,
		}, nil)
	}

	var resp cancelAllResponse
	if status := env.do(t, http.MethodPost, "/v1/tasks/cancel", nil, &resp); status != http.StatusOK {
		t.Fatalf("cancel all status = %d, want %d", status, http.StatusOK)
	}
	if resp.Cancelled != 3 || resp.Failed != 0 {
		t.Fatalf("cancel all = %+v, want 3 cancelled", resp)
	}

	var running struct {
		Tasks []tasks.Task `json:"tasks"`
	}
	env.do(t, http.MethodGet, "/v1/tasks?status=running", nil, &running)
	if len(running.Tasks) != 0 {
		t.Fatalf("running tasks = %d, want 0", len(running.Tasks))
	}
}

func TestTaskLookupErrors(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	var errResp errorResponse
	if status := env.do(t, http.MethodGet, "/v1/tasks/bg_missing", nil, &errResp); status != http.StatusNotFound {
		t.Fatalf("get status = %d, want %d", status, http.StatusNotFound)
	}
	if status := env.do(t, http.MethodGet, "/v1/tasks/bg_missing/output", nil, &errResp); status != http.StatusNotFound {
		t.Fatalf("output status = %d, want %d", status, http.StatusNotFound)
	}
	if status := env.do(t, http.MethodGet, "/v1/tasks?status=bogus", nil, &errResp); status != http.StatusBadRequest {
		t.Fatalf("list status = %d, want %d", status, http.StatusBadRequest)
	}
	if status := env.do(t, http.MethodGet, "/v1/tasks/bg_missing/output?wait=true&timeout=-1s", nil, &errResp); status != http.StatusBadRequest {
		t.Fatalf("bad timeout status = %d, want %d", status, http.StatusBadRequest)
	}
}

func TestHistoryWithoutStore(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	var resp struct {
		Tasks []tasks.Task `json:"tasks"`
	}
	if status := env.do(t, http.MethodGet, "/v1/sessions/ses_any/history?limit=5", nil, &resp); status != http.StatusOK {
		t.Fatalf("history status = %d, want %d", status, http.StatusOK)
	}
	if resp.Tasks == nil || len(resp.Tasks) != 0 {
		t.Fatalf("history = %#v, want empty list", resp.Tasks)
	}
}

func TestSessionEventsDriveProgress(t *testing.T) {
	env := newTestEnv(t, envOptions{mockDelay: time.Hour, notificationDelay: time.Hour})
	sessionID := env.createSession(t)

	var launched launchTaskResponse
	env.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"agent": "explore", "prompt": "slow", "parent_session_id": sessionID,
	}, &launched)

	status := env.do(t, http.MethodPost, "/v1/sessions/"+launched.SessionID+"/events", map[string]any{
		"type": "tool.used", "tool": "grep",
	}, nil)
	if status != http.StatusAccepted {
		t.Fatalf("event status = %d, want %d", status, http.StatusAccepted)
	}

	var task tasks.Task
	env.do(t, http.MethodGet, "/v1/tasks/"+launched.TaskID, nil, &task)
	if task.Progress.ToolCalls != 1 || task.Progress.LastTool != "grep" {
		t.Fatalf("progress = %+v, want one grep call", task.Progress)
	}

	var errResp errorResponse
	status = env.do(t, http.MethodPost, "/v1/sessions/"+launched.SessionID+"/events", map[string]any{
		"type": "session.exploded",
	}, &errResp)
	if status != http.StatusBadRequest {
		t.Fatalf("unknown event status = %d, want %d", status, http.StatusBadRequest)
	}
}

func TestSessionWebSocketStreamsNotifications(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	sessionID := env.createSession(t)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/sessions/" + sessionID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snapshot protocol.PendingSnapshot
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot.Type != protocol.TypePendingSnapshot || len(snapshot.Tasks) != 0 {
		t.Fatalf("snapshot = %+v, want empty pending_snapshot", snapshot)
	}

	var launched launchTaskResponse
	env.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"agent": "echo", "prompt": "hi", "parent_session_id": sessionID, "description": "say hi",
	}, &launched)

	var note protocol.TaskNotification
	if err := conn.ReadJSON(&note); err != nil {
		t.Fatalf("read notification: %v", err)
	}
	if note.Type != protocol.TypeTaskNotification || note.TaskID != launched.TaskID {
		t.Fatalf("notification = %+v, want task_notification for %s", note, launched.TaskID)
	}
	if note.Status != tasks.StatusCompleted || !strings.Contains(note.Text, `Task "say hi"`) {
		t.Fatalf("notification = %+v, want completed text", note)
	}

	if err := conn.WriteJSON(map[string]any{
		"type": "client_control", "session_id": sessionID, "action": "ping",
	}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong protocol.SystemEvent
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.Code != "pong" {
		t.Fatalf("pong = %+v, want pong system event", pong)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write bogus: %v", err)
	}
	var errEvent protocol.ErrorEvent
	if err := conn.ReadJSON(&errEvent); err != nil {
		t.Fatalf("read error event: %v", err)
	}
	if errEvent.Type != protocol.TypeErrorEvent || errEvent.Code != "invalid_client_message" {
		t.Fatalf("error event = %+v, want invalid_client_message", errEvent)
	}
}

func TestSessionWebSocketUnknownSession(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/sessions/ses_missing/ws"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("Dial() error = nil, want handshake failure")
	}
	if res == nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("handshake response = %v, want 404", res)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.createSession(t)

	var health map[string]any
	if status := env.do(t, http.MethodGet, "/healthz", nil, &health); status != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", status, http.StatusOK)
	}
	if health["status"] != "ok" {
		t.Fatalf("health = %+v", health)
	}

	res, err := http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer res.Body.Close()
	var body bytes.Buffer
	if _, err := body.ReadFrom(res.Body); err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	if !strings.Contains(body.String(), "test_httpapi_session_events_total") {
		t.Fatalf("metrics output missing session events counter")
	}
}
