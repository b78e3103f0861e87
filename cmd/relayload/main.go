package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/taskrelay/internal/protocol"
)

type options struct {
	baseURL     string
	userID      string
	agent       string
	tasks       int
	launchGap   time.Duration
	waitTimeout time.Duration
	prompts     []string
	ack         bool
	verbose     bool
}

type createSessionRequest struct {
	UserID string `json:"user_id,omitempty"`
	Label  string `json:"label,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type launchRequest struct {
	Agent           string `json:"agent"`
	Prompt          string `json:"prompt"`
	Description     string `json:"description,omitempty"`
	ParentSessionID string `json:"parent_session_id"`
}

type launchResponse struct {
	TaskID string `json:"task_id"`
}

type wsEnvelope struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id,omitempty"`
	Status string `json:"status,omitempty"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

var defaultPrompts = []string{
	"summarize the open incidents",
	"list flaky tests in the last week",
	"draft release notes for the next tag",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayload: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "relayload: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var promptsRaw string

	fs := flag.NewFlagSet("relayload", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "taskrelay base URL")
	fs.StringVar(&cfg.userID, "user-id", "relayload", "user_id used for the synthetic parent session")
	fs.StringVar(&cfg.agent, "agent", "echo", "agent used for every launched task")
	fs.IntVar(&cfg.tasks, "tasks", 20, "number of tasks to launch")
	fs.DurationVar(&cfg.launchGap, "launch-gap", 20*time.Millisecond, "delay between launches")
	fs.DurationVar(&cfg.waitTimeout, "wait-timeout", 2*time.Minute, "how long to wait for all notifications")
	fs.StringVar(&promptsRaw, "prompts", "", "prompts separated by '|' (optional)")
	fs.BoolVar(&cfg.ack, "ack", true, "acknowledge notifications after the run")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print each notification")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.agent) == "" {
		return options{}, fmt.Errorf("agent is required")
	}
	if cfg.tasks <= 0 {
		return options{}, fmt.Errorf("tasks must be > 0")
	}
	if cfg.launchGap < 0 {
		cfg.launchGap = 0
	}
	if cfg.waitTimeout < time.Second {
		cfg.waitTimeout = time.Second
	}

	for _, part := range strings.Split(promptsRaw, "|") {
		if p := strings.TrimSpace(part); p != "" {
			cfg.prompts = append(cfg.prompts, p)
		}
	}
	if len(cfg.prompts) == 0 {
		cfg.prompts = append([]string(nil), defaultPrompts...)
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.waitTimeout+time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	var created createSessionResponse
	if err := postJSON(ctx, httpClient, cfg.baseURL+"/v1/sessions", createSessionRequest{UserID: cfg.userID, Label: "relayload"}, http.StatusCreated, &created); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	sessionID := created.SessionID
	defer func() {
		_ = postJSON(context.Background(), httpClient, cfg.baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil, http.StatusOK, nil)
	}()

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	tracker := newTracker()
	notified := make(chan notice, cfg.tasks)
	readErrCh := make(chan error, 1)
	go readLoop(conn, notified, readErrCh, cfg.verbose)

	for i := 0; i < cfg.tasks; i++ {
		prompt := cfg.prompts[i%len(cfg.prompts)]
		var launched launchResponse
		tracker.launching()
		err := postJSON(ctx, httpClient, cfg.baseURL+"/v1/tasks", launchRequest{
			Agent:           cfg.agent,
			Prompt:          prompt,
			Description:     fmt.Sprintf("relayload #%d", i+1),
			ParentSessionID: sessionID,
		}, http.StatusCreated, &launched)
		if err != nil {
			return fmt.Errorf("launch %d: %w", i+1, err)
		}
		tracker.launched(launched.TaskID)
		if cfg.launchGap > 0 && i < cfg.tasks-1 {
			time.Sleep(cfg.launchGap)
		}
	}

	deadline := time.NewTimer(cfg.waitTimeout)
	defer deadline.Stop()
	for tracker.outstanding() > 0 {
		select {
		case n := <-notified:
			tracker.notified(n.taskID, n.at)
		case err := <-readErrCh:
			return fmt.Errorf("ws read: %w", err)
		case <-deadline.C:
			return fmt.Errorf("timed out with %d notifications outstanding", tracker.outstanding())
		}
	}

	if cfg.ack {
		ack := protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: sessionID, Action: protocol.ActionAckNotifications, TSMs: protocol.NowMS()}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ack); err != nil {
			return fmt.Errorf("ack notifications: %w", err)
		}
	}

	fmt.Println(tracker.summary())
	return nil
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, body any, wantStatus int, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != wantStatus {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/sessions/" + url.PathEscape(sessionID) + "/ws"
	return u.String(), nil
}

type notice struct {
	taskID string
	at     time.Time
}

func readLoop(conn *websocket.Conn, notified chan<- notice, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case string(protocol.TypeTaskNotification):
			if verbose {
				fmt.Printf("relayload: task=%s status=%s\n", env.TaskID, env.Status)
			}
			notified <- notice{taskID: env.TaskID, at: time.Now()}
		case string(protocol.TypeErrorEvent):
			fmt.Fprintf(os.Stderr, "relayload: error_event code=%s detail=%s\n", env.Code, env.Detail)
		}
	}
}

// tracker records launch-to-notification latency per task.
type tracker struct {
	mu        sync.Mutex
	pendingAt time.Time
	started   map[string]time.Time
	latencies []time.Duration
}

func newTracker() *tracker {
	return &tracker{started: make(map[string]time.Time)}
}

func (t *tracker) launching() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingAt = time.Now()
}

func (t *tracker) launched(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started[taskID] = t.pendingAt
}

func (t *tracker) notified(taskID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	start, ok := t.started[taskID]
	if !ok {
		return
	}
	delete(t.started, taskID)
	t.latencies = append(t.latencies, at.Sub(start))
}

func (t *tracker) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.started)
}

func (t *tracker) summary() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return summarize(t.latencies)
}

func summarize(latencies []time.Duration) string {
	if len(latencies) == 0 {
		return "relayload: no notifications"
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return fmt.Sprintf("relayload: n=%d p50=%s p95=%s max=%s",
		len(sorted),
		percentile(sorted, 0.50).Round(time.Millisecond),
		percentile(sorted, 0.95).Round(time.Millisecond),
		sorted[len(sorted)-1].Round(time.Millisecond),
	)
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted)) + 0.5)
	if idx < 1 {
		idx = 1
	}
	if idx > len(sorted) {
		idx = len(sorted)
	}
	return sorted[idx-1]
}
