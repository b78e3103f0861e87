package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.TaskPollInterval != 2*time.Second {
		t.Fatalf("TaskPollInterval = %v, want 2s", cfg.TaskPollInterval)
	}
	if cfg.TaskTTL != 30*time.Minute {
		t.Fatalf("TaskTTL = %v, want 30m", cfg.TaskTTL)
	}
	if cfg.TaskNotificationDelay != 200*time.Millisecond {
		t.Fatalf("TaskNotificationDelay = %v, want 200ms", cfg.TaskNotificationDelay)
	}
	if cfg.AgentProvider != "auto" {
		t.Fatalf("AgentProvider = %q, want auto", cfg.AgentProvider)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
	if cfg.TaskLivenessPolling {
		t.Fatalf("TaskLivenessPolling = true, want false by default")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("TASK_TTL", "90s")
	t.Setenv("TASK_LIVENESS_POLLING", "true")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("AGENT_ALLOWLIST", "echo, explore")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want explicit value", cfg.BindAddr)
	}
	if cfg.TaskTTL != 90*time.Second {
		t.Fatalf("TaskTTL = %v, want 90s", cfg.TaskTTL)
	}
	if !cfg.TaskLivenessPolling {
		t.Fatalf("TaskLivenessPolling = false, want true")
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.AgentAllowList != "echo, explore" {
		t.Fatalf("AgentAllowList = %q", cfg.AgentAllowList)
	}
}

func TestLoadConfigFileIsOverriddenByEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "taskrelay.yaml")
	body := "task_ttl: 10m\napp_metrics_namespace: relay_test\napp_bind_addr: \":7000\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("APP_BIND_ADDR", ":7100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TaskTTL != 10*time.Minute {
		t.Fatalf("TaskTTL = %v, want 10m from file", cfg.TaskTTL)
	}
	if cfg.MetricsNamespace != "relay_test" {
		t.Fatalf("MetricsNamespace = %q, want relay_test", cfg.MetricsNamespace)
	}
	if cfg.BindAddr != ":7100" {
		t.Fatalf("BindAddr = %q, want env override", cfg.BindAddr)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{name: "bad duration", key: "TASK_TTL", val: "soon", want: "decode config"},
		{name: "unknown provider", key: "AGENT_PROVIDER", val: "bedrock", want: "AgentProvider"},
		{name: "unknown log level", key: "LOG_LEVEL", val: "trace", want: "LogLevel"},
		{name: "short inactivity", key: "APP_SESSION_INACTIVITY_TIMEOUT", val: "1s", want: "APP_SESSION_INACTIVITY_TIMEOUT"},
		{name: "zero notification delay", key: "TASK_NOTIFICATION_DELAY", val: "0s", want: "TaskNotificationDelay"},
		{name: "ttl below poll", key: "TASK_TTL", val: "1s", want: "TASK_TTL"},
		{name: "openai without key", key: "AGENT_PROVIDER", val: "openai", want: "OPENAI_API_KEY"},
		{name: "bad base url", key: "OPENAI_BASE_URL", val: "not a url", want: "OpenAIBaseURL"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.val)

			_, err := Load()
			if err == nil {
				t.Fatalf("Load() error = nil, want error mentioning %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want missing file error")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	for key := range defaults {
		t.Setenv(strings.ToUpper(key), "")
	}
	t.Setenv("APP_CONFIG_FILE", "")
}
