package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	BindAddr                 string        `mapstructure:"app_bind_addr" validate:"required"`
	ShutdownTimeout          time.Duration `mapstructure:"app_shutdown_timeout" validate:"gt=0"`
	MetricsNamespace         string        `mapstructure:"app_metrics_namespace" validate:"required"`
	AllowAnyOrigin           bool          `mapstructure:"app_allow_any_origin"`
	SessionInactivityTimeout time.Duration `mapstructure:"app_session_inactivity_timeout"`

	LogLevel    string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogEncoding string `mapstructure:"log_encoding" validate:"oneof=json console"`

	TaskPollInterval      time.Duration `mapstructure:"task_poll_interval" validate:"gt=0"`
	TaskTTL               time.Duration `mapstructure:"task_ttl" validate:"gt=0"`
	TaskNotificationDelay time.Duration `mapstructure:"task_notification_delay" validate:"gt=0"`
	TaskDeliveryTimeout   time.Duration `mapstructure:"task_delivery_timeout" validate:"gt=0"`
	TaskLivenessPolling   bool          `mapstructure:"task_liveness_polling"`

	AgentProvider  string        `mapstructure:"agent_provider" validate:"oneof=auto mock openai"`
	AgentMockDelay time.Duration `mapstructure:"agent_mock_delay" validate:"gte=0"`
	AgentAllowList string        `mapstructure:"agent_allowlist"`
	OpenAIAPIKey   string        `mapstructure:"openai_api_key"`
	OpenAIBaseURL  string        `mapstructure:"openai_base_url" validate:"omitempty,url"`
	OpenAIModel    string        `mapstructure:"openai_model" validate:"required"`

	DatabaseURL string `mapstructure:"database_url"`
}

var defaults = map[string]any{
	"app_bind_addr":                  ":8080",
	"app_shutdown_timeout":           "15s",
	"app_metrics_namespace":          "taskrelay",
	"app_allow_any_origin":           false,
	"app_session_inactivity_timeout": "30m",
	"log_level":                      "info",
	"log_encoding":                   "console",
	"task_poll_interval":             "2s",
	"task_ttl":                       "30m",
	"task_notification_delay":        "200ms",
	"task_delivery_timeout":          "5s",
	"task_liveness_polling":          false,
	"agent_provider":                 "auto",
	"agent_mock_delay":               "0s",
	"agent_allowlist":                "",
	"openai_api_key":                 "",
	"openai_base_url":                "",
	"openai_model":                   "gpt-4o-mini",
	"database_url":                   "",
}

// Load reads configuration from the environment, an optional .env file in the
// working directory, and an optional YAML file named by APP_CONFIG_FILE.
// Environment variables win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if err := v.BindEnv("app_config_file", "APP_CONFIG_FILE"); err != nil {
		return Config{}, fmt.Errorf("bind app_config_file: %w", err)
	}
	if path := strings.TrimSpace(v.GetString("app_config_file")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.trim()

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.TaskTTL < cfg.TaskPollInterval {
		return Config{}, fmt.Errorf("TASK_TTL must be >= TASK_POLL_INTERVAL")
	}
	if cfg.AgentProvider == "openai" && cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY is required when AGENT_PROVIDER=openai")
	}

	return cfg, nil
}

func (c *Config) trim() {
	c.BindAddr = strings.TrimSpace(c.BindAddr)
	c.MetricsNamespace = strings.TrimSpace(c.MetricsNamespace)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogEncoding = strings.ToLower(strings.TrimSpace(c.LogEncoding))
	c.AgentProvider = strings.ToLower(strings.TrimSpace(c.AgentProvider))
	c.AgentAllowList = strings.TrimSpace(c.AgentAllowList)
	c.OpenAIAPIKey = strings.TrimSpace(c.OpenAIAPIKey)
	c.OpenAIBaseURL = strings.TrimSpace(c.OpenAIBaseURL)
	c.OpenAIModel = strings.TrimSpace(c.OpenAIModel)
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
}
