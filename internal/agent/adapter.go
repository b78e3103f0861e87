package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/taskrelay/internal/observability"
)

// Request is the normalized request sent to a sub-agent backend.
type Request struct {
	TaskID          string `json:"task_id"`
	SessionID       string `json:"session_id"`
	ParentSessionID string `json:"parent_session_id"`
	Agent           string `json:"agent"`
	Prompt          string `json:"prompt"`
	// Model overrides the backend default when non-empty.
	Model string `json:"model,omitempty"`
}

// Response is the final response after streaming deltas.
type Response struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// Adapter runs one sub-agent conversation to completion.
type Adapter interface {
	StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

// Config controls adapter construction.
type Config struct {
	Provider      string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	MockDelay     time.Duration
}

func NewAdapter(cfg Config, metrics *observability.Metrics) (Adapter, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "auto"
	}

	switch provider {
	case "auto":
		mock := NewMockAdapter(cfg.MockDelay)
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return mock, nil
		}
		return NewFallbackAdapter(NewOpenAIAdapter(cfg, metrics), mock), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("OPENAI_API_KEY is required for the openai provider")
		}
		return NewOpenAIAdapter(cfg, metrics), nil
	case "mock":
		return NewMockAdapter(cfg.MockDelay), nil
	default:
		return nil, fmt.Errorf("unsupported agent provider %q", cfg.Provider)
	}
}
