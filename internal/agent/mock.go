package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockAdapter provides deterministic local replies when no model backend
// is configured. The "echo" agent returns the prompt unchanged.
type MockAdapter struct {
	delay time.Duration
}

func NewMockAdapter(delay time.Duration) *MockAdapter {
	if delay < 0 {
		delay = 0
	}
	return &MockAdapter{delay: delay}
}

func (a *MockAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if a.delay > 0 {
		timer := time.NewTimer(a.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-timer.C:
		}
	}
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	text := buildMockReply(req)
	if onDelta != nil && text != "" {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}

func buildMockReply(req Request) string {
	prompt := strings.TrimSpace(req.Prompt)
	agent := strings.TrimSpace(req.Agent)
	if strings.EqualFold(agent, "echo") {
		return prompt
	}
	if prompt == "" {
		prompt = "(empty prompt)"
	}
	return fmt.Sprintf("Agent %s finished: %s", agent, prompt)
}
