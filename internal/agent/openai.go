package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ent0n29/taskrelay/internal/observability"
	"github.com/ent0n29/taskrelay/internal/reliability"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIAdapter streams sub-agent replies from an OpenAI compatible chat
// completions endpoint.
type OpenAIAdapter struct {
	client  *openai.Client
	model   string
	retry   reliability.RetryPolicy
	metrics *observability.Metrics
}

func NewOpenAIAdapter(cfg Config, metrics *observability.Metrics) *OpenAIAdapter {
	clientCfg := openai.DefaultConfig(strings.TrimSpace(cfg.OpenAIAPIKey))
	if baseURL := strings.TrimSpace(cfg.OpenAIBaseURL); baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	model := strings.TrimSpace(cfg.OpenAIModel)
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIAdapter{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		retry:   reliability.DefaultRetryPolicy(),
		metrics: metrics,
	}
}

func (a *OpenAIAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	model := a.model
	if m := strings.TrimSpace(req.Model); m != "" {
		model = m
	}
	chatReq := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(req.Agent)},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Stream: true,
	}

	var out strings.Builder
	err := a.retry.Do(ctx, func(err error) bool {
		// a partially streamed reply cannot be replayed
		return out.Len() == 0 && isRetryable(err)
	}, func(int) error {
		return a.streamOnce(ctx, chatReq, &out, onDelta)
	})
	if err != nil {
		a.metrics.ObserveProviderError("openai", errorCode(err))
		return Response{}, fmt.Errorf("openai stream: %w", err)
	}
	return Response{Text: strings.TrimSpace(out.String())}, nil
}

func (a *OpenAIAdapter) streamOnce(ctx context.Context, req openai.ChatCompletionRequest, out *strings.Builder, onDelta DeltaHandler) error {
	stream, err := a.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return err
			}
		}
	}
}

func systemPrompt(agent string) string {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		agent = "general"
	}
	return fmt.Sprintf("You are the %q background sub-agent. Work on the task autonomously and finish with a concise report of what you found or did.", agent)
}

func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return reliability.IsRetryableHTTPStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reliability.IsRetryableHTTPStatus(reqErr.HTTPStatusCode)
	}
	return reliability.IsRetryableNetError(err)
}

func errorCode(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return strconv.Itoa(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return strconv.Itoa(reqErr.HTTPStatusCode)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return "unknown"
}
