package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// FallbackAdapter attempts a primary adapter first and falls back on
// error. The fallback is skipped once the primary has streamed output, so
// a task never mixes text from two backends.
type FallbackAdapter struct {
	primary  Adapter
	fallback Adapter
}

func NewFallbackAdapter(primary Adapter, fallback Adapter) *FallbackAdapter {
	return &FallbackAdapter{primary: primary, fallback: fallback}
}

func (a *FallbackAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if a.primary == nil {
		if a.fallback != nil {
			return a.fallback.StreamResponse(ctx, req, onDelta)
		}
		return Response{}, errors.New("fallback adapter misconfigured")
	}

	var streamed atomic.Bool
	resp, err := a.primary.StreamResponse(ctx, req, func(delta string) error {
		streamed.Store(true)
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Response{}, err
	}
	if a.fallback == nil || streamed.Load() {
		return Response{}, err
	}

	fallbackResp, fallbackErr := a.fallback.StreamResponse(ctx, req, onDelta)
	if fallbackErr != nil {
		return Response{}, fmt.Errorf("primary adapter error: %w; fallback adapter error: %v", err, fallbackErr)
	}
	return fallbackResp, nil
}
