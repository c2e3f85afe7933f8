package ai

import (
	"context"
	"fmt"

	"video-pipeline/internal/domain"
	"video-pipeline/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.Generator = (*limitedGenerator)(nil)

type limitedGenerator struct {
	inner adapter.Generator
	sem   chan struct{}
}

// NewLimitedGenerator caps in-flight generations across all jobs.
// Waiting for a slot honours ctx.
func NewLimitedGenerator(inner adapter.Generator, maxConcurrent int) adapter.Generator {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedGenerator{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

func (l *limitedGenerator) Generate(ctx context.Context, req adapter.GenerateRequest, onToken func(string)) (string, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", domain.ErrAborted, ctx.Err())
	}
	defer func() { <-l.sem }()
	return l.inner.Generate(ctx, req, onToken)
}

// Abort forwards to the wrapped generator when it supports aborting.
func (l *limitedGenerator) Abort(ctx context.Context) error {
	if a, ok := l.inner.(adapter.Aborter); ok {
		return a.Abort(ctx)
	}
	return nil
}
