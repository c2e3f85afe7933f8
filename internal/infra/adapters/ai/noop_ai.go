package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"video-pipeline/internal/domain"
	"video-pipeline/internal/domain/ports/adapter"
	"video-pipeline/internal/infra/logging"
)

var _ adapter.Generator = (*NoopGenerator)(nil)

// NoopGenerator implements adapter.Generator for local/dev runs.
// It logs the prompt and answers with a fixed sentence, word by word when streamed.
type NoopGenerator struct {
	Reply string
	Delay time.Duration
	log   *zerolog.Logger
}

func NewNoopGenerator(logger *zerolog.Logger) *NoopGenerator {
	return &NoopGenerator{
		Reply: "This is a noop description of the scene.",
		Delay: 20 * time.Millisecond,
		log:   logging.Component(logger, "noop-ai"),
	}
}

func (a *NoopGenerator) Generate(ctx context.Context, req adapter.GenerateRequest, onToken func(string)) (string, error) {
	a.log.Debug().Int("prompt_chars", len(req.Prompt)).Int("images", len(req.Images)).Msg("noop generation")

	tokens := []string{a.Reply}
	if req.Stream {
		tokens = strings.SplitAfter(a.Reply, " ")
	}
	var out strings.Builder
	for _, tok := range tokens {
		if ctx.Err() != nil {
			return out.String(), fmt.Errorf("%w: %w", domain.ErrAborted, ctx.Err())
		}
		select {
		case <-time.After(a.Delay):
		case <-ctx.Done():
			return out.String(), fmt.Errorf("%w: %w", domain.ErrAborted, ctx.Err())
		}
		out.WriteString(tok)
		if onToken != nil {
			onToken(tok)
		}
	}
	return out.String(), nil
}
