package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog"

	"video-pipeline/internal/domain"
	"video-pipeline/internal/domain/ports/adapter"
	"video-pipeline/internal/infra/logging"
	"video-pipeline/internal/infra/metrics"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.Generator = (*OpenAIGenerator)(nil)

// OpenAIGenerator implements adapter.Generator using the Chat Completions API.
type OpenAIGenerator struct {
	client openai.Client
	model  string
	log    *zerolog.Logger
}

func NewOpenAIGenerator(apiKey, baseURL, model string, logger *zerolog.Logger) (*OpenAIGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIGenerator{
		client: openai.NewClient(opts...),
		model:  model,
		log:    logging.Component(logger, "openai"),
	}, nil
}

func (o *OpenAIGenerator) params(req adapter.GenerateRequest) openai.ChatCompletionNewParams {
	s := req.Settings
	p := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{userMessage(req)},
	}
	if s.MaxLength > 0 {
		p.MaxTokens = openai.Int(int64(s.MaxLength))
	}
	if s.Temperature > 0 {
		p.Temperature = openai.Float(s.Temperature)
	}
	if s.TopP > 0 {
		p.TopP = openai.Float(s.TopP)
	}
	// the API accepts at most four stop sequences
	if stop := s.StopSequence; len(stop) > 0 {
		if len(stop) > 4 {
			stop = stop[:4]
		}
		p.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: stop}
	}
	return p
}

func userMessage(req adapter.GenerateRequest) openai.ChatCompletionMessageParamUnion {
	if len(req.Images) == 0 {
		return openai.UserMessage(req.Prompt)
	}
	parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(req.Prompt)}
	for _, img := range req.Images {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: "data:image/png;base64," + img,
		}))
	}
	return openai.UserMessage(parts)
}

func (o *OpenAIGenerator) Generate(ctx context.Context, req adapter.GenerateRequest, onToken func(string)) (string, error) {
	start := time.Now()
	defer func() { metrics.ObserveGeneration("openai", req.Stream, time.Since(start).Seconds()) }()

	if !req.Stream {
		completion, err := o.client.Chat.Completions.New(ctx, o.params(req))
		if err != nil {
			return "", o.mapError(ctx, err)
		}
		metrics.IncGenerationAttempt("openai", "ok")
		if len(completion.Choices) == 0 {
			return "", errors.New("openai: no completion choices returned")
		}
		text := completion.Choices[0].Message.Content
		if onToken != nil {
			onToken(text)
		}
		return text, nil
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, o.params(req))
	defer stream.Close()

	var (
		out    strings.Builder
		tokens int
	)
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		tok := chunk.Choices[0].Delta.Content
		if tok == "" {
			continue
		}
		out.WriteString(tok)
		tokens++
		if onToken != nil {
			onToken(tok)
		}
	}
	metrics.AddTokensStreamed("openai", tokens)
	if err := stream.Err(); err != nil {
		return out.String(), o.mapError(ctx, err)
	}
	metrics.IncGenerationAttempt("openai", "ok")
	return out.String(), nil
}

// mapError converts SDK errors to domain errors. The SDK retries transient
// statuses on its own, so a transient status here means retries ran out.
func (o *OpenAIGenerator) mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		metrics.IncGenerationAbort("openai")
		return fmt.Errorf("%w: %w", domain.ErrAborted, ctx.Err())
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		uerr := domain.NewUpstreamError(apiErr.StatusCode, apiErr.Message)
		if uerr.Retryable {
			metrics.IncGenerationAttempt("openai", "transient")
			return fmt.Errorf("%w: %w", domain.ErrMaxRetriesExceeded, uerr)
		}
		metrics.IncGenerationAttempt("openai", "terminal")
		o.log.Error().Int("status", apiErr.StatusCode).Msg("openai rejected request")
		return uerr
	}
	metrics.IncGenerationAttempt("openai", "error")
	return fmt.Errorf("openai: %w", err)
}
