package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"video-pipeline/internal/domain"
	"video-pipeline/internal/domain/ports/adapter"
	"video-pipeline/internal/infra/logging"
	"video-pipeline/internal/infra/metrics"
)

var _ adapter.Generator = (*GeminiGenerator)(nil)

type GeminiGenerator struct {
	client *genai.Client
	model  string
	log    *zerolog.Logger
}

// NewGeminiGenerator creates a Gemini generator using the official SDK.
func NewGeminiGenerator(ctx context.Context, apiKey, baseURL, model string, logger *zerolog.Logger) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	return &GeminiGenerator{client: c, model: model, log: logging.Component(logger, "gemini")}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, req adapter.GenerateRequest, onToken func(string)) (string, error) {
	start := time.Now()
	defer func() { metrics.ObserveGeneration("gemini", req.Stream, time.Since(start).Seconds()) }()

	contents, err := toContents(req)
	if err != nil {
		return "", err
	}
	cfg := generateConfig(req.Settings)

	if !req.Stream {
		resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
		if err != nil {
			return "", g.mapError(ctx, err)
		}
		metrics.IncGenerationAttempt("gemini", "ok")
		text := resp.Text()
		if onToken != nil {
			onToken(text)
		}
		return text, nil
	}

	var (
		out    strings.Builder
		tokens int
	)
	defer func() { metrics.AddTokensStreamed("gemini", tokens) }()
	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, cfg) {
		if err != nil {
			return out.String(), g.mapError(ctx, err)
		}
		tok := resp.Text()
		if tok == "" {
			continue
		}
		out.WriteString(tok)
		tokens++
		if onToken != nil {
			onToken(tok)
		}
	}
	if ctx.Err() != nil {
		return out.String(), g.mapError(ctx, ctx.Err())
	}
	metrics.IncGenerationAttempt("gemini", "ok")
	return out.String(), nil
}

func generateConfig(s adapter.SamplerSettings) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		StopSequences: s.StopSequence,
	}
	if s.MaxLength > 0 {
		cfg.MaxOutputTokens = int32(s.MaxLength)
	}
	if s.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(s.Temperature))
	}
	if s.TopP > 0 {
		cfg.TopP = genai.Ptr(float32(s.TopP))
	}
	if s.TopK > 0 {
		cfg.TopK = genai.Ptr(float32(s.TopK))
	}
	return cfg
}

func toContents(req adapter.GenerateRequest) ([]*genai.Content, error) {
	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	for i, img := range req.Images {
		data, err := base64.StdEncoding.DecodeString(img)
		if err != nil {
			return nil, fmt.Errorf("gemini: decode image %d: %w", i, err)
		}
		parts = append(parts, genai.NewPartFromBytes(data, "image/png"))
	}
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, nil
}

func (g *GeminiGenerator) mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		metrics.IncGenerationAbort("gemini")
		return fmt.Errorf("%w: %w", domain.ErrAborted, ctx.Err())
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		uerr := domain.NewUpstreamError(apiErr.Code, apiErr.Message)
		if uerr.Retryable {
			metrics.IncGenerationAttempt("gemini", "transient")
		} else {
			metrics.IncGenerationAttempt("gemini", "terminal")
		}
		g.log.Error().Int("status", apiErr.Code).Msg("gemini rejected request")
		return uerr
	}
	metrics.IncGenerationAttempt("gemini", "error")
	return fmt.Errorf("gemini: %w", err)
}
