// Package kobold talks to a KoboldCpp-compatible text generation server.
package kobold

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"video-pipeline/internal/domain"
	"video-pipeline/internal/domain/ports/adapter"
	"video-pipeline/internal/infra/logging"
	"video-pipeline/internal/infra/metrics"
)

var (
	_ adapter.Generator = (*Client)(nil)
	_ adapter.Aborter   = (*Client)(nil)
)

const (
	provider = "kobold"

	DefaultMaxRetries   = 3
	DefaultRetryDelay   = 2500 * time.Millisecond
	DefaultAbortTimeout = 5 * time.Second

	maxErrorBody = 64 << 10
)

var samplerOrder = []int{6, 0, 1, 3, 4, 2, 5}

type Config struct {
	APIServer    string
	CanAbort     bool
	MaxRetries   int
	RetryDelay   time.Duration
	AbortTimeout time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
	log  *zerolog.Logger
	wait func(ctx context.Context, d time.Duration) error
}

// NewClient builds a client. A nil httpClient uses a client without timeout:
// streamed generations are bounded by the caller's context.
func NewClient(cfg Config, httpClient *http.Client, logger *zerolog.Logger) *Client {
	cfg.APIServer = strings.TrimRight(cfg.APIServer, "/")
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.AbortTimeout <= 0 {
		cfg.AbortTimeout = DefaultAbortTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:  cfg,
		http: httpClient,
		log:  logging.Component(logger, "kobold"),
		wait: sleepCtx,
	}
}

type generatePayload struct {
	Prompt           string   `json:"prompt"`
	MaxLength        int      `json:"max_length"`
	MaxContextLength int      `json:"max_context_length"`
	Temperature      float64  `json:"temperature"`
	TopK             int      `json:"top_k"`
	TopP             float64  `json:"top_p"`
	Typical          float64  `json:"typical"`
	MinP             float64  `json:"min_p"`
	TopA             float64  `json:"top_a"`
	TFS              float64  `json:"tfs"`
	RepPen           float64  `json:"rep_pen"`
	RepPenRange      int      `json:"rep_pen_range"`
	SamplerOrder     []int    `json:"sampler_order"`
	StopSequence     []string `json:"stop_sequence"`
	Images           []string `json:"images,omitempty"`
}

func newPayload(req adapter.GenerateRequest) generatePayload {
	s := req.Settings
	stop := s.StopSequence
	if stop == nil {
		stop = []string{}
	}
	return generatePayload{
		Prompt:           req.Prompt,
		MaxLength:        s.MaxLength,
		MaxContextLength: s.MaxContextLength,
		Temperature:      s.Temperature,
		TopK:             s.TopK,
		TopP:             s.TopP,
		Typical:          s.Typical,
		MinP:             s.MinP,
		TopA:             s.TopA,
		TFS:              s.TFS,
		RepPen:           s.RepPen,
		RepPenRange:      s.RepPenRange,
		SamplerOrder:     samplerOrder,
		StopSequence:     stop,
		Images:           req.Images,
	}
}

// Generate sends the prompt and returns the generated text. Streamed tokens
// are delivered to onToken in arrival order. Cancelling ctx ends the request,
// asks the server to stop when CanAbort is set, and returns domain.ErrAborted.
func (c *Client) Generate(ctx context.Context, req adapter.GenerateRequest, onToken func(string)) (string, error) {
	ctx = logging.WithRequestID(ctx, uuid.NewString())
	log := logging.With(ctx, c.log)
	start := time.Now()
	defer func() { metrics.ObserveGeneration(provider, req.Stream, time.Since(start).Seconds()) }()

	body, err := json.Marshal(newPayload(req))
	if err != nil {
		return "", fmt.Errorf("kobold: encode request: %w", err)
	}
	url := c.cfg.APIServer + "/v1/generate"
	if req.Stream {
		url = c.cfg.APIServer + "/extra/generate/stream"
	}

	resp, err := c.send(ctx, log, url, body)
	if err != nil {
		return "", c.cancelled(ctx, log, err)
	}
	defer resp.Body.Close()

	var text string
	if req.Stream {
		text, err = c.readStream(log, resp.Body, onToken)
	} else {
		text, err = readResult(resp.Body)
		if err == nil && onToken != nil {
			onToken(text)
		}
	}
	if err != nil {
		return text, c.cancelled(ctx, log, err)
	}
	log.Debug().Bool("stream", req.Stream).Int("chars", len(text)).Dur("duration_ms", time.Since(start)).Msg("generation finished")
	return text, nil
}

// send posts body, retrying transient statuses up to MaxRetries attempts in total.
func (c *Client) send(ctx context.Context, log *zerolog.Logger, url string, body []byte) (*http.Response, error) {
	var last *domain.UpstreamError
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("kobold: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			metrics.IncGenerationAttempt(provider, "error")
			return nil, fmt.Errorf("kobold: send request: %w", err)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			metrics.IncGenerationAttempt(provider, "ok")
			return resp, nil
		}

		uerr := readUpstreamError(resp)
		if !uerr.Retryable {
			metrics.IncGenerationAttempt(provider, "terminal")
			log.Error().Int("status", uerr.Status).Str("message", uerr.Message).Msg("backend rejected request")
			return nil, uerr
		}
		metrics.IncGenerationAttempt(provider, "transient")
		last = uerr
		if attempt == c.cfg.MaxRetries {
			break
		}
		metrics.IncGenerationRetry(provider)
		log.Debug().Int("status", uerr.Status).Msgf("backend busy; retry attempt %d of %d", attempt, c.cfg.MaxRetries)
		if err := c.wait(ctx, c.cfg.RetryDelay); err != nil {
			return nil, err
		}
	}
	log.Warn().Int("attempts", c.cfg.MaxRetries).Msg("max retries exceeded; giving up")
	return nil, fmt.Errorf("%w after %d attempts: %w", domain.ErrMaxRetriesExceeded, c.cfg.MaxRetries, last)
}

func (c *Client) readStream(log *zerolog.Logger, body io.Reader, onToken func(string)) (string, error) {
	var (
		split  eventSplitter
		out    strings.Builder
		tokens int
	)
	emit := func(ev []byte) {
		tok, ok, err := parseToken(ev)
		if err != nil {
			log.Warn().Err(err).Msg("malformed stream event skipped")
			return
		}
		if !ok || tok == "" {
			return
		}
		out.WriteString(tok)
		tokens++
		if onToken != nil {
			onToken(tok)
		}
	}
	defer func() { metrics.AddTokensStreamed(provider, tokens) }()

	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, ev := range split.Feed(buf[:n]) {
				emit(ev)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out.String(), fmt.Errorf("kobold: read stream: %w", err)
		}
	}
	if tail := split.Flush(); tail != nil {
		emit(tail)
	}
	return out.String(), nil
}

func readResult(body io.Reader) (string, error) {
	var res struct {
		Results []struct {
			Text string `json:"text"`
		} `json:"results"`
	}
	if err := json.NewDecoder(body).Decode(&res); err != nil {
		return "", fmt.Errorf("kobold: decode response: %w", err)
	}
	if len(res.Results) == 0 {
		return "", errors.New("kobold: unexpected response format: no results")
	}
	return res.Results[0].Text, nil
}

// readUpstreamError drains resp and prefers detail.msg from a JSON body.
func readUpstreamError(resp *http.Response) *domain.UpstreamError {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))

	var body struct {
		Detail struct {
			Msg string `json:"msg"`
		} `json:"detail"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Detail.Msg != "" {
		msg = body.Detail.Msg
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return domain.NewUpstreamError(resp.StatusCode, msg)
}

// cancelled turns errors caused by ctx cancellation into domain.ErrAborted,
// sending the abort call first when the server supports it.
func (c *Client) cancelled(ctx context.Context, log *zerolog.Logger, err error) error {
	if ctx.Err() == nil {
		return err
	}
	metrics.IncGenerationAbort(provider)
	if c.cfg.CanAbort {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.AbortTimeout)
		defer cancel()
		if aerr := c.Abort(actx); aerr != nil {
			log.Warn().Err(aerr).Msg("abort request failed")
		} else {
			log.Info().Msg("generation aborted")
		}
	}
	return fmt.Errorf("%w: %w", domain.ErrAborted, ctx.Err())
}

// Abort asks the server to stop the generation in progress.
func (c *Client) Abort(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIServer+"/extra/abort", nil)
	if err != nil {
		return fmt.Errorf("kobold: build abort request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("kobold: abort: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.NewUpstreamError(resp.StatusCode, "abort rejected")
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
