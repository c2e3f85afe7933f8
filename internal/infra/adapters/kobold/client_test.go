package kobold

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"video-pipeline/internal/domain"
	"video-pipeline/internal/domain/ports/adapter"
)

func newTestClient(t *testing.T, url string, canAbort bool) *Client {
	t.Helper()
	logger := zerolog.Nop()
	return NewClient(Config{
		APIServer:    url,
		CanAbort:     canAbort,
		MaxRetries:   3,
		RetryDelay:   time.Millisecond,
		AbortTimeout: time.Second,
	}, nil, &logger)
}

func TestEventSplitter_ReassemblesAcrossChunks(t *testing.T) {
	var s eventSplitter
	var got [][]byte
	for _, chunk := range []string{"data: {\"tok", "en\":\"a\"}\n", "\ndata: {\"token\":\"b\"}\n\nda", "ta: {\"token\":\"c\"}"} {
		got = append(got, s.Feed([]byte(chunk))...)
	}
	require.Len(t, got, 2)
	assert.Equal(t, `data: {"token":"a"}`, string(got[0]))
	assert.Equal(t, `data: {"token":"b"}`, string(got[1]))
	assert.Equal(t, `data: {"token":"c"}`, string(s.Flush()))
	assert.Nil(t, s.Flush())
}

// splitStream carries multi-byte tokens, a comment, a malformed event and an
// unterminated tail, so every cut position exercises a different boundary.
const splitStream = "data: {\"token\":\"Hé\"}\n\n: keep-alive\n\ndata: {\"token\":\"llo\"}\n\n" +
	"data: broken\n\ndata: {\"token\":\" 世界\"}\n\ndata: {\"token\":\"!\"}"

func readAll(t *testing.T, c *Client, r io.Reader) (string, []string) {
	t.Helper()
	logger := zerolog.Nop()
	var tokens []string
	text, err := c.readStream(&logger, r, func(tok string) { tokens = append(tokens, tok) })
	require.NoError(t, err)
	return text, tokens
}

func chunked(parts ...string) io.Reader {
	readers := make([]io.Reader, 0, len(parts))
	for _, p := range parts {
		readers = append(readers, strings.NewReader(p))
	}
	return io.MultiReader(readers...)
}

func TestReadStream_AnySplitMatchesSingleRead(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", false)
	wantText, wantTokens := readAll(t, c, strings.NewReader(splitStream))
	require.Equal(t, "Héllo 世界!", wantText)
	require.Equal(t, []string{"Hé", "llo", " 世界", "!"}, wantTokens)

	n := len(splitStream)
	for i := 0; i <= n; i++ {
		text, tokens := readAll(t, c, chunked(splitStream[:i], splitStream[i:]))
		if text != wantText || !assert.Equal(t, wantTokens, tokens) {
			t.Fatalf("split at %d: got %q", i, text)
		}
	}
	for i := 0; i <= n; i++ {
		for j := i; j <= n; j++ {
			text, tokens := readAll(t, c, chunked(splitStream[:i], splitStream[i:j], splitStream[j:]))
			if text != wantText || !assert.Equal(t, wantTokens, tokens) {
				t.Fatalf("split at %d,%d: got %q", i, j, text)
			}
		}
	}
}

func TestReadStream_OneByteReads(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", false)
	wantText, wantTokens := readAll(t, c, strings.NewReader(splitStream))
	text, tokens := readAll(t, c, iotest.OneByteReader(strings.NewReader(splitStream)))
	assert.Equal(t, wantText, text)
	assert.Equal(t, wantTokens, tokens)
}

func TestParseToken(t *testing.T) {
	tok, ok, err := parseToken([]byte("event: message\ndata: {\"token\":\"hi\"}"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hi", tok)

	_, ok, err = parseToken([]byte(": keep-alive"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = parseToken([]byte("data: {broken"))
	assert.Error(t, err)
}

func TestGenerate_StreamDeliversTokensInOrder(t *testing.T) {
	chunks := []string{
		"data: {\"token\":\"Hel\"}\n",
		"\ndata: {\"tok",
		"en\":\"lo\"}\n\ndata: not-json\n\n",
		"data: {\"token\":\" world\"}",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/extra/generate/stream", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "prompt", body["prompt"])
		assert.Equal(t, []any{6.0, 0.0, 1.0, 3.0, 4.0, 2.0, 5.0}, body["sampler_order"])

		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, c := range chunks {
			_, _ = io.WriteString(w, c)
			fl.Flush()
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	var tokens []string
	text, err := c.Generate(context.Background(), adapter.GenerateRequest{Prompt: "prompt", Stream: true}, func(tok string) {
		tokens = append(tokens, tok)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo", " world"}, tokens)
	assert.Equal(t, "Hello world", text)
}

func TestGenerate_NonStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/generate", r.URL.Path)
		_, _ = io.WriteString(w, `{"results":[{"text":"full answer"}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	calls := 0
	text, err := c.Generate(context.Background(), adapter.GenerateRequest{Prompt: "p"}, func(string) { calls++ })
	require.NoError(t, err)
	assert.Equal(t, "full answer", text)
	assert.Equal(t, 1, calls)
}

func TestGenerate_RetriesTransientThenGivesUp(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"detail":{"msg":"server busy"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	_, err := c.Generate(context.Background(), adapter.GenerateRequest{Prompt: "p", Stream: true}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, domain.ErrUpstreamTransient)
	assert.Contains(t, err.Error(), "server busy")
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
}

func TestGenerate_RecoversAfterTransient(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = io.WriteString(w, `{"results":[{"text":"ok"}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	text, err := c.Generate(context.Background(), adapter.GenerateRequest{Prompt: "p"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestGenerate_TerminalStatusNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"detail":{"msg":"prompt too long"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	_, err := c.Generate(context.Background(), adapter.GenerateRequest{Prompt: "p"}, nil)
	var uerr *domain.UpstreamError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, http.StatusBadRequest, uerr.Status)
	assert.Equal(t, "prompt too long", uerr.Message)
	assert.ErrorIs(t, err, domain.ErrUpstreamTerminal)
	assert.NotErrorIs(t, err, domain.ErrMaxRetriesExceeded)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestGenerate_RawBodyUsedWhenNoDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "boom\n")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	_, err := c.Generate(context.Background(), adapter.GenerateRequest{Prompt: "p"}, nil)
	var uerr *domain.UpstreamError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, "boom", uerr.Message)
}

func TestGenerate_CancelSendsAbort(t *testing.T) {
	var aborts, generates int32
	mux := http.NewServeMux()
	mux.HandleFunc("/extra/generate/stream", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&generates, 1)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"token\":\"first\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/extra/abort", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&aborts, 1)
		_, _ = io.WriteString(w, `{"success":true}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	text, err := c.Generate(ctx, adapter.GenerateRequest{Prompt: "p", Stream: true}, func(tok string) {
		if tok == "first" {
			cancel()
		}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAborted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "first", text)
	assert.EqualValues(t, 1, atomic.LoadInt32(&aborts))
	assert.EqualValues(t, 1, atomic.LoadInt32(&generates))
}

func TestGenerate_CancelWithoutAbortSupport(t *testing.T) {
	var aborts int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	mux.HandleFunc("/extra/abort", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&aborts, 1)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Generate(ctx, adapter.GenerateRequest{Prompt: "p"}, nil)
	assert.ErrorIs(t, err, domain.ErrAborted)
	assert.EqualValues(t, 0, atomic.LoadInt32(&aborts))
}
