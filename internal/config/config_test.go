package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("log:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 3, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 30*time.Second, cfg.HTTP.RequestTimeout)
	assert.Zero(t, cfg.Scheduler.CleanupInterval)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, "kobold", cfg.Generation.Provider)
	assert.Equal(t, 3, cfg.Generation.MaxRetries)
	assert.Equal(t, 2500*time.Millisecond, cfg.Generation.RetryDelay)
	assert.Equal(t, "reference", cfg.Banana.Voice)
	assert.NotEmpty(t, cfg.Generation.Sampler.StopSequence)
}

func TestParseOverrides(t *testing.T) {
	raw := `
scheduler:
  max_concurrent: 5
generation:
  provider: KOBOLD
  can_abort: true
  retry_delay: 1s
  sampler:
    temperature: 0.3
    stop_sequence: ["\n\n"]
`
	cfg, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, "kobold", cfg.Generation.Provider)
	assert.True(t, cfg.Generation.CanAbort)
	assert.Equal(t, time.Second, cfg.Generation.RetryDelay)
	assert.Equal(t, 0.3, cfg.Generation.Sampler.Temperature)
	assert.Equal(t, []string{"\n\n"}, cfg.Generation.Sampler.StopSequence)
}

func TestValidate(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("OPENAI_API_KEY", "")

	_, err := Parse([]byte("store:\n  backend: redis\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("store:\n  backend: cassandra\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("generation:\n  provider: openai\n"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "localhost:6379")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Parse([]byte("store:\n  backend: redis\ngeneration:\n  provider: openai\n"))
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Redis.URL)
	assert.Equal(t, "sk-test", cfg.Generation.OpenAIKey)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  port: 9090\n"), 0o644))

	cfg, err := LoadConfig(path, true)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.True(t, cfg.Runtime.Dev)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"), false)
	assert.Error(t, err)
}
