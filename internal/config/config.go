// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"video-pipeline/internal/domain/ports/adapter"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type HTTPConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// RequestTimeout bounds every API handler except the event stream.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type SchedulerConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`

	// CleanupInterval enables periodic removal of completed jobs when > 0.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"` // file | redis | postgres | memory
	Path    string `yaml:"path"`    // file backend
	Key     string `yaml:"key"`     // redis key / postgres row name
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type GenerationConfig struct {
	Provider        string        `yaml:"provider"` // kobold | openai | gemini | noop
	APIServer       string        `yaml:"api_server"`
	Streaming       bool          `yaml:"streaming"`
	CanAbort        bool          `yaml:"can_abort"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	AbortTimeout    time.Duration `yaml:"abort_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ConcurrentLimit int           `yaml:"concurrent_limit"`

	Model         string `yaml:"model"`
	OpenAIKey     string `yaml:"openai_key"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	GeminiKey     string `yaml:"gemini_key"`
	GeminiURL     string `yaml:"gemini_url"`

	Sampler adapter.SamplerSettings `yaml:"sampler"`
}

type PromptConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
	UserName     string `yaml:"user_name"`
	CharName     string `yaml:"char_name"`
	// Encoding is the tiktoken encoding used for the context budget.
	Encoding string `yaml:"encoding"`
}

type BananaConfig struct {
	APIServer       string        `yaml:"api_server"`
	ContextDir      string        `yaml:"context_dir"`
	Language        string        `yaml:"language"`
	SegmentLength   int           `yaml:"segment_length"`
	SceneThreshold  float64       `yaml:"scene_threshold"`
	MinimumInterval float64       `yaml:"minimum_interval"`
	FixedInterval   float64       `yaml:"fixed_interval"`
	Translate       bool          `yaml:"translate"`
	GetVideo        bool          `yaml:"get_video"`
	Voice           string        `yaml:"voice"`
	Timeout         time.Duration `yaml:"timeout"`
}

type MediaConfig struct {
	YtDlpPath    string   `yaml:"ytdlp_path"`
	FFmpegPath   string   `yaml:"ffmpeg_path"`
	DownloadArgs []string `yaml:"download_args"`
	CombineArgs  []string `yaml:"combine_args"`
	RenderArgs   []string `yaml:"render_args"`
}

type Config struct {
	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Store      StoreConfig      `yaml:"store"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Generation GenerationConfig `yaml:"generation"`
	Prompt     PromptConfig     `yaml:"prompt"`
	Banana     BananaConfig     `yaml:"banana"`
	Media      MediaConfig      `yaml:"media"`

	// StepSettings are handed to every step run, e.g. voice or stream.
	StepSettings map[string]string `yaml:"step_settings"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads .env (if present), the YAML file at path, applies
// environment overrides and defaults, then validates.
func LoadConfig(path string, dev bool) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, err
	}
	cfg.Runtime.Dev = dev
	return cfg, nil
}

// Parse decodes YAML and applies environment overrides and defaults.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Generation.OpenAIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Generation.GeminiKey = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.ReadTimeout <= 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.RequestTimeout <= 0 {
		cfg.HTTP.RequestTimeout = 30 * time.Second
	}
	if cfg.Scheduler.MaxConcurrent <= 0 {
		cfg.Scheduler.MaxConcurrent = 3
	}

	cfg.Store.Backend = strings.ToLower(cfg.Store.Backend)
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "file"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "data/jobs.json"
	}
	if cfg.Store.Key == "" {
		cfg.Store.Key = "pipeline:jobs"
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = cfg.Store.Key + ":changed"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 4
	}

	g := &cfg.Generation
	g.Provider = strings.ToLower(g.Provider)
	if g.Provider == "" {
		g.Provider = "kobold"
	}
	if g.APIServer == "" {
		g.APIServer = "http://127.0.0.1:5001/api"
	}
	if g.MaxRetries <= 0 {
		g.MaxRetries = 3
	}
	if g.RetryDelay <= 0 {
		g.RetryDelay = 2500 * time.Millisecond
	}
	if g.AbortTimeout <= 0 {
		g.AbortTimeout = 5 * time.Second
	}
	if g.Model == "" {
		g.Model = "gpt-4o-mini"
	}
	applySamplerDefaults(&g.Sampler)

	if cfg.Prompt.UserName == "" {
		cfg.Prompt.UserName = "User"
	}
	if cfg.Prompt.CharName == "" {
		cfg.Prompt.CharName = "Narrator"
	}
	if cfg.Prompt.Encoding == "" {
		cfg.Prompt.Encoding = "cl100k_base"
	}

	b := &cfg.Banana
	if b.APIServer == "" {
		b.APIServer = "http://127.0.0.1:8000"
	}
	if b.ContextDir == "" {
		b.ContextDir = "data/context"
	}
	if b.Language == "" {
		b.Language = "en"
	}
	if b.SegmentLength <= 0 {
		b.SegmentLength = 10
	}
	if b.Voice == "" {
		b.Voice = "reference"
	}
	if b.Timeout <= 0 {
		b.Timeout = 10 * time.Minute
	}

	if cfg.Media.YtDlpPath == "" {
		cfg.Media.YtDlpPath = "yt-dlp"
	}
	if cfg.Media.FFmpegPath == "" {
		cfg.Media.FFmpegPath = "ffmpeg"
	}
}

func applySamplerDefaults(s *adapter.SamplerSettings) {
	if s.MaxLength <= 0 {
		s.MaxLength = 200
	}
	if s.MaxContextLength <= 0 {
		s.MaxContextLength = 2048
	}
	if s.Temperature == 0 {
		s.Temperature = 0.7
	}
	if s.TopP == 0 {
		s.TopP = 0.92
	}
	if s.Typical == 0 {
		s.Typical = 1
	}
	if s.TFS == 0 {
		s.TFS = 1
	}
	if s.RepPen == 0 {
		s.RepPen = 1.1
	}
	if s.RepPenRange == 0 {
		s.RepPenRange = 320
	}
	if len(s.StopSequence) == 0 {
		s.StopSequence = []string{"### Instruction:", "### Response:"}
	}
}

// Validate performs minimal consistency checks.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "file", "memory":
	case "redis":
		if c.Redis.URL == "" {
			return errors.New("redis.url is required for store.backend=redis")
		}
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url is required for store.backend=postgres")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	switch c.Generation.Provider {
	case "kobold", "noop":
	case "openai":
		if c.Generation.OpenAIKey == "" {
			return errors.New("generation.openai_key (or OPENAI_API_KEY) is required for provider=openai")
		}
	case "gemini":
		if c.Generation.GeminiKey == "" {
			return errors.New("generation.gemini_key (or GEMINI_API_KEY) is required for provider=gemini")
		}
	default:
		return fmt.Errorf("unknown generation.provider %q", c.Generation.Provider)
	}
	return nil
}
