// File: cmd/app/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"video-pipeline/internal/config"
	"video-pipeline/internal/domain/ports/adapter"
	"video-pipeline/internal/domain/ports/repository"
	aiAdapters "video-pipeline/internal/infra/adapters/ai"
	"video-pipeline/internal/infra/adapters/banana"
	"video-pipeline/internal/infra/adapters/kobold"
	"video-pipeline/internal/infra/adapters/media"
	"video-pipeline/internal/infra/api"
	pg "video-pipeline/internal/infra/db/postgres"
	"video-pipeline/internal/infra/jobstore"
	"video-pipeline/internal/infra/logging"
	"video-pipeline/internal/infra/metrics"
	red "video-pipeline/internal/infra/redis"
	"video-pipeline/internal/infra/sched"
	"video-pipeline/internal/infra/tokenizer"
	"video-pipeline/internal/infra/worker"
	"video-pipeline/internal/usecase"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, debug level)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("pipeline stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) error {
	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)
	logger.Info().Str("version", version).Bool("dev", cfg.Runtime.Dev).Msg("starting video pipeline")

	// ---- Snapshot storage ----
	snap, watcher, closeStore, err := openSnapshot(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	store, err := jobstore.Open(ctx, snap, logger)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	if watcher != nil {
		go func() {
			if err := store.WatchExternal(ctx, watcher); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("snapshot watch stopped")
			}
		}()
	}

	// ---- Generation backend ----
	gen, err := newGenerator(ctx, cfg.Generation, logger)
	if err != nil {
		return err
	}
	gen = aiAdapters.NewLimitedGenerator(gen, cfg.Generation.ConcurrentLimit)

	var tokens usecase.TokenCounter = tokenizer.Estimate{}
	if c, err := tokenizer.New(cfg.Prompt.Encoding); err == nil {
		tokens = c
	} else {
		logger.Warn().Err(err).Msg("tokenizer unavailable; estimating prompt size")
	}

	tmpl := usecase.DefaultInstructTemplate()
	if cfg.Prompt.SystemPrompt != "" {
		tmpl.SystemPrompt = cfg.Prompt.SystemPrompt
	}
	contextUC := usecase.NewContextUseCase(gen, tokens, tmpl, cfg.Prompt.UserName, cfg.Prompt.CharName, cfg.Generation.Sampler, logger)

	// ---- Pipeline collaborators ----
	bc := cfg.Banana
	bananaClient := banana.NewClient(bc.APIServer, bc.ContextDir, bc.Timeout, logger)
	tools := media.NewTools(media.Config{
		YtDlpPath:    cfg.Media.YtDlpPath,
		FFmpegPath:   cfg.Media.FFmpegPath,
		DownloadArgs: cfg.Media.DownloadArgs,
		CombineArgs:  cfg.Media.CombineArgs,
		RenderArgs:   cfg.Media.RenderArgs,
	}, logger)

	registry, err := usecase.NewPipelineRegistry(usecase.Collaborators{
		Store:       store,
		Transcriber: bananaClient,
		Downloader:  tools,
		Context:     contextUC,
		Synthesizer: bananaClient,
		Combiner:    tools,
		Subtitles:   tools,
		Renderer:    tools,
		TranscribeOptions: adapter.TranscribeOptions{
			Language:        bc.Language,
			SegmentLength:   bc.SegmentLength,
			SceneThreshold:  bc.SceneThreshold,
			MinimumInterval: bc.MinimumInterval,
			FixedInterval:   bc.FixedInterval,
			Translate:       bc.Translate,
			GetVideo:        bc.GetVideo,
		},
		Voice:  bc.Voice,
		Stream: cfg.Generation.Streaming,
	})
	if err != nil {
		return fmt.Errorf("step registry: %w", err)
	}

	// ---- Scheduler ----
	executor := worker.NewExecutor(store, registry, cfg.StepSettings, logger)
	scheduler := worker.NewScheduler(store, executor, cfg.Scheduler.MaxConcurrent, logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	jobUC := usecase.NewJobUseCase(store, scheduler, logger)

	if cfg.Scheduler.CleanupInterval > 0 {
		cleaner := sched.NewCleanupWorker(cfg.Scheduler.CleanupInterval, jobUC, logger)
		go func() { _ = cleaner.Run(ctx) }()
	}

	// ---- HTTP API ----
	srv := api.NewServer(cfg.HTTP, api.NewRouter(jobUC, cfg.HTTP.RequestTimeout, logger), logger)
	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown requested")
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	// Running steps see the cancelled context; Stop waits for them.
	return nil
}

// openSnapshot picks the snapshot backend. The watcher is nil for backends
// that are not shared between processes.
func openSnapshot(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (repository.SnapshotRepository, repository.ChangeWatcher, func(), error) {
	switch cfg.Store.Backend {
	case "memory":
		return jobstore.NewMemorySnapshot(), nil, func() {}, nil

	case "redis":
		cli, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("redis: %w", err)
		}
		repo := red.NewSnapshotRepo(cli, cfg.Store.Key, cfg.Redis.Channel, logger)
		return repo, repo, func() { _ = cli.Close() }, nil

	case "postgres":
		pool, err := pg.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if err := pg.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("postgres schema: %w", err)
		}
		stats := sched.NewPoolStatsWorker(15*time.Second, func() sched.PoolStat {
			s := pool.Stat()
			return sched.PoolStat{Total: s.TotalConns(), Idle: s.IdleConns(), Acquired: s.AcquiredConns()}
		}, logger)
		go func() { _ = stats.Run(ctx) }()
		repo := pg.NewSnapshotRepo(pool, cfg.Store.Key, logger)
		return repo, repo, pool.Close, nil

	default:
		return jobstore.NewFileSnapshot(cfg.Store.Path), nil, func() {}, nil
	}
}

func newGenerator(ctx context.Context, gc config.GenerationConfig, logger *zerolog.Logger) (adapter.Generator, error) {
	switch gc.Provider {
	case "openai":
		g, err := aiAdapters.NewOpenAIGenerator(gc.OpenAIKey, gc.OpenAIBaseURL, gc.Model, logger)
		if err != nil {
			return nil, fmt.Errorf("openai generator: %w", err)
		}
		logger.Info().Str("provider", "openai").Str("model", gc.Model).Msg("generation backend")
		return g, nil
	case "gemini":
		g, err := aiAdapters.NewGeminiGenerator(ctx, gc.GeminiKey, gc.GeminiURL, gc.Model, logger)
		if err != nil {
			return nil, fmt.Errorf("gemini generator: %w", err)
		}
		logger.Info().Str("provider", "gemini").Str("model", gc.Model).Msg("generation backend")
		return g, nil
	case "noop":
		logger.Warn().Msg("generation backend: noop (canned replies)")
		return aiAdapters.NewNoopGenerator(logger), nil
	default:
		var hc *http.Client
		if gc.RequestTimeout > 0 {
			hc = &http.Client{Timeout: gc.RequestTimeout}
		}
		logger.Info().Str("provider", "kobold").Str("api_server", gc.APIServer).Bool("can_abort", gc.CanAbort).Msg("generation backend")
		return kobold.NewClient(kobold.Config{
			APIServer:    gc.APIServer,
			CanAbort:     gc.CanAbort,
			MaxRetries:   gc.MaxRetries,
			RetryDelay:   gc.RetryDelay,
			AbortTimeout: gc.AbortTimeout,
		}, hc, logger), nil
	}
}
