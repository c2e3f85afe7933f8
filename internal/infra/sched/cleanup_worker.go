package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"video-pipeline/internal/infra/metrics"
)

// Cleaner removes jobs that finished successfully.
type Cleaner interface {
	RemoveCompleted(ctx context.Context) (int, error)
}

// CleanupWorker periodically sweeps completed jobs out of the store.
type CleanupWorker struct {
	interval time.Duration
	jobs     Cleaner
	log      *zerolog.Logger
}

func NewCleanupWorker(interval time.Duration, jobs Cleaner, logger *zerolog.Logger) *CleanupWorker {
	l := logger.With().Str("component", "CleanupWorker").Logger()
	return &CleanupWorker{
		interval: interval,
		jobs:     jobs,
		log:      &l,
	}
}

func (w *CleanupWorker) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting cleanup worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping cleanup worker")
			return ctx.Err()
		case <-ticker.C:
			n, err := w.jobs.RemoveCompleted(ctx)
			if err != nil {
				w.log.Error().Err(err).Msg("cleanup worker error")
			}
			if n > 0 {
				metrics.AddJobsRemoved(n)
				w.log.Info().Int("count", n).Msg("completed jobs removed")
			}
		}
	}
}
