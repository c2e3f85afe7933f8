package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"video-pipeline/internal/infra/metrics"
)

// PoolStat is a point-in-time view of a connection pool.
type PoolStat struct {
	Total, Idle, Acquired int32
}

// PoolStatsWorker exports connection pool gauges on a fixed interval.
type PoolStatsWorker struct {
	interval time.Duration
	stat     func() PoolStat
	log      *zerolog.Logger
}

func NewPoolStatsWorker(interval time.Duration, stat func() PoolStat, logger *zerolog.Logger) *PoolStatsWorker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	l := logger.With().Str("component", "PoolStatsWorker").Logger()
	return &PoolStatsWorker{interval: interval, stat: stat, log: &l}
}

func (w *PoolStatsWorker) Run(ctx context.Context) error {
	w.log.Debug().Msg("Starting pool stats worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.export()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.export()
		}
	}
}

func (w *PoolStatsWorker) export() {
	s := w.stat()
	metrics.SetDBPoolStats(s.Total, s.Idle, s.Acquired)
}
