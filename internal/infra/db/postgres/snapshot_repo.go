package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"video-pipeline/internal/domain/model"
	"video-pipeline/internal/domain/ports/repository"
	"video-pipeline/internal/infra/logging"
)

var (
	_ repository.SnapshotRepository = (*SnapshotRepo)(nil)
	_ repository.ChangeWatcher      = (*SnapshotRepo)(nil)
)

// SnapshotRepo stores the job snapshot as one JSONB row and announces
// writes with NOTIFY so other processes can reload.
type SnapshotRepo struct {
	pool    *pgxpool.Pool
	name    string
	channel string
	origin  string
	log     *zerolog.Logger

	mu   sync.Mutex
	last []byte
}

func NewSnapshotRepo(pool *pgxpool.Pool, name string, logger *zerolog.Logger) *SnapshotRepo {
	return &SnapshotRepo{
		pool:    pool,
		name:    name,
		channel: "job_snapshots",
		origin:  uuid.NewString(),
		log:     logging.Component(logger, "pg-snapshot"),
	}
}

func (r *SnapshotRepo) Load(ctx context.Context) ([]*model.Job, error) {
	const q = `SELECT data FROM job_snapshots WHERE name = $1`
	var data []byte
	err := r.pool.QueryRow(ctx, q, r.name).Scan(&data)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load snapshot %s: %w", r.name, err)
	}
	jobs, err := model.DecodeJobs(data)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", r.name, err)
	}
	// JSONB normalizes the text; remember our own encoding of it.
	canonical, err := model.EncodeJobs(jobs)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.last = canonical
	r.mu.Unlock()
	return jobs, nil
}

// Save upserts the row and notifies in one transaction. Unchanged snapshots
// are skipped.
func (r *SnapshotRepo) Save(ctx context.Context, jobs []*model.Job) error {
	data, err := model.EncodeJobs(jobs)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if bytes.Equal(data, r.last) {
		return nil
	}

	const upsert = `
INSERT INTO job_snapshots (name, data, updated_at)
VALUES ($1, $2::jsonb, now())
ON CONFLICT (name) DO UPDATE SET
  data = EXCLUDED.data,
  updated_at = EXCLUDED.updated_at;`

	err = withTx(ctx, r.pool, func(ctx context.Context, tx execer) error {
		if _, err := tx.Exec(ctx, upsert, r.name, string(data)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.channel, r.origin)
		return err
	})
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", r.name, err)
	}
	r.last = data
	return nil
}

// Watch holds one connection in LISTEN mode and calls onChange for every
// write made by another process.
func (r *SnapshotRepo) Watch(ctx context.Context, onChange func()) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{r.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", r.channel, err)
	}
	r.log.Info().Str("channel", r.channel).Msg("watching snapshot changes")
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		if n.Payload == r.origin {
			continue
		}
		onChange()
	}
}
