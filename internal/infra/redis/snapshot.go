package redis

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"video-pipeline/internal/domain/model"
	"video-pipeline/internal/domain/ports/repository"
	"video-pipeline/internal/infra/logging"
)

var (
	_ repository.SnapshotRepository = (*SnapshotRepo)(nil)
	_ repository.ChangeWatcher      = (*SnapshotRepo)(nil)
)

// SnapshotRepo keeps the job snapshot under one key and announces every
// write on a channel so other processes can reload.
type SnapshotRepo struct {
	cli     RedisClient
	key     string
	channel string
	origin  string
	log     *zerolog.Logger

	mu   sync.Mutex
	last []byte
}

func NewSnapshotRepo(cli RedisClient, key, channel string, logger *zerolog.Logger) *SnapshotRepo {
	return &SnapshotRepo{
		cli:     cli,
		key:     key,
		channel: channel,
		origin:  uuid.NewString(),
		log:     logging.Component(logger, "redis-snapshot"),
	}
}

func (r *SnapshotRepo) Load(ctx context.Context) ([]*model.Job, error) {
	data, err := r.cli.Get(ctx, r.key)
	if err != nil && !isNil(err) {
		return nil, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	jobs, err := model.DecodeJobs(data)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", r.key, err)
	}
	r.mu.Lock()
	r.last = data
	r.mu.Unlock()
	return jobs, nil
}

// Save skips unchanged snapshots, so reloading after a peer's write does
// not echo it back.
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
	if err := r.cli.Set(ctx, r.key, data); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	r.last = data
	if err := r.cli.Publish(ctx, r.channel, r.origin); err != nil {
		// the write landed; peers catch up on their next reload
		r.log.Warn().Err(err).Str("channel", r.channel).Msg("publish snapshot change failed")
	}
	return nil
}

// Watch calls onChange for every write announced by another process.
func (r *SnapshotRepo) Watch(ctx context.Context, onChange func()) error {
	msgs, err := r.cli.Subscribe(ctx, r.channel)
	if err != nil {
		return fmt.Errorf("redis subscribe %s: %w", r.channel, err)
	}
	r.log.Info().Str("channel", r.channel).Msg("watching snapshot changes")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case origin, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("redis subscription %s closed", r.channel)
			}
			if origin == r.origin {
				continue
			}
			onChange()
		}
	}
}
