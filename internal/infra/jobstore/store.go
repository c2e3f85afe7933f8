package jobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"video-pipeline/internal/domain"
	"video-pipeline/internal/domain/model"
	"video-pipeline/internal/domain/ports/repository"
	"video-pipeline/internal/infra/metrics"
)

var _ repository.JobStore = (*Store)(nil)

const subscriberBuffer = 16

// Store keeps the job collection in memory and mirrors every mutation to a
// snapshot repository. All writes are serialized by mu.
type Store struct {
	mu      sync.Mutex
	jobs    []*model.Job
	version uint64
	snap    repository.SnapshotRepository

	subsMu sync.Mutex
	subs   map[chan model.ChangeEvent]struct{}

	now func() time.Time
	log *zerolog.Logger
}

// Open loads the snapshot and resets jobs left running by a previous process.
func Open(ctx context.Context, snap repository.SnapshotRepository, logger *zerolog.Logger) (*Store, error) {
	l := logger.With().Str("component", "jobstore").Logger()
	s := &Store{
		snap: snap,
		subs: make(map[chan model.ChangeEvent]struct{}),
		now:  time.Now,
		log:  &l,
	}

	jobs, err := snap.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load: %v", domain.ErrPersistence, err)
	}
	s.jobs = jobs

	recovered := 0
	now := s.now()
	for _, j := range s.jobs {
		if j.Recover(now) {
			recovered++
		}
	}
	if recovered > 0 {
		s.log.Warn().Int("jobs", recovered).Msg("reset interrupted jobs to pending")
		if err := s.persistLocked(ctx); err != nil {
			return nil, err
		}
	}
	s.log.Info().Int("jobs", len(s.jobs)).Msg("job store loaded")
	return s, nil
}

func (s *Store) AddJob(ctx context.Context, externalID string) (*model.Job, error) {
	now := s.now()
	job, err := model.NewJob("", externalID, now)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	out := job.Clone()
	perr := s.commitLocked(ctx, model.ChangeAdded, job.ID)
	s.mu.Unlock()

	s.log.Info().Str("job_id", job.ID).Str("external_id", job.ExternalID).Msg("job added")
	return out, perr
}

func (s *Store) GetJob(id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.findLocked(id); j != nil {
		return j.Clone(), nil
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListAll() []*model.Job {
	return s.list(func(*model.Job) bool { return true })
}

func (s *Store) ListPending() []*model.Job {
	return s.list(func(j *model.Job) bool { return j.Status == model.StatusPending })
}

func (s *Store) ListCompleted() []*model.Job {
	return s.list(func(j *model.Job) bool { return j.Status == model.StatusCompleted })
}

func (s *Store) list(keep func(*model.Job) bool) []*model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	return out
}

// UpdateJobStatus only moves a job between pending and running. Terminal
// statuses are derived from the steps.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status model.Status) error {
	if !status.Valid() || status == model.StatusCompleted || status == model.StatusFailed {
		return fmt.Errorf("status %q: %w", status, domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.findLocked(id)
	if j == nil {
		return nil
	}
	j.Status = status
	j.UpdatedAt = s.now()
	return s.commitLocked(ctx, model.ChangeUpdated, id)
}

func (s *Store) UpdateStepStatus(ctx context.Context, id string, step model.StepName, status model.Status) error {
	if !status.Valid() {
		return fmt.Errorf("status %q: %w", status, domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.findLocked(id)
	if j == nil {
		return nil
	}
	i := j.StepIndex(step)
	if i < 0 {
		return fmt.Errorf("step %q: %w", step, domain.ErrNotFound)
	}
	j.Steps[i].Status = status
	j.Status = j.DeriveStatus()
	j.UpdatedAt = s.now()
	return s.commitLocked(ctx, model.ChangeUpdated, id)
}

func (s *Store) UpdateJob(ctx context.Context, id string, fn func(*model.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.findLocked(id)
	if j == nil {
		return domain.ErrNotFound
	}
	cp := j.Clone()
	fn(cp)
	j.WorkingFolder = cp.WorkingFolder
	j.Error = cp.Error
	j.UpdatedAt = s.now()
	return s.commitLocked(ctx, model.ChangeUpdated, id)
}

// RequeueJob returns an interrupted job to pending with its completed steps
// kept. Jobs that are not running are left alone.
func (s *Store) RequeueJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.findLocked(id)
	if j == nil {
		return domain.ErrNotFound
	}
	if !j.Recover(s.now()) {
		return nil
	}
	return s.commitLocked(ctx, model.ChangeUpdated, id)
}

// RemoveCompleted drops every job completed at the time of the sweep.
func (s *Store) RemoveCompleted(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.jobs[:0:0]
	for _, j := range s.jobs {
		if j.Status != model.StatusCompleted {
			kept = append(kept, j)
		}
	}
	removed := len(s.jobs) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	s.jobs = kept
	return removed, s.commitLocked(ctx, model.ChangeRemoved, "")
}

// RemoveJob deletes one terminal job.
func (s *Store) RemoveJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, j := range s.jobs {
		if j.ID != id {
			continue
		}
		if !j.IsTerminal() {
			return fmt.Errorf("job %s is %s: %w", id, j.Status, domain.ErrJobNotTerminal)
		}
		s.jobs = append(s.jobs[:i:i], s.jobs[i+1:]...)
		return s.commitLocked(ctx, model.ChangeRemoved, id)
	}
	return domain.ErrNotFound
}

// Reload replaces the in-memory collection with the persisted snapshot and
// writes it back. Used when another process changed the snapshot; the last
// writer wins.
func (s *Store) Reload(ctx context.Context) error {
	jobs, err := s.snap.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: load: %v", domain.ErrPersistence, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = jobs
	s.log.Debug().Int("jobs", len(jobs)).Msg("job store reloaded")
	return s.commitLocked(ctx, model.ChangeReloaded, "")
}

// WatchExternal reloads the store whenever w reports a foreign write.
// It blocks until ctx is done.
func (s *Store) WatchExternal(ctx context.Context, w repository.ChangeWatcher) error {
	return w.Watch(ctx, func() {
		if err := s.Reload(ctx); err != nil {
			s.log.Error().Err(err).Msg("reload after external change failed")
		}
	})
}

// Subscribe registers an observer. Events are coalesced when the observer
// falls behind: a full buffer already guarantees a pending wake-up.
func (s *Store) Subscribe() (<-chan model.ChangeEvent, func()) {
	ch := make(chan model.ChangeEvent, subscriberBuffer)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, ch)
			s.subsMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) findLocked(id string) *model.Job {
	for _, j := range s.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// commitLocked persists and notifies. The in-memory state stays authoritative
// when the write fails.
func (s *Store) commitLocked(ctx context.Context, kind model.ChangeKind, id string) error {
	err := s.persistLocked(ctx)
	s.version++
	s.publish(model.ChangeEvent{Version: s.version, Kind: kind, JobID: id})
	return err
}

func (s *Store) persistLocked(ctx context.Context) error {
	snapshot := make([]*model.Job, len(s.jobs))
	for i, j := range s.jobs {
		snapshot[i] = j.Clone()
	}
	if err := s.snap.Save(ctx, snapshot); err != nil {
		metrics.IncSnapshotWrite(false)
		s.log.Error().Err(err).Msg("snapshot write failed")
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	metrics.IncSnapshotWrite(true)
	return nil
}

func (s *Store) publish(ev model.ChangeEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
