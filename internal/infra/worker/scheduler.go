package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"video-pipeline/internal/domain/model"
	"video-pipeline/internal/domain/ports/repository"
	"video-pipeline/internal/domain/ports/usecase"
	"video-pipeline/internal/infra/logging"
	"video-pipeline/internal/infra/metrics"
)

// Compile-time check
var _ usecase.JobScheduler = (*Scheduler)(nil)

// JobRunner executes a single job to completion.
type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

type State string

const (
	StateIdle        State = "idle"
	StateDispatching State = "dispatching"
	StateSaturated   State = "saturated"
	StateDraining    State = "draining"
)

// Scheduler starts pending jobs in FIFO order with at most max running at
// once. A single loop goroutine dispatches; it sleeps on the wake channel
// and is signalled by new jobs, store reloads and released slots.
type Scheduler struct {
	store  repository.JobStore
	runner JobRunner
	max    int
	log    *zerolog.Logger

	mu     sync.Mutex
	active map[string]struct{}
	order  []string

	wake chan struct{}
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler constructs a scheduler. If maxConcurrent <= 0 it defaults to 3.
func NewScheduler(store repository.JobStore, runner JobRunner, maxConcurrent int, logger *zerolog.Logger) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Scheduler{
		store:  store,
		runner: runner,
		max:    maxConcurrent,
		log:    logging.Component(logger, "scheduler"),
		active: make(map[string]struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start begins the dispatch loop in a background goroutine.
// Calling Start multiple times has no effect.
func (s *Scheduler) Start(parentCtx context.Context) {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parentCtx)
	s.ctx = ctx
	s.cancel = cancel
	done := s.done
	s.mu.Unlock()

	events, unsubscribe := s.store.Subscribe()
	go s.loop(ctx, done, events, unsubscribe)
	s.Signal()
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}, events <-chan model.ChangeEvent, unsubscribe func()) {
	defer func() {
		unsubscribe()
		close(done)
	}()

	s.log.Info().Int("max_concurrent", s.max).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("context cancelled; stopping")
			return
		case <-s.wake:
			s.dispatch(ctx)
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == model.ChangeAdded || ev.Kind == model.ChangeReloaded {
				s.dispatch(ctx)
			}
		}
	}
}

// Stop cancels the loop and waits for it and all running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.wg.Wait()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.done = make(chan struct{})
	s.mu.Unlock()
	s.log.Info().Msg("scheduler stopped")
}

// AddJob stores a new pending job and wakes the dispatcher.
func (s *Scheduler) AddJob(ctx context.Context, externalID string) (*model.Job, error) {
	job, err := s.store.AddJob(ctx, externalID)
	if job != nil {
		s.Signal()
	}
	return job, err
}

// Signal wakes the dispatcher. Signals coalesce.
func (s *Scheduler) Signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	pending := s.store.ListPending()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range pending {
		if len(s.active) >= s.max {
			break
		}
		if _, busy := s.active[job.ID]; busy {
			continue
		}
		s.active[job.ID] = struct{}{}
		s.order = append(s.order, job.ID)
		s.wg.Add(1)
		go s.run(ctx, job.ID)
		s.log.Debug().Str("job_id", job.ID).Int("active", len(s.active)).Msg("job dispatched")
	}
	metrics.SetActiveJobs(len(s.active))
}

func (s *Scheduler) run(ctx context.Context, jobID string) {
	defer s.wg.Done()
	defer s.release(jobID)

	if err := s.runner.Run(ctx, jobID); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error().Err(err).Str("job_id", jobID).Msg("job ended with error")
	}
}

// release frees the slot held by jobID exactly once.
func (s *Scheduler) release(jobID string) {
	s.mu.Lock()
	if _, ok := s.active[jobID]; ok {
		delete(s.active, jobID)
		for i, id := range s.order {
			if id == jobID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	metrics.SetActiveJobs(len(s.active))
	s.mu.Unlock()
	s.Signal()
}

// Active returns the ids of running jobs in dispatch order.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// State classifies the scheduler from its slot usage and waiting work.
func (s *Scheduler) State() string {
	pending := s.store.ListPending()

	s.mu.Lock()
	defer s.mu.Unlock()
	waiting := 0
	for _, j := range pending {
		if _, busy := s.active[j.ID]; !busy {
			waiting++
		}
	}
	active := len(s.active)
	switch {
	case active == 0 && waiting == 0:
		return string(StateIdle)
	case waiting == 0:
		return string(StateDraining)
	case active >= s.max:
		return string(StateSaturated)
	}
	return string(StateDispatching)
}
