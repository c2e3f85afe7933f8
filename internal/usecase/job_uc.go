// File: internal/usecase/job_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"video-pipeline/internal/domain"
	"video-pipeline/internal/domain/model"
	"video-pipeline/internal/domain/ports/repository"
	ucport "video-pipeline/internal/domain/ports/usecase"
)

// Compile-time check
var _ JobUseCase = (*jobUC)(nil)

// JobUseCase is the control surface over the store and scheduler.
type JobUseCase interface {
	AddJob(ctx context.Context, externalID string) (*model.Job, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, status model.Status) ([]*model.Job, error)
	RemoveCompleted(ctx context.Context) (int, error)
	RemoveJob(ctx context.Context, id string) error
	Subscribe() (<-chan model.ChangeEvent, func())
	Status(ctx context.Context) SchedulerStatus
}

type SchedulerStatus struct {
	State  string   `json:"state"`
	Active []string `json:"active"`
}

type jobUC struct {
	store repository.JobStore
	sched ucport.JobScheduler
	log   *zerolog.Logger
}

func NewJobUseCase(store repository.JobStore, sched ucport.JobScheduler, logger *zerolog.Logger) *jobUC {
	return &jobUC{store: store, sched: sched, log: logger}
}

// AddJob validates the id and hands it to the scheduler. A persistence
// failure still returns the created job: it is live in memory.
func (u *jobUC) AddJob(ctx context.Context, externalID string) (*model.Job, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, fmt.Errorf("external id is required: %w", domain.ErrInvalidArgument)
	}
	job, err := u.sched.AddJob(ctx, externalID)
	if err != nil {
		if job != nil && errors.Is(err, domain.ErrPersistence) {
			u.log.Warn().Err(err).Str("job_id", job.ID).Msg("job queued but snapshot write failed")
			return job, nil
		}
		return nil, err
	}
	return job, nil
}

func (u *jobUC) GetJob(_ context.Context, id string) (*model.Job, error) {
	return u.store.GetJob(id)
}

// ListJobs returns all jobs, or only those with the given status.
func (u *jobUC) ListJobs(_ context.Context, status model.Status) ([]*model.Job, error) {
	switch status {
	case "":
		return u.store.ListAll(), nil
	case model.StatusPending:
		return u.store.ListPending(), nil
	case model.StatusCompleted:
		return u.store.ListCompleted(), nil
	}
	if !status.Valid() {
		return nil, fmt.Errorf("status %q: %w", status, domain.ErrInvalidArgument)
	}
	all := u.store.ListAll()
	out := all[:0]
	for _, j := range all {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

func (u *jobUC) RemoveCompleted(ctx context.Context) (int, error) {
	n, err := u.store.RemoveCompleted(ctx)
	if err != nil {
		return n, err
	}
	if n > 0 {
		u.log.Info().Int("removed", n).Msg("completed jobs removed")
	}
	return n, nil
}

func (u *jobUC) RemoveJob(ctx context.Context, id string) error {
	return u.store.RemoveJob(ctx, id)
}

func (u *jobUC) Subscribe() (<-chan model.ChangeEvent, func()) {
	return u.store.Subscribe()
}

func (u *jobUC) Status(_ context.Context) SchedulerStatus {
	active := u.sched.Active()
	if active == nil {
		active = []string{}
	}
	return SchedulerStatus{State: u.sched.State(), Active: active}
}
