package usecase

import (
	"context"

	"video-pipeline/internal/domain/model"
)

// StepInput is what a step function sees of its job.
type StepInput struct {
	JobID         string
	ExternalID    string
	WorkingFolder string
	Settings      map[string]string
}

type StepFunc func(ctx context.Context, in StepInput) error

// StepRunner dispatches a step by name.
type StepRunner interface {
	Run(ctx context.Context, step model.StepName, in StepInput) error
}

// JobScheduler is what the control surface needs from the scheduler.
type JobScheduler interface {
	AddJob(ctx context.Context, externalID string) (*model.Job, error)
	Active() []string
	State() string
}
