package repository

import (
	"context"

	"video-pipeline/internal/domain/model"
)

// JobStore is the authoritative in-process job collection.
// Reads return copies; every mutation persists the whole collection and
// notifies subscribers once.
type JobStore interface {
	AddJob(ctx context.Context, externalID string) (*model.Job, error)
	GetJob(id string) (*model.Job, error)
	ListPending() []*model.Job
	ListAll() []*model.Job
	ListCompleted() []*model.Job

	// UpdateJobStatus is a no-op for unknown ids. Completed and failed are
	// rejected with ErrInvalidArgument; they are derived from the steps.
	UpdateJobStatus(ctx context.Context, id string, status model.Status) error
	// UpdateStepStatus updates one step and re-derives the job status.
	UpdateStepStatus(ctx context.Context, id string, step model.StepName, status model.Status) error
	// UpdateJob applies fn to a copy; identity, steps and status changes are discarded.
	UpdateJob(ctx context.Context, id string, fn func(*model.Job)) error

	// RequeueJob puts a running job and its running step back to pending.
	RequeueJob(ctx context.Context, id string) error

	RemoveCompleted(ctx context.Context) (int, error)
	RemoveJob(ctx context.Context, id string) error

	// Subscribe registers an observer. The returned func unsubscribes.
	Subscribe() (<-chan model.ChangeEvent, func())
}

// SnapshotRepository persists the whole job collection as one value.
type SnapshotRepository interface {
	Load(ctx context.Context) ([]*model.Job, error)
	Save(ctx context.Context, jobs []*model.Job) error
}

// ChangeWatcher reports snapshot writes made by other processes.
// Watch blocks until ctx is done.
type ChangeWatcher interface {
	Watch(ctx context.Context, onChange func()) error
}
