package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"video-pipeline/internal/domain"
	"video-pipeline/internal/domain/model"
	"video-pipeline/internal/domain/ports/repository"
	"video-pipeline/internal/domain/ports/usecase"
	"video-pipeline/internal/infra/logging"
	"video-pipeline/internal/infra/metrics"
)

var errInterrupted = errors.New("step interrupted by shutdown")

// Executor drives one job through its steps in order.
type Executor struct {
	store    repository.JobStore
	steps    usecase.StepRunner
	settings map[string]string
	log      *zerolog.Logger
}

func NewExecutor(store repository.JobStore, steps usecase.StepRunner, settings map[string]string, logger *zerolog.Logger) *Executor {
	return &Executor{
		store:    store,
		steps:    steps,
		settings: settings,
		log:      logging.Component(logger, "executor"),
	}
}

// Run executes every step that is not yet completed. The first failing step
// is marked failed, its message recorded on the job, and a *domain.StepError
// returned. Jobs that are no longer pending are skipped. When ctx ends while
// a step runs, the job is requeued instead of failed.
func (e *Executor) Run(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job, err := e.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status != model.StatusPending {
		e.log.Debug().Str("job_id", jobID).Str("status", string(job.Status)).Msg("job not pending; skipped")
		return nil
	}

	ctx = logging.WithJobID(ctx, jobID)
	log := logging.With(ctx, e.log)
	log.Info().Str("external_id", job.ExternalID).Msg("processing job")
	start := time.Now()

	e.check(log, e.store.UpdateJobStatus(ctx, jobID, model.StatusRunning))

	for _, st := range job.Steps {
		if st.Status == model.StatusCompleted {
			continue
		}
		if err := e.runStep(ctx, jobID, st.Name); err != nil {
			if errors.Is(err, errInterrupted) {
				log.Info().Str("step", string(st.Name)).Msg("job interrupted; requeued")
				return ctx.Err()
			}
			metrics.IncJobFinished(string(model.StatusFailed))
			log.Error().Err(err).Dur("duration_ms", time.Since(start)).Msg("job failed")
			return err
		}
	}

	metrics.IncJobFinished(string(model.StatusCompleted))
	log.Info().Str("status", string(model.StatusCompleted)).Dur("duration_ms", time.Since(start)).Msg("job finished")
	return nil
}

func (e *Executor) runStep(ctx context.Context, jobID string, step model.StepName) error {
	ctx = logging.WithStep(ctx, string(step))
	log := logging.With(ctx, e.log)

	e.check(log, e.store.UpdateStepStatus(ctx, jobID, step, model.StatusRunning))

	// re-read so the step sees fields written by earlier steps
	cur, err := e.store.GetJob(jobID)
	if err != nil {
		return &domain.StepError{JobID: jobID, Step: string(step), Err: err}
	}
	in := usecase.StepInput{
		JobID:         cur.ID,
		ExternalID:    cur.ExternalID,
		WorkingFolder: cur.WorkingFolder,
		Settings:      e.settings,
	}

	done := logging.TraceDuration(log, string(step))
	start := time.Now()
	err = e.steps.Run(ctx, step, in)
	done()
	metrics.ObserveStep(string(step), time.Since(start).Seconds(), err == nil)

	if err != nil && ctx.Err() != nil {
		// the scheduler is stopping: the step did not fail, it was cut short
		e.check(log, e.store.RequeueJob(context.WithoutCancel(ctx), jobID))
		return errInterrupted
	}
	if err != nil {
		msg := err.Error()
		// record the failure even if ctx is already cancelled
		bg := context.WithoutCancel(ctx)
		if uerr := e.store.UpdateJob(bg, jobID, func(j *model.Job) { j.Error = msg }); uerr != nil && !errors.Is(uerr, domain.ErrNotFound) {
			e.check(log, uerr)
		}
		e.check(log, e.store.UpdateStepStatus(bg, jobID, step, model.StatusFailed))
		return &domain.StepError{JobID: jobID, Step: string(step), Err: err}
	}

	e.check(log, e.store.UpdateStepStatus(ctx, jobID, step, model.StatusCompleted))
	log.Info().Dur("duration_ms", time.Since(start)).Msg("step completed")
	return nil
}

// check logs store write failures. The in-memory state has already changed,
// so execution continues.
func (e *Executor) check(log *zerolog.Logger, err error) {
	if err != nil {
		log.Warn().Err(err).Msg("job store update failed")
	}
}
