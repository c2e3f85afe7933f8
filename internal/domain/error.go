package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// Common domain errors
	ErrNotFound        = errors.New("entity not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrJobNotTerminal  = errors.New("job is not in a terminal state")
	ErrUnknownStep     = errors.New("no handler registered for step")

	// Persistence
	ErrPersistence = errors.New("snapshot persistence failed")

	// Upstream generation backend
	ErrUpstreamTransient  = errors.New("upstream temporarily unavailable")
	ErrUpstreamTerminal   = errors.New("upstream rejected request")
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	ErrAborted            = errors.New("aborted by caller")
)

// UpstreamError is a non-2xx answer from a generation backend.
type UpstreamError struct {
	Status  int
	Message string
	// Retryable marks statuses the caller treats as transient (403 and 503 by default).
	Retryable bool
}

func NewUpstreamError(status int, message string) *UpstreamError {
	return &UpstreamError{Status: status, Message: message, Retryable: IsTransientStatus(status)}
}

// IsTransientStatus reports the default transient status set.
func IsTransientStatus(status int) bool {
	return status == http.StatusForbidden || status == http.StatusServiceUnavailable
}

func (e *UpstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream status %d", e.Status)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
}

func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrUpstreamTransient:
		return e.Retryable
	case ErrUpstreamTerminal:
		return !e.Retryable
	}
	return false
}

// StepError is returned by the executor when a step function fails.
type StepError struct {
	JobID string
	Step  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("job %s: step %s failed: %v", e.JobID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
