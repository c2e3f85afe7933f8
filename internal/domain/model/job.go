package model

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"

	"video-pipeline/internal/domain"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

type StepName string

const (
	StepTranscribe     StepName = "Transcribe"
	StepDownload       StepName = "Download"
	StepProcessContext StepName = "ProcessContext"
	StepGenerateAudio  StepName = "GenerateAudio"
	StepCombineAudio   StepName = "CombineAudio"
	StepGenerateSubs   StepName = "GenerateSubs"
	StepRender         StepName = "Render"
)

// StepTemplate is the ordered step list copied into every new job.
var StepTemplate = []StepName{
	StepTranscribe,
	StepDownload,
	StepProcessContext,
	StepGenerateAudio,
	StepCombineAudio,
	StepGenerateSubs,
	StepRender,
}

type Step struct {
	Name   StepName `json:"name"`
	Status Status   `json:"status"`
}

type Job struct {
	ID            string    `json:"id"`
	ExternalID    string    `json:"externalId"`
	Status        Status    `json:"status"`
	Steps         []Step    `json:"steps"`
	WorkingFolder string    `json:"workingFolder,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewJobID returns a lexically sortable id, strictly increasing within the process.
func NewJobID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// NewJob builds a pending job with a fresh copy of the step template.
func NewJob(id, externalID string, now time.Time) (*Job, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, fmt.Errorf("external id is required: %w", domain.ErrInvalidArgument)
	}
	if strings.IndexFunc(externalID, unicode.IsSpace) >= 0 {
		return nil, fmt.Errorf("external id %q contains whitespace: %w", externalID, domain.ErrInvalidArgument)
	}
	if id == "" {
		id = NewJobID(now)
	}
	steps := make([]Step, len(StepTemplate))
	for i, name := range StepTemplate {
		steps[i] = Step{Name: name, Status: StatusPending}
	}
	return &Job{
		ID:         id,
		ExternalID: externalID,
		Status:     StatusPending,
		Steps:      steps,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Clone returns a deep copy safe to hand out of the store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Steps = make([]Step, len(j.Steps))
	copy(cp.Steps, j.Steps)
	return &cp
}

func (j *Job) StepIndex(name StepName) int {
	for i, s := range j.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// DeriveStatus computes the job status from its steps:
// failed if any step failed, completed if every step completed,
// running once any step has started, pending otherwise.
func (j *Job) DeriveStatus() Status {
	if len(j.Steps) == 0 {
		return j.Status
	}
	completed := 0
	started := false
	for _, s := range j.Steps {
		switch s.Status {
		case StatusFailed:
			return StatusFailed
		case StatusCompleted:
			completed++
			started = true
		case StatusRunning:
			started = true
		}
	}
	switch {
	case completed == len(j.Steps):
		return StatusCompleted
	case started:
		return StatusRunning
	}
	return StatusPending
}

func (j *Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Recover resets a job interrupted mid-run so it can be scheduled again.
// Completed steps are kept. Returns true if anything changed.
func (j *Job) Recover(now time.Time) bool {
	if j.Status != StatusRunning {
		return false
	}
	for i := range j.Steps {
		if j.Steps[i].Status == StatusRunning {
			j.Steps[i].Status = StatusPending
		}
	}
	j.Status = StatusPending
	j.UpdatedAt = now
	return true
}
