package model

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeUpdated  ChangeKind = "updated"
	ChangeRemoved  ChangeKind = "removed"
	ChangeReloaded ChangeKind = "reloaded"
)

// ChangeEvent tells observers that the job collection changed.
// JobID is empty for collection-wide changes.
type ChangeEvent struct {
	Version uint64     `json:"version"`
	Kind    ChangeKind `json:"kind"`
	JobID   string     `json:"jobId,omitempty"`
}
