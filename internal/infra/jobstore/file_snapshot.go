package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"video-pipeline/internal/domain/model"
	"video-pipeline/internal/domain/ports/repository"
)

var _ repository.SnapshotRepository = (*FileSnapshot)(nil)

// FileSnapshot persists the job collection in a single JSON file on disk.
type FileSnapshot struct {
	path string
}

func NewFileSnapshot(path string) *FileSnapshot {
	return &FileSnapshot{path: path}
}

// Load reads the snapshot or returns an empty collection when missing.
func (f *FileSnapshot) Load(_ context.Context) ([]*model.Job, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []*model.Job{}, nil
		}
		return nil, err
	}
	return model.DecodeJobs(data)
}

// Save writes the snapshot through a temp file so readers never see a torn write.
func (f *FileSnapshot) Save(_ context.Context, jobs []*model.Job) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

// MemorySnapshot keeps the encoded snapshot in memory. Used in dev mode and tests.
type MemorySnapshot struct {
	mu   sync.Mutex
	data []byte
	// err, when set, fails every Save.
	err error
}

// SetErr makes subsequent saves fail with err (nil restores them).
func (m *MemorySnapshot) SetErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func NewMemorySnapshot() *MemorySnapshot { return &MemorySnapshot{} }

func (m *MemorySnapshot) Load(_ context.Context) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.DecodeJobs(m.data)
}

func (m *MemorySnapshot) Save(_ context.Context, jobs []*model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	data, err := model.EncodeJobs(jobs)
	if err != nil {
		return err
	}
	m.data = data
	return nil
}
