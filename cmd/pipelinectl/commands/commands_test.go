package commands

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"video-pipeline/internal/domain/model"
	"video-pipeline/internal/infra/api"
	"video-pipeline/internal/infra/jobstore"
	"video-pipeline/internal/usecase"
)

type directScheduler struct{ store *jobstore.Store }

func (d directScheduler) AddJob(ctx context.Context, externalID string) (*model.Job, error) {
	return d.store.AddJob(ctx, externalID)
}
func (directScheduler) Active() []string { return nil }
func (directScheduler) State() string    { return "idle" }

func setupServer(t *testing.T) (*httptest.Server, *jobstore.Store) {
	t.Helper()
	logger := zerolog.Nop()
	store, err := jobstore.Open(context.Background(), jobstore.NewMemorySnapshot(), &logger)
	require.NoError(t, err)
	jobs := usecase.NewJobUseCase(store, directScheduler{store: store}, &logger)
	srv := httptest.NewServer(api.NewRouter(jobs, 5*time.Second, &logger))
	t.Cleanup(srv.Close)
	return srv, store
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := NewApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(context.Background(), append([]string{"pipelinectl"}, args...))
	return out.String(), err
}

func TestAddListShow(t *testing.T) {
	srv, store := setupServer(t)

	out, err := run(t, "add", "--server", srv.URL, "vid-a", "vid-b")
	require.NoError(t, err)
	assert.Contains(t, out, "(vid-a)")
	assert.Contains(t, out, "(vid-b)")

	jobs := store.ListAll()
	require.Len(t, jobs, 2)

	out, err = run(t, "list", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, jobs[0].ID)
	assert.Contains(t, out, "vid-b")
	assert.Contains(t, out, string(model.StepTranscribe))

	out, err = run(t, "show", "--server", srv.URL, jobs[1].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Video:       vid-b")
	assert.Contains(t, out, "7. Render")
}

func TestListFilterAndClean(t *testing.T) {
	srv, store := setupServer(t)
	ctx := context.Background()
	done, err := store.AddJob(ctx, "done")
	require.NoError(t, err)
	_, err = store.AddJob(ctx, "waiting")
	require.NoError(t, err)
	for _, st := range model.StepTemplate {
		require.NoError(t, store.UpdateStepStatus(ctx, done.ID, st, model.StatusCompleted))
	}

	out, err := run(t, "list", "--server", srv.URL, "--status", "completed")
	require.NoError(t, err)
	assert.Contains(t, out, done.ID)
	assert.NotContains(t, out, "waiting")

	out, err = run(t, "clean", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "removed 1 completed job(s)")
	assert.Len(t, store.ListAll(), 1)
}

func TestRemoveNonTerminalFails(t *testing.T) {
	srv, store := setupServer(t)
	job, err := store.AddJob(context.Background(), "x")
	require.NoError(t, err)

	_, err = run(t, "rm", "--server", srv.URL, job.ID)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
}

func TestMissingArgs(t *testing.T) {
	_, err := run(t, "add", "--server", "http://127.0.0.1:1")
	assert.Error(t, err)
	_, err = run(t, "show", "--server", "http://127.0.0.1:1")
	assert.Error(t, err)
}

func TestSchedulerStatus(t *testing.T) {
	srv, _ := setupServer(t)
	out, err := run(t, "scheduler", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "state:  idle")
	assert.Contains(t, out, "active: 0")
}

func TestClientWatchParsesStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": connected\n\n")
		fmt.Fprint(w, "event: added\ndata: {\"version\":1,\"kind\":\"added\",\"jobId\":\"j1\"}\n\n")
		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprint(w, "event: removed\ndata: {\"version\":2,\"kind\":\"removed\",\"jobId\":\"j1\"}\n\n")
	}))
	defer srv.Close()

	var got []model.ChangeEvent
	err := NewClient(srv.URL, nil).Watch(context.Background(), func(ev model.ChangeEvent) {
		got = append(got, ev)
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.ChangeAdded, got[0].Kind)
	assert.Equal(t, uint64(2), got[1].Version)
	assert.Equal(t, "j1", got[1].JobID)
}

func TestCurrentStep(t *testing.T) {
	job, err := model.NewJob("", "v", time.Now())
	require.NoError(t, err)
	assert.Equal(t, string(model.StepTranscribe), currentStep(job))
	for i := range job.Steps {
		job.Steps[i].Status = model.StatusCompleted
	}
	assert.Equal(t, "-", currentStep(job))
}
