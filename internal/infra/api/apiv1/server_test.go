package apiv1_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"video-pipeline/internal/domain"
	"video-pipeline/internal/domain/model"
	apiv1 "video-pipeline/internal/infra/api/apiv1"
	"video-pipeline/internal/usecase"
)

//
// ---------------- fake use case ----------------
//

type fakeJobs struct {
	mu      sync.Mutex
	jobs    map[string]*model.Job
	order   []string
	removed int
	events  chan model.ChangeEvent
	errAdd  error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]*model.Job{}, events: make(chan model.ChangeEvent, 4)}
}

func (f *fakeJobs) AddJob(_ context.Context, externalID string) (*model.Job, error) {
	if f.errAdd != nil {
		return nil, f.errAdd
	}
	if strings.TrimSpace(externalID) == "" {
		return nil, fmt.Errorf("external id is required: %w", domain.ErrInvalidArgument)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("job-%d", len(f.order)+1)
	j, _ := model.NewJob(id, externalID, time.Unix(0, 0).UTC())
	f.jobs[id] = j
	f.order = append(f.order, id)
	return j.Clone(), nil
}

func (f *fakeJobs) GetJob(_ context.Context, id string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j.Clone(), nil
}

func (f *fakeJobs) ListJobs(_ context.Context, status model.Status) ([]*model.Job, error) {
	if status != "" && !status.Valid() {
		return nil, domain.ErrInvalidArgument
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Job
	for _, id := range f.order {
		if j := f.jobs[id]; status == "" || j.Status == status {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (f *fakeJobs) RemoveCompleted(context.Context) (int, error) { return f.removed, nil }

func (f *fakeJobs) RemoveJob(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !j.IsTerminal() {
		return domain.ErrJobNotTerminal
	}
	delete(f.jobs, id)
	return nil
}

func (f *fakeJobs) Subscribe() (<-chan model.ChangeEvent, func()) { return f.events, func() {} }

func (f *fakeJobs) Status(context.Context) usecase.SchedulerStatus {
	return usecase.SchedulerStatus{State: "dispatching", Active: []string{"job-1"}}
}

//
// -------------------- helpers --------------------
//

func newRouter(f *fakeJobs) *chi.Mux {
	l := zerolog.Nop()
	r := chi.NewRouter()
	srv := apiv1.NewServer(f, time.Second, &l)
	srv.SetHeartbeat(time.Hour)
	apiv1.RegisterAPIV1(r, srv)
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

//
// -------------------- tests --------------------
//

func TestJobs_CreateGetList(t *testing.T) {
	f := newFakeJobs()
	r := newRouter(f)

	rec := do(t, r, http.MethodPost, "/api/v1/jobs", apiv1.CreateJobRequest{ExternalID: "abc"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("want 201, got %d, body=%s", rec.Code, rec.Body.String())
	}
	var created model.Job
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ExternalID != "abc" || created.Status != model.StatusPending || len(created.Steps) != len(model.StepTemplate) {
		t.Fatalf("unexpected job: %+v", created)
	}
	if loc := rec.Header().Get("Location"); loc != "/api/v1/jobs/"+created.ID {
		t.Fatalf("Location = %q", loc)
	}

	rec = do(t, r, http.MethodGet, "/api/v1/jobs/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: want 200, got %d", rec.Code)
	}

	rec = do(t, r, http.MethodGet, "/api/v1/jobs?status=pending", nil)
	var list apiv1.ListJobsResponse
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Items) != 1 {
		t.Fatalf("want 1 pending job, got %d", len(list.Items))
	}

	rec = do(t, r, http.MethodGet, "/api/v1/jobs?status=completed", nil)
	if !strings.Contains(rec.Body.String(), `"items":[]`) {
		t.Fatalf("empty list must encode as []: %s", rec.Body.String())
	}
}

func TestJobs_ErrorMapping(t *testing.T) {
	f := newFakeJobs()
	r := newRouter(f)
	created := do(t, r, http.MethodPost, "/api/v1/jobs", apiv1.CreateJobRequest{ExternalID: "abc"})
	var job model.Job
	_ = json.NewDecoder(created.Body).Decode(&job)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"blank external id", http.MethodPost, "/api/v1/jobs", apiv1.CreateJobRequest{ExternalID: "  "}, http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/api/v1/jobs?status=bogus", nil, http.StatusBadRequest},
		{"unknown job", http.MethodGet, "/api/v1/jobs/nope", nil, http.StatusNotFound},
		{"remove unknown", http.MethodDelete, "/api/v1/jobs/nope", nil, http.StatusNotFound},
		{"remove pending", http.MethodDelete, "/api/v1/jobs/" + job.ID, nil, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, r, tc.method, tc.path, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("want %d, got %d, body=%s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}

	t.Run("persistence failure maps to 503", func(t *testing.T) {
		f.errAdd = fmt.Errorf("%w: disk full", domain.ErrPersistence)
		defer func() { f.errAdd = nil }()
		rec := do(t, r, http.MethodPost, "/api/v1/jobs", apiv1.CreateJobRequest{ExternalID: "x"})
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("want 503, got %d", rec.Code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("want 400, got %d", rec.Code)
		}
	})
}

func TestJobs_RemoveCompletedAndStatus(t *testing.T) {
	f := newFakeJobs()
	f.removed = 2
	r := newRouter(f)

	rec := do(t, r, http.MethodDelete, "/api/v1/jobs/completed", nil)
	var removed apiv1.RemovedResponse
	if err := json.NewDecoder(rec.Body).Decode(&removed); err != nil || removed.Removed != 2 {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, r, http.MethodGet, "/api/v1/scheduler", nil)
	var st usecase.SchedulerStatus
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != "dispatching" || len(st.Active) != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestEvents_StreamsChanges(t *testing.T) {
	f := newFakeJobs()
	srv := httptest.NewServer(newRouter(f))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	f.events <- model.ChangeEvent{Version: 7, Kind: model.ChangeAdded, JobID: "job-1"}

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") {
			lines = append(lines, line)
			break
		}
		if strings.HasPrefix(line, "event: ") {
			lines = append(lines, line)
		}
	}
	if len(lines) != 2 || lines[0] != "event: added" {
		t.Fatalf("unexpected stream: %v", lines)
	}
	var ev model.ChangeEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Version != 7 || ev.JobID != "job-1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
