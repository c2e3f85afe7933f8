package api_test

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"video-pipeline/internal/config"
	"video-pipeline/internal/domain"
	"video-pipeline/internal/domain/model"
	"video-pipeline/internal/infra/api"
	"video-pipeline/internal/usecase"
)

// streamJobs only serves the event stream; it records when the subscriber leaves.
type streamJobs struct {
	events chan model.ChangeEvent
	left   chan struct{}
}

func (s *streamJobs) AddJob(context.Context, string) (*model.Job, error) {
	return nil, domain.ErrInvalidArgument
}
func (s *streamJobs) GetJob(context.Context, string) (*model.Job, error) {
	return nil, domain.ErrNotFound
}
func (s *streamJobs) ListJobs(context.Context, model.Status) ([]*model.Job, error) { return nil, nil }
func (s *streamJobs) RemoveCompleted(context.Context) (int, error) { return 0, nil }
func (s *streamJobs) RemoveJob(context.Context, string) error { return domain.ErrNotFound }
func (s *streamJobs) Status(context.Context) usecase.SchedulerStatus {
	return usecase.SchedulerStatus{State: "idle"}
}
func (s *streamJobs) Subscribe() (<-chan model.ChangeEvent, func()) {
	return s.events, func() { close(s.left) }
}

func TestShutdownEndsEventStreams(t *testing.T) {
	l := zerolog.Nop()
	jobs := &streamJobs{events: make(chan model.ChangeEvent), left: make(chan struct{})}
	srv := api.NewServer(config.HTTPConfig{}, api.NewRouter(jobs, time.Second, &l), &l)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/v1/events")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	sc := bufio.NewScanner(resp.Body)
	if !sc.Scan() || sc.Text() != ": connected" {
		t.Fatalf("stream did not open: %q", sc.Text())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Fatalf("shutdown waited %s for the stream", d)
	}

	select {
	case <-jobs.left:
	case <-time.After(time.Second):
		t.Fatal("event handler still subscribed after shutdown")
	}
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("serve did not return")
	}
}
