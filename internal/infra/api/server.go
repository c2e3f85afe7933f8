package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"video-pipeline/internal/config"
	"video-pipeline/internal/infra/api/apiv1"
	"video-pipeline/internal/infra/logging"
	"video-pipeline/internal/infra/metrics"
	"video-pipeline/internal/usecase"
)

// NewRouter mounts the control API, health and metrics endpoints.
func NewRouter(jobs usecase.JobUseCase, requestTimeout time.Duration, logger *zerolog.Logger) http.Handler {
	log := logging.Component(logger, "http")
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(RequestID(), Recover(log), RequestLog(log))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	apiv1.RegisterAPIV1(r, apiv1.NewServer(jobs, requestTimeout, log))
	return r
}

// Server owns the listening http.Server. Request contexts derive from a base
// context that is cancelled when Shutdown starts, so long-lived event streams
// end instead of holding the shutdown open.
type Server struct {
	srv *http.Server
	log *zerolog.Logger
}

func NewServer(cfg config.HTTPConfig, handler http.Handler, logger *zerolog.Logger) *Server {
	base, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadTimeout,
		// WriteTimeout stays unset when zero so event streams are not cut.
		WriteTimeout: cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return base },
	}
	srv.RegisterOnShutdown(cancel)
	return &Server{
		srv: srv,
		log: logging.Component(logger, "http"),
	}
}

// Start listens on the configured port and blocks until the server stops.
// A graceful shutdown returns nil.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until the server stops.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
