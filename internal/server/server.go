// Package server exposes the session snapshot to a browser dashboard over
// HTTP. It is read-only: commands go through the session controller.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/nexus-session/internal/domain"
	"github.com/tjfontaine/nexus-session/internal/notify"
	"github.com/tjfontaine/nexus-session/internal/session"
)

// RequestTimeout bounds the non-streaming routes.
const RequestTimeout = 10 * time.Second

// SnapshotSource is the read side of the session controller.
type SnapshotSource interface {
	Snapshot() session.Snapshot
	AgentTelemetry(agentID string) (domain.AgentTelemetry, bool)
}

// ChangeFeed delivers a notice after every session state change.
type ChangeFeed interface {
	Subscribe(ctx context.Context) (<-chan notify.Change, error)
}

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	srv    *http.Server
	// cancel ends the base context of every request, closing open streams.
	cancel context.CancelFunc
}

// New builds the router. feed may be nil, in which case the stream route
// answers 503.
func New(port int, logger *slog.Logger, source SnapshotSource, feed ChangeFeed) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "nexus-session")
	})

	h := &handlers{source: source, feed: feed, logger: logger}
	r.Get("/healthz", h.health)
	r.Route("/v1/session", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(RequestTimeout))
			r.Get("/", h.snapshot)
			r.Get("/summary", h.summary)
			r.Get("/agents/{agentID}", h.agent)
		})
		r.Get("/stream", h.stream)
	})

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		Router: r,
		Port:   port,
		logger: logger,
		cancel: cancel,
		srv: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return baseCtx },
		},
	}
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.Port, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting server", slog.String("addr", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes open event streams, stops accepting requests and waits
// for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.srv.Shutdown(ctx)
}
