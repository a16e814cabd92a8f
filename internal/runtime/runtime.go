// Package runtime wires configuration, the backend client, the journal, the
// change bus, the session controller and the HTTP surface into one unit
// with a start/shutdown lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/tjfontaine/nexus-session/internal/backend"
	"github.com/tjfontaine/nexus-session/internal/config"
	"github.com/tjfontaine/nexus-session/internal/journal"
	"github.com/tjfontaine/nexus-session/internal/journal/memory"
	"github.com/tjfontaine/nexus-session/internal/journal/sqlite"
	"github.com/tjfontaine/nexus-session/internal/notify"
	"github.com/tjfontaine/nexus-session/internal/server"
	"github.com/tjfontaine/nexus-session/internal/session"
	"github.com/tjfontaine/nexus-session/internal/upload"
)

// Runtime owns every long-lived component of one session runtime.
type Runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	backend    session.Backend
	journal    journal.Journal
	bus        *notify.Bus
	controller *session.Controller

	// serverAddr overrides the listen address derived from cfg.Server.Port.
	serverAddr string

	mu       sync.Mutex
	started  bool
	addr     string
	server   *server.Server
	serveErr chan error
}

// New creates a runtime. A configuration is required; every other
// dependency is built from it unless an option injects one.
func New(opts ...Option) (*Runtime, error) {
	rt := &Runtime{logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(rt); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if rt.cfg == nil {
		return nil, errors.New("config required (use WithConfig or WithConfigFile)")
	}

	if rt.journal == nil {
		j, err := OpenJournal(rt.cfg.Journal)
		if err != nil {
			return nil, err
		}
		rt.journal = j
	}
	if rt.backend == nil {
		rt.backend = NewBackendClient(rt.cfg.Backend, rt.logger)
	}

	rt.bus = notify.NewBus(rt.logger)
	rt.controller = session.NewController(rt.backend,
		session.WithConfig(SessionConfig(rt.cfg)),
		session.WithLogger(rt.logger),
		session.WithJournal(rt.journal),
		session.WithChangeNotifier(rt.bus),
	)
	return rt, nil
}

// Controller returns the session controller.
func (rt *Runtime) Controller() *session.Controller {
	return rt.controller
}

// Journal returns the journal in use.
func (rt *Runtime) Journal() journal.Journal {
	return rt.journal
}

// Changes subscribes to session change notices until ctx is done.
func (rt *Runtime) Changes(ctx context.Context) (<-chan notify.Change, error) {
	return rt.bus.Subscribe(ctx)
}

// Start binds the HTTP surface, if enabled, and serves it in the
// background. It returns once the listener is bound.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.started {
		return errors.New("runtime already started")
	}

	addr := rt.serverAddr
	if addr == "" && rt.cfg.Server.Port > 0 {
		addr = fmt.Sprintf(":%d", rt.cfg.Server.Port)
	}
	if addr != "" {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		rt.addr = ln.Addr().String()
		rt.server = server.New(rt.cfg.Server.Port, rt.logger, rt.controller, rt.bus)
		rt.serveErr = make(chan error, 1)
		go func() {
			rt.serveErr <- rt.server.Serve(ln)
		}()
	}

	rt.started = true
	rt.logger.Info("runtime started",
		slog.String("backend", rt.cfg.Backend.BaseURL),
		slog.String("journal", journalType(rt.cfg.Journal)),
		slog.String("addr", rt.addr))
	return nil
}

// Addr returns the bound address of the HTTP surface, or "" when it is
// disabled or not started.
func (rt *Runtime) Addr() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.addr
}

// Shutdown stops the current session's background work, the HTTP surface,
// the change bus and the journal, in that order.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.logger.Info("shutting down runtime")

	var errs []error
	if err := rt.controller.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close controller: %w", err))
	}
	if rt.server != nil {
		if err := rt.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
		if err := <-rt.serveErr; err != nil {
			errs = append(errs, fmt.Errorf("serve: %w", err))
		}
		rt.server = nil
		rt.addr = ""
	}
	if err := rt.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close change bus: %w", err))
	}
	if err := rt.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close journal: %w", err))
	}

	rt.started = false
	if err := errors.Join(errs...); err != nil {
		rt.logger.Error("runtime shutdown failed", slog.String("error", err.Error()))
		return err
	}
	rt.logger.Info("runtime shutdown complete")
	return nil
}

// OpenJournal builds the journal selected by cfg.
func OpenJournal(cfg config.JournalConfig) (journal.Journal, error) {
	switch journalType(cfg) {
	case "none":
		return journal.Nop{}, nil
	case "memory":
		return memory.New(), nil
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create journal directory: %w", err)
			}
		}
		store, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite journal: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown journal type %q", cfg.Type)
	}
}

func journalType(cfg config.JournalConfig) string {
	if cfg.Type == "" {
		return "none"
	}
	return cfg.Type
}

// NewBackendClient builds the backend client from cfg.
func NewBackendClient(cfg config.BackendConfig, logger *slog.Logger) *backend.Client {
	opts := []backend.ClientOption{
		backend.WithLogger(logger),
	}
	if cfg.WSURL != "" {
		opts = append(opts, backend.WithWebSocketURL(cfg.WSURL))
	}
	if cfg.WSPath != "" {
		opts = append(opts, backend.WithWebSocketPath(cfg.WSPath))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, backend.WithTimeout(cfg.Timeout))
	}
	if cfg.UploadTimeout > 0 {
		opts = append(opts, backend.WithUploadTimeout(cfg.UploadTimeout))
	}
	return backend.NewClient(cfg.BaseURL, opts...)
}

// SessionConfig maps the configuration onto controller settings. Keys not
// exposed in the configuration keep the controller defaults.
func SessionConfig(cfg *config.Config) session.Config {
	sc := session.DefaultConfig()
	sc.PollInterval = cfg.Session.PollInterval
	sc.PollRetryBudget = cfg.Session.PollRetryBudget
	sc.PollTimeout = cfg.Session.PollTimeout
	sc.StreamSilenceTimeout = cfg.Session.StreamSilenceTimeout
	sc.LateTelemetryWindow = cfg.Session.LateTelemetryWindow
	sc.HandshakeAttempts = cfg.Session.HandshakeAttempts
	sc.UseAI = cfg.Backend.UseAI
	sc.Limits = upload.Limits{
		MaxFileBytes:  cfg.Upload.MaxFileBytes,
		MaxTotalBytes: cfg.Upload.MaxTotalBytes,
		AllowedTypes:  append([]string(nil), cfg.Upload.AllowedTypes...),
	}
	if len(cfg.Session.Agents) > 0 {
		sc.Catalog = append([]string(nil), cfg.Session.Agents...)
	}
	return sc
}
