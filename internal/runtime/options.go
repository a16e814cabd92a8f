package runtime

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/nexus-session/internal/config"
	"github.com/tjfontaine/nexus-session/internal/journal"
	"github.com/tjfontaine/nexus-session/internal/session"
)

// Option is a functional option for configuring a Runtime.
type Option func(*Runtime) error

// WithConfig uses an already loaded configuration.
func WithConfig(cfg *config.Config) Option {
	return func(rt *Runtime) error {
		if cfg == nil {
			return errors.New("nil config")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		rt.cfg = cfg
		return nil
	}
}

// WithConfigFile loads the configuration from path, defaults and the
// environment. An empty path reads config.DefaultPath when present.
func WithConfigFile(path string) Option {
	return func(rt *Runtime) error {
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		rt.cfg = cfg
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(rt *Runtime) error {
		rt.logger = logger
		return nil
	}
}

// WithBackend replaces the backend client built from the configuration.
func WithBackend(b session.Backend) Option {
	return func(rt *Runtime) error {
		rt.backend = b
		return nil
	}
}

// WithJournal replaces the journal selected by the configuration.
func WithJournal(j journal.Journal) Option {
	return func(rt *Runtime) error {
		rt.journal = j
		return nil
	}
}

// WithServerAddr serves the HTTP surface on addr (for example
// "127.0.0.1:0") regardless of server.port.
func WithServerAddr(addr string) Option {
	return func(rt *Runtime) error {
		rt.serverAddr = addr
		return nil
	}
}
