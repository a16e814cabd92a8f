package session

import (
	"log/slog"
	"math"
	"time"

	"github.com/tjfontaine/nexus-session/internal/journal"
	"github.com/tjfontaine/nexus-session/internal/notify"
	"github.com/tjfontaine/nexus-session/internal/upload"
)

// DefaultCatalog is the static agent catalog used when none is configured.
var DefaultCatalog = []string{
	"smart-document",
	"entity-intel",
	"org-boundary",
	"carbon-expert",
	"pcf-expert",
	"nature-expert",
	"report-generator",
}

// Config tunes the controller.
type Config struct {
	// PollInterval is the wait between polls of the results endpoint.
	PollInterval time.Duration
	// PollRetryBudget is how many failed polls are tolerated; the next
	// failure moves the session to error. "Not ready" is not a failure.
	PollRetryBudget int
	// PollTimeout bounds how long "not ready" responses are tolerated.
	// Zero disables the bound.
	PollTimeout time.Duration
	// StreamSilenceTimeout is how long the live channel may stay quiet
	// before polling starts.
	StreamSilenceTimeout time.Duration
	// LateTelemetryWindow is how long the live channel stays open after the
	// session reached a terminal state. Zero keeps it open until the session
	// is replaced or closed.
	LateTelemetryWindow time.Duration
	// HandshakeAttempts bounds backend session creation before the session
	// continues in local-only mode.
	HandshakeAttempts int
	// HandshakeBaseDelay is the first retry delay, doubled per attempt.
	HandshakeBaseDelay time.Duration
	HandshakeMaxDelay  time.Duration
	// UseAI is sent with the start-processing call.
	UseAI bool

	Limits  upload.Limits
	Catalog []string
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:         2 * time.Second,
		PollRetryBudget:      5,
		PollTimeout:          30 * time.Minute,
		StreamSilenceTimeout: 10 * time.Second,
		LateTelemetryWindow:  10 * time.Second,
		HandshakeAttempts:    3,
		HandshakeBaseDelay:   500 * time.Millisecond,
		HandshakeMaxDelay:    5 * time.Second,
		UseAI:                true,
		Limits:               upload.DefaultLimits(),
		Catalog:              append([]string(nil), DefaultCatalog...),
	}
}

// handshakeBackoff returns the delay before retry attempt n (0-based).
func (c Config) handshakeBackoff(attempt int) time.Duration {
	delay := float64(c.HandshakeBaseDelay) * math.Pow(2, float64(attempt))
	if c.HandshakeMaxDelay > 0 && delay > float64(c.HandshakeMaxDelay) {
		delay = float64(c.HandshakeMaxDelay)
	}
	return time.Duration(delay)
}

// Option configures a Controller.
type Option func(*Controller)

// WithConfig replaces the controller configuration.
func WithConfig(cfg Config) Option {
	return func(c *Controller) {
		c.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithJournal records raw telemetry and transitions.
func WithJournal(j journal.Journal) Option {
	return func(c *Controller) {
		c.journal = j
	}
}

// WithChangeNotifier publishes a notice after every state change.
func WithChangeNotifier(n notify.Notifier) Option {
	return func(c *Controller) {
		c.storeOpts = append(c.storeOpts, WithNotifier(n))
	}
}

// WithStoreOptions passes options to the underlying store.
func WithStoreOptions(opts ...StoreOption) Option {
	return func(c *Controller) {
		c.storeOpts = append(c.storeOpts, opts...)
	}
}
