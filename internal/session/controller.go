package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/nexus-session/internal/backend"
	"github.com/tjfontaine/nexus-session/internal/domain"
	"github.com/tjfontaine/nexus-session/internal/journal"
	"github.com/tjfontaine/nexus-session/internal/tracing"
	"github.com/tjfontaine/nexus-session/internal/upload"
)

// ErrLocalOnly is returned by operations that need a backend-confirmed
// session while the session runs in local-only mode.
var ErrLocalOnly = errors.New("session is running in local-only mode")

// Backend is the part of the analysis backend the controller drives.
type Backend interface {
	CreateSession(ctx context.Context) (string, error)
	UploadFile(ctx context.Context, sessionID string, src upload.Source, onProgress func(percent int)) (*backend.UploadResponse, error)
	StartProcessing(ctx context.Context, sessionID string, useAI bool) error
	GetStatus(ctx context.Context, sessionID string) (*backend.Status, error)
	GetResults(ctx context.Context, sessionID string) (any, error)
	ListExports(ctx context.Context, sessionID string) ([]string, error)
	ListDomainAgents(ctx context.Context, domainName string) ([]backend.AgentInfo, error)
	SubmitFeedback(ctx context.Context, sessionID string, fb backend.Feedback) error
	Stream(ctx context.Context, sessionID string) (<-chan backend.StreamResult, error)
}

var _ Backend = (*backend.Client)(nil)

// run is the background work owned by one session. Its context is
// cancelled when the session is replaced or the controller is closed.
type run struct {
	localID string
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group

	// handshake is closed once the backend confirmed the session or the
	// controller gave up and switched to local-only mode.
	handshake chan struct{}

	done     chan struct{}
	doneOnce sync.Once

	fallback     chan struct{}
	fallbackOnce sync.Once
}

func (r *run) finish() {
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *run) terminated() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// startPolling switches on the polling fallback. Safe to call repeatedly.
func (r *run) startPolling() {
	r.fallbackOnce.Do(func() { close(r.fallback) })
}

// Controller drives one analysis session at a time against the backend.
// Local state is mutated only through its Store.
type Controller struct {
	backend   Backend
	store     *Store
	cfg       Config
	journal   journal.Journal
	logger    *slog.Logger
	storeOpts []StoreOption

	// lifecycle serializes session replacement and Close.
	lifecycle sync.Mutex

	mu      sync.Mutex
	run     *run
	sources map[string]upload.Source
}

// NewController creates a controller. No session exists until NewAnalysis.
func NewController(b Backend, opts ...Option) *Controller {
	c := &Controller{
		backend: b,
		cfg:     DefaultConfig(),
		journal: journal.Nop{},
		logger:  slog.Default(),
		sources: make(map[string]upload.Source),
	}
	for _, opt := range opts {
		opt(c)
	}
	storeOpts := append([]StoreOption{WithStoreLogger(c.logger)}, c.storeOpts...)
	c.store = NewStore(c.cfg.Limits, c.cfg.Catalog, storeOpts...)
	return c
}

// NewAnalysis replaces the current session with a new one and starts the
// backend handshake in the background. It returns as soon as the local id
// exists; it never waits on the network.
func (c *Controller) NewAnalysis(ctx context.Context) *domain.Session {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.stop()

	ctx, span := tracing.Start(ctx, "session.new_analysis")
	defer span.End()

	sess := c.store.Create()
	span.SetAttributes(tracing.SessionID(sess.LocalID))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, groupCtx := errgroup.WithContext(runCtx)
	r := &run{
		localID:   sess.LocalID,
		ctx:       groupCtx,
		cancel:    cancel,
		group:     group,
		handshake: make(chan struct{}),
		done:      make(chan struct{}),
		fallback:  make(chan struct{}),
	}

	c.mu.Lock()
	c.run = r
	c.sources = make(map[string]upload.Source)
	c.mu.Unlock()

	c.logger.Info("session created", slog.String("session_id", sess.LocalID))
	c.record(r, "", domain.SessionUploading, "")

	group.Go(func() error {
		c.handshake(r)
		return nil
	})
	return sess
}

// Close cancels the live channel, any pending poll and the handshake of
// the current session, and waits for them to exit. The session state stays
// inspectable.
func (c *Controller) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.stop()
	return nil
}

func (c *Controller) stop() {
	c.mu.Lock()
	r := c.run
	c.run = nil
	c.mu.Unlock()

	if r == nil {
		return
	}
	r.cancel()
	_ = r.group.Wait()
	c.logger.Debug("session background work stopped", slog.String("session_id", r.localID))
}

func (c *Controller) current() (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil, ErrNoSession
	}
	return c.run, nil
}

func (c *Controller) handshake(r *run) {
	defer close(r.handshake)

	ctx, span := tracing.Start(r.ctx, "session.handshake", tracing.SessionID(r.localID))
	defer span.End()

	attempts := max(1, c.cfg.HandshakeAttempts)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		id, err := c.backend.CreateSession(ctx)
		if err == nil {
			if err := c.store.ConfirmBackendID(r.localID, id); err != nil {
				return
			}
			span.SetAttributes(tracing.BackendID(id))
			c.logger.Info("backend session confirmed",
				slog.String("session_id", r.localID),
				slog.String("backend_id", id))
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			return
		}
		if attempt == attempts-1 {
			break
		}

		delay := c.cfg.handshakeBackoff(attempt)
		c.logger.Warn("backend handshake failed, retrying",
			slog.String("session_id", r.localID),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", attempts),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))
		if !sleep(ctx, delay) {
			return
		}
	}

	span.RecordError(lastErr)
	c.logger.Warn("backend handshake gave up, continuing in local-only mode",
		slog.String("session_id", r.localID),
		slog.Int("attempts", attempts),
		slog.String("error", lastErr.Error()))
	_ = c.store.SetLocalOnly(r.localID)
}

// waitHandshake blocks until the handshake of r has finished.
func (c *Controller) waitHandshake(ctx context.Context, r *run) error {
	select {
	case <-r.handshake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return ErrSessionReplaced
	}
}

// networkID returns the backend id of r's session, or "" in local-only mode.
func (c *Controller) networkID(r *run) (string, error) {
	sess := c.store.Session()
	if sess == nil {
		return "", ErrNoSession
	}
	if sess.LocalID != r.localID {
		return "", ErrSessionReplaced
	}
	return sess.NetworkID(), nil
}

// AddFiles offers files to the upload queue. Each source yields exactly one
// admission result, in order.
func (c *Controller) AddFiles(srcs ...upload.Source) []domain.AdmissionResult {
	specs := make([]upload.Spec, len(srcs))
	for i, src := range srcs {
		specs[i] = src.Spec()
	}

	r, err := c.current()
	if err != nil {
		return rejectAll(specs, domain.RejectNoSession)
	}

	results := c.store.Admit(r.localID, specs...)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != r {
		return results
	}
	for i, res := range results {
		if res.Accepted && !res.Duplicate && res.File != nil {
			c.sources[res.File.ID] = srcs[i]
		}
	}
	return results
}

// RemoveFile drops a queued file. Unknown ids are a no-op.
func (c *Controller) RemoveFile(fileID string) bool {
	r, err := c.current()
	if err != nil {
		return false
	}
	removed, err := c.store.RemoveFile(r.localID, fileID)
	if err != nil || !removed {
		return false
	}
	c.mu.Lock()
	delete(c.sources, fileID)
	c.mu.Unlock()
	return true
}

func (c *Controller) source(fileID string) (upload.Source, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	src, ok := c.sources[fileID]
	return src, ok
}

// Upload sends every pending file to the backend, one at a time, feeding
// progress into the queue. In local-only mode the files are marked
// uploaded without a network call. Files that fail are marked error and
// reported together in a transport failure.
func (c *Controller) Upload(ctx context.Context) error {
	r, err := c.current()
	if err != nil {
		return err
	}
	if err := c.waitHandshake(ctx, r); err != nil {
		return err
	}
	backendID, err := c.networkID(r)
	if err != nil {
		return err
	}
	pending, err := c.store.PendingFiles(r.localID)
	if err != nil {
		return err
	}

	if backendID == "" {
		c.logger.Info("local-only mode, skipping upload",
			slog.String("session_id", r.localID),
			slog.Int("files", len(pending)))
		for _, f := range pending {
			_ = c.store.SetFileStatus(r.localID, f.ID, domain.FileUploaded, "")
		}
		return nil
	}

	ctx, span := tracing.Start(ctx, "session.upload", tracing.SessionID(r.localID), tracing.BackendID(backendID))
	defer span.End()

	var errs []error
	for _, f := range pending {
		src, ok := c.source(f.ID)
		if !ok {
			_ = c.store.SetFileStatus(r.localID, f.ID, domain.FileError, "no content")
			errs = append(errs, fmt.Errorf("%s: no content", f.Name))
			continue
		}

		fileID := f.ID
		_, err := c.backend.UploadFile(ctx, backendID, src, func(percent int) {
			if restarted, _ := c.store.UpdateFileProgress(r.localID, fileID, percent); restarted {
				c.logger.Debug("upload progress went backwards",
					slog.String("file", src.Name),
					slog.Int("progress", percent))
			}
		})
		if err != nil {
			c.logger.Warn("file upload failed",
				slog.String("session_id", r.localID),
				slog.String("file", f.Name),
				slog.String("error", err.Error()))
			_ = c.store.SetFileStatus(r.localID, f.ID, domain.FileError, err.Error())
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		_ = c.store.SetFileStatus(r.localID, f.ID, domain.FileUploaded, "")
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.RecordError(err)
		return domain.ErrTransport("failed to upload files", err)
	}
	return nil
}

// StartProcessing moves the session to processing and asks the backend to
// start. It is a no-op unless every queued file is uploaded, so repeated
// calls are safe. A failed start call moves the session to error, since
// the call is not retried.
func (c *Controller) StartProcessing(ctx context.Context) error {
	r, err := c.current()
	if err != nil {
		return err
	}
	if err := c.waitHandshake(ctx, r); err != nil {
		return err
	}

	started, err := c.store.BeginProcessing(r.localID)
	if err != nil {
		return err
	}
	if !started {
		c.logger.Debug("start ignored, session not ready", slog.String("session_id", r.localID))
		return nil
	}
	c.record(r, domain.SessionUploading, domain.SessionProcessing, "")

	backendID, err := c.networkID(r)
	if err != nil {
		return err
	}
	if backendID == "" {
		c.logger.Info("local-only mode, skipping processing call", slog.String("session_id", r.localID))
		return nil
	}

	ctx, span := tracing.Start(ctx, "session.start_processing", tracing.SessionID(r.localID), tracing.BackendID(backendID))
	defer span.End()

	if err := c.backend.StartProcessing(ctx, backendID, c.cfg.UseAI); err != nil {
		span.RecordError(err)
		msg := "failed to start processing"
		var apiErr *backend.APIError
		if errors.As(err, &apiErr) && apiErr.Detail != "" {
			msg += ": " + apiErr.Detail
		}
		f := domain.ErrTransport(msg, err)
		c.fail(r, f)
		return f
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != r || r.ctx.Err() != nil {
		return ErrSessionReplaced
	}
	r.group.Go(func() error {
		c.consume(r, backendID)
		return nil
	})
	r.group.Go(func() error {
		c.poll(r, backendID)
		return nil
	})
	c.logger.Info("processing started",
		slog.String("session_id", r.localID),
		slog.String("backend_id", backendID))
	return nil
}

// Fail moves the current session to error with a user-facing message.
func (c *Controller) Fail(message string, issues []string) error {
	r, err := c.current()
	if err != nil {
		return err
	}
	c.fail(r, domain.ErrBackend(message, issues))
	return nil
}

// Wait blocks until the current session reaches a terminal state. It
// returns the session and, when it ended in error, its failure.
func (c *Controller) Wait(ctx context.Context) (*domain.Session, error) {
	r, err := c.current()
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return c.store.Session(), ctx.Err()
	case <-r.ctx.Done():
		if !r.terminated() {
			return c.store.Session(), ErrSessionReplaced
		}
	}

	snap := c.store.Snapshot()
	if snap.Failure != nil {
		return snap.Session, snap.Failure
	}
	return snap.Session, nil
}

// Exports lists the export files the backend produced for the session.
func (c *Controller) Exports(ctx context.Context) ([]string, error) {
	r, err := c.current()
	if err != nil {
		return nil, err
	}
	backendID, err := c.networkID(r)
	if err != nil {
		return nil, err
	}
	if backendID == "" {
		return nil, ErrLocalOnly
	}
	files, err := c.backend.ListExports(ctx, backendID)
	if err != nil {
		return nil, domain.ErrTransport("failed to list exports", err)
	}
	return files, nil
}

// SubmitFeedback forwards user feedback on the session to the backend.
func (c *Controller) SubmitFeedback(ctx context.Context, fb backend.Feedback) error {
	r, err := c.current()
	if err != nil {
		return err
	}
	backendID, err := c.networkID(r)
	if err != nil {
		return err
	}
	if backendID == "" {
		return ErrLocalOnly
	}
	if err := c.backend.SubmitFeedback(ctx, backendID, fb); err != nil {
		return domain.ErrTransport("failed to submit feedback", err)
	}
	return nil
}

// RefreshCatalog replaces the agent catalog with the agents the backend
// declares for the given domains. It applies to sessions created
// afterwards. On failure the configured catalog is kept.
func (c *Controller) RefreshCatalog(ctx context.Context, domains ...string) ([]string, error) {
	var ids []string
	seen := make(map[string]struct{})
	for _, d := range domains {
		agents, err := c.backend.ListDomainAgents(ctx, d)
		if err != nil {
			return c.store.Catalog(), fmt.Errorf("failed to list %s agents: %w", d, err)
		}
		for _, a := range agents {
			if _, ok := seen[a.ID]; ok || a.ID == "" {
				continue
			}
			seen[a.ID] = struct{}{}
			ids = append(ids, a.ID)
		}
	}
	if len(ids) == 0 {
		return c.store.Catalog(), nil
	}
	c.store.SetCatalog(ids)
	return ids, nil
}

// Snapshot returns the observable state.
func (c *Controller) Snapshot() Snapshot {
	return c.store.Snapshot()
}

// AgentTelemetry returns one agent's telemetry from the current session.
func (c *Controller) AgentTelemetry(agentID string) (domain.AgentTelemetry, bool) {
	return c.store.AgentTelemetry(agentID)
}

func (c *Controller) fail(r *run, f *domain.Failure) {
	from := domain.SessionProcessing
	if sess := c.store.Session(); sess != nil && sess.LocalID == r.localID {
		from = sess.Status
	}
	failed, err := c.store.Fail(r.localID, f)
	if err != nil || !failed {
		return
	}
	c.logger.Warn("session failed",
		slog.String("session_id", r.localID),
		slog.String("kind", string(f.Kind)),
		slog.String("message", f.Message),
		slog.Int("issues", len(f.Issues)))
	c.record(r, from, domain.SessionError, f.Error())
	r.finish()
}

func (c *Controller) record(r *run, from, to domain.SessionStatus, message string) {
	if err := c.journal.AppendTransition(context.WithoutCancel(r.ctx), r.localID, from, to, message); err != nil {
		c.logger.Warn("failed to journal transition",
			slog.String("session_id", r.localID),
			slog.String("error", err.Error()))
	}
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
