// Package session implements the analysis session state machine: a state
// container with a narrow mutation API and the controller that drives it
// from the backend's live channel and polling fallback.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/nexus-session/internal/domain"
	"github.com/tjfontaine/nexus-session/internal/normalize"
	"github.com/tjfontaine/nexus-session/internal/notify"
	"github.com/tjfontaine/nexus-session/internal/pkg/fields"
	"github.com/tjfontaine/nexus-session/internal/telemetry"
	"github.com/tjfontaine/nexus-session/internal/upload"
)

var (
	// ErrNoSession is returned by commands issued before any session exists.
	ErrNoSession = errors.New("no active session")

	// ErrSessionReplaced is returned by commands addressed to a session
	// that has since been replaced by a newer one.
	ErrSessionReplaced = errors.New("session replaced")
)

// InsightFields are appended to an agent's insights.
var InsightFields = []string{"insight", "insights", "finding", "findings"}

// Normalizer converts a raw results payload into canonical results.
type Normalizer func(raw any) domain.CanonicalResults

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreClock overrides the clock.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithNormalizer overrides the results normalizer.
func WithNormalizer(fn Normalizer) StoreOption {
	return func(s *Store) {
		s.normalize = fn
	}
}

// WithNotifier sets where change notices are sent.
func WithNotifier(n notify.Notifier) StoreOption {
	return func(s *Store) {
		s.notifier = n
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithSessionIDGenerator overrides how local ids are minted.
func WithSessionIDGenerator(fn func() string) StoreOption {
	return func(s *Store) {
		s.newID = fn
	}
}

// WithUploadOptions passes options to every upload queue the store creates.
func WithUploadOptions(opts ...upload.Option) StoreOption {
	return func(s *Store) {
		s.uploadOpts = append(s.uploadOpts, opts...)
	}
}

// state is everything owned by one session.
type state struct {
	session *domain.Session
	queue   *upload.Queue
	agg     *telemetry.Aggregator
	results *domain.CanonicalResults
	failure *domain.Failure
}

// Store holds the current session. Every mutation goes through one of its
// commands, which take the store lock, enforce the session invariants,
// bump the version and emit a change notice after the lock is released.
// Commands address the session by local id so work belonging to a
// replaced session cannot touch its successor.
type Store struct {
	mu      sync.Mutex
	cur     *state
	version uint64

	limits  upload.Limits
	catalog []string

	normalize  Normalizer
	notifier   notify.Notifier
	now        func() time.Time
	newID      func() string
	uploadOpts []upload.Option
	logger     *slog.Logger
}

// NewStore creates an empty store. limits and catalog apply to every
// session it creates.
func NewStore(limits upload.Limits, catalog []string, opts ...StoreOption) *Store {
	s := &Store{
		limits:    limits,
		catalog:   append([]string(nil), catalog...),
		normalize: normalize.Results,
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetCatalog replaces the agent catalog used for sessions created afterwards.
func (s *Store) SetCatalog(catalog []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog = append([]string(nil), catalog...)
}

// Catalog returns the agent catalog for new sessions.
func (s *Store) Catalog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.catalog...)
}

// Create replaces the current session with a fresh one in the uploading
// state and returns a copy of it. The local id is assigned immediately.
func (s *Store) Create() *domain.Session {
	s.mu.Lock()
	sess := &domain.Session{
		LocalID:   s.newID(),
		Mode:      domain.ModePending,
		Status:    domain.SessionUploading,
		StartTime: s.now(),
		Files:     []domain.UploadedFile{},
		Agents:    make([]domain.AgentStatus, 0, len(s.catalog)),
	}
	for _, id := range s.catalog {
		sess.Agents = append(sess.Agents, domain.AgentStatus{
			ID:       id,
			Domain:   domain.AgentDomain(id),
			Status:   domain.AgentIdle,
			Insights: []string{},
		})
	}
	s.cur = &state{
		session: sess,
		queue:   upload.NewQueue(s.limits, s.uploadOpts...),
		agg:     telemetry.New(s.catalog, telemetry.WithLogger(s.logger), telemetry.WithClock(s.now)),
	}
	out := sess.Clone()
	change := s.commit("created")
	s.mu.Unlock()

	s.publish(change)
	return out
}

// update runs fn against the addressed session under the lock. When fn
// reports a change the version is bumped and a notice published.
func (s *Store) update(localID, reason string, fn func(st *state) bool) error {
	s.mu.Lock()
	st, err := s.lookup(localID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !fn(st) {
		s.mu.Unlock()
		return nil
	}
	change := s.commit(reason)
	s.mu.Unlock()

	s.publish(change)
	return nil
}

func (s *Store) lookup(localID string) (*state, error) {
	if s.cur == nil {
		return nil, ErrNoSession
	}
	if s.cur.session.LocalID != localID {
		return nil, ErrSessionReplaced
	}
	return s.cur, nil
}

func (s *Store) commit(reason string) notify.Change {
	s.version++
	c := notify.Change{Version: s.version, Reason: reason, At: s.now()}
	if s.cur != nil {
		c.LocalID = s.cur.session.LocalID
		c.Status = s.cur.session.Status
	}
	return c
}

func (s *Store) publish(c notify.Change) {
	if s.notifier != nil {
		s.notifier.Notify(c)
	}
}

// ConfirmBackendID records the backend-confirmed id as an alias of the
// local id. Local state stays keyed by the local id.
func (s *Store) ConfirmBackendID(localID, backendID string) error {
	return s.update(localID, "backend_confirmed", func(st *state) bool {
		st.session.BackendID = backendID
		st.session.Mode = domain.ModeConfirmed
		return true
	})
}

// SetLocalOnly records that the backend handshake gave up.
func (s *Store) SetLocalOnly(localID string) error {
	return s.update(localID, "local_only", func(st *state) bool {
		if st.session.Mode == domain.ModeConfirmed {
			return false
		}
		st.session.Mode = domain.ModeLocalOnly
		return true
	})
}

// Admit offers files to the session's upload queue. Admission problems are
// reported per file and never returned as errors.
func (s *Store) Admit(localID string, specs ...upload.Spec) []domain.AdmissionResult {
	var results []domain.AdmissionResult
	err := s.update(localID, "files_admitted", func(st *state) bool {
		if st.session.Status != domain.SessionUploading {
			results = make([]domain.AdmissionResult, len(specs))
			for i, spec := range specs {
				reason := st.queue.Check(spec)
				if reason == "" {
					reason = domain.RejectSessionStarted
				}
				results[i] = domain.AdmissionResult{Name: spec.Name, Reason: reason}
			}
			return false
		}
		results = st.queue.Admit(specs...)
		changed := false
		for _, r := range results {
			if r.Accepted && !r.Duplicate {
				changed = true
			}
		}
		if changed {
			st.syncFiles()
		}
		return changed
	})
	if err != nil {
		return rejectAll(specs, domain.RejectNoSession)
	}
	return results
}

func rejectAll(specs []upload.Spec, reason domain.RejectReason) []domain.AdmissionResult {
	out := make([]domain.AdmissionResult, len(specs))
	for i, spec := range specs {
		out[i] = domain.AdmissionResult{Name: spec.Name, Reason: reason}
	}
	return out
}

// UpdateFileProgress records upload progress for one file. restarted is
// true when the value went backwards, which consumers treat as a restart.
func (s *Store) UpdateFileProgress(localID, fileID string, progress int) (restarted bool, err error) {
	err = s.update(localID, "file_progress", func(st *state) bool {
		var ok bool
		ok, restarted = st.queue.UpdateProgress(fileID, progress)
		if ok {
			st.syncFiles()
		}
		return ok
	})
	return restarted, err
}

// SetFileStatus changes one file's upload status.
func (s *Store) SetFileStatus(localID, fileID string, status domain.FileStatus, errMsg string) error {
	return s.update(localID, "file_status", func(st *state) bool {
		if !st.queue.SetStatus(fileID, status, errMsg) {
			return false
		}
		st.syncFiles()
		return true
	})
}

// RemoveFile drops a queued file while the session is still uploading.
// Unknown ids are ignored.
func (s *Store) RemoveFile(localID, fileID string) (bool, error) {
	var removed bool
	err := s.update(localID, "file_removed", func(st *state) bool {
		if st.session.Status != domain.SessionUploading {
			return false
		}
		removed = st.queue.Remove(fileID)
		if removed {
			st.syncFiles()
		}
		return removed
	})
	return removed, err
}

// PendingFiles returns the files still waiting to be uploaded.
func (s *Store) PendingFiles(localID string) ([]domain.UploadedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.lookup(localID)
	if err != nil {
		return nil, err
	}
	return st.queue.Pending(), nil
}

// BeginProcessing moves the session from uploading to processing. It only
// succeeds when at least one file is queued and every file is uploaded;
// otherwise it is a no-op and started is false.
func (s *Store) BeginProcessing(localID string) (started bool, err error) {
	err = s.update(localID, "processing", func(st *state) bool {
		if st.session.Status != domain.SessionUploading || !st.queue.Ready() {
			return false
		}
		st.session.Status = domain.SessionProcessing
		st.queue.MarkAll(domain.FileProcessing)
		st.syncFiles()
		started = true
		return true
	})
	return started, err
}

// IngestFrame files one raw telemetry frame. Frames that do not decode are
// dropped by the aggregator and ok is false. Telemetry is accepted in every
// state, including terminal ones.
func (s *Store) IngestFrame(localID string, data []byte) (ev telemetry.Event, agentID string, ok bool, err error) {
	err = s.update(localID, "telemetry", func(st *state) bool {
		ev, agentID, ok = st.agg.IngestFrame(data)
		if ok {
			st.applyAgent(agentID, ev, s.eventTime(ev))
		}
		return ok
	})
	return ev, agentID, ok, err
}

// Ingest files one decoded telemetry event.
func (s *Store) Ingest(localID string, ev telemetry.Event) (agentID string, entry domain.LogEntry, err error) {
	err = s.update(localID, "telemetry", func(st *state) bool {
		agentID, entry = st.agg.Ingest(ev)
		st.applyAgent(agentID, ev, s.eventTime(ev))
		return true
	})
	return agentID, entry, err
}

func (s *Store) eventTime(ev telemetry.Event) time.Time {
	if ev.Timestamp.IsZero() {
		return s.now()
	}
	return ev.Timestamp
}

// applyAgent projects an event onto the catalog agent's status.
func (st *state) applyAgent(agentID string, ev telemetry.Event, at time.Time) {
	if agentID == domain.SessionAgentID {
		return
	}
	var a *domain.AgentStatus
	for i := range st.session.Agents {
		if st.session.Agents[i].ID == agentID {
			a = &st.session.Agents[i]
			break
		}
	}
	if a == nil {
		return
	}

	if status := ev.Status(); status != "" {
		a.Status = domain.ClassifyAgentState(status)
		switch a.Status {
		case domain.AgentProcessing:
			if a.StartTime == nil {
				a.StartTime = &at
			}
		case domain.AgentCompleted, domain.AgentError:
			a.EndTime = &at
		}
	}
	if p, ok := ev.Progress(); ok {
		a.Progress = p
		if a.Status == domain.AgentIdle && p > 0 {
			a.Status = domain.AgentProcessing
			if a.StartTime == nil {
				a.StartTime = &at
			}
		}
	}
	if task := fields.FirstString(ev.Fields, telemetry.TaskFields...); task != "" {
		a.CurrentTask = task
	} else if step := fields.FirstString(ev.Fields, telemetry.StepFields...); step != "" {
		a.CurrentTask = step
	}
	a.Insights = append(a.Insights, fields.FirstStrings(ev.Fields, InsightFields...)...)
}

// Complete moves a processing session to completed, normalizing raw
// exactly once. Any other state makes it a no-op: once the session is
// terminal, later calls neither invoke the normalizer nor re-stamp the end
// time.
func (s *Store) Complete(localID string, raw any) (completed bool, err error) {
	err = s.update(localID, "completed", func(st *state) bool {
		if st.session.Status != domain.SessionProcessing {
			return false
		}
		results := s.normalize(raw)
		st.results = &results
		st.session.Status = domain.SessionCompleted
		st.queue.MarkAll(domain.FileCompleted)
		st.syncFiles()
		s.stampEnd(st.session)
		completed = true
		return true
	})
	return completed, err
}

// Fail moves the session to error. The session stays inspectable. Once
// the session is terminal, later calls are no-ops.
func (s *Store) Fail(localID string, f *domain.Failure) (failed bool, err error) {
	if f == nil {
		f = domain.ErrBackend("analysis failed", nil)
	}
	err = s.update(localID, "failed", func(st *state) bool {
		if st.session.Status.Terminal() {
			return false
		}
		st.failure = f
		st.session.Status = domain.SessionError
		st.session.ErrorMessage = f.Message
		st.session.ErrorIssues = append([]string(nil), f.Issues...)
		s.stampEnd(st.session)
		failed = true
		return true
	})
	return failed, err
}

func (s *Store) stampEnd(sess *domain.Session) {
	end := s.now()
	sess.EndTime = &end
	total := end.Sub(sess.StartTime).Milliseconds()
	sess.TotalProcessingTimeMs = &total
}

// syncFiles mirrors the queue onto the session record.
func (st *state) syncFiles() {
	st.session.Files = st.queue.Files()
}

// Session returns a copy of the current session, or nil.
func (s *Store) Session() *domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.session.Clone()
}

// Version returns the number of mutations applied so far.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// AgentTelemetry returns one agent's telemetry.
func (s *Store) AgentTelemetry(agentID string) (domain.AgentTelemetry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return domain.AgentTelemetry{}, false
	}
	return s.cur.agg.Agent(agentID)
}

// Snapshot returns a consistent copy of the whole observable state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Version:        s.version,
		UploadedFiles:  []domain.UploadedFile{},
		AgentTelemetry: map[string]domain.AgentTelemetry{},
	}
	if s.cur == nil {
		return snap
	}
	st := s.cur
	snap.Session = st.session.Clone()
	snap.UploadedFiles = st.queue.Files()
	snap.IsProcessing = st.session.Status == domain.SessionProcessing
	snap.AgentTelemetry = st.agg.Snapshot()
	snap.RunSummary = st.agg.Summary()
	if st.results != nil {
		r := *st.results
		snap.Results = &r
	}
	if st.failure != nil {
		f := *st.failure
		snap.Failure = &f
	}
	return snap
}

// Snapshot is the observable state handed to consumers.
type Snapshot struct {
	Version        uint64                           `json:"version"`
	Session        *domain.Session                  `json:"session"`
	UploadedFiles  []domain.UploadedFile            `json:"uploaded_files"`
	IsProcessing   bool                             `json:"is_processing"`
	AgentTelemetry map[string]domain.AgentTelemetry `json:"agent_telemetry"`
	RunSummary     domain.RunSummary                `json:"run_summary"`
	Results        *domain.CanonicalResults         `json:"results,omitempty"`
	Failure        *domain.Failure                  `json:"failure,omitempty"`
}

// Terminal reports whether the snapshot's session has finished.
func (s Snapshot) Terminal() bool {
	return s.Session != nil && s.Session.Status.Terminal()
}
