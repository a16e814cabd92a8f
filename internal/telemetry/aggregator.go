package telemetry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/tjfontaine/nexus-session/internal/domain"
	"github.com/tjfontaine/nexus-session/internal/pkg/fields"
)

// IssueFields are appended to an agent's issue list, in this order.
var IssueFields = []string{"issue", "error", "issues", "errors"}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger used for dropped events.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// WithClock overrides the arrival clock.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// Aggregator groups events by agent and maintains the derived timelines.
//
// Entries are ordered by arrival, most recent first; embedded event
// timestamps are recorded but never reorder entries. An Aggregator is not
// safe for concurrent use; the session store serializes access.
type Aggregator struct {
	catalog []string
	known   map[string]struct{}
	agents  map[string]*domain.AgentTelemetry
	seq     uint64
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an aggregator for the given agent catalog. Keys outside the
// catalog are collected under domain.SessionAgentID. An empty catalog
// accepts every key.
func New(catalog []string, opts ...Option) *Aggregator {
	a := &Aggregator{
		catalog: append([]string(nil), catalog...),
		known:   make(map[string]struct{}, len(catalog)),
		agents:  make(map[string]*domain.AgentTelemetry),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, id := range catalog {
		a.known[id] = struct{}{}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Catalog returns the declared agent ids.
func (a *Aggregator) Catalog() []string {
	return append([]string(nil), a.catalog...)
}

// Resolve returns the bucket an event is filed under.
func (a *Aggregator) Resolve(ev Event) string {
	key := ev.AgentKey
	if key == "" || !ev.scoped {
		return domain.SessionAgentID
	}
	if len(a.known) == 0 {
		return key
	}
	if _, ok := a.known[key]; ok {
		return key
	}
	return domain.SessionAgentID
}

// IngestFrame decodes and ingests one raw frame. Frames that are not JSON
// objects are logged and dropped; ok is false for them.
func (a *Aggregator) IngestFrame(data []byte) (ev Event, agentID string, ok bool) {
	ev, err := Decode(data)
	if err != nil {
		a.logger.Warn("dropping malformed telemetry event",
			slog.String("error", err.Error()),
			slog.Int("bytes", len(data)))
		return Event{}, "", false
	}
	agentID, _ = a.Ingest(ev)
	return ev, agentID, true
}

// Ingest files one event and returns the bucket and the entry produced.
// Every event produces exactly one entry.
func (a *Aggregator) Ingest(ev Event) (string, domain.LogEntry) {
	agentID := a.Resolve(ev)
	t := a.bucket(agentID)

	a.seq++
	entry := a.entry(ev)
	entry.Seq = a.seq

	t.Entries = append([]domain.LogEntry{entry}, t.Entries...)

	if entry.Status != "" && entry.Status != t.Status {
		t.Transitions = append(t.Transitions, domain.StatusTransition{
			Seq:  entry.Seq,
			At:   entry.Timestamp,
			From: t.Status,
			To:   entry.Status,
		})
		t.Status = entry.Status
	}
	if entry.Progress != nil {
		p := *entry.Progress
		t.Progress = &p
	}
	for _, k := range IssueFields {
		if v, ok := fields.Lookup(ev.Fields, k); ok {
			t.Issues = append(t.Issues, fields.Strings(v)...)
		}
	}
	return agentID, entry
}

func (a *Aggregator) bucket(agentID string) *domain.AgentTelemetry {
	t, ok := a.agents[agentID]
	if !ok {
		t = &domain.AgentTelemetry{Entries: []domain.LogEntry{}, Issues: []string{}}
		a.agents[agentID] = t
	}
	return t
}

func (a *Aggregator) entry(ev Event) domain.LogEntry {
	f := ev.Fields
	entry := domain.LogEntry{
		Timestamp: ev.Timestamp,
		Level:     level(ev),
		Message:   fields.FirstString(f, MessageFields...),
		Step:      fields.FirstString(f, StepFields...),
		Task:      fields.FirstString(f, TaskFields...),
		Status:    ev.Status(),
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = a.now()
	}
	if p, ok := ev.Progress(); ok {
		entry.Progress = &p
	}

	if ev.Kind == KindStatus {
		// Status snapshots report the running step as the last element of steps[].
		if steps := fields.FirstSlice(f, "steps"); len(steps) > 0 {
			last := fields.AsMap(steps[len(steps)-1])
			if entry.Step == "" {
				entry.Step = fields.FirstString(last, "name", "step")
			}
		}
	}

	if entry.Message == "" {
		entry.Message = fallbackMessage(ev, entry)
	}
	return entry
}

func level(ev Event) domain.Level {
	if tag := fields.FirstString(ev.Fields, LevelFields...); tag != "" {
		return domain.ParseLevel(tag)
	}
	t := strings.ToLower(ev.Type)
	switch {
	case strings.Contains(t, "error"):
		return domain.LevelError
	case strings.Contains(t, "warn"):
		return domain.LevelWarning
	default:
		return domain.LevelInfo
	}
}

func fallbackMessage(ev Event, entry domain.LogEntry) string {
	var parts []string
	if ev.Type != "" {
		parts = append(parts, ev.Type)
	}
	if entry.Step != "" {
		parts = append(parts, entry.Step)
	}
	if entry.Status != "" {
		parts = append(parts, entry.Status)
	}
	if entry.Progress != nil {
		parts = append(parts, fmt.Sprintf("%d%%", *entry.Progress))
	}
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}
	if b, err := json.Marshal(ev.Raw); err == nil {
		return string(b)
	}
	return string(KindUnknown)
}

// Agent returns a copy of one agent's telemetry.
func (a *Aggregator) Agent(agentID string) (domain.AgentTelemetry, bool) {
	t, ok := a.agents[agentID]
	if !ok {
		return domain.AgentTelemetry{}, false
	}
	return t.Clone(), true
}

// Snapshot returns a copy of every agent's telemetry.
func (a *Aggregator) Snapshot() map[string]domain.AgentTelemetry {
	out := make(map[string]domain.AgentTelemetry, len(a.agents))
	for id, t := range a.agents {
		out[id] = t.Clone()
	}
	return out
}

// Summary derives the run-level roll-up.
//
// TotalIssues adds the accumulated issue lists to the count of warning and
// error entries, so an issue that is both flagged and logged counts twice.
// Agent counts exclude the session pseudo-agent.
func (a *Aggregator) Summary() domain.RunSummary {
	var s domain.RunSummary
	for id, t := range a.agents {
		s.TotalEntries += len(t.Entries)
		s.TotalIssues += len(t.Issues)
		for _, e := range t.Entries {
			if e.Level == domain.LevelError || e.Level == domain.LevelWarning {
				s.TotalIssues++
			}
		}
		if id == domain.SessionAgentID {
			continue
		}
		status := strings.ToLower(t.Status)
		switch {
		case strings.Contains(status, "complete"):
			s.CompletedAgents++
		case strings.Contains(status, "run"):
			s.RunningAgents++
		}
	}

	s.TotalAgents = len(a.catalog)
	if s.TotalAgents == 0 {
		for id := range a.agents {
			if id != domain.SessionAgentID {
				s.TotalAgents++
			}
		}
	}

	if session, ok := a.agents[domain.SessionAgentID]; ok && session.Progress != nil {
		s.OverallProgress = *session.Progress
	} else if s.TotalAgents > 0 {
		s.OverallProgress = int(math.Round(float64(s.CompletedAgents) / float64(s.TotalAgents) * 100))
	}
	return s
}
