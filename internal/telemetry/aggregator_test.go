package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tjfontaine/nexus-session/internal/domain"
)

var testCatalog = []string{"smart-document", "entity-intel", "carbon-expert", "pcf-expert", "nature-expert"}

func newTestAggregator() *Aggregator {
	clock := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	return New(testCatalog,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}),
	)
}

func ingest(t *testing.T, a *Aggregator, frame string) string {
	t.Helper()
	_, agentID, ok := a.IngestFrame([]byte(frame))
	if !ok {
		t.Fatalf("IngestFrame(%s) dropped a well-formed event", frame)
	}
	return agentID
}

func TestAggregator_ProgressSequence(t *testing.T) {
	a := newTestAggregator()
	for _, p := range []int{10, 45, 90} {
		ingest(t, a, fmt.Sprintf(`{"type": "agent_progress", "data": {"agentId": "carbon-expert", "progress": %d}}`, p))
	}

	got, ok := a.Agent("carbon-expert")
	if !ok {
		t.Fatal("expected carbon-expert telemetry")
	}
	if got.Progress == nil || *got.Progress != 90 {
		t.Fatalf("Progress = %v, want 90", got.Progress)
	}
	if len(got.Entries) != 3 {
		t.Fatalf("len(Entries) = %d, want 3", len(got.Entries))
	}
	if p := got.Entries[0].Progress; p == nil || *p != 90 {
		t.Errorf("Entries[0].Progress = %v, want 90", p)
	}
	if p := got.Entries[2].Progress; p == nil || *p != 10 {
		t.Errorf("Entries[2].Progress = %v, want 10", p)
	}
}

func TestAggregator_StatusLastWriteWins(t *testing.T) {
	a := newTestAggregator()
	// Embedded timestamps run backwards; arrival order decides.
	ingest(t, a, `{"agentId": "pcf-expert", "status": "a", "timestamp": "2025-01-01T10:00:05Z"}`)
	ingest(t, a, `{"agentId": "pcf-expert", "status": "b", "timestamp": "2025-01-01T10:00:01Z"}`)

	got, _ := a.Agent("pcf-expert")
	if got.Status != "b" {
		t.Errorf("Status = %q, want b", got.Status)
	}
	if got.Entries[0].Status != "b" {
		t.Errorf("Entries[0].Status = %q, want b", got.Entries[0].Status)
	}

	want := []domain.StatusTransition{
		{Seq: 1, At: time.Date(2025, 1, 1, 10, 0, 5, 0, time.UTC), From: "", To: "a"},
		{Seq: 2, At: time.Date(2025, 1, 1, 10, 0, 1, 0, time.UTC), From: "a", To: "b"},
	}
	if diff := cmp.Diff(want, got.Transitions); diff != "" {
		t.Errorf("Transitions mismatch (-want +got):\n%s", diff)
	}
}

func TestAggregator_AgentKeyPrecedence(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{"agentId first", `{"agentId": "carbon-expert", "agent_id": "pcf-expert", "id": "nature-expert"}`, "carbon-expert"},
		{"agent_id second", `{"agent_id": "pcf-expert", "agent": {"id": "carbon-expert"}}`, "pcf-expert"},
		{"nested agent.id", `{"agent": {"id": "nature-expert"}, "id": "carbon-expert"}`, "nature-expert"},
		{"bare id", `{"id": "entity-intel", "message": "hi"}`, "entity-intel"},
		{"inside data", `{"type": "log", "data": {"agent_id": "smart-document"}}`, "smart-document"},
		{"no key", `{"message": "hello"}`, domain.SessionAgentID},
		{"unknown agent", `{"agentId": "mystery-agent", "message": "hi"}`, domain.SessionAgentID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAggregator()
			if got := ingest(t, a, tt.frame); got != tt.want {
				t.Errorf("agent = %q, want %q", got, tt.want)
			}
			if got, _ := a.Agent(tt.want); len(got.Entries) != 1 {
				t.Errorf("len(Entries) = %d, want 1", len(got.Entries))
			}
		})
	}
}

func TestAggregator_Levels(t *testing.T) {
	tests := []struct {
		frame string
		want  domain.Level
	}{
		{`{"type": "agent_error", "message": "x"}`, domain.LevelError},
		{`{"type": "WARNING", "message": "x"}`, domain.LevelWarning},
		{`{"type": "agent_progress", "message": "x"}`, domain.LevelInfo},
		{`{"type": "something-new", "message": "x"}`, domain.LevelInfo},
		{`{"type": "agent_error", "level": "info", "message": "x"}`, domain.LevelInfo},
		{`{"severity": "warn", "message": "x"}`, domain.LevelWarning},
	}
	for _, tt := range tests {
		a := newTestAggregator()
		_, entry := a.Ingest(mustDecode(t, tt.frame))
		if entry.Level != tt.want {
			t.Errorf("%s: Level = %q, want %q", tt.frame, entry.Level, tt.want)
		}
	}
}

func TestAggregator_IssuesAccumulate(t *testing.T) {
	a := newTestAggregator()
	ingest(t, a, `{"agentId": "entity-intel", "issue": "missing parent"}`)
	ingest(t, a, `{"agentId": "entity-intel", "issues": ["missing parent", {"message": "bad country"}]}`)
	ingest(t, a, `{"agentId": "entity-intel", "type": "agent_error", "error": "parse failed"}`)

	got, _ := a.Agent("entity-intel")
	want := []string{"missing parent", "missing parent", "bad country", "parse failed"}
	if diff := cmp.Diff(want, got.Issues); diff != "" {
		t.Errorf("Issues mismatch (-want +got):\n%s", diff)
	}

	s := a.Summary()
	// Four accumulated issues plus one error-level entry.
	if s.TotalIssues != 5 {
		t.Errorf("TotalIssues = %d, want 5", s.TotalIssues)
	}
}

func TestAggregator_MalformedFramesDropped(t *testing.T) {
	a := newTestAggregator()
	for _, frame := range []string{``, `not json`, `[1,2,3]`, `42`, `null`, `{"agentId": `} {
		if _, _, ok := a.IngestFrame([]byte(frame)); ok {
			t.Errorf("IngestFrame(%q) accepted a malformed frame", frame)
		}
	}
	ingest(t, a, `{"agentId": "carbon-expert", "status": "running"}`)
	if s := a.Summary(); s.TotalEntries != 1 {
		t.Errorf("TotalEntries = %d, want 1", s.TotalEntries)
	}
}

func TestAggregator_DegradedEventsKept(t *testing.T) {
	a := newTestAggregator()
	ingest(t, a, `{}`)
	ingest(t, a, `{"foo": [1, 2]}`)
	ingest(t, a, `{"agentId": "carbon-expert", "progress": "not a number"}`)

	session, _ := a.Agent(domain.SessionAgentID)
	if len(session.Entries) != 2 {
		t.Fatalf("session entries = %d, want 2", len(session.Entries))
	}
	if session.Entries[0].Message != `{"foo":[1,2]}` {
		t.Errorf("Message = %q, want raw payload", session.Entries[0].Message)
	}
	carbon, _ := a.Agent("carbon-expert")
	if carbon.Progress != nil {
		t.Errorf("Progress = %d, want nil", *carbon.Progress)
	}
}

func TestAggregator_Summary(t *testing.T) {
	a := newTestAggregator()
	ingest(t, a, `{"agentId": "smart-document", "status": "completed"}`)
	ingest(t, a, `{"agentId": "entity-intel", "status": "running"}`)
	ingest(t, a, `{"agentId": "carbon-expert", "status": "complete", "type": "agent_warning"}`)

	got := a.Summary()
	want := domain.RunSummary{
		TotalEntries:    3,
		TotalIssues:     1,
		CompletedAgents: 2,
		RunningAgents:   1,
		TotalAgents:     5,
		OverallProgress: 40,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Summary() mismatch (-want +got):\n%s", diff)
	}

	// Explicit session progress takes over.
	ingest(t, a, `{"session_id": "s1", "status": "running", "progress": 45, "steps": [{"name": "entity_extraction", "status": "running"}]}`)
	if got := a.Summary().OverallProgress; got != 45 {
		t.Errorf("OverallProgress = %d, want 45", got)
	}
	session, _ := a.Agent(domain.SessionAgentID)
	if session.Entries[0].Step != "entity_extraction" {
		t.Errorf("Step = %q, want entity_extraction", session.Entries[0].Step)
	}
}

func TestAggregator_TotalEntriesProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	agents := append([]string{"", "unknown-agent"}, testCatalog...)
	malformed := []string{`{"agentId":`, `[]`, `"str"`, `nope`}

	a := newTestAggregator()
	wellFormed := map[string]int{}
	for i := 0; i < 500; i++ {
		if rng.IntN(5) == 0 {
			a.IngestFrame([]byte(malformed[rng.IntN(len(malformed))]))
		} else {
			agent := agents[rng.IntN(len(agents))]
			var frame string
			switch rng.IntN(3) {
			case 0:
				frame = fmt.Sprintf(`{"agentId": %q, "progress": %d}`, agent, rng.IntN(101))
			case 1:
				frame = fmt.Sprintf(`{"type": "agent_log", "data": {"agent_id": %q, "message": "m%d"}}`, agent, i)
			default:
				frame = fmt.Sprintf(`{"agent": {"id": %q}, "status": "running", "issues": ["x"]}`, agent)
			}
			_, id, ok := a.IngestFrame([]byte(frame))
			if !ok {
				t.Fatalf("well-formed frame dropped: %s", frame)
			}
			wellFormed[id]++
		}

		var sum int
		for _, tel := range a.Snapshot() {
			sum += len(tel.Entries)
		}
		if got := a.Summary().TotalEntries; got != sum {
			t.Fatalf("step %d: TotalEntries = %d, sum of entries = %d", i, got, sum)
		}
	}

	for id, n := range wellFormed {
		tel, _ := a.Agent(id)
		if len(tel.Entries) != n {
			t.Errorf("agent %s: %d entries, want %d", id, len(tel.Entries), n)
		}
		for i := 1; i < len(tel.Entries); i++ {
			if tel.Entries[i-1].Seq <= tel.Entries[i].Seq {
				t.Fatalf("agent %s: entries not most-recent-first at %d", id, i)
			}
		}
	}
}

func mustDecode(t *testing.T, frame string) Event {
	t.Helper()
	ev, err := Decode([]byte(frame))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return ev
}
