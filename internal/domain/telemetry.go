package domain

import (
	"strings"
	"time"
)

// SessionAgentID is the pseudo-agent that collects events with no
// discoverable or no known agent key.
const SessionAgentID = "session"

// Level is the severity of a telemetry entry.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// ParseLevel maps a free-form severity or event-type tag onto a Level.
// Anything not recognizably an error or a warning is info.
func ParseLevel(tag string) Level {
	s := strings.ToLower(strings.TrimSpace(tag))
	switch {
	case strings.Contains(s, "error"), strings.Contains(s, "fail"), strings.Contains(s, "critical"), strings.Contains(s, "fatal"), s == "high":
		return LevelError
	case strings.Contains(s, "warn"), s == "medium":
		return LevelWarning
	default:
		return LevelInfo
	}
}

// LogEntry is the canonical form of one telemetry event.
type LogEntry struct {
	// Seq is the arrival sequence number across the whole session.
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Step      string    `json:"step,omitempty"`
	Task      string    `json:"task,omitempty"`
	Status    string    `json:"status,omitempty"`
	Progress  *int      `json:"progress,omitempty"`
}

// StatusTransition records a change of an agent's last-known status.
type StatusTransition struct {
	Seq  uint64    `json:"seq"`
	At   time.Time `json:"at"`
	From string    `json:"from,omitempty"`
	To   string    `json:"to"`
}

// AgentTelemetry is the derived per-agent timeline.
//
// Entries are most recent first. Status and Progress are last-write-wins.
// Issues accumulate and are never deduplicated.
type AgentTelemetry struct {
	Entries     []LogEntry         `json:"entries"`
	Status      string             `json:"status,omitempty"`
	Progress    *int               `json:"progress,omitempty"`
	Issues      []string           `json:"issues"`
	Transitions []StatusTransition `json:"transitions,omitempty"`
}

// Clone returns a deep copy of the telemetry.
func (t AgentTelemetry) Clone() AgentTelemetry {
	out := AgentTelemetry{
		Entries:     append([]LogEntry{}, t.Entries...),
		Status:      t.Status,
		Issues:      append([]string{}, t.Issues...),
		Transitions: append([]StatusTransition(nil), t.Transitions...),
	}
	if t.Progress != nil {
		p := *t.Progress
		out.Progress = &p
	}
	for i := range out.Entries {
		if p := out.Entries[i].Progress; p != nil {
			v := *p
			out.Entries[i].Progress = &v
		}
	}
	return out
}

// RunSummary is the roll-up across all agents.
type RunSummary struct {
	TotalEntries    int `json:"total_entries"`
	TotalIssues     int `json:"total_issues"`
	CompletedAgents int `json:"completed_agents"`
	RunningAgents   int `json:"running_agents"`
	TotalAgents     int `json:"total_agents"`
	OverallProgress int `json:"overall_progress"`
}
