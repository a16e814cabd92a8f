// Package telemetry turns the loosely typed messages of the live channel into
// per-agent timelines and a run-level summary.
package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tjfontaine/nexus-session/internal/pkg/fields"
)

// Kind discriminates the decoded event variants.
type Kind string

const (
	// KindActivity is agent or session activity: a log line, progress tick or status change.
	KindActivity Kind = "activity"
	// KindStatus is a session status snapshot ({session_id, status, progress, steps, errors}).
	KindStatus Kind = "status"
	// KindResults is a terminal message carrying (or announcing) results.
	KindResults Kind = "results"
	// KindUnknown is any other object. Raw keeps the payload.
	KindUnknown Kind = "unknown"
)

// Field precedence used when decoding events.
var (
	AgentKeyFields  = []string{"agentId", "agent_id", "agent.id", "id"}
	TypeFields      = []string{"type", "event", "event_type", "eventType", "kind"}
	LevelFields     = []string{"level", "severity"}
	MessageFields   = []string{"message", "msg", "text", "description", "detail"}
	StepFields      = []string{"step", "step_name", "stepName", "stage", "phase"}
	TaskFields      = []string{"task", "current_task", "currentTask"}
	StatusFields    = []string{"status", "state"}
	ProgressFields  = []string{"progress", "percent", "percentage"}
	TimestampFields = []string{"timestamp", "ts", "time", "created_at", "createdAt"}
	BodyFields      = []string{"data", "payload"}
)

// Event is one decoded live-channel message.
type Event struct {
	Kind Kind
	// Type is the raw type tag, if any.
	Type string
	// AgentKey is the discovered agent identifier, or "" when none is present.
	AgentKey string
	// Timestamp is the embedded event time. Zero when absent or unparseable.
	Timestamp time.Time
	// Fields is the envelope merged with its data/payload object; body keys win.
	Fields map[string]any
	// Raw is the envelope as received.
	Raw map[string]any

	// scoped is set when the event names an agent. A key equal to the
	// session's own id, or to "session", leaves the event session-level.
	scoped bool
}

// Decode parses a live-channel frame. It fails only when the frame is not a
// JSON object.
func Decode(data []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if m == nil {
		return Event{}, fmt.Errorf("failed to decode event: not an object")
	}
	return FromMap(m), nil
}

// FromMap classifies an already-decoded object.
func FromMap(m map[string]any) Event {
	merged := make(map[string]any, len(m))
	for k, v := range m {
		merged[k] = v
	}
	if body := fields.FirstMap(m, BodyFields...); body != nil {
		for k, v := range body {
			merged[k] = v
		}
	}

	ev := Event{
		Type:      fields.FirstString(m, TypeFields...),
		AgentKey:  fields.FirstString(merged, AgentKeyFields...),
		Timestamp: parseTimestamp(merged),
		Fields:    merged,
		Raw:       m,
	}
	ev.scoped = ev.AgentKey != "" && !sessionKey(merged, ev.AgentKey)
	if ev.Type == "" {
		ev.Type = fields.FirstString(merged, TypeFields...)
	}
	ev.Kind = classify(ev)
	return ev
}

func sessionKey(m map[string]any, key string) bool {
	if key == "session" {
		return true
	}
	return key == fields.FirstString(m, "session_id", "sessionId")
}

func classify(ev Event) Kind {
	t := strings.ToLower(ev.Type)
	if !ev.scoped {
		switch {
		case strings.Contains(t, "result"), strings.Contains(t, "complete"):
			return KindResults
		case hasAny(ev.Fields, "entities", "org_boundary", "orgBoundary", "report"):
			return KindResults
		case t == "status", hasAny(ev.Fields, "steps") && hasAny(ev.Fields, "session_id", "sessionId"):
			return KindStatus
		}
	}
	if ev.AgentKey != "" || ev.Type != "" || hasAny(ev.Fields, activityFields...) {
		return KindActivity
	}
	return KindUnknown
}

var activityFields = append(append(append([]string{}, MessageFields...), StatusFields...), ProgressFields...)

func hasAny(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := fields.Lookup(m, k); ok {
			return true
		}
	}
	return false
}

// Status returns the event's status field, if present.
func (e Event) Status() string {
	return fields.FirstString(e.Fields, StatusFields...)
}

// Progress returns the event's numeric progress, rounded and clamped to [0,100].
func (e Event) Progress() (int, bool) {
	v, ok := fields.FirstNumber(e.Fields, ProgressFields...)
	if !ok {
		return 0, false
	}
	return max(0, min(100, int(math.Round(v)))), true
}

// Terminal reports whether the event ends the run, and whether it ends it
// in failure. Only session-level events are terminal.
func (e Event) Terminal() (terminal bool, failed bool) {
	if e.scoped {
		return false, false
	}
	status := strings.ToLower(e.Status())
	switch {
	case strings.Contains(status, "error"), strings.Contains(status, "fail"),
		strings.Contains(strings.ToLower(e.Type), "error"):
		return true, true
	case e.Kind == KindResults:
		return true, false
	case strings.Contains(status, "complete"):
		return true, false
	default:
		return false, false
	}
}

// Results returns the embedded results payload of a terminal message, or nil
// when the message only announces completion.
func (e Event) Results() map[string]any {
	if m := fields.FirstMap(e.Fields, "results", "result"); m != nil {
		return m
	}
	if hasAny(e.Fields, "entities", "org_boundary", "orgBoundary", "report", "carbon") {
		return e.Fields
	}
	return nil
}

func parseTimestamp(m map[string]any) time.Time {
	for _, k := range TimestampFields {
		v, ok := fields.Lookup(m, k)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
				if ts, err := time.Parse(layout, t); err == nil {
					return ts
				}
			}
		case float64:
			// Epoch seconds or milliseconds.
			if t > 1e12 {
				return time.UnixMilli(int64(t))
			}
			sec := int64(t)
			return time.Unix(sec, int64((t-float64(sec))*1e9))
		}
	}
	return time.Time{}
}
