// Package journal defines the append-only record of what happened to a
// session: raw telemetry frames as they arrived and every session status
// transition.
package journal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tjfontaine/nexus-session/internal/domain"
)

// RecordKind distinguishes journal records.
type RecordKind string

const (
	KindEvent      RecordKind = "event"
	KindTransition RecordKind = "transition"
)

// Record is one journal line.
type Record struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Kind      RecordKind `json:"kind"`
	// AgentID is the telemetry bucket an event was filed under.
	AgentID string `json:"agent_id,omitempty"`
	// Payload is the raw frame for events.
	Payload json.RawMessage `json:"payload,omitempty"`

	From    domain.SessionStatus `json:"from,omitempty"`
	To      domain.SessionStatus `json:"to,omitempty"`
	Message string               `json:"message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Journal stores records keyed by the local session id.
type Journal interface {
	AppendEvent(ctx context.Context, sessionID, agentID string, payload []byte) error
	AppendTransition(ctx context.Context, sessionID string, from, to domain.SessionStatus, message string) error
	// Events returns a session's records in append order.
	Events(ctx context.Context, sessionID string) ([]Record, error)
	Close() error
}

// Nop discards every record.
type Nop struct{}

var _ Journal = Nop{}

func (Nop) AppendEvent(context.Context, string, string, []byte) error { return nil }

func (Nop) AppendTransition(context.Context, string, domain.SessionStatus, domain.SessionStatus, string) error {
	return nil
}

func (Nop) Events(context.Context, string) ([]Record, error) { return []Record{}, nil }

func (Nop) Close() error { return nil }
