// Package domain holds the canonical data model of an analysis session:
// the session itself, its uploaded files, per-agent status and telemetry,
// and the normalized results of a completed run.
package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionUploading  SessionStatus = "uploading"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionError      SessionStatus = "error"
)

// Terminal reports whether no further transitions can occur from s.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionError
}

// SessionMode describes how far the backend handshake got.
type SessionMode string

const (
	// ModePending means the backend has not confirmed the session yet.
	ModePending SessionMode = "pending"
	// ModeConfirmed means a backend id is recorded and network calls use it.
	ModeConfirmed SessionMode = "confirmed"
	// ModeLocalOnly means the handshake gave up; uploads and processing
	// calls are skipped.
	ModeLocalOnly SessionMode = "local_only"
)

// Session is one end-to-end document analysis job.
//
// LocalID is assigned synchronously and keys all local state. BackendID is
// recorded as an alias once the backend confirms the session and is used
// for every network call from then on.
type Session struct {
	LocalID   string        `json:"local_id"`
	BackendID string        `json:"backend_id,omitempty"`
	Mode      SessionMode   `json:"mode"`
	Status    SessionStatus `json:"status"`

	StartTime             time.Time  `json:"start_time"`
	EndTime               *time.Time `json:"end_time,omitempty"`
	ErrorMessage          string     `json:"error_message,omitempty"`
	ErrorIssues           []string   `json:"error_issues,omitempty"`
	TotalProcessingTimeMs *int64     `json:"total_processing_time_ms,omitempty"`

	Files  []UploadedFile `json:"files"`
	Agents []AgentStatus  `json:"agents"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	if s.TotalProcessingTimeMs != nil {
		total := *s.TotalProcessingTimeMs
		out.TotalProcessingTimeMs = &total
	}
	out.ErrorIssues = append([]string(nil), s.ErrorIssues...)
	out.Files = append([]UploadedFile(nil), s.Files...)
	out.Agents = make([]AgentStatus, len(s.Agents))
	for i, a := range s.Agents {
		out.Agents[i] = a.Clone()
	}
	return &out
}

// NetworkID returns the id to use for backend calls, or "" when the
// backend has not confirmed the session.
func (s *Session) NetworkID() string {
	if s == nil || s.Mode != ModeConfirmed {
		return ""
	}
	return s.BackendID
}
