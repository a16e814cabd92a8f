package backend

import "encoding/json"

// CreateSessionResponse is returned by POST /sessions.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

// ProcessRequest is the body of POST /sessions/{id}/process.
type ProcessRequest struct {
	UseAI bool `json:"use_ai"`
}

// UploadResponse lists the file names the backend stored.
type UploadResponse struct {
	Files []string `json:"files"`
}

// ExportsResponse is returned by GET /sessions/{id}/exports.
type ExportsResponse struct {
	Files []string `json:"files"`
}

// Step is one pipeline stage in a status snapshot.
type Step struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Status is the session status snapshot served by GET /sessions/{id}/status
// and pushed over the live channel.
type Status struct {
	SessionID string   `json:"session_id"`
	Status    string   `json:"status"`
	Progress  int      `json:"progress"`
	Steps     []Step   `json:"steps"`
	Errors    []string `json:"errors"`

	// Raw is the response body as received.
	Raw json.RawMessage `json:"-"`
}

// AgentInfo is one entry of a domain's agent catalog.
type AgentInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Feedback is a user remark about the results.
type Feedback struct {
	Agent   string `json:"agent,omitempty"`
	Type    string `json:"type"`
	Content string `json:"content"`
}
