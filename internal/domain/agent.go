package domain

import (
	"strings"
	"time"
)

// AgentState is the coarse status of a declared agent.
type AgentState string

const (
	AgentIdle       AgentState = "idle"
	AgentProcessing AgentState = "processing"
	AgentCompleted  AgentState = "completed"
	AgentError      AgentState = "error"
)

// ClassifyAgentState maps a free-form backend status onto AgentState.
func ClassifyAgentState(status string) AgentState {
	s := strings.ToLower(strings.TrimSpace(status))
	switch {
	case s == "":
		return AgentIdle
	case strings.Contains(s, "error"), strings.Contains(s, "fail"):
		return AgentError
	case strings.Contains(s, "complete"), strings.Contains(s, "done"), strings.Contains(s, "success"):
		return AgentCompleted
	case strings.Contains(s, "run"), strings.Contains(s, "process"), strings.Contains(s, "start"), strings.Contains(s, "progress"):
		return AgentProcessing
	default:
		return AgentIdle
	}
}

// AgentStatus is the per-agent view held on the session. One entry exists
// per agent in the static catalog.
type AgentStatus struct {
	ID          string     `json:"id"`
	Domain      string     `json:"domain,omitempty"`
	Status      AgentState `json:"status"`
	Progress    int        `json:"progress"`
	CurrentTask string     `json:"current_task,omitempty"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Insights    []string   `json:"insights"`
}

// Clone returns a deep copy of the agent status.
func (a AgentStatus) Clone() AgentStatus {
	out := a
	if a.StartTime != nil {
		t := *a.StartTime
		out.StartTime = &t
	}
	if a.EndTime != nil {
		t := *a.EndTime
		out.EndTime = &t
	}
	out.Insights = append([]string{}, a.Insights...)
	return out
}

// AgentDomain returns the analysis domain an agent id belongs to, if any.
func AgentDomain(agentID string) string {
	id := strings.ToLower(agentID)
	switch {
	case strings.HasPrefix(id, "carbon"):
		return "carbon"
	case strings.HasPrefix(id, "pcf"):
		return "pcf"
	case strings.HasPrefix(id, "nature"), strings.HasPrefix(id, "tnfd"), strings.HasPrefix(id, "bng"):
		return "nature"
	case strings.HasPrefix(id, "org"), strings.HasPrefix(id, "entity"):
		return "entities"
	default:
		return ""
	}
}
