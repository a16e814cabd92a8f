package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/nexus-session/internal/domain"
)

type handlers struct {
	source SnapshotSource
	feed   ChangeFeed
	logger *slog.Logger
}

// errorBody is the JSON error envelope of every route.
type errorBody struct {
	Error string `json:"error"`
}

// summaryBody is the compact view the dashboard polls for its header.
type summaryBody struct {
	Version      uint64               `json:"version"`
	LocalID      string               `json:"local_id"`
	BackendID    string               `json:"backend_id,omitempty"`
	Mode         domain.SessionMode   `json:"mode"`
	Status       domain.SessionStatus `json:"status"`
	IsProcessing bool                 `json:"is_processing"`
	ErrorMessage string               `json:"error_message,omitempty"`
	RunSummary   domain.RunSummary    `json:"run_summary"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) snapshot(w http.ResponseWriter, r *http.Request) {
	snap := h.source.Snapshot()
	if snap.Session == nil {
		writeError(w, r, http.StatusNotFound, "no active session")
		return
	}
	AddLogField(r.Context(), "session_id", snap.Session.LocalID)
	writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) summary(w http.ResponseWriter, r *http.Request) {
	snap := h.source.Snapshot()
	if snap.Session == nil {
		writeError(w, r, http.StatusNotFound, "no active session")
		return
	}
	AddLogField(r.Context(), "session_id", snap.Session.LocalID)
	writeJSON(w, http.StatusOK, summaryBody{
		Version:      snap.Version,
		LocalID:      snap.Session.LocalID,
		BackendID:    snap.Session.BackendID,
		Mode:         snap.Session.Mode,
		Status:       snap.Session.Status,
		IsProcessing: snap.IsProcessing,
		ErrorMessage: snap.Session.ErrorMessage,
		RunSummary:   snap.RunSummary,
	})
}

func (h *handlers) agent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	AddLogField(r.Context(), "agent_id", agentID)
	t, ok := h.source.AgentTelemetry(agentID)
	if !ok {
		writeError(w, r, http.StatusNotFound, fmt.Sprintf("no telemetry for agent %q", agentID))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// stream is a server-sent event feed. It opens with a "snapshot" event
// and sends another after every change notice. Notices can arrive out of
// order; snapshots carry a version so the client can drop stale ones.
func (h *handlers) stream(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		writeError(w, r, http.StatusServiceUnavailable, "change feed not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	changes, err := h.feed.Subscribe(ctx)
	if err != nil {
		AddError(ctx, err)
		writeError(w, r, http.StatusServiceUnavailable, "change feed closed")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	last := h.source.Snapshot()
	if err := writeEvent(w, "snapshot", last); err != nil {
		return
	}
	flusher.Flush()

	sent := 1
	defer func() { AddLogField(ctx, "events", fmt.Sprint(sent)) }()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			snap := h.source.Snapshot()
			if snap.Version <= last.Version {
				continue
			}
			if err := writeEvent(w, "snapshot", snap); err != nil {
				h.logger.Debug("event stream write failed",
					slog.String("request_id", GetRequestID(ctx)),
					slog.Uint64("version", change.Version),
					slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
			last = snap
			sent++
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	AddLogField(r.Context(), "error", msg)
	writeJSON(w, status, errorBody{Error: msg})
}
