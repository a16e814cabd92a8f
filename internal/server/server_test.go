package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/nexus-session/internal/domain"
	"github.com/tjfontaine/nexus-session/internal/notify"
	"github.com/tjfontaine/nexus-session/internal/session"
)

type fakeSource struct {
	mu   sync.Mutex
	snap session.Snapshot
}

func (f *fakeSource) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSource) AgentTelemetry(agentID string) (domain.AgentTelemetry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.snap.AgentTelemetry[agentID]
	return t, ok
}

func (f *fakeSource) set(version uint64, status domain.SessionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Version = version
	f.snap.Session.Status = status
	f.snap.IsProcessing = status == domain.SessionProcessing
}

func newSource() *fakeSource {
	progress := 40
	return &fakeSource{snap: session.Snapshot{
		Version: 3,
		Session: &domain.Session{
			LocalID:   "local-1",
			BackendID: "backend-1",
			Mode:      domain.ModeConfirmed,
			Status:    domain.SessionProcessing,
		},
		IsProcessing: true,
		AgentTelemetry: map[string]domain.AgentTelemetry{
			"carbon-expert": {Status: "running", Progress: &progress, Issues: []string{}},
		},
		RunSummary: domain.RunSummary{TotalEntries: 2, RunningAgents: 1, TotalAgents: 7},
	}}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServer_Routes(t *testing.T) {
	srv := New(0, quietLogger(), newSource(), nil)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantBody   string
	}{
		{name: "health", path: "/healthz", wantStatus: http.StatusOK, wantBody: `"status":"ok"`},
		{name: "snapshot", path: "/v1/session", wantStatus: http.StatusOK, wantBody: `"local_id":"local-1"`},
		{name: "summary", path: "/v1/session/summary", wantStatus: http.StatusOK, wantBody: `"running_agents":1`},
		{name: "agent", path: "/v1/session/agents/carbon-expert", wantStatus: http.StatusOK, wantBody: `"progress":40`},
		{name: "unknown agent", path: "/v1/session/agents/nobody", wantStatus: http.StatusNotFound, wantBody: `no telemetry for agent`},
		{name: "stream without feed", path: "/v1/session/stream", wantStatus: http.StatusServiceUnavailable, wantBody: `change feed not configured`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()
			srv.Router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("GET %s status = %d, want %d", tt.path, rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("GET %s body = %s, want it to contain %s", tt.path, rec.Body.String(), tt.wantBody)
			}
			if rec.Header().Get(RequestIDHeader) == "" {
				t.Error("missing X-Request-ID header")
			}
		})
	}
}

func TestServer_NoSession(t *testing.T) {
	src := &fakeSource{snap: session.Snapshot{AgentTelemetry: map[string]domain.AgentTelemetry{}}}
	srv := New(0, quietLogger(), src, nil)

	for _, path := range []string{"/v1/session", "/v1/session/summary"} {
		rec := httptest.NewRecorder()
		srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, rec.Code)
		}
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, GetRequestID(r.Context()))
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if got := rec.Body.String(); got == "" || got != rec.Header().Get(RequestIDHeader) {
			t.Errorf("request id = %q, header = %q", got, rec.Header().Get(RequestIDHeader))
		}
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "dash-123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if got := rec.Body.String(); got != "dash-123" {
			t.Errorf("request id = %q, want dash-123", got)
		}
	})

	t.Run("oversized replaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, strings.Repeat("x", maxRequestIDLen+1))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if got := rec.Body.String(); len(got) > maxRequestIDLen {
			t.Errorf("oversized request id was kept")
		}
	})
}

func TestLoggingMiddleware_Fields(t *testing.T) {
	var buf strings.Builder
	var mu sync.Mutex
	logger := slog.New(slog.NewJSONHandler(&lockedWriter{w: &buf, mu: &mu}, nil))

	handler := RequestIDMiddleware(LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "session_id", "local-9")
		w.WriteHeader(http.StatusTeapot)
	})))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/session", nil))

	mu.Lock()
	defer mu.Unlock()
	var line map[string]any
	if err := json.Unmarshal([]byte(buf.String()), &line); err != nil {
		t.Fatalf("Unmarshal() error = %v (log: %s)", err, buf.String())
	}
	if line["level"] != "WARN" || line["session_id"] != "local-9" || line["status"] != float64(http.StatusTeapot) {
		t.Errorf("log line = %v", line)
	}
}

type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func TestServer_Stream(t *testing.T) {
	src := newSource()
	bus := notify.NewBus(quietLogger())
	defer bus.Close()

	srv := New(0, quietLogger(), src, bus)
	ts := httptest.NewServer(srv.Router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/session/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream error = %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	events := bufio.NewReader(resp.Body)
	first := readEvent(t, events)
	if first.Version != 3 || first.Session.Status != domain.SessionProcessing {
		t.Fatalf("first event = version %d status %s", first.Version, first.Session.Status)
	}

	// The handler subscribed before writing the first event.
	src.set(4, domain.SessionCompleted)
	bus.Notify(notify.Change{LocalID: "local-1", Version: 4, Status: domain.SessionCompleted})

	second := readEvent(t, events)
	if second.Version != 4 || second.Session.Status != domain.SessionCompleted || second.IsProcessing {
		t.Errorf("second event = version %d status %s", second.Version, second.Session.Status)
	}
}

func readEvent(t *testing.T, r *bufio.Reader) session.Snapshot {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("ReadString() error = %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && data != "":
			if event != "snapshot" {
				t.Fatalf("event = %q, want snapshot", event)
			}
			var snap session.Snapshot
			if err := json.Unmarshal([]byte(data), &snap); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			return snap
		}
	}
}
