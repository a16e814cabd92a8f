package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/tjfontaine/nexus-session/internal/backend"
	"github.com/tjfontaine/nexus-session/internal/config"
	"github.com/tjfontaine/nexus-session/internal/domain"
	"github.com/tjfontaine/nexus-session/internal/journal"
	"github.com/tjfontaine/nexus-session/internal/journal/memory"
	"github.com/tjfontaine/nexus-session/internal/journal/sqlite"
	"github.com/tjfontaine/nexus-session/internal/session"
	"github.com/tjfontaine/nexus-session/internal/upload"
)

// offlineBackend refuses every call, which puts sessions in local-only mode.
type offlineBackend struct{}

var errOffline = errors.New("backend offline")

func (offlineBackend) CreateSession(ctx context.Context) (string, error) { return "", errOffline }
func (offlineBackend) UploadFile(ctx context.Context, sessionID string, src upload.Source, onProgress func(int)) (*backend.UploadResponse, error) {
	return nil, errOffline
}
func (offlineBackend) StartProcessing(ctx context.Context, sessionID string, useAI bool) error {
	return errOffline
}
func (offlineBackend) GetStatus(ctx context.Context, sessionID string) (*backend.Status, error) {
	return nil, errOffline
}
func (offlineBackend) GetResults(ctx context.Context, sessionID string) (any, error) {
	return nil, errOffline
}
func (offlineBackend) ListExports(ctx context.Context, sessionID string) ([]string, error) {
	return nil, errOffline
}
func (offlineBackend) ListDomainAgents(ctx context.Context, domainName string) ([]backend.AgentInfo, error) {
	return nil, errOffline
}
func (offlineBackend) SubmitFeedback(ctx context.Context, sessionID string, fb backend.Feedback) error {
	return errOffline
}
func (offlineBackend) Stream(ctx context.Context, sessionID string) (<-chan backend.StreamResult, error) {
	return nil, errOffline
}

var _ session.Backend = offlineBackend{}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.Server.Port = 0
	cfg.Session.HandshakeAttempts = 1
	return cfg
}

func TestRuntime_New_RequiresConfig(t *testing.T) {
	_, err := New(WithLogger(quietLogger()))
	if err == nil {
		t.Fatal("New() error = nil, want error")
	}
	if err.Error() != "config required (use WithConfig or WithConfigFile)" {
		t.Errorf("New() error = %v", err)
	}
}

func TestRuntime_New_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Type = "postgres"
	if _, err := New(WithConfig(cfg)); err == nil {
		t.Error("New() error = nil, want error")
	}
}

func TestRuntime_StartAndShutdown(t *testing.T) {
	j := memory.New()
	rt, err := New(
		WithConfig(testConfig(t)),
		WithLogger(quietLogger()),
		WithBackend(offlineBackend{}),
		WithJournal(j),
		WithServerAddr("127.0.0.1:0"),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := rt.Start(ctx); err == nil {
		t.Error("second Start() error = nil, want error")
	}

	changes, err := rt.Changes(ctx)
	if err != nil {
		t.Fatalf("Changes() error = %v", err)
	}

	sess := rt.Controller().NewAnalysis(ctx)
	select {
	case c := <-changes:
		if c.LocalID != sess.LocalID {
			t.Errorf("change LocalID = %q, want %q", c.LocalID, sess.LocalID)
		}
	case <-ctx.Done():
		t.Fatal("no change notice after NewAnalysis")
	}

	resp, err := http.Get("http://" + rt.Addr() + "/v1/session/summary")
	if err != nil {
		t.Fatalf("GET summary error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET summary status = %d", resp.StatusCode)
	}
	var body struct {
		LocalID string               `json:"local_id"`
		Status  domain.SessionStatus `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if body.LocalID != sess.LocalID || body.Status != domain.SessionUploading {
		t.Errorf("summary = %+v", body)
	}

	if err := rt.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if rt.Addr() != "" {
		t.Error("Addr() still set after Shutdown()")
	}

	records, _ := j.Events(ctx, sess.LocalID)
	if len(records) == 0 || records[0].Kind != journal.KindTransition || records[0].To != domain.SessionUploading {
		t.Errorf("journal = %+v", records)
	}
}

func TestOpenJournal(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.JournalConfig
		check   func(journal.Journal) bool
		wantErr bool
	}{
		{name: "default", cfg: config.JournalConfig{}, check: func(j journal.Journal) bool { _, ok := j.(journal.Nop); return ok }},
		{name: "memory", cfg: config.JournalConfig{Type: "memory"}, check: func(j journal.Journal) bool { _, ok := j.(*memory.Store); return ok }},
		{
			name:  "sqlite",
			cfg:   config.JournalConfig{Type: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "nested", "journal.db")}},
			check: func(j journal.Journal) bool { _, ok := j.(*sqlite.Store); return ok },
		},
		{name: "unknown", cfg: config.JournalConfig{Type: "kafka"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := OpenJournal(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("OpenJournal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			defer j.Close()
			if !tt.check(j) {
				t.Errorf("OpenJournal() = %T", j)
			}
		})
	}
}

func TestSessionConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.PollInterval = 750 * time.Millisecond
	cfg.Session.Agents = []string{"carbon-expert"}
	cfg.Upload.AllowedTypes = []string{"pdf"}
	cfg.Backend.UseAI = false

	sc := SessionConfig(cfg)
	if sc.PollInterval != 750*time.Millisecond || sc.UseAI {
		t.Errorf("SessionConfig() = %+v", sc)
	}
	if len(sc.Catalog) != 1 || sc.Catalog[0] != "carbon-expert" {
		t.Errorf("Catalog = %v", sc.Catalog)
	}
	if sc.Limits.MaxTotalBytes != cfg.Upload.MaxTotalBytes || len(sc.Limits.AllowedTypes) != 1 {
		t.Errorf("Limits = %+v", sc.Limits)
	}
	// Not configurable: stays at the controller default.
	if sc.HandshakeBaseDelay != session.DefaultConfig().HandshakeBaseDelay {
		t.Errorf("HandshakeBaseDelay = %v", sc.HandshakeBaseDelay)
	}
}

func TestNewBackendClient(t *testing.T) {
	cfg := config.BackendConfig{BaseURL: "https://analysis.example.com/", WSPath: "/ws/{id}"}
	c := NewBackendClient(cfg, quietLogger())
	if got := c.StreamURL("abc"); got != "wss://analysis.example.com/ws/abc" {
		t.Errorf("StreamURL() = %q", got)
	}
}
