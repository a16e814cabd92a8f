package tracing

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestInitExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	shutdown, err := Init(Options{ServiceName: "nexus-session-test", Writer: &buf}, logger)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	_, span := Start(context.Background(), "session.start_processing", SessionID("local-1"), BackendID("backend-1"))
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{"session.start_processing", "local-1", "backend-1", "nexus-session-test"} {
		if !strings.Contains(out, want) {
			t.Errorf("exported spans missing %q", want)
		}
	}
}
