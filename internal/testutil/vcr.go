// Package testutil holds helpers shared by package tests.
package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// VCRModeEnv selects recording against a live backend when set to "record".
const VCRModeEnv = "NEXUS_VCR_MODE"

// BackendURLEnv points recordings at a live backend.
const BackendURLEnv = "NEXUS_TEST_BACKEND_URL"

// NewVCRRecorder opens testdata/fixtures/<cassetteName>.yaml. Cassettes are
// replayed unless NEXUS_VCR_MODE=record. Requests match on method and URL;
// repeated identical requests replay their recorded responses in order.
func NewVCRRecorder(t *testing.T, cassetteName string) *recorder.Recorder {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv(VCRModeEnv) == "record" {
		mode = recorder.ModeRecording
	}

	r, err := recorder.NewAsMode(filepath.Join("testdata", "fixtures", cassetteName), mode, nil)
	if err != nil {
		t.Fatalf("failed to create VCR recorder: %v", err)
	}

	r.SetMatcher(func(req *http.Request, i cassette.Request) bool {
		return req.Method == i.Method && req.URL.String() == i.URL
	})

	// Recorded cassettes keep only the headers the client inspects.
	r.AddSaveFilter(func(i *cassette.Interaction) error {
		i.Request.Headers = http.Header{"Accept": i.Request.Headers["Accept"]}
		i.Response.Headers = http.Header{"Content-Type": i.Response.Headers["Content-Type"]}
		return nil
	})

	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("failed to stop VCR recorder: %v", err)
		}
	})
	return r
}

// VCRHTTPClient returns an HTTP client that sends through the recorder.
func VCRHTTPClient(r *recorder.Recorder) *http.Client {
	return &http.Client{Transport: r}
}

// BackendURL returns the backend used for recordings, defaulting to the
// address the cassettes were recorded against.
func BackendURL() string {
	if u := os.Getenv(BackendURLEnv); u != "" {
		return u
	}
	return "http://localhost:8000"
}
