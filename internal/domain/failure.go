package domain

import (
	"fmt"
	"strings"
)

// FailureKind is the category of a failure surfaced by the session layer.
type FailureKind string

const (
	// FailureAdmission indicates an upload queue rejection.
	FailureAdmission FailureKind = "admission"

	// FailureTransport indicates a request to the backend failed.
	FailureTransport FailureKind = "transport"

	// FailureMalformed indicates data from the backend could not be used.
	FailureMalformed FailureKind = "malformed"

	// FailureBackend indicates the backend reported the analysis as failed.
	FailureBackend FailureKind = "backend"
)

// Failure is the typed failure description returned by public session
// entry points. It carries the user-facing message and any structured
// issue list reported by the backend.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	Issues  []string    `json:"issues,omitempty"`

	// Cause is the underlying error, if any.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (f *Failure) Error() string {
	msg := fmt.Sprintf("%s: %s", f.Kind, f.Message)
	if len(f.Issues) > 0 {
		msg += " (" + strings.Join(f.Issues, "; ") + ")"
	}
	return msg
}

// Unwrap returns the underlying cause.
func (f *Failure) Unwrap() error {
	return f.Cause
}

// NewFailure creates a failure of the given kind.
func NewFailure(kind FailureKind, message string) *Failure {
	return &Failure{Kind: kind, Message: message}
}

// WithIssues attaches the backend's issue list.
func (f *Failure) WithIssues(issues []string) *Failure {
	f.Issues = append([]string(nil), issues...)
	return f
}

// WithCause records the underlying error.
func (f *Failure) WithCause(err error) *Failure {
	f.Cause = err
	return f
}

// ErrTransport creates a transport failure wrapping err.
func ErrTransport(message string, err error) *Failure {
	return NewFailure(FailureTransport, message).WithCause(err)
}

// ErrBackend creates a terminal backend failure.
func ErrBackend(message string, issues []string) *Failure {
	return NewFailure(FailureBackend, message).WithIssues(issues)
}
