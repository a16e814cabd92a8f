package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNotReady is returned by GetResults while the analysis is still running.
	ErrNotReady = errors.New("results not ready")

	// ErrSessionNotFound is returned when the backend does not know the session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMalformedResponse is returned when a response body cannot be decoded.
	ErrMalformedResponse = errors.New("malformed response")
)

// APIError is a non-success response from the backend.
type APIError struct {
	StatusCode int
	// Detail is the FastAPI "detail" message, when present.
	Detail string
	Body   string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend error (status %d): %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("backend error (status %d): %s", e.StatusCode, e.Body)
}

// Is maps 404 responses onto the package sentinels. Any 404 other than an
// unknown session means the results are not ready yet.
func (e *APIError) Is(target error) bool {
	if e.StatusCode != http.StatusNotFound {
		return false
	}
	detail := strings.ToLower(e.Detail)
	switch target {
	case ErrNotReady:
		return !strings.Contains(detail, "session not found")
	case ErrSessionNotFound:
		return strings.Contains(detail, "session not found")
	default:
		return false
	}
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ParseErrorResponse builds an APIError from a response body. FastAPI
// reports errors as {"detail": "..."} or {"detail": [{"msg": ...}]}.
func ParseErrorResponse(statusCode int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: statusCode, Body: strings.TrimSpace(string(body))}

	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Detail) == 0 {
		return apiErr
	}

	var detail string
	if err := json.Unmarshal(payload.Detail, &detail); err == nil {
		apiErr.Detail = detail
		return apiErr
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(payload.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		apiErr.Detail = strings.Join(msgs, "; ")
	}
	return apiErr
}
