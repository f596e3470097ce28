package llm

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors shared by all backend implementations.
var (
	// ErrUnavailable is returned when the backend cannot be reached at all
	// (connection refused, DNS failure). The health cache treats the
	// backend as down until the next probe succeeds.
	ErrUnavailable = errors.New("llm: backend unavailable")

	// ErrNoModels is returned when model auto-selection finds nothing
	// loaded and the fallback-list probe also fails.
	ErrNoModels = errors.New("llm: no models available")
)

// APIError is an HTTP-level failure from a backend. Adapters wrap non-2xx
// responses in this type so callers can classify retryability from the
// status code.
type APIError struct {
	// Status is the HTTP status code.
	Status int

	// Body is a bounded excerpt of the response body.
	Body string

	// RetryAfter is the server-requested backoff, when the response
	// carried a Retry-After header. Zero otherwise.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm: http %d: %s", e.Status, e.Body)
}

// Temporary reports whether the failure is worth retrying: rate limiting,
// server errors and timeouts. Auth and client errors are terminal.
func (e *APIError) Temporary() bool {
	switch {
	case e.Status == http.StatusTooManyRequests:
		return true
	case e.Status == http.StatusRequestTimeout:
		return true
	case e.Status >= 500:
		return true
	}
	return false
}

// Auth reports whether the failure is an authentication/authorization
// rejection. Auth failures are never retried.
func (e *APIError) Auth() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}
