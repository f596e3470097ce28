// Package fault defines the error taxonomy shared by every component and the
// retry/fallback machinery built on top of it.
//
// Inner operations raise kinded errors; the retry executor re-attempts only
// retryable kinds with exponential backoff; fallback chains try alternative
// backends in configured order after retries are exhausted. Classification
// of transport-level failures (HTTP statuses, net errors, context deadlines)
// into kinds lives here so adapters stay free of policy.
package fault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/synod-ai/synod/pkg/provider/llm"
)

// Kind partitions failures by their cause. Retry policy keys off the kind.
type Kind string

const (
	KindNetwork       Kind = "network"
	KindAPI           Kind = "api"
	KindValidation    Kind = "validation"
	KindTimeout       Kind = "timeout"
	KindRateLimit     Kind = "rate-limit"
	KindAuth          Kind = "authentication"
	KindFileSystem    Kind = "filesystem"
	KindToolExecution Kind = "tool-execution"
	KindParsing       Kind = "parsing"
	KindSecurity      Kind = "security"
	KindSystem        Kind = "system"
)

// retryableByDefault holds the kinds the executor re-attempts.
func (k Kind) retryableByDefault() bool {
	return k == KindNetwork || k == KindTimeout || k == KindRateLimit
}

// defaultSeverity maps each kind onto its usual severity.
func (k Kind) defaultSeverity() Severity {
	switch k {
	case KindSecurity:
		return SeverityCritical
	case KindAuth, KindSystem:
		return SeverityHigh
	case KindValidation, KindParsing, KindRateLimit:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// Severity grades how bad a failure is for the overall request.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is a kinded, classified failure. Construct with [New] or [Wrap];
// inspect with errors.As and the accessors.
type Error struct {
	// Kind partitions the failure.
	Kind Kind

	// Severity grades the impact.
	Severity Severity

	// Op names the operation that failed ("route.decide",
	// "ollama.generate").
	Op string

	// Time is when the failure was recorded.
	Time time.Time

	// Meta carries structured failure context (status codes, backend
	// names, attempt counts).
	Meta map[string]any

	retryable bool
	err       error
}

// ErrorOption customises construction of an [Error].
type ErrorOption func(*Error)

// WithSeverity overrides the kind's default severity.
func WithSeverity(s Severity) ErrorOption {
	return func(e *Error) { e.Severity = s }
}

// WithRetryable overrides the kind's default retryability. Used for cases
// like transient 5xx responses, which are API failures that are still worth
// re-attempting.
func WithRetryable(retryable bool) ErrorOption {
	return func(e *Error) { e.retryable = retryable }
}

// WithMeta attaches one structured context entry.
func WithMeta(key string, val any) ErrorOption {
	return func(e *Error) {
		if e.Meta == nil {
			e.Meta = make(map[string]any, 2)
		}
		e.Meta[key] = val
	}
}

// New creates an Error with a message and no wrapped cause.
func New(kind Kind, op, msg string, opts ...ErrorOption) *Error {
	return Wrap(kind, op, errors.New(msg), opts...)
}

// Wrap classifies err under kind. The wrapped error remains reachable via
// errors.Is/As/Unwrap.
func Wrap(kind Kind, op string, err error, opts ...ErrorOption) *Error {
	e := &Error{
		Kind:      kind,
		Severity:  kind.defaultSeverity(),
		Op:        op,
		Time:      time.Now(),
		retryable: kind.retryableByDefault(),
		err:       err,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.err)
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.err }

// Retryable reports whether the executor may re-attempt the operation.
func (e *Error) Retryable() bool { return e.retryable }

// Retryable reports whether err may be re-attempted. Unclassified errors are
// classified first; nil is not retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return Classify("", err).Retryable()
}

// KindOf returns the kind of err, classifying it if needed. Returns "" for
// nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Classify("", err).Kind
}

// Classify maps an arbitrary error onto the taxonomy. Already-classified
// errors pass through unchanged. op is recorded on newly classified errors.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusTooManyRequests:
			e := Wrap(KindRateLimit, op, err)
			if apiErr.RetryAfter > 0 {
				e.Meta = map[string]any{"retry_after": apiErr.RetryAfter}
			}
			return e
		case apiErr.Auth():
			return Wrap(KindAuth, op, err)
		case apiErr.Status == http.StatusBadRequest,
			apiErr.Status == http.StatusUnprocessableEntity:
			return Wrap(KindValidation, op, err)
		case apiErr.Temporary():
			return Wrap(KindAPI, op, err, WithRetryable(true))
		default:
			return Wrap(KindAPI, op, err)
		}
	}

	switch {
	case errors.Is(err, llm.ErrUnavailable):
		return Wrap(KindNetwork, op, err)
	case errors.Is(err, llm.ErrNoModels):
		return Wrap(KindAPI, op, err, WithSeverity(SeverityHigh))
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, op, err)
	case errors.Is(err, context.Canceled):
		// Cancellation is a lifecycle event, not a fault; callers check
		// ctx.Err() before consulting the taxonomy.
		return Wrap(KindSystem, op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(KindTimeout, op, err)
		}
		return Wrap(KindNetwork, op, err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return Wrap(KindParsing, op, err)
	}

	return Wrap(KindSystem, op, err)
}

// RetryAfterOf extracts a server-requested backoff floor from err, or 0.
func RetryAfterOf(err error) time.Duration {
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Meta != nil {
		if ra, ok := fe.Meta["retry_after"].(time.Duration); ok {
			return ra
		}
	}
	return 0
}
