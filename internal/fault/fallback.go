package fault

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [Chain] fails.
var ErrAllFailed = errors.New("all fallbacks failed")

// chainEntry pairs a value with its registry name for logging.
type chainEntry[T any] struct {
	name  string
	value T
}

// Chain wraps a primary and zero or more fallback instances of the same
// type. When the primary fails, the next entry is tried in registration
// order. The orchestrator uses a Chain of backends to realise the configured
// fallbackChain across tiers.
//
// Chain is safe for concurrent use once built; Add must not race Execute.
type Chain[T any] struct {
	entries []chainEntry[T]
}

// NewChain creates a Chain with primary as the first entry.
func NewChain[T any](primaryName string, primary T) *Chain[T] {
	return &Chain[T]{
		entries: []chainEntry[T]{{name: primaryName, value: primary}},
	}
}

// Add appends a fallback, tried after all earlier entries.
func (c *Chain[T]) Add(name string, fallback T) {
	c.entries = append(c.entries, chainEntry[T]{name: name, value: fallback})
}

// Len reports the number of entries, primary included.
func (c *Chain[T]) Len() int { return len(c.entries) }

// Execute tries fn against each entry in order until one succeeds. Returns
// [ErrAllFailed] wrapped with the last error if every entry fails.
func (c *Chain[T]) Execute(fn func(T) error) error {
	var lastErr error
	for i := range c.entries {
		entry := &c.entries[i]
		err := fn(entry.value)
		if err == nil {
			return nil
		}
		lastErr = err
		slog.Warn("fallback entry failed, trying next",
			"entry", entry.name, "error", err)
	}
	return fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// ExecuteWithResult tries fn against each entry in the chain until one
// succeeds, returning both the result value and error. This is a
// package-level function because Go does not support method-level type
// parameters.
func ExecuteWithResult[T any, R any](c *Chain[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range c.entries {
		entry := &c.entries[i]
		result, err := fn(entry.value)
		if err == nil {
			return result, nil
		}
		lastErr = err
		slog.Warn("fallback entry failed, trying next",
			"entry", entry.name, "error", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
