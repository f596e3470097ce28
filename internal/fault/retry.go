package fault

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Policy bounds the retry executor. The zero value is not usable; start from
// [DefaultPolicy].
type Policy struct {
	// MaxAttempts is the total number of tries, first attempt included.
	MaxAttempts int

	// BaseDelay is the backoff before the second attempt; each subsequent
	// delay doubles.
	BaseDelay time.Duration

	// MaxDelay caps a single backoff interval.
	MaxDelay time.Duration

	// Jitter is the fraction of random spread added to each delay.
	Jitter float64
}

// DefaultPolicy returns the standard retry policy: 3 attempts, 1 s base
// delay doubling up to 30 s, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.10,
	}
}

// Delay returns the backoff before retry attempt i (0-indexed), jitter
// included.
func (p Policy) Delay(i int) time.Duration {
	d := p.BaseDelay << i
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}

// Retry calls fn up to p.MaxAttempts times, classifying each failure and
// backing off between retryable ones. Non-retryable failures return
// immediately. When the failure carries a Retry-After hint, the next delay
// is at least that long. The executor is a pure function of (fn, p); it
// holds no state between calls.
func Retry[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var last *Error

	for i := 0; i < p.MaxAttempts; i++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		classified := Classify(op, err)
		if !classified.Retryable() {
			return zero, classified
		}
		last = classified

		if i == p.MaxAttempts-1 {
			break
		}

		delay := p.Delay(i)
		if ra := RetryAfterOf(classified); ra > delay {
			delay = ra
		}
		slog.Warn("retrying after transient failure",
			"op", op,
			"kind", classified.Kind,
			"attempt", i+1,
			"max_attempts", p.MaxAttempts,
			"delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, Classify(op, ctx.Err())
		case <-timer.C:
		}
	}

	slog.Error("all retry attempts exhausted",
		"op", op,
		"attempts", p.MaxAttempts,
		"error", last)
	return zero, last
}
