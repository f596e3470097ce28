// Package observe provides application-wide observability primitives for
// Synod: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Synod metrics.
const meterName = "github.com/synod-ai/synod"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// RequestDuration tracks end-to-end coordination latency per request,
	// from validation through synthesis and output checking.
	RequestDuration metric.Float64Histogram

	// BackendDuration tracks a single model invocation round trip.
	BackendDuration metric.Float64Histogram

	// ToolDuration tracks MCP tool execution latency.
	ToolDuration metric.Float64Histogram

	// --- Counters ---

	// Requests counts coordinated requests. Use with attributes:
	//   attribute.String("type", ...), attribute.String("mode", ...), attribute.String("status", ...)
	Requests metric.Int64Counter

	// RouteDecisions counts routing outcomes. Use with attributes:
	//   attribute.String("tier", ...), attribute.String("reason", ...)
	RouteDecisions metric.Int64Counter

	// CacheEvents counts cache lookups. Use with attributes:
	//   attribute.String("cache", ...), attribute.String("result", ...)
	CacheEvents metric.Int64Counter

	// RedTeamVerdicts counts validation verdicts. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("verdict", ...)
	RedTeamVerdicts metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// --- Error counters ---

	// BackendErrors counts backend failures. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("kind", ...)
	BackendErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveRequests tracks the number of requests currently in flight.
	ActiveRequests metric.Int64UpDownCounter

	// ActiveStreams tracks the number of open streaming deliveries.
	ActiveStreams metric.Int64UpDownCounter

	// --- Quality ---

	// AuditScore records the 0-100 quality score assigned by the audit loop.
	AuditScore metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// requestBuckets defines histogram bucket boundaries (in seconds) for
// model-bound latencies, which routinely run into the minutes.
var requestBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// toolBuckets defines histogram bucket boundaries (in seconds) for tool
// execution, which is capped at 30 seconds per call.
var toolBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// scoreBuckets defines bucket boundaries for audit scores, with extra
// resolution around the approval threshold.
var scoreBuckets = []float64{
	50, 60, 70, 80, 90, 95,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RequestDuration, err = m.Float64Histogram("synod.request.duration",
		metric.WithDescription("End-to-end coordination latency per request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(requestBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BackendDuration, err = m.Float64Histogram("synod.backend.duration",
		metric.WithDescription("Latency of a single model invocation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(requestBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("synod.tool.duration",
		metric.WithDescription("Latency of MCP tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(toolBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Requests, err = m.Int64Counter("synod.requests",
		metric.WithDescription("Total coordinated requests by task type, execution mode, and status."),
	); err != nil {
		return nil, err
	}
	if met.RouteDecisions, err = m.Int64Counter("synod.route.decisions",
		metric.WithDescription("Total routing decisions by tier and reason."),
	); err != nil {
		return nil, err
	}
	if met.CacheEvents, err = m.Int64Counter("synod.cache.events",
		metric.WithDescription("Total cache lookups by cache name and result."),
	); err != nil {
		return nil, err
	}
	if met.RedTeamVerdicts, err = m.Int64Counter("synod.redteam.verdicts",
		metric.WithDescription("Total red-team verdicts by stage and verdict."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("synod.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.BackendErrors, err = m.Int64Counter("synod.backend.errors",
		metric.WithDescription("Total backend failures by backend and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRequests, err = m.Int64UpDownCounter("synod.active_requests",
		metric.WithDescription("Number of requests currently in flight."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("synod.active_streams",
		metric.WithDescription("Number of open streaming deliveries."),
	); err != nil {
		return nil, err
	}

	// Quality histogram.
	if met.AuditScore, err = m.Float64Histogram("synod.audit.score",
		metric.WithDescription("Quality score assigned by the audit loop."),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(scoreBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("synod.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordRequest is a convenience method that records a completed request with
// the standard attribute set.
func (m *Metrics) RecordRequest(ctx context.Context, taskType, mode, status string) {
	m.Requests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", taskType),
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}

// RecordRouteDecision is a convenience method that records a routing outcome.
func (m *Metrics) RecordRouteDecision(ctx context.Context, tier, reason string) {
	m.RouteDecisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tier", tier),
			attribute.String("reason", reason),
		),
	)
}

// RecordCacheEvent is a convenience method that records a cache lookup as a
// hit or a miss.
func (m *Metrics) RecordCacheEvent(ctx context.Context, cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("cache", cache),
			attribute.String("result", result),
		),
	)
}

// RecordRedTeamVerdict is a convenience method that records a validation
// verdict for the given stage ("input" or "output").
func (m *Metrics) RecordRedTeamVerdict(ctx context.Context, stage, verdict string) {
	m.RedTeamVerdicts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("verdict", verdict),
		),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordBackendError is a convenience method that records a backend error
// counter increment.
func (m *Metrics) RecordBackendError(ctx context.Context, backend, kind string) {
	m.BackendErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("kind", kind),
		),
	)
}

// RecordAuditScore is a convenience method that records an audit quality
// score.
func (m *Metrics) RecordAuditScore(ctx context.Context, score int) {
	m.AuditScore.Record(ctx, float64(score))
}
