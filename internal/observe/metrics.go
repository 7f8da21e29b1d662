// Package observe provides application-wide observability primitives for
// ORAC Core: OpenTelemetry metrics, distributed tracing, and HTTP middleware
// that ties them together.
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

// meterName is the instrumentation scope name used for all ORAC metrics.
const meterName = "github.com/2oby/orac-core"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// GenerateDuration tracks end-to-end generate-request latency. Use with
	// attributes:
	//   attribute.String("topic", ...), attribute.String("status", ...)
	GenerateDuration metric.Float64Histogram

	// InferenceDuration tracks one llama-server completion call.
	InferenceDuration metric.Float64Histogram

	// DispatchDuration tracks backend command execution latency.
	DispatchDuration metric.Float64Histogram

	// SessionStartDuration tracks spawn-to-ready time of inference sessions.
	SessionStartDuration metric.Float64Histogram

	// --- Counters ---

	// GenerateRequests counts generate requests. Use with attributes:
	//   attribute.String("topic", ...), attribute.String("status", ...)
	GenerateRequests metric.Int64Counter

	// CacheLookups counts cache gets. Use with attribute:
	//   attribute.String("result", "hit"|"miss")
	CacheLookups metric.Int64Counter

	// CacheEvictions counts LRU evictions.
	CacheEvictions metric.Int64Counter

	// DispatchResults counts backend dispatches. Use with attributes:
	//   attribute.String("backend_type", ...), attribute.String("status", ...)
	DispatchResults metric.Int64Counter

	// SessionRestarts counts inference session restarts by model.
	SessionRestarts metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live inference sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// voice-command latencies: cache hits land in the first few buckets, cold
// model loads in the last.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.GenerateDuration, err = m.Float64Histogram("orac.generate.duration",
		metric.WithDescription("End-to-end latency of a generate request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InferenceDuration, err = m.Float64Histogram("orac.inference.duration",
		metric.WithDescription("Latency of one llama-server completion call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DispatchDuration, err = m.Float64Histogram("orac.dispatch.duration",
		metric.WithDescription("Latency of backend command execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionStartDuration, err = m.Float64Histogram("orac.session.start.duration",
		metric.WithDescription("Spawn-to-ready time of an inference session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.GenerateRequests, err = m.Int64Counter("orac.generate.requests",
		metric.WithDescription("Total generate requests by topic and status."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("orac.cache.lookups",
		metric.WithDescription("Total STT-response cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.CacheEvictions, err = m.Int64Counter("orac.cache.evictions",
		metric.WithDescription("Total LRU evictions from the STT-response cache."),
	); err != nil {
		return nil, err
	}
	if met.DispatchResults, err = m.Int64Counter("orac.dispatch.results",
		metric.WithDescription("Total backend dispatches by backend type and status."),
	); err != nil {
		return nil, err
	}
	if met.SessionRestarts, err = m.Int64Counter("orac.session.restarts",
		metric.WithDescription("Total inference session restarts by model."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("orac.active_sessions",
		metric.WithDescription("Number of live inference sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("orac.http.request.duration",
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

// RecordGenerate records one generate request with its end-to-end duration.
func (m *Metrics) RecordGenerate(ctx context.Context, topic, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("status", status),
	)
	m.GenerateRequests.Add(ctx, 1, attrs)
	m.GenerateDuration.Record(ctx, seconds, attrs)
}

// RecordCacheLookup records a cache get outcome.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordDispatch records a backend dispatch outcome with its duration.
func (m *Metrics) RecordDispatch(ctx context.Context, backendType string, ok bool, seconds float64) {
	status := "error"
	if ok {
		status = "ok"
	}
	attrs := metric.WithAttributes(
		attribute.String("backend_type", backendType),
		attribute.String("status", status),
	)
	m.DispatchResults.Add(ctx, 1, attrs)
	m.DispatchDuration.Record(ctx, seconds, attrs)
}

// RecordSessionRestart records one inference session restart.
func (m *Metrics) RecordSessionRestart(ctx context.Context, model string) {
	m.SessionRestarts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("model", model)),
	)
}
