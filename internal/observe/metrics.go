// Package observe provides application-wide observability primitives for the
// evaluation pipeline: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider]; it registers with the
// default Prometheus registry, and this module does not itself serve a
// /metrics HTTP route. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// Per-stage call duration/count/error instruments live in package perf
// instead — they are tied one-to-one to a persisted performance_metrics row,
// whereas this package covers HTTP-surface and process-wide signals.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all application metrics.
const meterName = "github.com/merlin-platform/copywriting-evaluator"

// Metrics holds all process-wide OpenTelemetry metric instruments. All fields
// are safe for concurrent use — the underlying OTel types handle their own
// synchronisation.
type Metrics struct {
	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram

	// LLMRequests counts LLM provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("stage", ...), attribute.String("status", ...)
	LLMRequests metric.Int64Counter

	// LLMErrors counts LLM provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("stage", ...)
	LLMErrors metric.Int64Counter

	// ActiveSessions tracks the number of processing sessions currently in
	// flight (testing or production runs of the Orchestrator).
	ActiveSessions metric.Int64UpDownCounter

	// CircuitState reports the error circuit's state as 0 (ok) or 1 (cooldown).
	// Recorded as an UpDownCounter snapshot rather than a true gauge because
	// the stable OTel metric API has no synchronous gauge instrument.
	CircuitState metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for HTTP
// request latency.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.HTTPRequestDuration, err = m.Float64Histogram("evaluator.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.LLMRequests, err = m.Int64Counter("evaluator.llm.requests",
		metric.WithDescription("Total LLM provider requests by provider, stage, and status."),
	); err != nil {
		return nil, err
	}

	if met.LLMErrors, err = m.Int64Counter("evaluator.llm.errors",
		metric.WithDescription("Total LLM provider errors by provider and stage."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("evaluator.active_sessions",
		metric.WithDescription("Number of processing sessions currently in flight."),
	); err != nil {
		return nil, err
	}

	if met.CircuitState, err = m.Int64UpDownCounter("evaluator.circuit.state",
		metric.WithDescription("Error circuit state: 0 = ok, 1 = cooldown."),
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

// RecordLLMRequest is a convenience method that records an LLM provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordLLMRequest(ctx context.Context, provider, stage, status string) {
	m.LLMRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("stage", stage),
			attribute.String("status", status),
		),
	)
}

// RecordLLMError is a convenience method that records an LLM provider error
// counter increment.
func (m *Metrics) RecordLLMError(ctx context.Context, provider, stage string) {
	m.LLMErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("stage", stage),
		),
	)
}
