// Package observe provides application-wide observability: OpenTelemetry
// metrics, distributed tracing, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/strandlabs/lifestrand"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ModelLoadDuration tracks model load latency. Use with attributes:
	//   attribute.String("model_type", ...), attribute.String("outcome", ...)
	ModelLoadDuration metric.Float64Histogram

	// FirstTokenLatency tracks time from request submission to the first
	// streamed token.
	FirstTokenLatency metric.Float64Histogram

	// TokensPerSecond tracks the generation throughput of completed streams.
	TokensPerSecond metric.Float64Histogram

	// AssemblyDuration tracks context assembly latency.
	AssemblyDuration metric.Float64Histogram

	// --- Counters ---

	// GenerationRequests counts pipeline submissions. Use with attributes:
	//   attribute.String("class", ...), attribute.String("status", ...)
	GenerationRequests metric.Int64Counter

	// SummaryJobs counts post-conversation jobs by terminal status:
	//   attribute.String("status", "completed"|"retried"|"failed"|"poisoned")
	SummaryJobs metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// QueueDepth reports the pending summary job backlog.
	QueueDepth metric.Int64Gauge

	// VRAMUsedBytes reports current GPU memory committed to loaded models.
	VRAMUsedBytes metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// interactive generation latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ModelLoadDuration, err = m.Float64Histogram("lifestrand.model.load.duration",
		metric.WithDescription("Latency of model loads by model type and outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstTokenLatency, err = m.Float64Histogram("lifestrand.generation.first_token",
		metric.WithDescription("Time to first streamed token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TokensPerSecond, err = m.Float64Histogram("lifestrand.generation.tokens_per_second",
		metric.WithDescription("Generation throughput of completed streams."),
	); err != nil {
		return nil, err
	}
	if met.AssemblyDuration, err = m.Float64Histogram("lifestrand.context.assembly.duration",
		metric.WithDescription("Latency of context assembly."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.GenerationRequests, err = m.Int64Counter("lifestrand.generation.requests",
		metric.WithDescription("Total pipeline submissions by service class and status."),
	); err != nil {
		return nil, err
	}
	if met.SummaryJobs, err = m.Int64Counter("lifestrand.summary.jobs",
		metric.WithDescription("Post-conversation jobs by terminal status."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("lifestrand.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and new state."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("lifestrand.active_sessions",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64Gauge("lifestrand.summary.queue_depth",
		metric.WithDescription("Pending summary job backlog."),
	); err != nil {
		return nil, err
	}
	if met.VRAMUsedBytes, err = m.Int64Gauge("lifestrand.model.vram_used_bytes",
		metric.WithDescription("GPU memory committed to loaded models."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("lifestrand.http.request.duration",
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

// RecordGeneration records one pipeline submission outcome.
func (m *Metrics) RecordGeneration(ctx context.Context, class, status string) {
	m.GenerationRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("class", class),
			attribute.String("status", status),
		),
	)
}

// RecordSummaryJob records one post-conversation job outcome.
func (m *Metrics) RecordSummaryJob(ctx context.Context, status string) {
	m.SummaryJobs.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("to", to),
		),
	)
}
