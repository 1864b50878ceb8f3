// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ToolExecutionDuration tracks tool call batch execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// RetrievalDuration tracks end-to-end retrieval latency, embedding and
	// vector search included.
	RetrievalDuration metric.Float64Histogram

	// EmbeddingDuration tracks query embedding latency.
	EmbeddingDuration metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts capture frames delivered to the transport.
	FramesSent metric.Int64Counter

	// FramesReceived counts model audio chunks scheduled for playback.
	FramesReceived metric.Int64Counter

	// FramesDropped counts capture frames evicted from the send queue.
	FramesDropped metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Interruptions counts barge-ins that flushed playback.
	Interruptions metric.Int64Counter

	// Turns counts completed conversation turns.
	Turns metric.Int64Counter

	// RetrievalErrors counts failed retrieval requests.
	RetrievalErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.ToolExecutionDuration, err = m.Float64Histogram("parley.tool_execution.duration",
		metric.WithDescription("Latency of tool call batch execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("parley.retrieval.duration",
		metric.WithDescription("End-to-end retrieval latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingDuration, err = m.Float64Histogram("parley.embedding.duration",
		metric.WithDescription("Latency of query embedding."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("parley.audio.frames_sent",
		metric.WithDescription("Capture frames delivered to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("parley.audio.frames_received",
		metric.WithDescription("Model audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("parley.audio.frames_dropped",
		metric.WithDescription("Capture frames evicted from the send queue."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("parley.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("parley.session.interruptions",
		metric.WithDescription("Barge-ins that flushed playback."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("parley.session.turns",
		metric.WithDescription("Completed conversation turns."),
	); err != nil {
		return nil, err
	}
	if met.RetrievalErrors, err = m.Int64Counter("parley.retrieval.errors",
		metric.WithDescription("Failed retrieval requests."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordRetrieval records one retrieval with its latency and outcome.
func (m *Metrics) RecordRetrieval(ctx context.Context, seconds float64, failed bool) {
	m.RetrievalDuration.Record(ctx, seconds)
	if failed {
		m.RetrievalErrors.Add(ctx, 1)
	}
}
