// Package observe provides application-wide observability primitives for
// crosstalk: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all crosstalk metrics.
const meterName = "github.com/crosstalkhq/crosstalk"

// Metrics holds all OpenTelemetry metric instruments for the call plane.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// RecognitionDuration tracks one recognition window through the engine.
	RecognitionDuration metric.Float64Histogram

	// InsightDuration tracks one insight completion round trip.
	InsightDuration metric.Float64Histogram

	// --- Counters ---

	// Events counts inbound control frames. Use with attributes:
	//   attribute.String("service", ...), attribute.String("event", ...)
	Events metric.Int64Counter

	// RelayedFrames counts media frames forwarded between call peers.
	RelayedFrames metric.Int64Counter

	// RelayedBytes counts media bytes forwarded between call peers.
	RelayedBytes metric.Int64Counter

	// DroppedFrames counts media frames discarded instead of delivered.
	// Use with attribute: attribute.String("reason", ...)
	DroppedFrames metric.Int64Counter

	// InsightRequests counts completion attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	InsightRequests metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of calls currently routed.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// recognition windows and completion round trips.
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
	if met.RecognitionDuration, err = m.Float64Histogram("crosstalk.recognition.duration",
		metric.WithDescription("Latency of one recognition window through the engine."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InsightDuration, err = m.Float64Histogram("crosstalk.insight.duration",
		metric.WithDescription("Latency of one insight completion round trip."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Events, err = m.Int64Counter("crosstalk.events",
		metric.WithDescription("Inbound control frames by service and event tag."),
	); err != nil {
		return nil, err
	}
	if met.RelayedFrames, err = m.Int64Counter("crosstalk.relay.frames",
		metric.WithDescription("Media frames forwarded between call peers."),
	); err != nil {
		return nil, err
	}
	if met.RelayedBytes, err = m.Int64Counter("crosstalk.relay.bytes",
		metric.WithDescription("Media bytes forwarded between call peers."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("crosstalk.frames.dropped",
		metric.WithDescription("Media frames discarded instead of delivered, by reason."),
	); err != nil {
		return nil, err
	}
	if met.InsightRequests, err = m.Int64Counter("crosstalk.insight.requests",
		metric.WithDescription("Completion attempts by provider and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("crosstalk.active_calls",
		metric.WithDescription("Number of calls currently routed."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("crosstalk.http.request.duration",
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

// RecordEvent records one inbound control frame with the standard attribute set.
func (m *Metrics) RecordEvent(ctx context.Context, service, event string) {
	m.Events.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("service", service),
			attribute.String("event", event),
		),
	)
}

// RecordRelayedFrame records one forwarded media frame and its size.
func (m *Metrics) RecordRelayedFrame(ctx context.Context, size int) {
	m.RelayedFrames.Add(ctx, 1)
	m.RelayedBytes.Add(ctx, int64(size))
}

// RecordFrameDrop records one discarded media frame with its reason.
func (m *Metrics) RecordFrameDrop(ctx context.Context, reason string) {
	m.DroppedFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordInsightRequest records one completion attempt against a provider.
func (m *Metrics) RecordInsightRequest(ctx context.Context, provider, status string) {
	m.InsightRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}
