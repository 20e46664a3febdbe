// Package observe provides application-wide observability primitives for
// larder: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all larder metrics.
const meterName = "github.com/MrWong99/larder"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// InterpretDuration tracks command interpretation latency, including the
	// LLM round trip.
	InterpretDuration metric.Float64Histogram

	// ResolveDuration tracks item resolution latency (embed + vector search).
	ResolveDuration metric.Float64Histogram

	// EmbedDuration tracks embedding provider latency.
	EmbedDuration metric.Float64Histogram

	// MutationDuration tracks the resolve→convert→persist sequence.
	MutationDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Decisions counts confirmation decisions. Use with attributes:
	//   attribute.String("type", ...), attribute.String("risk", ...)
	Decisions metric.Int64Counter

	// Mutations counts applied quantity changes. Use with attributes:
	//   attribute.String("action", ...), attribute.String("method", ...)
	Mutations metric.Int64Counter

	// BufferAttempts counts interpretation attempts made by transcription
	// buffers. Use with attributes:
	//   attribute.String("trigger", ...), attribute.String("outcome", ...)
	BufferAttempts metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice/text sessions.
	ActiveSessions metric.Int64UpDownCounter

	// PendingConfirmations tracks commands awaiting a confirmation reply.
	PendingConfirmations metric.Int64UpDownCounter

	// BroadcastClients tracks connected change-event subscribers.
	BroadcastClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// LLM and vector-search round trips.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.InterpretDuration, err = m.Float64Histogram("larder.interpret.duration",
		metric.WithDescription("Latency of command interpretation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResolveDuration, err = m.Float64Histogram("larder.resolve.duration",
		metric.WithDescription("Latency of catalog item resolution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbedDuration, err = m.Float64Histogram("larder.embed.duration",
		metric.WithDescription("Latency of embedding requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MutationDuration, err = m.Float64Histogram("larder.mutation.duration",
		metric.WithDescription("Latency of inventory mutations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("larder.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.Decisions, err = m.Int64Counter("larder.confirm.decisions",
		metric.WithDescription("Total confirmation decisions by type and risk level."),
	); err != nil {
		return nil, err
	}
	if met.Mutations, err = m.Int64Counter("larder.mutations",
		metric.WithDescription("Total applied inventory mutations by action and method."),
	); err != nil {
		return nil, err
	}
	if met.BufferAttempts, err = m.Int64Counter("larder.buffer.attempts",
		metric.WithDescription("Total buffer interpretation attempts by trigger and outcome."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("larder.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("larder.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.PendingConfirmations, err = m.Int64UpDownCounter("larder.pending_confirmations",
		metric.WithDescription("Number of commands awaiting confirmation."),
	); err != nil {
		return nil, err
	}
	if met.BroadcastClients, err = m.Int64UpDownCounter("larder.broadcast.clients",
		metric.WithDescription("Number of connected change-event subscribers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("larder.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordDecision records one confirmation decision.
func (m *Metrics) RecordDecision(ctx context.Context, decisionType, risk string) {
	m.Decisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", decisionType),
			attribute.String("risk", risk),
		),
	)
}

// RecordMutation records one applied mutation.
func (m *Metrics) RecordMutation(ctx context.Context, action, method string) {
	m.Mutations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("method", method),
		),
	)
}

// RecordBufferAttempt records one buffer interpretation attempt. trigger is
// "heuristic" or "silence"; outcome is "complete", "incomplete" or "error".
func (m *Metrics) RecordBufferAttempt(ctx context.Context, trigger, outcome string) {
	m.BufferAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("trigger", trigger),
			attribute.String("outcome", outcome),
		),
	)
}
