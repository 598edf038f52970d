// Package observe provides application-wide observability primitives for
// Confido: OpenTelemetry metrics, distributed tracing, structured logging,
// and an instrumented HTTP transport that ties them together.
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

// meterName is the instrumentation scope name used for all Confido metrics.
const meterName = "github.com/confido-labs/confido"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SessionDuration tracks total conversation session length.
	SessionDuration metric.Float64Histogram

	// APIRequestDuration tracks ElevenLabs REST request latency. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	APIRequestDuration metric.Float64Histogram

	// --- Counters ---

	// AudioFramesSent counts microphone frames sent over the channel.
	AudioFramesSent metric.Int64Counter

	// AudioChunksReceived counts agent audio chunks received from the channel.
	AudioChunksReceived metric.Int64Counter

	// StateTransitions counts turn-taking state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// Interruptions counts agent speech interruptions signalled by the server.
	Interruptions metric.Int64Counter

	// APIRequests counts ElevenLabs REST calls. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...), attribute.String("status", ...)
	APIRequests metric.Int64Counter

	// --- Error counters ---

	// DecodeErrors counts malformed audio or event payloads. Use with
	// attribute:
	//   attribute.String("stage", ...)
	DecodeErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// PlaybackQueueDepth tracks the number of audio buffers waiting to play.
	PlaybackQueueDepth metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for REST
// request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) spanning
// the range of realistic conversation lengths.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("confido.session.duration",
		metric.WithDescription("Total length of a conversation session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.APIRequestDuration, err = m.Float64Histogram("confido.api.request.duration",
		metric.WithDescription("ElevenLabs REST request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioFramesSent, err = m.Int64Counter("confido.audio.frames_sent",
		metric.WithDescription("Total microphone frames sent over the conversation channel."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunksReceived, err = m.Int64Counter("confido.audio.chunks_received",
		metric.WithDescription("Total agent audio chunks received from the conversation channel."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("confido.session.state_transitions",
		metric.WithDescription("Total turn-taking state changes by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("confido.session.interruptions",
		metric.WithDescription("Total agent speech interruptions."),
	); err != nil {
		return nil, err
	}
	if met.APIRequests, err = m.Int64Counter("confido.api.requests",
		metric.WithDescription("Total ElevenLabs REST requests by method, path, and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DecodeErrors, err = m.Int64Counter("confido.decode.errors",
		metric.WithDescription("Total malformed audio or event payloads by pipeline stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("confido.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackQueueDepth, err = m.Int64UpDownCounter("confido.playback.queue_depth",
		metric.WithDescription("Number of audio buffers waiting to play."),
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

// RecordStateTransition records a turn-taking state change counter increment
// with the standard attribute set.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordDecodeError records a decode error counter increment for the given
// pipeline stage.
func (m *Metrics) RecordDecodeError(ctx context.Context, stage string) {
	m.DecodeErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordAPIRequest records an ElevenLabs REST request counter increment with
// the standard attribute set.
func (m *Metrics) RecordAPIRequest(ctx context.Context, method, path, status string) {
	m.APIRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
			attribute.String("status", status),
		),
	)
}
