// Package observe provides application-wide observability primitives for
// livetalk: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all livetalk metrics.
const meterName = "github.com/MrWong99/livetalk"

// Frame kinds and drop reasons used as metric attributes.
const (
	KindAudio = "audio"
	KindImage = "image"

	ReasonNoSession = "no_session"
	ReasonQueueFull = "queue_full"
	ReasonClosed    = "closed"
	ReasonError     = "error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long dialling a live session takes.
	ConnectDuration metric.Float64Histogram

	// ScheduleLead tracks how far ahead of the output clock each reply
	// chunk is scheduled. Zero means the chunk started immediately.
	ScheduleLead metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts media blobs accepted by the session. Use with attribute:
	//   attribute.String("kind", ...)
	FramesSent metric.Int64Counter

	// FramesDropped counts media blobs that were not delivered. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// ChunksScheduled counts reply audio chunks placed on the output timeline.
	ChunksScheduled metric.Int64Counter

	// Interruptions counts server-signalled barge-ins.
	Interruptions metric.Int64Counter

	// SessionTransitions counts lifecycle transitions. Use with attribute:
	//   attribute.String("state", ...)
	SessionTransitions metric.Int64Counter

	// --- Error counters ---

	// ChunkErrors counts reply chunks that could not be played. Use with attribute:
	//   attribute.String("kind", ...)
	ChunkErrors metric.Int64Counter

	// DeviceErrors counts failed device acquisitions. Use with attribute:
	//   attribute.String("device", ...)
	DeviceErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveVoices tracks the number of scheduled, not yet finished playback
	// sources.
	ActiveVoices metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for dial latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// leadBuckets defines histogram bucket boundaries (in seconds) for how far
// ahead reply audio is queued.
var leadBuckets = []float64{
	0, 0.02, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("livetalk.session.connect.duration",
		metric.WithDescription("Latency of dialling a live session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ScheduleLead, err = m.Float64Histogram("livetalk.playback.schedule_lead",
		metric.WithDescription("Distance between the output clock and a chunk's scheduled start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(leadBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("livetalk.frames.sent",
		metric.WithDescription("Total media frames handed to the session by kind."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livetalk.frames.dropped",
		metric.WithDescription("Total media frames dropped by kind and reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("livetalk.playback.chunks",
		metric.WithDescription("Total reply audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("livetalk.playback.interruptions",
		metric.WithDescription("Total interruptions signalled by the remote engine."),
	); err != nil {
		return nil, err
	}
	if met.SessionTransitions, err = m.Int64Counter("livetalk.session.transitions",
		metric.WithDescription("Total session lifecycle transitions by target state."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ChunkErrors, err = m.Int64Counter("livetalk.playback.chunk_errors",
		metric.WithDescription("Total reply chunks skipped by error kind."),
	); err != nil {
		return nil, err
	}
	if met.DeviceErrors, err = m.Int64Counter("livetalk.device.errors",
		metric.WithDescription("Total failed device acquisitions by device."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveVoices, err = m.Int64UpDownCounter("livetalk.playback.active_voices",
		metric.WithDescription("Number of scheduled playback sources that have not ended."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livetalk.http.request.duration",
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

// RecordFrameSent records a delivered media frame of the given kind.
func (m *Metrics) RecordFrameSent(ctx context.Context, kind string) {
	m.FramesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordFrameDropped records a dropped media frame with the standard
// attribute set.
func (m *Metrics) RecordFrameDropped(ctx context.Context, kind, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("reason", reason),
		),
	)
}

// RecordSessionTransition records a lifecycle transition into state.
func (m *Metrics) RecordSessionTransition(ctx context.Context, state string) {
	m.SessionTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordChunkError records a reply chunk skipped because of kind.
func (m *Metrics) RecordChunkError(ctx context.Context, kind string) {
	m.ChunkErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDeviceError records a failed acquisition of device.
func (m *Metrics) RecordDeviceError(ctx context.Context, device string) {
	m.DeviceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("device", device)))
}
