// Package observe provides application-wide observability primitives for
// aicc: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all aicc metrics.
const meterName = "github.com/MrWong99/aicc"

// Drop reasons used with [Metrics.RecordDrop].
const (
	DropQueueFull   = "queue_full"
	DropMalformed   = "malformed"
	DropUnsupported = "unsupported"
	DropRejected    = "rejected"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	meter metric.Meter

	// --- Calls ---

	// CallsTotal counts call lifecycle outcomes. Use with attribute:
	//   attribute.String("status", "registered"|"rejected"|"ended")
	CallsTotal metric.Int64Counter

	// ActiveCalls tracks the number of registered calls.
	ActiveCalls metric.Int64UpDownCounter

	// CallDuration tracks the length of ended calls.
	CallDuration metric.Float64Histogram

	// --- Media ingress ---

	// UDPPackets counts datagrams received. Use with attribute speaker.
	UDPPackets metric.Int64Counter

	// UDPBytes counts datagram bytes received. Use with attribute speaker.
	UDPBytes metric.Int64Counter

	// UDPDropped counts datagrams discarded before reaching the VAD. Use
	// with attributes speaker and reason.
	UDPDropped metric.Int64Counter

	// --- Transcription ---

	// STTRequests counts transcription attempts. Use with attributes
	// provider and status ("success"|"error"|"degraded").
	STTRequests metric.Int64Counter

	// STTDuration tracks transcription latency per attempt.
	STTDuration metric.Float64Histogram

	// STTAudioDuration tracks the length of audio submitted per segment.
	STTAudioDuration metric.Float64Histogram

	// --- Turns ---

	// Turns counts finished turns. Use with attributes speaker and decision.
	Turns metric.Int64Counter

	// --- Outbound events ---

	// EventsSent counts events written to at least one destination. Use
	// with attribute type.
	EventsSent metric.Int64Counter

	// EventsDropped counts events discarded by the dispatcher. Use with
	// attribute reason ("overflow"|"filtered").
	EventsDropped metric.Int64Counter

	// WSConnections tracks the number of connected outbound destinations.
	WSConnections metric.Int64UpDownCounter

	// WSSendDuration tracks the time to write one event to all destinations.
	WSSendDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks call API latency by method, route pattern
	// and status code. Recorded by [Middleware].
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// transcription and send latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// durationBuckets covers audio segment and call lengths (in seconds).
var durationBuckets = []float64{
	0.5, 1, 2, 5, 10, 30, 60, 300, 900, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.CallsTotal, err = m.Int64Counter("aicc.calls.total",
		metric.WithDescription("Call lifecycle events by status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("aicc.calls.active",
		metric.WithDescription("Number of currently registered calls."),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("aicc.call.duration",
		metric.WithDescription("Duration of ended calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	if met.UDPPackets, err = m.Int64Counter("aicc.udp.packets",
		metric.WithDescription("RTP datagrams received by speaker."),
	); err != nil {
		return nil, err
	}
	if met.UDPBytes, err = m.Int64Counter("aicc.udp.bytes",
		metric.WithDescription("RTP bytes received by speaker."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.UDPDropped, err = m.Int64Counter("aicc.udp.dropped",
		metric.WithDescription("RTP datagrams dropped by speaker and reason."),
	); err != nil {
		return nil, err
	}

	if met.STTRequests, err = m.Int64Counter("aicc.stt.requests",
		metric.WithDescription("Transcription attempts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("aicc.stt.latency",
		metric.WithDescription("Latency of a single transcription attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTAudioDuration, err = m.Float64Histogram("aicc.stt.audio_duration",
		metric.WithDescription("Length of audio submitted for transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Turns, err = m.Int64Counter("aicc.turns",
		metric.WithDescription("Finished turns by speaker and decision."),
	); err != nil {
		return nil, err
	}

	if met.EventsSent, err = m.Int64Counter("aicc.ws.messages",
		metric.WithDescription("Events delivered to outbound destinations by type."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("aicc.ws.dropped",
		metric.WithDescription("Events discarded by the dispatcher by reason."),
	); err != nil {
		return nil, err
	}
	if met.WSConnections, err = m.Int64UpDownCounter("aicc.ws.connections",
		metric.WithDescription("Connected outbound destinations."),
	); err != nil {
		return nil, err
	}
	if met.WSSendDuration, err = m.Float64Histogram("aicc.ws.send_latency",
		metric.WithDescription("Time to write one event to all destinations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("aicc.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// ObservePorts registers asynchronous gauges for the port pool. The
// callbacks are invoked on every collection.
func (m *Metrics) ObservePorts(available, allocated func() int) error {
	_, err := m.meter.Int64ObservableGauge("aicc.ports.available",
		metric.WithDescription("Free port pairs in the pool."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(available()))
			return nil
		}),
	)
	if err != nil {
		return err
	}
	_, err = m.meter.Int64ObservableGauge("aicc.ports.allocated",
		metric.WithDescription("Port pairs held by active calls."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(allocated()))
			return nil
		}),
	)
	return err
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

// RecordPacket records one received datagram of n bytes.
func (m *Metrics) RecordPacket(ctx context.Context, speaker string, n int) {
	attrs := metric.WithAttributes(attribute.String("speaker", speaker))
	m.UDPPackets.Add(ctx, 1, attrs)
	m.UDPBytes.Add(ctx, int64(n), attrs)
}

// RecordDrop records one discarded datagram.
func (m *Metrics) RecordDrop(ctx context.Context, speaker, reason string) {
	m.UDPDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("speaker", speaker),
			attribute.String("reason", reason),
		),
	)
}

// RecordTranscription records one transcription attempt.
func (m *Metrics) RecordTranscription(ctx context.Context, provider, status string, d time.Duration) {
	m.STTRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
	m.STTDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordTurn records one finished turn.
func (m *Metrics) RecordTurn(ctx context.Context, speaker, decision string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("speaker", speaker),
			attribute.String("decision", decision),
		),
	)
}

// RecordCall records a call lifecycle transition.
func (m *Metrics) RecordCall(ctx context.Context, status string) {
	m.CallsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
