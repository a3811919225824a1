// Package observe provides application-wide observability primitives for
// voicelink: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware for the status server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to a Prometheus registry so they can be scraped via /metrics.
// Tests should use [NewMetrics] with their own [metric.MeterProvider] to
// avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/voicelink"

// Drop reasons used with [Metrics.RecordFrameDropped].
const (
	DropNotReady        = "not_ready"
	DropSendQueueFull   = "send_queue_full"
	DropCaptureOverflow = "capture_overflow"
)

// Metrics holds all OpenTelemetry instruments for a voice session. All
// fields are safe for concurrent use.
type Metrics struct {
	// FramesCaptured counts 20 ms frames produced by the capture pipeline.
	FramesCaptured metric.Int64Counter

	// FramesSent counts frames handed to the transport writer.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames lost before the wire. Use with
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// DecodeErrors counts output payloads that failed to decode.
	DecodeErrors metric.Int64Counter

	// OutputFrames counts frames written to the playback device.
	OutputFrames metric.Int64Counter

	// ReconnectAttempts counts automatic reconnection attempts.
	ReconnectAttempts metric.Int64Counter

	// StateTransitions counts transport state changes. Use with
	//   attribute.String("state", ...)
	StateTransitions metric.Int64Counter

	// ServerErrors counts in-band backend errors. Use with
	//   attribute.String("kind", ...)
	ServerErrors metric.Int64Counter

	// ConnectDuration tracks time from dial to session-ready.
	ConnectDuration metric.Float64Histogram

	// ActiveSessions tracks the number of running voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks status server latency. Use with
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.FramesCaptured, "voicelink.frames.captured", "Audio frames produced by the capture pipeline."},
		{&met.FramesSent, "voicelink.frames.sent", "Audio frames queued for the backend."},
		{&met.FramesDropped, "voicelink.frames.dropped", "Audio frames dropped before transmission, by reason."},
		{&met.DecodeErrors, "voicelink.decode.errors", "Output audio payloads that failed to decode."},
		{&met.OutputFrames, "voicelink.output.frames", "Audio frames written to the playback device."},
		{&met.ReconnectAttempts, "voicelink.reconnect.attempts", "Automatic reconnection attempts."},
		{&met.StateTransitions, "voicelink.session.state_transitions", "Transport state transitions, by target state."},
		{&met.ServerErrors, "voicelink.server.errors", "In-band backend errors, by kind."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ConnectDuration, err = m.Float64Histogram("voicelink.connect.duration",
		metric.WithDescription("Time from dial to session-ready."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicelink.active_sessions",
		metric.WithDescription("Number of running voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicelink.http.request.duration",
		metric.WithDescription("Status server request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Call it after [InitProvider] so
// the instruments bind to the exporting provider.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrameDropped counts one dropped frame with the given reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordStateTransition counts a transport transition into state.
func (m *Metrics) RecordStateTransition(ctx context.Context, state string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordServerError counts one backend error of the given kind.
func (m *Metrics) RecordServerError(ctx context.Context, kind string) {
	m.ServerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
