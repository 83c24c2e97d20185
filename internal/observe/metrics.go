// Package observe wires OpenTelemetry metrics and traces into GhostType and
// carries the slog helpers that tag log lines with trace identifiers.
//
// Instruments live on [Metrics]. [InitProvider] installs a meter provider
// whose Prometheus exporter feeds [MetricsHandler]. Tests build their own
// [Metrics] over a private meter provider with [NewMetrics].
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every GhostType instrument.
const meterName = "github.com/MrWong99/ghosttype"

// Metrics holds the OpenTelemetry instruments shared by client and server.
type Metrics struct {
	// ASRDuration is recognition latency in seconds, by "engine".
	ASRDuration metric.Float64Histogram

	// LLMDuration is correction latency in seconds, by "outcome".
	LLMDuration metric.Float64Histogram

	// FramesReceived counts binary audio frames appended to a session buffer.
	FramesReceived metric.Int64Counter

	// FramesDiscarded counts binary frames the server dropped: no active
	// session, undecodable, or past the buffer cap.
	FramesDiscarded metric.Int64Counter

	// FramesDropped counts client frames evicted from a full send queue.
	FramesDropped metric.Int64Counter

	// CorrectionsSent counts correction messages delivered to clients.
	CorrectionsSent metric.Int64Counter

	// SessionErrors counts sessions that ended in an error message, by
	// "reason".
	SessionErrors metric.Int64Counter

	// ActiveSessions is the number of open dictation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections is the number of connected websocket clients.
	ActiveConnections metric.Int64UpDownCounter

	// HTTPRequestDuration is HTTP handler latency in seconds, by "method" and
	// "path".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, from a short correction
// round-trip up to a long cloud transcription.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// builder collects instrument errors so NewMetrics can report them together.
type builder struct {
	meter metric.Meter
	errs  []error
}

func (b *builder) histogram(name, desc string, opts ...metric.Float64HistogramOption) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		append([]metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}, opts...)...)
	b.errs = append(b.errs, err)
	return h
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return g
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &builder{meter: mp.Meter(meterName)}
	buckets := metric.WithExplicitBucketBoundaries(latencyBuckets...)

	m := &Metrics{
		ASRDuration:         b.histogram("ghosttype.asr.duration", "Latency of speech recognition.", buckets),
		LLMDuration:         b.histogram("ghosttype.llm.duration", "Latency of LLM text correction.", buckets),
		FramesReceived:      b.counter("ghosttype.frames.received", "Audio frames appended to a session buffer."),
		FramesDiscarded:     b.counter("ghosttype.frames.discarded", "Audio frames the server could not use."),
		FramesDropped:       b.counter("ghosttype.frames.dropped", "Audio frames evicted from a full client send queue."),
		CorrectionsSent:     b.counter("ghosttype.corrections.sent", "Correction messages sent to clients."),
		SessionErrors:       b.counter("ghosttype.session.errors", "Sessions terminated with an error, by reason."),
		ActiveSessions:      b.gauge("ghosttype.sessions.active", "Number of open dictation sessions."),
		ActiveConnections:   b.gauge("ghosttype.connections.active", "Number of connected websocket clients."),
		HTTPRequestDuration: b.histogram("ghosttype.http.request.duration", "HTTP request latency by method and path."),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// DefaultMetrics returns process-wide instruments on [otel.GetMeterProvider].
// Call it after [InitProvider] so the instruments bind to the exporter.
var DefaultMetrics = sync.OnceValue(func() *Metrics {
	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		panic("observe: create default metrics: " + err.Error())
	}
	return m
})

// RecordASR records one recognition latency sample for engine.
func (m *Metrics) RecordASR(ctx context.Context, engine string, d time.Duration) {
	m.ASRDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("engine", engine)))
}

// RecordLLM records one correction latency sample. outcome is one of
// "changed", "unchanged", "error" or "timeout".
func (m *Metrics) RecordLLM(ctx context.Context, outcome string, d time.Duration) {
	m.LLMDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSessionError counts one session that ended with an error.
func (m *Metrics) RecordSessionError(ctx context.Context, reason string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
