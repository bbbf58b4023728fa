// Package observe provides application-wide observability primitives for
// Oraculo: OpenTelemetry metrics, tracing, and HTTP middleware that ties
// them together.
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

// meterName is the instrumentation scope name used for all Oraculo metrics.
const meterName = "github.com/pveiga/oraculo"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscriptionDuration tracks one segment's speech-to-text latency.
	// Use with attribute.String("outcome", "success"|"failed").
	TranscriptionDuration metric.Float64Histogram

	// EmbeddingDuration tracks embedding computation latency (index builds
	// and query embeds).
	EmbeddingDuration metric.Float64Histogram

	// SearchDuration tracks end-to-end search latency. Use with
	//   attribute.String("stage", "semantic"|"text"|"chronological")
	SearchDuration metric.Float64Histogram

	// OracleDuration tracks oracle dispatch latency (context assembly
	// through persisted response). Use with attribute.String("persona", ...).
	OracleDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// SegmentsTranscribed counts settled segments. Use with
	//   attribute.String("outcome", "success"|"failed")
	SegmentsTranscribed metric.Int64Counter

	// Searches counts search requests by the stage that answered them.
	Searches metric.Int64Counter

	// OracleTokens accumulates the estimated prompt tokens sent to the LLM.
	OracleTokens metric.Int64Counter

	// TTSRequests counts synthesis requests. Use with
	//   attribute.String("result", "ok"|"cached"|"failed")
	TTSRequests metric.Int64Counter

	// TransportEvents counts inbound transport events by kind.
	TransportEvents metric.Int64Counter

	// TransportSends counts outbound transport operations. Use with
	//   attribute.String("kind", "text"|"edit"|"voice"|"file")
	TransportSends metric.Int64Counter

	// RecoverySweeps counts startup recovery findings. Use with
	//   attribute.String("kind", "interrupted"|"orphan"|"requeued")
	RecoverySweeps metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks the number of items waiting in the transcription
	// queue.
	QueueDepth metric.Int64UpDownCounter

	// ActiveSessions tracks the number of sessions currently COLLECTING.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). The wide
// tail covers local whisper batch runs, which can take minutes per segment.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("oraculo.transcription.duration",
		metric.WithDescription("Latency of one segment's speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingDuration, err = m.Float64Histogram("oraculo.embedding.duration",
		metric.WithDescription("Latency of embedding computation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SearchDuration, err = m.Float64Histogram("oraculo.search.duration",
		metric.WithDescription("End-to-end search latency by answering stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.OracleDuration, err = m.Float64Histogram("oraculo.oracle.duration",
		metric.WithDescription("Latency of oracle dispatch by persona."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("oraculo.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("oraculo.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SegmentsTranscribed, err = m.Int64Counter("oraculo.transcription.segments",
		metric.WithDescription("Total settled segments by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Searches, err = m.Int64Counter("oraculo.search.requests",
		metric.WithDescription("Total search requests by answering stage."),
	); err != nil {
		return nil, err
	}
	if met.OracleTokens, err = m.Int64Counter("oraculo.oracle.prompt_tokens",
		metric.WithDescription("Estimated prompt tokens sent to the LLM."),
	); err != nil {
		return nil, err
	}
	if met.TTSRequests, err = m.Int64Counter("oraculo.tts.requests",
		metric.WithDescription("Total synthesis requests by result."),
	); err != nil {
		return nil, err
	}
	if met.TransportEvents, err = m.Int64Counter("oraculo.transport.events",
		metric.WithDescription("Inbound transport events by kind."),
	); err != nil {
		return nil, err
	}
	if met.TransportSends, err = m.Int64Counter("oraculo.transport.sends",
		metric.WithDescription("Outbound transport operations by kind."),
	); err != nil {
		return nil, err
	}
	if met.RecoverySweeps, err = m.Int64Counter("oraculo.recovery.findings",
		metric.WithDescription("Startup recovery findings by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("oraculo.queue.depth",
		metric.WithDescription("Items waiting in the transcription queue."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("oraculo.active_sessions",
		metric.WithDescription("Sessions currently collecting audio."),
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

// RecordSegment records one settled transcription segment with its latency.
func (m *Metrics) RecordSegment(ctx context.Context, outcome string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.SegmentsTranscribed.Add(ctx, 1, attrs)
	m.TranscriptionDuration.Record(ctx, seconds, attrs)
}

// RecordSearch records one search request answered by the given stage.
func (m *Metrics) RecordSearch(ctx context.Context, stage string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("stage", stage))
	m.Searches.Add(ctx, 1, attrs)
	m.SearchDuration.Record(ctx, seconds, attrs)
}

// RecordOracle records one oracle dispatch with its latency and estimated
// prompt tokens.
func (m *Metrics) RecordOracle(ctx context.Context, persona string, seconds float64, tokens int64) {
	attrs := metric.WithAttributes(attribute.String("persona", persona))
	m.OracleDuration.Record(ctx, seconds, attrs)
	if tokens > 0 {
		m.OracleTokens.Add(ctx, tokens, attrs)
	}
}

// RecordTTS records one synthesis request by result.
func (m *Metrics) RecordTTS(ctx context.Context, result string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("result", result))
	m.TTSRequests.Add(ctx, 1, attrs)
	if seconds > 0 {
		m.TTSDuration.Record(ctx, seconds, attrs)
	}
}

// RecordTransportEvent counts one inbound transport event.
func (m *Metrics) RecordTransportEvent(ctx context.Context, kind string) {
	m.TransportEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordTransportSend counts one outbound transport operation.
func (m *Metrics) RecordTransportSend(ctx context.Context, kind string) {
	m.TransportSends.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordRecovery counts startup recovery findings of one kind.
func (m *Metrics) RecordRecovery(ctx context.Context, kind string, n int64) {
	if n == 0 {
		return
	}
	m.RecoverySweeps.Add(ctx, n, metric.WithAttributes(attribute.String("kind", kind)))
}
