// Package observe provides application-wide observability primitives for
// streamcaption: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] and served by [Handler] so
// that metrics can be scraped from /metrics. A package-level default
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

// meterName is the instrumentation scope name used for all streamcaption metrics.
const meterName = "github.com/MrWong99/streamcaption"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// ---- capture ----

	// CaptureChunks counts PCM chunks read from the capture process.
	CaptureChunks metric.Int64Counter

	// CaptureBytes counts PCM bytes read from the capture process.
	CaptureBytes metric.Int64Counter

	// ---- conditioning ----

	// ConditionedChunks counts conditioner results. Use with attribute:
	//   attribute.String("outcome", "denoised"|"collecting"|"passthrough"|"dropped")
	ConditionedChunks metric.Int64Counter

	// ConditioningDuration tracks per-chunk noise reduction latency.
	ConditioningDuration metric.Float64Histogram

	// ProfileTransitions counts noise profiles finalised.
	ProfileTransitions metric.Int64Counter

	// TruncatedChunks counts chunks cut down to the size ceiling.
	TruncatedChunks metric.Int64Counter

	// ---- dispatch ----

	// SentBytes counts PCM bytes delivered to the transcription sink.
	SentBytes metric.Int64Counter

	// SendDuration tracks how long one SendAudio call blocks.
	SendDuration metric.Float64Histogram

	// Transcripts counts transcript events received. Use with attribute:
	//   attribute.Bool("final", ...)
	Transcripts metric.Int64Counter

	// ---- providers ----

	// ProviderRequests counts provider stream opens. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ---- sessions ----

	// ActiveSessions tracks the number of sessions currently capturing.
	ActiveSessions metric.Int64UpDownCounter

	// SessionRestarts counts supervisor retries after a failed session.
	SessionRestarts metric.Int64Counter

	// ---- HTTP middleware ----

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// per-chunk work, which is expected to stay well under a chunk's duration.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counter := func(dst *metric.Int64Counter, name, desc string, opts ...metric.Int64CounterOption) {
		if err != nil {
			return
		}
		*dst, err = m.Int64Counter(name, append([]metric.Int64CounterOption{metric.WithDescription(desc)}, opts...)...)
	}
	histogram := func(dst *metric.Float64Histogram, name, desc string) {
		if err != nil {
			return
		}
		*dst, err = m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	counter(&met.CaptureChunks, "streamcaption.capture.chunks", "PCM chunks read from the capture process.")
	counter(&met.CaptureBytes, "streamcaption.capture.bytes", "PCM bytes read from the capture process.", metric.WithUnit("By"))
	counter(&met.ConditionedChunks, "streamcaption.denoise.chunks", "Conditioner results by outcome.")
	histogram(&met.ConditioningDuration, "streamcaption.denoise.duration", "Latency of per-chunk noise reduction.")
	counter(&met.ProfileTransitions, "streamcaption.denoise.profiles", "Noise profiles finalised.")
	counter(&met.TruncatedChunks, "streamcaption.denoise.truncated", "Chunks truncated to the size ceiling.")
	counter(&met.SentBytes, "streamcaption.dispatch.bytes", "PCM bytes delivered to the transcription sink.", metric.WithUnit("By"))
	histogram(&met.SendDuration, "streamcaption.dispatch.send.duration", "Latency of a single audio send.")
	counter(&met.Transcripts, "streamcaption.transcripts", "Transcript events received by finality.")
	counter(&met.ProviderRequests, "streamcaption.provider.requests", "Provider stream opens by provider, kind, and status.")
	counter(&met.ProviderErrors, "streamcaption.provider.errors", "Provider errors by provider and kind.")
	counter(&met.SessionRestarts, "streamcaption.session.restarts", "Sessions restarted after a retryable failure.")
	if err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("streamcaption.active_sessions",
		metric.WithDescription("Number of sessions currently capturing."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("streamcaption.http.request.duration",
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

// RecordCapture records one chunk read from the capture process.
func (m *Metrics) RecordCapture(ctx context.Context, n int) {
	m.CaptureChunks.Add(ctx, 1)
	m.CaptureBytes.Add(ctx, int64(n))
}

// RecordConditioned records a conditioner outcome and, for outcomes that ran
// the noise reducer, its latency in seconds.
func (m *Metrics) RecordConditioned(ctx context.Context, outcome string, seconds float64) {
	m.ConditionedChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if seconds > 0 {
		m.ConditioningDuration.Record(ctx, seconds)
	}
}

// RecordSend records a successful audio send of n bytes.
func (m *Metrics) RecordSend(ctx context.Context, n int, seconds float64) {
	m.SentBytes.Add(ctx, int64(n))
	m.SendDuration.Record(ctx, seconds)
}

// RecordTranscript records a received transcript event.
func (m *Metrics) RecordTranscript(ctx context.Context, final bool) {
	m.Transcripts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("final", final)))
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
