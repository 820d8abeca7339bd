package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumValue returns the value of the data point carrying attribute key=value,
// or the first data point when key is empty.
func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.Emit() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q: no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordCapture(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCapture(ctx, 8192)
	m.RecordCapture(ctx, 4096)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "streamcaption.capture.chunks", "", ""); got != 2 {
		t.Errorf("chunks = %d, want 2", got)
	}
	if got := sumValue(t, rm, "streamcaption.capture.bytes", "", ""); got != 12288 {
		t.Errorf("bytes = %d, want 12288", got)
	}
}

func TestRecordConditioned(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordConditioned(ctx, "collecting", 0)
	m.RecordConditioned(ctx, "denoised", 0.004)
	m.RecordConditioned(ctx, "denoised", 0.006)
	m.RecordConditioned(ctx, "dropped", 0)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "streamcaption.denoise.chunks", "outcome", "denoised"); got != 2 {
		t.Errorf("denoised = %d, want 2", got)
	}
	if got := sumValue(t, rm, "streamcaption.denoise.chunks", "outcome", "dropped"); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}

	met := findMetric(rm, "streamcaption.denoise.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("duration metric is not a histogram")
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("duration sample count = %d, want 2", got)
	}
}

func TestRecordSendAndTranscripts(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSend(ctx, 8192, 0.01)
	m.RecordTranscript(ctx, false)
	m.RecordTranscript(ctx, false)
	m.RecordTranscript(ctx, true)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "streamcaption.dispatch.bytes", "", ""); got != 8192 {
		t.Errorf("sent bytes = %d, want 8192", got)
	}
	if got := sumValue(t, rm, "streamcaption.transcripts", "final", "false"); got != 2 {
		t.Errorf("partials = %d, want 2", got)
	}
	if got := sumValue(t, rm, "streamcaption.transcripts", "final", "true"); got != 1 {
		t.Errorf("finals = %d, want 1", got)
	}
}

func TestProviderCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "deepgram", "stt", "ok")
	m.RecordProviderRequest(ctx, "deepgram", "stt", "ok")
	m.RecordProviderRequest(ctx, "deepgram", "stt", "error")
	m.RecordProviderError(ctx, "deepgram", "stt")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "streamcaption.provider.requests", "status", "ok"); got != 2 {
		t.Errorf("ok requests = %d, want 2", got)
	}
	if got := sumValue(t, rm, "streamcaption.provider.errors", "provider", "deepgram"); got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
}

func TestActiveSessions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "streamcaption.active_sessions", "", ""); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "streamcaption.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
