package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestServer mounts handler under pattern on a mux wrapped by the
// middleware, with in-memory metrics and traces.
func newTestServer(t *testing.T, pattern string, handler http.HandlerFunc) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	mux := http.NewServeMux()
	mux.HandleFunc(pattern, handler)
	return Middleware(m)(mux), reader, exp
}

func serve(h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	var seen string
	h, _, _ := newTestServer(t, "GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	})

	rec := serve(h, "GET", "/readyz", nil)
	if len(seen) != 32 {
		t.Fatalf("correlation id %q, want 32 hex chars", seen)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != seen {
		t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
	}
}

func TestMiddleware_JoinsIncomingTrace(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var seen string
	h, _, _ := newTestServer(t, "GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	})

	rec := serve(h, "GET", "/healthz", map[string]string{
		"traceparent": "00-" + traceID + "-00f067aa0ba902b7-01",
	})
	if seen != traceID {
		t.Errorf("handler trace id = %q, want %q", seen, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}

func TestMiddleware_SpanNamedByRoute(t *testing.T) {
	h, _, exp := newTestServer(t, "GET /sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := serve(h, "GET", "/sessions/council-7", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if want := "HTTP GET /sessions/{id}"; spans[0].Name != want {
		t.Errorf("span name = %q, want %q", spans[0].Name, want)
	}
	attrs := attribute.NewSet(spans[0].Attributes...)
	if v, ok := attrs.Value("http.response.status_code"); !ok || v.AsInt64() != 404 {
		t.Errorf("http.response.status_code = %v, want 404", v)
	}
	if v, ok := attrs.Value("http.route"); !ok || v.AsString() != "/sessions/{id}" {
		t.Errorf("http.route = %v, want /sessions/{id}", v)
	}
}

func TestMiddleware_RecordsDurationByRoute(t *testing.T) {
	h, reader, _ := newTestServer(t, "GET /sessions/{id}", func(http.ResponseWriter, *http.Request) {})

	serve(h, "GET", "/sessions/a", nil)
	serve(h, "GET", "/sessions/b", nil)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "streamcaption.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data is %T, want histogram", met.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1 (both paths share a route)", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 2 {
		t.Errorf("count = %d, want 2", dp.Count)
	}
	for key, want := range map[attribute.Key]string{"method": "GET", "route": "/sessions/{id}"} {
		if v, ok := dp.Attributes.Value(key); !ok || v.AsString() != want {
			t.Errorf("attribute %s = %v, want %q", key, v, want)
		}
	}
	if v, ok := dp.Attributes.Value("status"); !ok || v.AsInt64() != 200 {
		t.Errorf("status attribute = %v, want 200", v)
	}
}

func TestRoute(t *testing.T) {
	tests := []struct {
		pattern, path, want string
	}{
		{"GET /healthz", "/healthz", "/healthz"},
		{"/metrics", "/metrics", "/metrics"},
		{"", "/raw", "/raw"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", tt.path, nil)
		r.Pattern = tt.pattern
		if got := route(r); got != tt.want {
			t.Errorf("route(%q) = %q, want %q", tt.pattern, got, tt.want)
		}
	}
}
