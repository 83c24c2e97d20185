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

// instrumented wraps h in Middleware with private meter and tracer providers.
// The global tracer provider is swapped for the duration of the test, so
// callers must not run in parallel.
func instrumented(t *testing.T, h http.HandlerFunc) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	m, reader := newTestMetrics(t)

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	return Middleware(m)(h), reader, exp
}

func TestMiddleware_SpanAndCorrelation(t *testing.T) {
	const incoming = "4bf92f3577b34da6a3ce929d0e0e4736"

	tests := []struct {
		name        string
		traceparent string
		status      int
	}{
		{name: "new trace", status: http.StatusOK},
		{name: "continued trace", traceparent: "00-" + incoming + "-00f067aa0ba902b7-01", status: http.StatusOK},
		{name: "handler status", status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h, _, exp := instrumented(t, func(w http.ResponseWriter, r *http.Request) {
				seen = CorrelationID(r.Context())
				w.WriteHeader(tt.status)
			})

			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.traceparent != "" {
				req.Header.Set("traceparent", tt.traceparent)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if len(seen) != 32 {
				t.Fatalf("correlation id = %q, want 32 hex chars", seen)
			}
			if tt.traceparent != "" && seen != incoming {
				t.Errorf("correlation id = %q, want incoming trace %q", seen, incoming)
			}
			if got := rec.Header().Get(CorrelationHeader); got != seen {
				t.Errorf("%s = %q, want %q", CorrelationHeader, got, seen)
			}

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans, want 1", len(spans))
			}
			if spans[0].Name != "HTTP GET /ws" {
				t.Errorf("span name = %q", spans[0].Name)
			}
			var status int64
			for _, a := range spans[0].Attributes {
				if a.Key == "http.response.status_code" {
					status = a.Value.AsInt64()
				}
			}
			if status != int64(tt.status) {
				t.Errorf("span status attribute = %d, want %d", status, tt.status)
			}
		})
	}
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	h, reader, _ := instrumented(t, func(w http.ResponseWriter, _ *http.Request) {})

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	met := findMetric(collect(t, reader), "ghosttype.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 {
		t.Fatalf("got %d data points, want 1", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 2 {
		t.Errorf("sample count = %d, want 2", dp.Count)
	}
	if v, _ := dp.Attributes.Value(attribute.Key("method")); v.AsString() != http.MethodGet {
		t.Errorf("method attribute = %q", v.AsString())
	}
	if v, _ := dp.Attributes.Value(attribute.Key("path")); v.AsString() != "/healthz" {
		t.Errorf("path attribute = %q", v.AsString())
	}
}

func TestMiddleware_WriterPassthrough(t *testing.T) {
	rec := httptest.NewRecorder()
	h, _, _ := instrumented(t, func(w http.ResponseWriter, _ *http.Request) {
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok || u.Unwrap() != rec {
			t.Error("Unwrap did not return the original writer")
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("wrapped writer does not implement http.Hijacker")
		}
		if _, _, err := hj.Hijack(); err == nil {
			t.Error("hijacking a recorder should fail")
		}
	})
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
}

func TestIsProbe(t *testing.T) {
	t.Parallel()

	for path, want := range map[string]bool{
		"/":        true,
		"/healthz": true,
		"/readyz":  true,
		"/ws":      false,
		"/metrics": false,
	} {
		if got := isProbe(path); got != want {
			t.Errorf("isProbe(%q) = %v, want %v", path, got, want)
		}
	}
}
