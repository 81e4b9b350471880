package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/checkoutguard/internal/config"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tracer, err := New(config.TracingConfig{Enabled: true, ServiceName: "test-checkout"}, WithExporter(exp))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = tracer.Close(context.Background()) })
	return tracer, exp
}

func TestTracerMiddleware(t *testing.T) {
	tracer, exp := newTestTracer(t)

	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/api/process-payment", nil))

	if w.Header().Get("X-Trace-ID") == "" {
		t.Error("expected X-Trace-ID response header")
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "POST /api/process-payment" {
		t.Errorf("unexpected span name %q", spans[0].Name)
	}
	var status int64
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusCreated {
		t.Errorf("expected status attribute 201, got %d", status)
	}
}

func TestTracerMiddlewarePropagation(t *testing.T) {
	tracer, exp := newTestTracer(t)

	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if got := w.Header().Get("X-Trace-ID"); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("expected incoming trace ID kept, got %s", got)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Parent.SpanID().String() != "00f067aa0ba902b7" {
		t.Errorf("expected span parented to the incoming span")
	}
}

func TestTracerMiddlewareServerError(t *testing.T) {
	tracer, exp := newTestTracer(t)
	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Status.Code != codes.Error {
		t.Errorf("expected error status on 5xx span")
	}
}

func TestTracerDisabled(t *testing.T) {
	tracer, err := New(config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tracer.IsEnabled() {
		t.Error("expected tracer disabled")
	}

	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Header().Get("X-Trace-ID") != "" {
		t.Error("disabled tracer should not set X-Trace-ID")
	}
	_, span := tracer.StartSpan(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Error("disabled tracer should hand out no-op spans")
	}
	span.End()
	if err := tracer.Close(context.Background()); err != nil {
		t.Errorf("Close: %v", err)
	}
	if s := tracer.Status(); s.Enabled || s.ServiceName != "checkoutguard" {
		t.Errorf("unexpected status %+v", s)
	}
}
