package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/checkoutguard/internal/circuitbreaker"
	"github.com/wudi/checkoutguard/internal/config"
	"github.com/wudi/checkoutguard/internal/middleware"
	"github.com/wudi/checkoutguard/internal/perfmon"
	"github.com/wudi/checkoutguard/internal/workqueue"
	"go.uber.org/zap"
)

type testGate struct {
	*Gate
	monitor  *perfmon.Monitor
	queues   map[string]*workqueue.Queue
	breakers map[string]*circuitbreaker.Breaker
}

func newTestGate(t *testing.T, threshold int, cfg config.CheckoutConfig) *testGate {
	t.Helper()
	nop := zap.NewNop()
	profile := config.FreeProfile()

	monitor := perfmon.New(profile.Monitor, perfmon.WithLogger(nop))
	queues := make(map[string]*workqueue.Queue)
	for _, name := range config.Categories {
		queues[name] = workqueue.New(name, profile.Queues[name], workqueue.WithLogger(nop))
	}
	breakers := make(map[string]*circuitbreaker.Breaker)
	for _, name := range config.BreakerCategories {
		breakers[name] = circuitbreaker.New(name, config.CircuitBreakerConfig{
			FailureThreshold: threshold,
			Cooldown:         time.Minute,
		}, circuitbreaker.WithLogger(nop))
	}

	g, err := New(cfg, monitor, queues, breakers, WithLogger(nop))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testGate{Gate: g, monitor: monitor, queues: queues, breakers: breakers}
}

var errProvider = errors.New("payment provider unavailable")

func TestNewRequiresAllQueues(t *testing.T) {
	_, err := New(config.CheckoutConfig{}, perfmon.New(config.MonitorConfig{}), map[string]*workqueue.Queue{}, nil)
	if err == nil {
		t.Fatal("expected error for missing queues")
	}
}

func TestGatePaymentComposition(t *testing.T) {
	g := newTestGate(t, 2, config.CheckoutConfig{})
	ctx := context.Background()

	if err := g.Payment(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := g.Payment(ctx, func(context.Context) error { return errProvider }); err != errProvider {
			t.Fatalf("expected provider error unchanged, got %v", err)
		}
	}

	var invoked bool
	err := g.Payment(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if invoked {
		t.Error("operation must not run while the circuit is open")
	}

	// the monitor only sees invoked operations
	s := g.monitor.Status()
	if s.RequestCount != 3 || s.ErrorCount != 2 {
		t.Errorf("unexpected monitor status %+v", s)
	}
	if q := g.queues[config.CategoryPayments].Stats(); q.Processed != 1 || q.Failed != 3 {
		t.Errorf("unexpected queue stats %+v", q)
	}
	if b := g.breakers[config.CategoryPayments].Snapshot(); b.State != "open" {
		t.Errorf("expected payments breaker open, got %s", b.State)
	}
	// other categories are isolated
	if b := g.breakers[config.CategoryStock].Snapshot(); b.State != "closed" {
		t.Errorf("expected stock breaker closed, got %s", b.State)
	}
}

func TestGateEmailHasNoBreaker(t *testing.T) {
	g := newTestGate(t, 1, config.CheckoutConfig{})
	ctx := context.Background()
	errSMTP := errors.New("smtp timeout")

	for i := 0; i < 5; i++ {
		if err := g.Email(ctx, func(context.Context) error { return errSMTP }); err != errSMTP {
			t.Fatalf("expected smtp error, got %v", err)
		}
	}
	if q := g.queues[config.CategoryEmail].Stats(); q.Failed != 5 {
		t.Errorf("expected 5 failed email tasks, got %+v", q)
	}
}

func TestGateUnknownCategory(t *testing.T) {
	g := newTestGate(t, 1, config.CheckoutConfig{})
	if err := g.Run(context.Background(), "refunds", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for unknown category")
	}
}

func TestGateStockRetry(t *testing.T) {
	g := newTestGate(t, 10, config.CheckoutConfig{
		StockRetry: config.RetryConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxElapsed:      time.Second,
		},
	})

	var calls atomic.Int64
	err := g.Stock(context.Background(), func(context.Context) error {
		if calls.Add(1) < 3 {
			return Retryable(errors.New("stock row locked"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestGateStockPermanentError(t *testing.T) {
	g := newTestGate(t, 10, config.CheckoutConfig{
		StockRetry: config.RetryConfig{InitialInterval: time.Millisecond, MaxElapsed: time.Second},
	})
	errOutOfStock := errors.New("out of stock")

	var calls atomic.Int64
	err := g.Stock(context.Background(), func(context.Context) error {
		calls.Add(1)
		return errOutOfStock
	})
	if !errors.Is(err, errOutOfStock) {
		t.Fatalf("expected out of stock error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("permanent errors must not be retried, got %d attempts", calls.Load())
	}
}

func TestGateStockRetriesOpenCircuit(t *testing.T) {
	g := newTestGate(t, 1, config.CheckoutConfig{
		StockRetry: config.RetryConfig{InitialInterval: 5 * time.Millisecond, MaxInterval: 10 * time.Millisecond, MaxElapsed: 50 * time.Millisecond},
	})
	stock := g.breakers[config.CategoryStock]
	_ = stock.Execute(context.Background(), func(context.Context) error { return errProvider })

	err := g.Stock(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen after retries ran out, got %v", err)
	}
	if rejected := stock.Snapshot().TotalRejected; rejected < 2 {
		t.Errorf("expected several rejected attempts, got %d", rejected)
	}
}

func TestGateStockWithoutRetry(t *testing.T) {
	g := newTestGate(t, 10, config.CheckoutConfig{})
	var calls atomic.Int64
	_ = g.Stock(context.Background(), func(context.Context) error {
		calls.Add(1)
		return Retryable(errors.New("locked"))
	})
	if calls.Load() != 1 {
		t.Errorf("expected a single attempt with retries disabled, got %d", calls.Load())
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(nil) != nil {
		t.Error("Retryable(nil) should be nil")
	}
	inner := errors.New("deadlock")
	err := Retryable(inner)
	if !IsRetryable(err) || !errors.Is(err, inner) || err.Error() != "deadlock" {
		t.Errorf("unexpected retryable error %v", err)
	}
	if IsRetryable(inner) {
		t.Error("plain errors are not retryable")
	}
}

func TestMiddleware(t *testing.T) {
	g := newTestGate(t, 2, config.CheckoutConfig{})
	status := http.StatusOK
	handler := Middleware(g.Gate, config.CategoryPayments)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if middleware.RequestIDFromContext(r.Context()) == "" {
			t.Error("expected request ID in handler context")
		}
		w.WriteHeader(status)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("POST", "/api/process-payment", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID response header")
	}

	// two 5xx responses open the circuit
	status = http.StatusBadGateway
	for i := 0; i < 2; i++ {
		rr = httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("POST", "/api/process-payment", nil))
		if rr.Code != http.StatusBadGateway {
			t.Fatalf("expected handler's 502 passed through, got %d", rr.Code)
		}
	}
	if s := g.breakers[config.CategoryPayments].Snapshot(); s.State != "open" {
		t.Fatalf("expected 5xx responses to open the circuit, got %s", s.State)
	}

	req := httptest.NewRequest("POST", "/api/process-payment", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while open, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["message"] != "Service temporarily unavailable, try again shortly" {
		t.Errorf("unexpected message %v", body["message"])
	}
	if body["request_id"] != "req-42" || rr.Header().Get("X-Request-ID") != "req-42" {
		t.Errorf("expected incoming request ID kept, got %v", body["request_id"])
	}
}

func TestMiddleware4xxIsNotFailure(t *testing.T) {
	g := newTestGate(t, 1, config.CheckoutConfig{})
	handler := Middleware(g.Gate, config.CategoryStock)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid sku", http.StatusBadRequest)
	}))

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("POST", "/api/stock", nil))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
	}
	if s := g.breakers[config.CategoryStock].Snapshot(); s.State != "closed" || s.TotalFailures != 0 {
		t.Errorf("4xx must not count as failure, got %+v", s)
	}
}

func TestMiddlewareHandlerPanic(t *testing.T) {
	g := newTestGate(t, 10, config.CheckoutConfig{})
	handler := Middleware(g.Gate, config.CategoryPayments)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("nil provider client")
	}))

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("POST", "/api/process-payment", nil))
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500 for a panicking handler, got %d", rr.Code)
		}
	}

	s := g.monitor.Status()
	if s.ConcurrentRequests != 0 {
		t.Errorf("expected no requests in flight after panics, got %d", s.ConcurrentRequests)
	}
	if s.ErrorCount != 3 {
		t.Errorf("expected 3 failed requests, got %d", s.ErrorCount)
	}
	if b := g.breakers[config.CategoryPayments].Snapshot(); b.ConsecutiveFailures != 3 || b.TotalFailures != 3 {
		t.Errorf("expected panics counted by the breaker, got %+v", b)
	}
	if q := g.queues[config.CategoryPayments].Stats(); q.Failed != 3 || q.Running != 0 {
		t.Errorf("unexpected queue stats %+v", q)
	}
}
