package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/checkoutguard/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var errBoom = errors.New("boom")

func failing(calls *atomic.Int64) func(context.Context) error {
	return func(context.Context) error {
		calls.Add(1)
		return errBoom
	}
}

func succeeding(context.Context) error { return nil }

func newTestBreaker(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	return New("payments", config.CircuitBreakerConfig{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
	}, opts...)
}

func TestNewBreakerDefaults(t *testing.T) {
	b := New("payments", config.CircuitBreakerConfig{}, WithLogger(zap.NewNop()))

	snap := b.Snapshot()
	if snap.State != "closed" {
		t.Errorf("expected closed, got %s", snap.State)
	}
	if snap.FailureThreshold != 5 {
		t.Errorf("expected failure threshold 5, got %d", snap.FailureThreshold)
	}
	if snap.CooldownMs != 30000 {
		t.Errorf("expected cooldown 30000ms, got %d", snap.CooldownMs)
	}
	if b.Name() != "payments" {
		t.Errorf("expected name payments, got %q", b.Name())
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := newTestBreaker(3, time.Second)
	var calls atomic.Int64
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, failing(&calls)); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected original error, got %v", i+1, err)
		}
	}

	if snap := b.Snapshot(); snap.State != "open" {
		t.Fatalf("expected open after 3 failures, got %s", snap.State)
	}

	err := b.Execute(ctx, failing(&calls))
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected operation not invoked while open, got %d calls", calls.Load())
	}
}

func TestBreakerTenFailuresScenario(t *testing.T) {
	b := newTestBreaker(10, time.Minute)
	var calls atomic.Int64

	for i := 0; i < 10; i++ {
		_ = b.Execute(context.Background(), failing(&calls))
	}

	if err := b.Execute(context.Background(), failing(&calls)); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected 11th call rejected with ErrCircuitOpen, got %v", err)
	}
	if snap := b.Snapshot(); snap.State != "open" {
		t.Errorf("expected state open, got %s", snap.State)
	}
	if calls.Load() != 10 {
		t.Errorf("expected 10 invocations, got %d", calls.Load())
	}
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	b := newTestBreaker(3, time.Second)
	var calls atomic.Int64
	ctx := context.Background()

	_ = b.Execute(ctx, failing(&calls))
	_ = b.Execute(ctx, failing(&calls))
	if got := b.Snapshot().ConsecutiveFailures; got != 2 {
		t.Fatalf("expected 2 consecutive failures, got %d", got)
	}

	if err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := b.Snapshot().ConsecutiveFailures; got != 0 {
		t.Fatalf("expected counter reset to 0, got %d", got)
	}

	_ = b.Execute(ctx, failing(&calls))
	_ = b.Execute(ctx, failing(&calls))

	if snap := b.Snapshot(); snap.State != "closed" {
		t.Errorf("expected closed (failures reset by success), got %s", snap.State)
	}
}

func TestBreakerCooldownToHalfOpenToClosed(t *testing.T) {
	b := newTestBreaker(1, 50*time.Millisecond)
	var calls atomic.Int64
	ctx := context.Background()

	_ = b.Execute(ctx, failing(&calls))
	if err := b.Execute(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected rejection during cooldown, got %v", err)
	}

	time.Sleep(70 * time.Millisecond)

	// The snapshot reports the pending probe without advancing the state machine.
	if snap := b.Snapshot(); snap.State != "half-open" || !snap.OpenedUntil.IsZero() {
		t.Errorf("expected snapshot to report half-open after cooldown, got %+v", snap)
	}
	if s := b.State(); s != StateOpen {
		t.Errorf("expected state machine still open before the probe, got %s", s)
	}

	var probed bool
	err := b.Execute(ctx, func(context.Context) error {
		probed = true
		if s := b.State(); s != StateHalfOpen {
			t.Errorf("expected half-open during probe, got %s", s)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected probe allowed, got %v", err)
	}
	if !probed {
		t.Fatal("expected probe to run")
	}

	snap := b.Snapshot()
	if snap.State != "closed" {
		t.Errorf("expected closed after successful probe, got %s", snap.State)
	}
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("expected counter 0, got %d", snap.ConsecutiveFailures)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(1, 50*time.Millisecond)
	var calls atomic.Int64
	ctx := context.Background()

	_ = b.Execute(ctx, failing(&calls))
	time.Sleep(70 * time.Millisecond)

	if err := b.Execute(ctx, failing(&calls)); !errors.Is(err, errBoom) {
		t.Fatalf("expected probe error passed through, got %v", err)
	}
	if snap := b.Snapshot(); snap.State != "open" {
		t.Errorf("expected open after failed probe, got %s", snap.State)
	}
	if err := b.Execute(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected fresh cooldown after failed probe, got %v", err)
	}
}

func TestBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	b := newTestBreaker(1, 50*time.Millisecond)
	var calls atomic.Int64
	ctx := context.Background()

	_ = b.Execute(ctx, failing(&calls))
	time.Sleep(70 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := b.Execute(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected concurrent call during probe to be rejected, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe failed: %v", err)
	}
}

func TestBreakerLogsOncePerOpenTransition(t *testing.T) {
	core, obs := observer.New(zapcore.WarnLevel)
	b := New("payments", config.CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Minute},
		WithLogger(zap.New(core)))
	var calls atomic.Int64

	for i := 0; i < 10; i++ {
		_ = b.Execute(context.Background(), failing(&calls))
	}

	warns := obs.FilterMessage("circuit breaker opened").All()
	if len(warns) != 1 {
		t.Fatalf("expected exactly 1 open warning, got %d", len(warns))
	}
	if snap := b.Snapshot(); snap.TimesOpened != 1 || snap.TotalRejected != 8 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestBreakerStateListener(t *testing.T) {
	var transitions []string
	b := newTestBreaker(1, time.Minute, WithStateListener(func(name string, from, to State) {
		transitions = append(transitions, fmt.Sprintf("%s:%s->%s", name, from, to))
	}))

	_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })

	if len(transitions) != 1 || transitions[0] != "payments:closed->open" {
		t.Errorf("unexpected transitions %v", transitions)
	}
}

func TestBreakerRuntimeThreshold(t *testing.T) {
	b := newTestBreaker(5, time.Minute)
	var calls atomic.Int64
	ctx := context.Background()

	b.Apply(config.CircuitBreakerConfig{FailureThreshold: 2})
	if got := b.Snapshot().FailureThreshold; got != 2 {
		t.Fatalf("expected threshold 2, got %d", got)
	}

	_ = b.Execute(ctx, failing(&calls))
	_ = b.Execute(ctx, failing(&calls))
	if snap := b.Snapshot(); snap.State != "open" {
		t.Errorf("expected lowered threshold to open circuit, got %s", snap.State)
	}

	b.SetFailureThreshold(0)
	if got := b.Snapshot().FailureThreshold; got != 1 {
		t.Errorf("expected threshold clamped to 1, got %d", got)
	}

	b.Apply(config.CircuitBreakerConfig{})
	if got := b.Snapshot().FailureThreshold; got != 1 {
		t.Errorf("expected zero config to keep threshold, got %d", got)
	}
}

func TestBreakerCanceledContext(t *testing.T) {
	b := newTestBreaker(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int64
	if err := b.Execute(ctx, failing(&calls)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls.Load() != 0 {
		t.Error("operation must not run with a canceled context")
	}
	if snap := b.Snapshot(); snap.TotalRequests != 0 || snap.State != "closed" {
		t.Errorf("canceled call must not be counted, got %+v", snap)
	}
}

func TestCall(t *testing.T) {
	b := newTestBreaker(1, time.Minute)

	got, err := Call(context.Background(), b, func(context.Context) (string, error) {
		return "order-42", nil
	})
	if err != nil || got != "order-42" {
		t.Fatalf("expected order-42, got %q %v", got, err)
	}

	_, err = Call(context.Background(), b, func(context.Context) (string, error) {
		return "", errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}

	got, err = Call(context.Background(), b, func(context.Context) (string, error) {
		return "never", nil
	})
	if !errors.Is(err, ErrCircuitOpen) || got != "" {
		t.Fatalf("expected rejection with zero value, got %q %v", got, err)
	}
}

func TestBreakerMetrics(t *testing.T) {
	b := newTestBreaker(2, 10*time.Second)
	var calls atomic.Int64
	ctx := context.Background()

	_ = b.Execute(ctx, succeeding)
	_ = b.Execute(ctx, failing(&calls))
	_ = b.Execute(ctx, failing(&calls))
	_ = b.Execute(ctx, succeeding)

	snap := b.Snapshot()
	if snap.TotalRequests != 4 {
		t.Errorf("expected 4 total requests, got %d", snap.TotalRequests)
	}
	if snap.TotalSuccesses != 1 {
		t.Errorf("expected 1 success, got %d", snap.TotalSuccesses)
	}
	if snap.TotalFailures != 2 {
		t.Errorf("expected 2 failures, got %d", snap.TotalFailures)
	}
	if snap.TotalRejected != 1 {
		t.Errorf("expected 1 rejected, got %d", snap.TotalRejected)
	}
	if snap.OpenedUntil.IsZero() {
		t.Error("expected opened_until to be set while open")
	}
}

func TestBreakerCountsPanickingOperation(t *testing.T) {
	b := newTestBreaker(2, time.Minute)

	for i := 0; i < 2; i++ {
		func() {
			defer func() {
				if r := recover(); r == nil {
					t.Error("expected panic to propagate")
				}
			}()
			_ = b.Execute(context.Background(), func(context.Context) error { panic("nil map") })
		}()
	}

	snap := b.Snapshot()
	if snap.State != "open" {
		t.Errorf("expected panics to open the circuit, got %s", snap.State)
	}
	if snap.ConsecutiveFailures != 2 || snap.TotalFailures != 2 {
		t.Errorf("expected panics counted as failures, got %+v", snap)
	}
}

func TestBreakerSnapshotDuringCooldown(t *testing.T) {
	b := newTestBreaker(1, time.Minute)
	_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })

	snap := b.Snapshot()
	if snap.State != "open" {
		t.Fatalf("expected open during cooldown, got %s", snap.State)
	}
	if snap.OpenedUntil.Before(time.Now()) {
		t.Errorf("expected opened_until in the future, got %v", snap.OpenedUntil)
	}
}
