package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/wudi/checkoutguard/internal/config"
	"github.com/wudi/checkoutguard/internal/logging"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned without invoking the operation while the circuit
// is open, or while the single half-open probe is in flight. Callers should
// treat it as "temporarily unavailable, try later".
var ErrCircuitOpen = errors.New("circuit breaker is open")

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger used for state transitions.
func WithLogger(l *zap.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// WithStateListener registers a callback invoked on every state transition.
// It runs while the breaker is mid-transition and must not call Execute.
func WithStateListener(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.listeners = append(b.listeners, fn) }
}

// Breaker guards one operation class (e.g. payment processing). It counts
// consecutive failures and, once the threshold is reached, rejects calls for
// the cooldown window instead of invoking the operation.
type Breaker struct {
	name      string
	cb        *gobreaker.CircuitBreaker[struct{}]
	threshold atomic.Int64
	cooldown  time.Duration
	logger    *zap.Logger
	listeners []func(name string, from, to State)

	// gobreaker resolves open -> half-open lazily when asked for its state and
	// clears its counts on every transition; the snapshot reads these mirrors
	// instead so it never causes a transition or takes the gobreaker lock.
	mu          sync.Mutex
	state       State
	openedAt    time.Time
	consecutive atomic.Int64

	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
	timesOpened    atomic.Int64
}

// New creates a circuit breaker for an operation class.
func New(name string, cfg config.CircuitBreakerConfig, opts ...Option) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}

	b := &Breaker{
		name:     name,
		cooldown: cooldown,
		state:    StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.Named(b.logger, "circuitbreaker").With(zap.String("breaker", name))
	b.threshold.Store(int64(threshold))

	b.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0, // never clear counts while closed
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int64(counts.ConsecutiveFailures) >= b.threshold.Load()
		},
		OnStateChange: b.onStateChange,
	})
	return b
}

// Name returns the operation class this breaker protects.
func (b *Breaker) Name() string {
	return b.name
}

// Execute invokes op unless the circuit is open. The error returned by op is
// passed through unchanged; a rejection returns ErrCircuitOpen.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.totalRequests.Add(1)
	invoked := false
	_, err := b.cb.Execute(func() (struct{}, error) {
		invoked = true
		failed := true
		// deferred so a panicking op is still counted before it unwinds
		defer func() { b.record(failed) }()
		err := op(ctx)
		failed = err != nil
		return struct{}{}, err
	})

	if !invoked {
		b.totalRejected.Add(1)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ErrCircuitOpen
		}
		return err
	}
	return err
}

func (b *Breaker) record(failed bool) {
	if failed {
		b.totalFailures.Add(1)
		b.consecutive.Add(1)
		return
	}
	b.totalSuccesses.Add(1)
	b.consecutive.Store(0)
}

// Call runs op through the breaker and returns its result.
func Call[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = op(ctx)
		return err
	})
	return result, err
}

// SetFailureThreshold changes the number of consecutive failures that open
// the circuit. Values below 1 are clamped to 1.
func (b *Breaker) SetFailureThreshold(n int) {
	if n < 1 {
		n = 1
	}
	if old := b.threshold.Swap(int64(n)); old != int64(n) {
		b.logger.Info("circuit breaker threshold changed",
			zap.Int64("from", old),
			zap.Int("to", n),
		)
	}
}

// Apply applies a partial configuration. Zero fields are left unchanged; the
// cooldown is fixed for the lifetime of the breaker.
func (b *Breaker) Apply(cfg config.CircuitBreakerConfig) {
	if cfg.FailureThreshold > 0 {
		b.SetFailureThreshold(cfg.FailureThreshold)
	}
}

// State returns the last observed state without forcing a transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) onStateChange(_ string, from, to gobreaker.State) {
	f, t := fromGobreaker(from), fromGobreaker(to)

	b.mu.Lock()
	b.state = t
	if t == StateOpen {
		b.openedAt = time.Now()
	}
	b.mu.Unlock()

	switch t {
	case StateOpen:
		b.timesOpened.Add(1)
		b.logger.Warn("circuit breaker opened",
			zap.String("from", f.String()),
			zap.Int64("failure_threshold", b.threshold.Load()),
			zap.Duration("cooldown", b.cooldown),
		)
	default:
		b.logger.Info("circuit breaker state changed",
			zap.String("from", f.String()),
			zap.String("to", t.String()),
		)
	}

	for _, fn := range b.listeners {
		fn(b.name, f, t)
	}
}

// Snapshot returns a point-in-time view of the breaker state. An open
// circuit whose cooldown has elapsed is reported as half-open, since the next
// call will be admitted as the probe; the state machine itself only advances
// on Execute.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	state := b.state
	var openedUntil time.Time
	if state == StateOpen {
		openedUntil = b.openedAt.Add(b.cooldown)
		if !time.Now().Before(openedUntil) {
			state = StateHalfOpen
			openedUntil = time.Time{}
		}
	}
	b.mu.Unlock()

	return Snapshot{
		Name:                b.name,
		State:               state.String(),
		ConsecutiveFailures: int(b.consecutive.Load()),
		FailureThreshold:    int(b.threshold.Load()),
		CooldownMs:          b.cooldown.Milliseconds(),
		OpenedUntil:         openedUntil,
		TotalRequests:       b.totalRequests.Load(),
		TotalFailures:       b.totalFailures.Load(),
		TotalSuccesses:      b.totalSuccesses.Load(),
		TotalRejected:       b.totalRejected.Load(),
		TimesOpened:         b.timesOpened.Load(),
	}
}

// Snapshot is a point-in-time view of a circuit breaker
type Snapshot struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	FailureThreshold    int       `json:"failure_threshold"`
	CooldownMs          int64     `json:"cooldown_ms"`
	OpenedUntil         time.Time `json:"opened_until,omitzero"`
	TotalRequests       int64     `json:"total_requests"`
	TotalFailures       int64     `json:"total_failures"`
	TotalSuccesses      int64     `json:"total_successes"`
	TotalRejected       int64     `json:"total_rejected"`
	TimesOpened         int64     `json:"times_opened"`
}
