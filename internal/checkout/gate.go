package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/wudi/checkoutguard/internal/circuitbreaker"
	"github.com/wudi/checkoutguard/internal/config"
	"github.com/wudi/checkoutguard/internal/logging"
	"github.com/wudi/checkoutguard/internal/perfmon"
	"github.com/wudi/checkoutguard/internal/workqueue"
	"go.uber.org/zap"
)

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// Gate is what route handlers call to run payment, stock and email work.
// Each call is queued on its category's queue; once dispatched it goes
// through the category's breaker (if any) and is measured by the monitor.
type Gate struct {
	cfg      config.CheckoutConfig
	monitor  *perfmon.Monitor
	queues   map[string]*workqueue.Queue
	breakers map[string]*circuitbreaker.Breaker
	logger   *zap.Logger
}

// New creates a gate. Every category needs a queue; breakers are optional
// per category.
func New(cfg config.CheckoutConfig, monitor *perfmon.Monitor, queues map[string]*workqueue.Queue, breakers map[string]*circuitbreaker.Breaker, opts ...Option) (*Gate, error) {
	for _, name := range config.Categories {
		if queues[name] == nil {
			return nil, fmt.Errorf("checkout: missing queue for %q", name)
		}
	}
	g := &Gate{
		cfg:      cfg,
		monitor:  monitor,
		queues:   queues,
		breakers: breakers,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.Named(g.logger, "checkout")
	return g, nil
}

// Payment runs fn on the payments queue behind the payments breaker.
func (g *Gate) Payment(ctx context.Context, fn func(context.Context) error) error {
	return g.Run(ctx, config.CategoryPayments, fn)
}

// Email runs fn on the email queue.
func (g *Gate) Email(ctx context.Context, fn func(context.Context) error) error {
	return g.Run(ctx, config.CategoryEmail, fn)
}

// Stock runs fn on the stock queue behind the stock breaker. An open circuit
// and errors marked with Retryable are retried with exponential backoff,
// outside the queue, until checkout.stock_retry.max_elapsed runs out.
func (g *Gate) Stock(ctx context.Context, fn func(context.Context) error) error {
	rc := g.cfg.StockRetry
	if rc.MaxElapsed <= 0 {
		return g.Run(ctx, config.CategoryStock, fn)
	}

	bo := backoff.NewExponentialBackOff()
	if rc.InitialInterval > 0 {
		bo.InitialInterval = rc.InitialInterval
	}
	if rc.MaxInterval > 0 {
		bo.MaxInterval = rc.MaxInterval
	}
	bo.MaxElapsedTime = rc.MaxElapsed

	attempt := 0
	op := func() error {
		attempt++
		err := g.Run(ctx, config.CategoryStock, fn)
		if err == nil || errors.Is(err, circuitbreaker.ErrCircuitOpen) || IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		g.logger.Info("retrying stock update",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
}

// Run submits fn to the named category with the category's priority.
func (g *Gate) Run(ctx context.Context, category string, fn func(context.Context) error) error {
	q, ok := g.queues[category]
	if !ok {
		return fmt.Errorf("checkout: unknown category %q", category)
	}
	breaker := g.breakers[category]

	return q.Submit(ctx, func(ctx context.Context) error {
		if breaker == nil {
			return g.monitor.Track(ctx, fn)
		}
		return breaker.Execute(ctx, func(ctx context.Context) error {
			return g.monitor.Track(ctx, fn)
		})
	}, g.priority(category))
}

func (g *Gate) priority(category string) int {
	switch category {
	case config.CategoryPayments:
		return g.cfg.PaymentPriority
	case config.CategoryStock:
		return g.cfg.StockPriority
	case config.CategoryEmail:
		return g.cfg.EmailPriority
	default:
		return 0
	}
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as safe to retry for Stock.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
