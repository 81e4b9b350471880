package main

import (
	"context"
	"fmt"
	"time"

	"github.com/wudi/checkoutguard/internal/admin"
	"github.com/wudi/checkoutguard/internal/checkout"
	"github.com/wudi/checkoutguard/internal/circuitbreaker"
	"github.com/wudi/checkoutguard/internal/config"
	"github.com/wudi/checkoutguard/internal/logging"
	"github.com/wudi/checkoutguard/internal/metrics"
	"github.com/wudi/checkoutguard/internal/optimizer"
	"github.com/wudi/checkoutguard/internal/perfmon"
	"github.com/wudi/checkoutguard/internal/statusstore"
	"github.com/wudi/checkoutguard/internal/tracing"
	"github.com/wudi/checkoutguard/internal/workqueue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// app holds every traffic-control component of one process.
type app struct {
	cfg     *config.Config
	profile config.Profile
	logger  *zap.Logger

	tracer    *tracing.Tracer
	metrics   *metrics.Collector
	monitor   *perfmon.Monitor
	queues    map[string]*workqueue.Queue
	breakers  map[string]*circuitbreaker.Breaker
	gate      *checkout.Gate
	optimizer *optimizer.Optimizer
	store     *statusstore.Store
	admin     *admin.Server
}

func newApp(cfg *config.Config, instance string, logger *zap.Logger, tracingOpts ...tracing.Option) (*app, error) {
	a := &app{
		cfg:      cfg,
		profile:  cfg.Profile(),
		logger:   logger,
		metrics:  metrics.NewCollector(),
		queues:   make(map[string]*workqueue.Queue, len(config.Categories)),
		breakers: make(map[string]*circuitbreaker.Breaker, len(config.BreakerCategories)),
	}

	tracer, err := tracing.New(cfg.Tracing, tracingOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating tracer: %w", err)
	}
	a.tracer = tracer

	a.monitor = perfmon.New(a.profile.Monitor, perfmon.WithLogger(logger))
	a.metrics.SetMonitor(a.monitor)

	var optQueues []optimizer.Queue
	var optBreakers []optimizer.Breaker
	var adminQueues []admin.Queue
	var adminBreakers []admin.Breaker

	for _, name := range config.Categories {
		q := workqueue.New(name, a.profile.Queues[name],
			workqueue.WithLogger(logger),
			workqueue.WithTracerProvider(tracer.Provider()),
		)
		a.queues[name] = q
		a.metrics.AddQueue(q)
		optQueues = append(optQueues, q)
		adminQueues = append(adminQueues, q)
	}
	for _, name := range config.BreakerCategories {
		b := circuitbreaker.New(name, a.profile.CircuitBreaker,
			circuitbreaker.WithLogger(logger),
			circuitbreaker.WithStateListener(a.metrics.ObserveTransition),
		)
		a.breakers[name] = b
		a.metrics.AddBreaker(b)
		optBreakers = append(optBreakers, b)
		adminBreakers = append(adminBreakers, b)
	}

	a.gate, err = checkout.New(cfg.Checkout, a.monitor, a.queues, a.breakers, checkout.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	optOpts := []optimizer.Option{optimizer.WithLogger(logger)}
	var instances admin.InstanceLister
	if cfg.Redis.Enabled {
		a.store = statusstore.New(statusstore.NewClient(cfg.Redis), cfg.Redis, instance, a.profile.Name,
			statusstore.WithLogger(logger))
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.store.Ping(ctx); err != nil {
			logger.Warn("status store unreachable, reports will be retried on the next cycle",
				zap.String("address", cfg.Redis.Address), zap.Error(err))
		}
		cancel()
		optOpts = append(optOpts, optimizer.WithReporter(a.store))
		instances = a.store
	}
	a.optimizer = optimizer.New(a.profile.Optimizer, a.monitor, optQueues, optBreakers, optOpts...)

	src := admin.Sources{
		Tier:      a.profile.Name,
		Monitor:   a.monitor,
		Queues:    adminQueues,
		Breakers:  adminBreakers,
		Metrics:   a.metrics.Handler(),
		Instances: instances,
		Tracing:   tracer.Status(),
	}
	if cfg.IsProduction() {
		a.metrics.SetOptimizer(a.optimizer)
		src.Optimizer = a.optimizer
	}
	if cfg.Admin.Enabled {
		a.admin = admin.New(cfg.Admin, src, admin.WithLogger(logger))
	}
	return a, nil
}

// run starts the optimizer (production only) and the admin API, and blocks
// until ctx is done or the admin server fails.
func (a *app) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.IsProduction() {
		a.optimizer.Start(ctx)
	} else {
		a.logger.Info("traffic optimizer disabled outside production",
			zap.String("environment", a.cfg.Environment))
	}

	if a.admin != nil {
		g.Go(a.admin.ListenAndServe)
	}
	g.Go(func() error {
		<-ctx.Done()
		a.optimizer.Stop()
		if a.admin == nil {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.admin.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// reload applies a reloaded configuration. The tier and its cooldown are
// fixed for the process lifetime; log level, queue bounds and optimizer
// targets follow the new file.
func (a *app) reload(cfg *config.Config) {
	logging.SetLevel(cfg.Logging.Level)

	profile := cfg.Profile()
	if profile.Name != a.profile.Name {
		a.logger.Warn("tier change requires a restart, keeping current tier",
			zap.String("current", a.profile.Name),
			zap.String("requested", profile.Name),
		)
		return
	}
	for name, q := range a.queues {
		q.Apply(profile.Queues[name])
	}
	a.optimizer.Reconfigure(profile.Optimizer)
	a.profile = profile
}

// close releases queues, the status store and the tracer.
func (a *app) close() {
	for _, q := range a.queues {
		q.Close()
	}
	if a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := a.store.Remove(ctx); err != nil {
			a.logger.Warn("removing status report failed", zap.Error(err))
		}
		cancel()
		a.store.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracer.Close(ctx); err != nil {
		a.logger.Warn("tracer shutdown failed", zap.Error(err))
	}
}
