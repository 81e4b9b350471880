package optimizer

import (
	"context"
	"sync"
	"time"

	"github.com/wudi/checkoutguard/internal/circuitbreaker"
	"github.com/wudi/checkoutguard/internal/config"
	"github.com/wudi/checkoutguard/internal/logging"
	"github.com/wudi/checkoutguard/internal/perfmon"
	"github.com/wudi/checkoutguard/internal/workqueue"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// Monitor is the signal source of the control loop.
type Monitor interface {
	Status() perfmon.Status
	DetectAnomalies() perfmon.Anomalies
}

// Queue is a work queue whose concurrency the optimizer tunes.
type Queue interface {
	Name() string
	Stats() workqueue.Stats
	Apply(config.QueueConfig)
}

// Breaker is a circuit breaker whose failure threshold the optimizer tunes.
type Breaker interface {
	Name() string
	Snapshot() circuitbreaker.Snapshot
	Apply(config.CircuitBreakerConfig)
}

// Reporter receives the periodic consolidated report.
type Reporter interface {
	Publish(ctx context.Context, r Report) error
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithLogger sets the optimizer logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Optimizer) { o.logger = l }
}

// WithReporter adds a sink for the consolidated report.
func WithReporter(r Reporter) Option {
	return func(o *Optimizer) { o.reporters = append(o.reporters, r) }
}

// Mode names the settings currently written to the queues and breakers.
type Mode string

const (
	ModeNone      Mode = ""
	ModeBaseline  Mode = "baseline"
	ModePeak      Mode = "peak"
	ModeEmergency Mode = "emergency"
)

// Optimizer periodically inspects the monitor and the load queue's backlog
// and rewrites queue concurrency and breaker thresholds. Peak detection uses
// distinct upper and lower load bounds; system overload overrides both peak
// and baseline settings while it lasts.
type Optimizer struct {
	monitor   Monitor
	queues    []Queue
	breakers  []Breaker
	logger    *zap.Logger
	reporters []Reporter

	// applyMu orders mode decisions with the writes that follow them.
	applyMu sync.Mutex

	mu          sync.Mutex
	cfg         config.OptimizerConfig
	state       State
	applied     Mode
	reportEvery *rate.Sometimes

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an optimizer over the given components.
func New(cfg config.OptimizerConfig, monitor Monitor, queues []Queue, breakers []Breaker, opts ...Option) *Optimizer {
	o := &Optimizer{
		monitor:  monitor,
		queues:   queues,
		breakers: breakers,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.Named(o.logger, "optimizer")
	o.reportEvery = newSometimes(cfg)
	return o
}

func newSometimes(cfg config.OptimizerConfig) *rate.Sometimes {
	interval := cfg.ReportInterval
	if interval <= 0 {
		interval = 10 * cfg.Interval
	}
	return &rate.Sometimes{Interval: interval}
}

// Tick runs one control step.
func (o *Optimizer) Tick(ctx context.Context) {
	status := o.monitor.Status()
	anomalies := o.monitor.DetectAnomalies()

	o.applyMu.Lock()
	o.mu.Lock()
	cfg := o.cfg
	queued := 0
	if q := o.queue(cfg.LoadQueue); q != nil {
		queued = q.Stats().Queued
	}
	load := status.ConcurrentRequests + queued

	o.state.CurrentLoad = load
	o.state.Ticks++
	o.state.LastTick = time.Now()

	switch {
	case !o.state.PeakDetected && load > cfg.UpperLoad:
		o.state.PeakDetected = true
		o.logger.Info("peak traffic detected",
			zap.Int("load", load),
			zap.Int("upper_load", cfg.UpperLoad),
		)
	case o.state.PeakDetected && load < cfg.LowerLoad:
		o.state.PeakDetected = false
		o.logger.Info("peak traffic over",
			zap.Int("load", load),
			zap.Int("lower_load", cfg.LowerLoad),
		)
	}

	if anomalies.SystemOverload && !o.state.Emergency {
		o.logger.Warn("system overload, applying emergency settings",
			zap.Int("concurrent", status.ConcurrentRequests),
		)
	} else if !anomalies.SystemOverload && o.state.Emergency {
		o.logger.Info("system overload cleared")
	}
	o.state.Emergency = anomalies.SystemOverload

	mode := o.modeLocked()
	changed := mode != o.applied
	o.applied = mode
	reportEvery := o.reportEvery
	o.mu.Unlock()

	if changed {
		o.apply(mode, cfg)
	}
	o.applyMu.Unlock()
	if anomalies.SuddenSpike || anomalies.HighErrorRate {
		o.logger.Warn("anomaly detected",
			zap.Bool("sudden_spike", anomalies.SuddenSpike),
			zap.Bool("high_error_rate", anomalies.HighErrorRate),
			zap.Int("recent_errors", anomalies.RecentErrors),
			zap.Float64("recent_average_ms", anomalies.RecentAverageMs),
		)
	}

	reportEvery.Do(func() { o.report(ctx, status, anomalies) })
}

func (o *Optimizer) modeLocked() Mode {
	switch {
	case o.state.Emergency:
		return ModeEmergency
	case o.state.PeakDetected:
		return ModePeak
	default:
		return ModeBaseline
	}
}

func (o *Optimizer) queue(name string) Queue {
	for _, q := range o.queues {
		if q.Name() == name {
			return q
		}
	}
	return nil
}

// apply writes the absolute targets of mode. Each write is independent;
// there is no atomicity across queues and breakers.
func (o *Optimizer) apply(mode Mode, cfg config.OptimizerConfig) {
	var tuning config.TuningConfig
	switch mode {
	case ModeEmergency:
		tuning = cfg.Emergency
	case ModePeak:
		tuning = cfg.Peak
	default:
		tuning = cfg.Baseline
	}

	for _, q := range o.queues {
		if n, ok := tuning.QueueConcurrency[q.Name()]; ok && n > 0 {
			q.Apply(config.QueueConfig{MaxConcurrent: n})
		}
	}
	if tuning.FailureThreshold > 0 {
		for _, b := range o.breakers {
			b.Apply(config.CircuitBreakerConfig{FailureThreshold: tuning.FailureThreshold})
		}
	}
	o.logger.Info("traffic settings applied",
		zap.String("mode", string(mode)),
		zap.Any("queue_concurrency", tuning.QueueConcurrency),
		zap.Int("failure_threshold", tuning.FailureThreshold),
	)
}

func (o *Optimizer) report(ctx context.Context, status perfmon.Status, anomalies perfmon.Anomalies) {
	r := Report{
		Timestamp: time.Now(),
		State:     o.State(),
		Monitor:   status,
		Anomalies: anomalies,
	}
	for _, q := range o.queues {
		r.Queues = append(r.Queues, q.Stats())
	}
	for _, b := range o.breakers {
		r.Breakers = append(r.Breakers, b.Snapshot())
	}

	fields := []zap.Field{
		zap.Int("load", r.State.CurrentLoad),
		zap.Bool("peak", r.State.PeakDetected),
		zap.Bool("emergency", r.State.Emergency),
		zap.Float64("health_score", status.HealthScore),
		zap.Float64("error_rate", status.ErrorRate),
		zap.Float64("avg_response_ms", status.AverageResponseTimeMs),
	}
	for _, q := range r.Queues {
		fields = append(fields, zap.Object(q.Name, queueFields(q)))
	}
	for _, b := range r.Breakers {
		fields = append(fields, zap.String("breaker_"+b.Name, b.State))
	}
	o.logger.Info("traffic report", fields...)

	for _, rep := range o.reporters {
		if err := rep.Publish(ctx, r); err != nil {
			o.logger.Warn("publishing traffic report failed", zap.Error(err))
		}
	}
}

func queueFields(s workqueue.Stats) zapcore.ObjectMarshaler {
	return zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		enc.AddInt("queued", s.Queued)
		enc.AddInt("running", s.Running)
		enc.AddInt("max_concurrent", s.MaxConcurrent)
		enc.AddInt64("processed", s.Processed)
		enc.AddInt64("failed", s.Failed)
		enc.AddFloat64("avg_wait_ms", s.AvgWaitMs)
		return nil
	})
}

// Start runs Tick every interval until Stop is called or ctx is done.
// Calling Start on a running optimizer is a no-op.
func (o *Optimizer) Start(ctx context.Context) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.loop(ctx, o.done)

	o.logger.Info("traffic optimizer started", zap.Duration("interval", o.interval()))
}

// Stop halts the control loop and waits for it to exit. It is safe to call
// more than once, and before Start.
func (o *Optimizer) Stop() {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
	o.cancel = nil
	o.done = nil
	o.logger.Info("traffic optimizer stopped")
}

func (o *Optimizer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	interval := o.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Tick(ctx)
			if iv := o.interval(); iv != interval {
				interval = iv
				ticker.Reset(interval)
			}
		}
	}
}

func (o *Optimizer) interval() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cfg.Interval <= 0 {
		return time.Second
	}
	return o.cfg.Interval
}

// Reconfigure swaps bounds and targets, typically after a config reload, and
// re-applies the settings for the current state.
func (o *Optimizer) Reconfigure(cfg config.OptimizerConfig) {
	o.applyMu.Lock()
	defer o.applyMu.Unlock()

	o.mu.Lock()
	o.cfg = cfg
	o.reportEvery = newSometimes(cfg)
	mode := o.applied
	o.mu.Unlock()

	if mode != ModeNone {
		o.apply(mode, cfg)
	}
	o.logger.Info("traffic optimizer reconfigured",
		zap.Duration("interval", cfg.Interval),
		zap.Int("upper_load", cfg.UpperLoad),
		zap.Int("lower_load", cfg.LowerLoad),
	)
}

// State returns a point-in-time view of the control loop.
func (o *Optimizer) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.state
	s.Mode = o.applied
	return s
}

// State is the optimizer's traffic pattern view
type State struct {
	CurrentLoad  int       `json:"current_load"`
	PeakDetected bool      `json:"peak_detected"`
	Emergency    bool      `json:"emergency"`
	Mode         Mode      `json:"mode"`
	Ticks        int64     `json:"ticks"`
	LastTick     time.Time `json:"last_tick,omitzero"`
}

// Report is the consolidated view emitted on the report cadence.
type Report struct {
	Timestamp time.Time                 `json:"timestamp"`
	Instance  string                    `json:"instance,omitempty"`
	Tier      string                    `json:"tier,omitempty"`
	State     State                     `json:"state"`
	Monitor   perfmon.Status            `json:"monitor"`
	Anomalies perfmon.Anomalies         `json:"anomalies"`
	Queues    []workqueue.Stats         `json:"queues"`
	Breakers  []circuitbreaker.Snapshot `json:"breakers"`
}
