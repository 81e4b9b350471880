package perfmon

import (
	"context"
	"sync"
	"time"

	"github.com/wudi/checkoutguard/internal/config"
	"github.com/wudi/checkoutguard/internal/logging"
	"go.uber.org/zap"
)

const (
	// ewmaWeight is the weight of a new sample in the response time average.
	ewmaWeight = 0.05
	dayWindow  = 24 * time.Hour

	defaultHistorySize   = 50
	defaultAnomalyWindow = 10
)

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Token marks the start of a tracked request.
type Token struct {
	start time.Time
}

// Sample is one completed request.
type Sample struct {
	DurationMs float64   `json:"duration_ms"`
	IsError    bool      `json:"is_error"`
	Timestamp  time.Time `json:"timestamp"`
}

// Monitor records request starts and ends and derives latency, concurrency
// and error signals from them.
type Monitor struct {
	cfg    config.MonitorConfig
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex

	// ring buffer of the most recent samples
	history []Sample
	head    int // index of the oldest sample
	size    int

	concurrent      int
	peakConcurrency int
	avgResponseMs   float64
	totalDuration   float64 // ms, completed requests only
	completed       int64
	requestCount    int64
	errorCount      int64
	slowCount       int64

	dayRequests  int64
	dayErrors    int64
	dayResetTime time.Time
}

// New creates a monitor with the given thresholds.
func New(cfg config.MonitorConfig, opts ...Option) *Monitor {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.AnomalyWindow <= 0 || cfg.AnomalyWindow > cfg.HistorySize {
		cfg.AnomalyWindow = min(defaultAnomalyWindow, cfg.HistorySize)
	}
	if cfg.SpeedScaleMs <= 0 {
		cfg.SpeedScaleMs = 1
	}

	m := &Monitor{
		cfg:     cfg,
		now:     time.Now,
		history: make([]Sample, cfg.HistorySize),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.Named(m.logger, "perfmon")
	m.dayResetTime = m.now()
	return m
}

// StartRequest records the start of a request and returns the token to pass
// to EndRequest.
func (m *Monitor) StartRequest() Token {
	now := m.now()

	m.mu.Lock()
	m.rolloverLocked(now)
	m.concurrent++
	if m.concurrent > m.peakConcurrency {
		m.peakConcurrency = m.concurrent
	}
	m.requestCount++
	m.dayRequests++
	concurrent := m.concurrent
	m.mu.Unlock()

	if m.cfg.AlertConcurrency > 0 && concurrent > m.cfg.AlertConcurrency {
		m.logger.Warn("high concurrency",
			zap.Int("concurrent", concurrent),
			zap.Int("threshold", m.cfg.AlertConcurrency),
		)
	}
	return Token{start: now}
}

// EndRequest records the end of the request started with tok.
func (m *Monitor) EndRequest(tok Token, isError bool) {
	now := m.now()
	duration := max(now.Sub(tok.start), 0)
	ms := float64(duration) / float64(time.Millisecond)

	m.mu.Lock()
	if m.concurrent > 0 {
		m.concurrent--
	}
	if isError {
		m.errorCount++
		m.dayErrors++
	}
	slow := m.cfg.SlowRequest > 0 && duration > m.cfg.SlowRequest
	if slow {
		m.slowCount++
	}
	m.avgResponseMs = (1-ewmaWeight)*m.avgResponseMs + ewmaWeight*ms
	m.totalDuration += ms
	m.completed++
	m.appendLocked(Sample{DurationMs: ms, IsError: isError, Timestamp: now})
	m.rolloverLocked(now)
	m.mu.Unlock()

	if slow {
		m.logger.Warn("slow request",
			zap.Duration("duration", duration),
			zap.Duration("threshold", m.cfg.SlowRequest),
			zap.Bool("error", isError),
		)
	}
}

// Track brackets fn with StartRequest and EndRequest. A non-nil error counts
// as a failed request and is returned unchanged. A panic in fn is recorded as
// a failed request and re-raised.
func (m *Monitor) Track(ctx context.Context, fn func(context.Context) error) error {
	tok := m.StartRequest()
	failed := true
	defer func() { m.EndRequest(tok, failed) }()
	err := fn(ctx)
	failed = err != nil
	return err
}

func (m *Monitor) appendLocked(s Sample) {
	capacity := len(m.history)
	if m.size < capacity {
		m.history[(m.head+m.size)%capacity] = s
		m.size++
		return
	}
	m.history[m.head] = s
	m.head = (m.head + 1) % capacity
}

// recentLocked returns up to n of the newest samples, oldest first.
func (m *Monitor) recentLocked(n int) []Sample {
	n = min(n, m.size)
	out := make([]Sample, n)
	capacity := len(m.history)
	for i := 0; i < n; i++ {
		out[i] = m.history[(m.head+m.size-n+i)%capacity]
	}
	return out
}

func (m *Monitor) rolloverLocked(now time.Time) {
	if now.Sub(m.dayResetTime) <= dayWindow {
		return
	}
	m.dayRequests = 0
	m.dayErrors = 0
	m.dayResetTime = now
}

// History returns the buffered samples, oldest first.
func (m *Monitor) History() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recentLocked(m.size)
}

// Status returns a point-in-time view of the monitor. It never mutates state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errorRate float64
	if m.requestCount > 0 {
		errorRate = float64(m.errorCount) / float64(m.requestCount)
	}

	var recentErrors int
	recent := m.recentLocked(m.size)
	for _, s := range recent {
		if s.IsError {
			recentErrors++
		}
	}
	var recentErrorRate float64
	if len(recent) > 0 {
		recentErrorRate = float64(recentErrors) / float64(len(recent))
	}

	speed := max(0, 100-m.avgResponseMs/m.cfg.SpeedScaleMs)
	load := max(0, 100-float64(m.concurrent)*m.cfg.ConcurrencyPenalty)
	health := (speed + load) / 2 * (1 - errorRate)

	return Status{
		ConcurrentRequests:    m.concurrent,
		PeakConcurrency:       m.peakConcurrency,
		AverageResponseTimeMs: m.avgResponseMs,
		RequestCount:          m.requestCount,
		ErrorCount:            m.errorCount,
		SlowRequestCount:      m.slowCount,
		ErrorRate:             errorRate,
		RecentErrorRate:       recentErrorRate,
		HealthScore:           health,
		HistorySize:           m.size,
		Last24h: DayStats{
			Requests:  m.dayRequests,
			Errors:    m.dayErrors,
			ResetTime: m.dayResetTime,
		},
	}
}

// DetectAnomalies inspects the most recent samples and the current
// concurrency. The flags are advisory.
func (m *Monitor) DetectAnomalies() Anomalies {
	m.mu.Lock()
	defer m.mu.Unlock()

	recent := m.recentLocked(m.cfg.AnomalyWindow)
	var a Anomalies
	a.Window = len(recent)

	var sum float64
	for _, s := range recent {
		sum += s.DurationMs
		if s.IsError {
			a.RecentErrors++
		}
	}
	if len(recent) > 0 {
		a.RecentAverageMs = sum / float64(len(recent))
	}
	if m.completed > 0 {
		a.LifetimeAverageMs = m.totalDuration / float64(m.completed)
	}

	a.SuddenSpike = len(recent) > 0 && a.RecentAverageMs > 2*a.LifetimeAverageMs
	a.HighErrorRate = a.RecentErrors > m.cfg.HighErrorCount
	a.SystemOverload = m.concurrent > m.cfg.OverloadConcurrency
	return a
}

// Status is a point-in-time view of the monitor
type Status struct {
	ConcurrentRequests    int      `json:"concurrent_requests"`
	PeakConcurrency       int      `json:"peak_concurrency"`
	AverageResponseTimeMs float64  `json:"average_response_time_ms"`
	RequestCount          int64    `json:"request_count"`
	ErrorCount            int64    `json:"error_count"`
	SlowRequestCount      int64    `json:"slow_request_count"`
	ErrorRate             float64  `json:"error_rate"`
	RecentErrorRate       float64  `json:"recent_error_rate"`
	HealthScore           float64  `json:"health_score"`
	HistorySize           int      `json:"history_size"`
	Last24h               DayStats `json:"last_24h"`
}

// DayStats holds the rolling 24 hour counters.
type DayStats struct {
	Requests  int64     `json:"requests"`
	Errors    int64     `json:"errors"`
	ResetTime time.Time `json:"reset_time"`
}

// Anomalies are the advisory flags consumed by the optimizer.
type Anomalies struct {
	SuddenSpike    bool `json:"sudden_spike"`
	HighErrorRate  bool `json:"high_error_rate"`
	SystemOverload bool `json:"system_overload"`

	Window            int     `json:"window"`
	RecentErrors      int     `json:"recent_errors"`
	RecentAverageMs   float64 `json:"recent_average_ms"`
	LifetimeAverageMs float64 `json:"lifetime_average_ms"`
}

// Any reports whether any flag is set.
func (a Anomalies) Any() bool {
	return a.SuddenSpike || a.HighErrorRate || a.SystemOverload
}
