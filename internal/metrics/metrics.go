package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wudi/checkoutguard/internal/circuitbreaker"
	"github.com/wudi/checkoutguard/internal/optimizer"
	"github.com/wudi/checkoutguard/internal/perfmon"
	"github.com/wudi/checkoutguard/internal/workqueue"
)

const namespace = "checkoutguard"

// MonitorSource provides the performance monitor status.
type MonitorSource interface {
	Status() perfmon.Status
}

// QueueSource provides queue statistics.
type QueueSource interface {
	Stats() workqueue.Stats
}

// BreakerSource provides circuit breaker snapshots.
type BreakerSource interface {
	Snapshot() circuitbreaker.Snapshot
}

// OptimizerSource provides the optimizer state.
type OptimizerSource interface {
	State() optimizer.State
}

// Collector exports traffic-control snapshots in Prometheus format. Values
// are read from the registered sources at scrape time.
type Collector struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec

	mu        sync.RWMutex
	monitor   MonitorSource
	queues    []QueueSource
	breakers  []BreakerSource
	optimizer OptimizerSource

	queueQueued        *prometheus.Desc
	queueRunning       *prometheus.Desc
	queueMaxConcurrent *prometheus.Desc
	queueProcessed     *prometheus.Desc
	queueFailed        *prometheus.Desc
	queueAvgWait       *prometheus.Desc

	breakerState       *prometheus.Desc
	breakerConsecutive *prometheus.Desc
	breakerThreshold   *prometheus.Desc
	breakerRequests    *prometheus.Desc
	breakerOpened      *prometheus.Desc

	monitorConcurrent *prometheus.Desc
	monitorPeak       *prometheus.Desc
	monitorAvgLatency *prometheus.Desc
	monitorRequests   *prometheus.Desc
	monitorErrors     *prometheus.Desc
	monitorSlow       *prometheus.Desc
	monitorHealth     *prometheus.Desc
	monitorErrorRate  *prometheus.Desc

	optimizerLoad      *prometheus.Desc
	optimizerPeak      *prometheus.Desc
	optimizerEmergency *prometheus.Desc
}

func desc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

// NewCollector creates a collector with its own registry, which also holds
// the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"breaker", "from", "to"}),

		queueQueued:        desc("queue", "queued", "Tasks waiting in the backlog.", "queue"),
		queueRunning:       desc("queue", "running", "Tasks currently executing.", "queue"),
		queueMaxConcurrent: desc("queue", "max_concurrent", "Current concurrency limit.", "queue"),
		queueProcessed:     desc("queue", "processed_total", "Tasks completed successfully.", "queue"),
		queueFailed:        desc("queue", "failed_total", "Tasks completed with an error.", "queue"),
		queueAvgWait:       desc("queue", "avg_wait_seconds", "Average time dispatched tasks spent in the backlog.", "queue"),

		breakerState:       desc("breaker", "state", "Circuit state: 0 closed, 1 open, 2 half-open.", "breaker"),
		breakerConsecutive: desc("breaker", "consecutive_failures", "Consecutive failures since the last success.", "breaker"),
		breakerThreshold:   desc("breaker", "failure_threshold", "Consecutive failures that open the circuit.", "breaker"),
		breakerRequests:    desc("breaker", "requests_total", "Calls through the breaker by result.", "breaker", "result"),
		breakerOpened:      desc("breaker", "opened_total", "Times the circuit opened.", "breaker"),

		monitorConcurrent: desc("monitor", "concurrent_requests", "Requests in flight."),
		monitorPeak:       desc("monitor", "peak_concurrency", "Highest observed concurrency."),
		monitorAvgLatency: desc("monitor", "avg_response_seconds", "Exponentially weighted average response time."),
		monitorRequests:   desc("monitor", "requests_total", "Requests started."),
		monitorErrors:     desc("monitor", "errors_total", "Requests that ended with an error."),
		monitorSlow:       desc("monitor", "slow_requests_total", "Requests above the slow request threshold."),
		monitorHealth:     desc("monitor", "health_score", "Composite health score between 0 and 100."),
		monitorErrorRate:  desc("monitor", "error_rate", "Lifetime error rate."),

		optimizerLoad:      desc("optimizer", "load", "Load seen on the last tick."),
		optimizerPeak:      desc("optimizer", "peak_detected", "1 while peak traffic settings are active."),
		optimizerEmergency: desc("optimizer", "emergency", "1 while emergency settings are active."),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.transitions,
		c,
	)
	return c
}

// SetMonitor registers the monitor.
func (c *Collector) SetMonitor(m MonitorSource) {
	c.mu.Lock()
	c.monitor = m
	c.mu.Unlock()
}

// AddQueue registers a queue.
func (c *Collector) AddQueue(q QueueSource) {
	c.mu.Lock()
	c.queues = append(c.queues, q)
	c.mu.Unlock()
}

// AddBreaker registers a circuit breaker.
func (c *Collector) AddBreaker(b BreakerSource) {
	c.mu.Lock()
	c.breakers = append(c.breakers, b)
	c.mu.Unlock()
}

// SetOptimizer registers the optimizer.
func (c *Collector) SetOptimizer(o OptimizerSource) {
	c.mu.Lock()
	c.optimizer = o
	c.mu.Unlock()
}

// ObserveTransition counts a breaker transition. Its signature matches
// circuitbreaker.WithStateListener.
func (c *Collector) ObserveTransition(name string, from, to circuitbreaker.State) {
	c.transitions.WithLabelValues(name, from.String(), to.String()).Inc()
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.queueQueued, c.queueRunning, c.queueMaxConcurrent, c.queueProcessed, c.queueFailed, c.queueAvgWait,
		c.breakerState, c.breakerConsecutive, c.breakerThreshold, c.breakerRequests, c.breakerOpened,
		c.monitorConcurrent, c.monitorPeak, c.monitorAvgLatency, c.monitorRequests, c.monitorErrors,
		c.monitorSlow, c.monitorHealth, c.monitorErrorRate,
		c.optimizerLoad, c.optimizerPeak, c.optimizerEmergency,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	monitor, opt := c.monitor, c.optimizer
	queues := append([]QueueSource(nil), c.queues...)
	breakers := append([]BreakerSource(nil), c.breakers...)
	c.mu.RUnlock()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	for _, q := range queues {
		s := q.Stats()
		gauge(c.queueQueued, float64(s.Queued), s.Name)
		gauge(c.queueRunning, float64(s.Running), s.Name)
		gauge(c.queueMaxConcurrent, float64(s.MaxConcurrent), s.Name)
		counter(c.queueProcessed, float64(s.Processed), s.Name)
		counter(c.queueFailed, float64(s.Failed), s.Name)
		gauge(c.queueAvgWait, s.AvgWaitMs/1000, s.Name)
	}

	for _, b := range breakers {
		s := b.Snapshot()
		gauge(c.breakerState, stateValue(s.State), s.Name)
		gauge(c.breakerConsecutive, float64(s.ConsecutiveFailures), s.Name)
		gauge(c.breakerThreshold, float64(s.FailureThreshold), s.Name)
		counter(c.breakerRequests, float64(s.TotalSuccesses), s.Name, "success")
		counter(c.breakerRequests, float64(s.TotalFailures), s.Name, "failure")
		counter(c.breakerRequests, float64(s.TotalRejected), s.Name, "rejected")
		counter(c.breakerOpened, float64(s.TimesOpened), s.Name)
	}

	if monitor != nil {
		s := monitor.Status()
		gauge(c.monitorConcurrent, float64(s.ConcurrentRequests))
		gauge(c.monitorPeak, float64(s.PeakConcurrency))
		gauge(c.monitorAvgLatency, s.AverageResponseTimeMs/1000)
		counter(c.monitorRequests, float64(s.RequestCount))
		counter(c.monitorErrors, float64(s.ErrorCount))
		counter(c.monitorSlow, float64(s.SlowRequestCount))
		gauge(c.monitorHealth, s.HealthScore)
		gauge(c.monitorErrorRate, s.ErrorRate)
	}

	if opt != nil {
		s := opt.State()
		gauge(c.optimizerLoad, float64(s.CurrentLoad))
		gauge(c.optimizerPeak, boolValue(s.PeakDetected))
		gauge(c.optimizerEmergency, boolValue(s.Emergency))
	}
}

func stateValue(state string) float64 {
	switch state {
	case circuitbreaker.StateOpen.String():
		return 1
	case circuitbreaker.StateHalfOpen.String():
		return 2
	default:
		return 0
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
