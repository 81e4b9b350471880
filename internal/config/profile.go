package config

import (
	"strings"
	"time"
)

// Tier names.
const (
	TierFree = "free"
	TierPro  = "pro"
)

// Profile is a named set of thresholds and limits for every traffic-control
// component. The free profile is conservative, the pro profile trades headroom
// for throughput.
type Profile struct {
	Name           string                 `yaml:"name"`
	Queues         map[string]QueueConfig `yaml:"queues"`
	CircuitBreaker CircuitBreakerConfig   `yaml:"circuit_breaker"`
	Monitor        MonitorConfig          `yaml:"monitor"`
	Optimizer      OptimizerConfig        `yaml:"optimizer"`
}

// QueueConfig defines the concurrency bounds of one work queue.
type QueueConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"` // initial limit
	MinConcurrent int `yaml:"min_concurrent"` // hard floor for runtime adjustments
	MaxLimit      int `yaml:"max_limit"`      // hard ceiling for runtime adjustments
}

// CircuitBreakerConfig defines circuit breaker settings
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// MonitorConfig defines the performance monitor thresholds.
type MonitorConfig struct {
	HistorySize         int           `yaml:"history_size"`
	AnomalyWindow       int           `yaml:"anomaly_window"`
	AlertConcurrency    int           `yaml:"alert_concurrency"`
	SlowRequest         time.Duration `yaml:"slow_request"`
	HighErrorCount      int           `yaml:"high_error_count"`
	OverloadConcurrency int           `yaml:"overload_concurrency"`
	SpeedScaleMs        float64       `yaml:"speed_scale_ms"`      // avg latency (ms) per lost health point
	ConcurrencyPenalty  float64       `yaml:"concurrency_penalty"` // health points lost per in-flight request
}

// OptimizerConfig defines the traffic optimizer control loop.
type OptimizerConfig struct {
	Interval       time.Duration `yaml:"interval"`
	ReportInterval time.Duration `yaml:"report_interval"`
	LoadQueue      string        `yaml:"load_queue"`
	UpperLoad      int           `yaml:"upper_load"`
	LowerLoad      int           `yaml:"lower_load"`
	Baseline       TuningConfig  `yaml:"baseline"`
	Peak           TuningConfig  `yaml:"peak"`
	Emergency      TuningConfig  `yaml:"emergency"`
}

// TuningConfig is a set of absolute targets the optimizer writes to the
// queues and breakers. Zero values leave the target untouched.
type TuningConfig struct {
	QueueConcurrency map[string]int `yaml:"queue_concurrency"`
	FailureThreshold int            `yaml:"failure_threshold"`
}

// FreeProfile returns the preset for low-capacity backing infrastructure.
func FreeProfile() Profile {
	return Profile{
		Name: TierFree,
		Queues: map[string]QueueConfig{
			CategoryPayments: {MaxConcurrent: 3, MinConcurrent: 1, MaxLimit: 15},
			CategoryStock:    {MaxConcurrent: 5, MinConcurrent: 1, MaxLimit: 15},
			CategoryEmail:    {MaxConcurrent: 2, MinConcurrent: 1, MaxLimit: 15},
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		Monitor: MonitorConfig{
			HistorySize:         50,
			AnomalyWindow:       10,
			AlertConcurrency:    15,
			SlowRequest:         3 * time.Second,
			HighErrorCount:      5,
			OverloadConcurrency: 30,
			SpeedScaleMs:        50,
			ConcurrencyPenalty:  5,
		},
		Optimizer: OptimizerConfig{
			Interval:       10 * time.Second,
			ReportInterval: time.Minute,
			LoadQueue:      CategoryPayments,
			UpperLoad:      20,
			LowerLoad:      8,
			Peak: TuningConfig{
				QueueConcurrency: map[string]int{
					CategoryPayments: 8,
					CategoryStock:    10,
					CategoryEmail:    3,
				},
				FailureThreshold: 8,
			},
			Emergency: TuningConfig{
				QueueConcurrency: map[string]int{
					CategoryPayments: 1,
					CategoryStock:    1,
					CategoryEmail:    1,
				},
				FailureThreshold: 2,
			},
		},
	}
}

// ProProfile returns the preset for high-capacity backing infrastructure.
func ProProfile() Profile {
	return Profile{
		Name: TierPro,
		Queues: map[string]QueueConfig{
			CategoryPayments: {MaxConcurrent: 10, MinConcurrent: 1, MaxLimit: 100},
			CategoryStock:    {MaxConcurrent: 15, MinConcurrent: 1, MaxLimit: 100},
			CategoryEmail:    {MaxConcurrent: 5, MinConcurrent: 1, MaxLimit: 100},
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 10,
			Cooldown:         15 * time.Second,
		},
		Monitor: MonitorConfig{
			HistorySize:         200,
			AnomalyWindow:       20,
			AlertConcurrency:    80,
			SlowRequest:         5 * time.Second,
			HighErrorCount:      10,
			OverloadConcurrency: 150,
			SpeedScaleMs:        100,
			ConcurrencyPenalty:  0.5,
		},
		Optimizer: OptimizerConfig{
			Interval:       5 * time.Second,
			ReportInterval: 30 * time.Second,
			LoadQueue:      CategoryPayments,
			UpperLoad:      60,
			LowerLoad:      25,
			Peak: TuningConfig{
				QueueConcurrency: map[string]int{
					CategoryPayments: 30,
					CategoryStock:    40,
					CategoryEmail:    10,
				},
				FailureThreshold: 20,
			},
			Emergency: TuningConfig{
				QueueConcurrency: map[string]int{
					CategoryPayments: 3,
					CategoryStock:    3,
					CategoryEmail:    1,
				},
				FailureThreshold: 3,
			},
		},
	}
}

// ProfileFor returns the preset for a tier name (case-insensitive).
func ProfileFor(tier string) (Profile, bool) {
	switch strings.ToLower(strings.TrimSpace(tier)) {
	case TierFree:
		return FreeProfile(), true
	case TierPro:
		return ProProfile(), true
	default:
		return Profile{}, false
	}
}

// withDerivedDefaults fills the optimizer baseline from the queue and breaker
// settings when the profile does not spell it out.
func (p Profile) withDerivedDefaults() Profile {
	if p.Optimizer.LoadQueue == "" {
		p.Optimizer.LoadQueue = CategoryPayments
	}
	baseline := make(map[string]int, len(p.Queues))
	for name, q := range p.Queues {
		baseline[name] = q.MaxConcurrent
	}
	for name, n := range p.Optimizer.Baseline.QueueConcurrency {
		baseline[name] = n
	}
	p.Optimizer.Baseline.QueueConcurrency = baseline
	if p.Optimizer.Baseline.FailureThreshold == 0 {
		p.Optimizer.Baseline.FailureThreshold = p.CircuitBreaker.FailureThreshold
	}
	return p
}
