package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// TierEnvVar overrides the tier selected in the config file.
const TierEnvVar = "CHECKOUTGUARD_TIER"

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		lookupEnv:  os.LookupEnv,
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if tier, ok := l.lookupEnv(TierEnvVar); ok && tier != "" {
		cfg.Tier = tier
	}
	cfg.Tier = strings.ToLower(strings.TrimSpace(cfg.Tier))

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := l.lookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	switch cfg.Environment {
	case EnvProduction, EnvDevelopment:
	default:
		return fmt.Errorf("invalid environment %q (must be %q or %q)", cfg.Environment, EnvProduction, EnvDevelopment)
	}

	if _, ok := ProfileFor(cfg.Tier); !ok {
		return fmt.Errorf("invalid tier %q (must be %q or %q)", cfg.Tier, TierFree, TierPro)
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging: invalid level %q", cfg.Logging.Level)
	}

	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin: address is required when enabled")
	}
	if cfg.Admin.MinHealthScore < 0 || cfg.Admin.MinHealthScore > 100 {
		return fmt.Errorf("admin: min_health_score must be between 0 and 100")
	}

	if cfg.Tracing.Enabled && (cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing: sample_rate must be between 0 and 1")
	}

	if cfg.Redis.Enabled && cfg.Redis.Address == "" {
		return fmt.Errorf("redis: address is required when enabled")
	}

	retry := cfg.Checkout.StockRetry
	if retry.MaxElapsed < 0 || retry.InitialInterval < 0 || retry.MaxInterval < 0 {
		return fmt.Errorf("checkout.stock_retry: intervals must not be negative")
	}

	return ValidateProfile(cfg.Profile())
}

// ValidateProfile checks the internal consistency of a (merged) tier profile.
func ValidateProfile(p Profile) error {
	for _, name := range Categories {
		q, ok := p.Queues[name]
		if !ok {
			return fmt.Errorf("profile %s: missing queue %q", p.Name, name)
		}
		if q.MinConcurrent < 1 {
			return fmt.Errorf("profile %s: queue %s: min_concurrent must be >= 1", p.Name, name)
		}
		if q.MaxLimit < q.MinConcurrent {
			return fmt.Errorf("profile %s: queue %s: max_limit must be >= min_concurrent", p.Name, name)
		}
		if q.MaxConcurrent < q.MinConcurrent || q.MaxConcurrent > q.MaxLimit {
			return fmt.Errorf("profile %s: queue %s: max_concurrent must be within [%d, %d]", p.Name, name, q.MinConcurrent, q.MaxLimit)
		}
	}

	if p.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("profile %s: circuit_breaker.failure_threshold must be >= 1", p.Name)
	}
	if p.CircuitBreaker.Cooldown <= 0 {
		return fmt.Errorf("profile %s: circuit_breaker.cooldown must be positive", p.Name)
	}

	m := p.Monitor
	if m.HistorySize < 1 || m.AnomalyWindow < 1 {
		return fmt.Errorf("profile %s: monitor history_size and anomaly_window must be >= 1", p.Name)
	}
	if m.AnomalyWindow > m.HistorySize {
		return fmt.Errorf("profile %s: monitor anomaly_window must not exceed history_size", p.Name)
	}
	if m.SpeedScaleMs <= 0 {
		return fmt.Errorf("profile %s: monitor speed_scale_ms must be positive", p.Name)
	}

	o := p.Optimizer
	if o.Interval <= 0 {
		return fmt.Errorf("profile %s: optimizer interval must be positive", p.Name)
	}
	if o.LowerLoad >= o.UpperLoad {
		return fmt.Errorf("profile %s: optimizer lower_load (%d) must be below upper_load (%d)", p.Name, o.LowerLoad, o.UpperLoad)
	}
	if _, ok := p.Queues[o.LoadQueue]; !ok {
		return fmt.Errorf("profile %s: optimizer load_queue %q is not a configured queue", p.Name, o.LoadQueue)
	}
	for _, t := range []struct {
		name   string
		tuning TuningConfig
	}{{"baseline", o.Baseline}, {"peak", o.Peak}, {"emergency", o.Emergency}} {
		for queue := range t.tuning.QueueConcurrency {
			if _, ok := p.Queues[queue]; !ok {
				return fmt.Errorf("profile %s: optimizer %s references unknown queue %q", p.Name, t.name, queue)
			}
		}
	}

	return nil
}
