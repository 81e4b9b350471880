package config

import "time"

// Work categories. Each one gets its own queue; payments and stock also get a breaker.
const (
	CategoryPayments = "payments"
	CategoryStock    = "stock"
	CategoryEmail    = "email"
)

// Categories lists every work category in dispatch-independent order.
var Categories = []string{CategoryPayments, CategoryStock, CategoryEmail}

// BreakerCategories lists the categories protected by a circuit breaker.
var BreakerCategories = []string{CategoryPayments, CategoryStock}

// Deployment environments.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Config represents the complete checkoutguard configuration
type Config struct {
	Environment string         `yaml:"environment"` // production starts the optimizer
	Tier        string         `yaml:"tier"`        // free | pro
	Logging     LoggingConfig  `yaml:"logging"`
	Admin       AdminConfig    `yaml:"admin"`
	Tracing     TracingConfig  `yaml:"tracing"`
	Redis       RedisConfig    `yaml:"redis"`
	Checkout    CheckoutConfig `yaml:"checkout"`
	Overrides   Profile        `yaml:"overrides"` // non-zero fields win over the tier preset
}

// IsProduction reports whether the optimizer should run.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Profile returns the tier preset with the configured overrides merged on top.
func (c *Config) Profile() Profile {
	base, ok := ProfileFor(c.Tier)
	if !ok {
		base = FreeProfile()
	}
	merged := MergeNonZero(base, c.Overrides)
	merged.Name = base.Name
	return merged.withDerivedDefaults()
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"` // stdout, stderr or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
}

// AdminConfig defines the admin/health API settings
type AdminConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Address        string  `yaml:"address"`
	MinHealthScore float64 `yaml:"min_health_score"` // /health returns 503 below this score
}

// TracingConfig defines OpenTelemetry tracing settings
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// RedisConfig defines the optional status report store
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// CheckoutConfig defines how route handlers submit work
type CheckoutConfig struct {
	PaymentPriority int         `yaml:"payment_priority"`
	StockPriority   int         `yaml:"stock_priority"`
	EmailPriority   int         `yaml:"email_priority"`
	StockRetry      RetryConfig `yaml:"stock_retry"`
}

// RetryConfig defines caller-side exponential backoff.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsed      time.Duration `yaml:"max_elapsed"` // 0 disables retries
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Tier:        TierFree,
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Admin: AdminConfig{
			Enabled:        true,
			Address:        ":9091",
			MinHealthScore: 20,
		},
		Tracing: TracingConfig{
			ServiceName: "checkoutguard",
			SampleRate:  1.0,
		},
		Redis: RedisConfig{
			Address:   "localhost:6379",
			KeyPrefix: "checkoutguard:status:",
			TTL:       2 * time.Minute,
		},
		Checkout: CheckoutConfig{
			PaymentPriority: 10,
			StockPriority:   5,
			EmailPriority:   0,
			StockRetry: RetryConfig{
				InitialInterval: 200 * time.Millisecond,
				MaxInterval:     2 * time.Second,
				MaxElapsed:      10 * time.Second,
			},
		},
	}
}
