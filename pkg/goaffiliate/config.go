package goaffiliate

import (
	"fmt"
	"time"
)

const (
	defaultCurrency     = "USD"
	defaultLookbackDays = 30
	defaultMaxRangeDays = 1830
)

// CacheConfig holds snapshot cache configuration
type CacheConfig struct {
	// Enabled determines if caching is active
	Enabled bool

	// TTL is how long a fetched snapshot is served (default: 30 seconds)
	TTL time.Duration

	// MaxSnapshots bounds the number of cached affiliates (default: 1000)
	MaxSnapshots int
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// Config holds analytics engine configuration
type Config struct {
	// DefaultRules apply to referral codes that define no commission rules
	DefaultRules []CommissionRule

	// DefaultCurrency is reported when no rule names one (default: USD)
	DefaultCurrency string

	// DefaultLookbackDays sizes the time series window when there is no data
	// and no start date (default: 30)
	DefaultLookbackDays int

	// MaxRangeDays caps the number of days a dashboard range may span (default: 1830)
	MaxRangeDays int

	// Location determines day boundaries for ranges and series (default: UTC)
	Location *time.Location

	// Now returns the current time (default: time.Now)
	Now func() time.Time

	// CacheConfig configures the snapshot cache
	CacheConfig *CacheConfig

	// CircuitBreakerConfig configures the storage circuit breaker
	CircuitBreakerConfig *CircuitBreakerConfig

	// Metrics is used for tracking computations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if err := ValidateRules(c.DefaultRules); err != nil {
		return fmt.Errorf("defaultRules: %w", err)
	}
	if c.DefaultLookbackDays < 0 {
		return fmt.Errorf("defaultLookbackDays must not be negative, got %d", c.DefaultLookbackDays)
	}
	if c.MaxRangeDays < 0 {
		return fmt.Errorf("maxRangeDays must not be negative, got %d", c.MaxRangeDays)
	}
	if c.CacheConfig != nil && c.CacheConfig.Enabled {
		if c.CacheConfig.TTL < 0 {
			return fmt.Errorf("cacheConfig.ttl must not be negative, got %v", c.CacheConfig.TTL)
		}
		if c.CacheConfig.MaxSnapshots < 0 {
			return fmt.Errorf("cacheConfig.maxSnapshots must not be negative, got %d", c.CacheConfig.MaxSnapshots)
		}
	}
	if c.CircuitBreakerConfig != nil && c.CircuitBreakerConfig.Enabled {
		if c.CircuitBreakerConfig.FailureThreshold < 0 {
			return fmt.Errorf("circuitBreakerConfig.failureThreshold must not be negative, got %d",
				c.CircuitBreakerConfig.FailureThreshold)
		}
		if c.CircuitBreakerConfig.ResetTimeout < 0 {
			return fmt.Errorf("circuitBreakerConfig.resetTimeout must not be negative, got %v",
				c.CircuitBreakerConfig.ResetTimeout)
		}
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.DefaultCurrency == "" {
		c.DefaultCurrency = defaultCurrency
	}
	if c.DefaultLookbackDays == 0 {
		c.DefaultLookbackDays = defaultLookbackDays
	}
	if c.MaxRangeDays == 0 {
		c.MaxRangeDays = defaultMaxRangeDays
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.CacheConfig != nil && c.CacheConfig.Enabled {
		if c.CacheConfig.TTL == 0 {
			c.CacheConfig.TTL = 30 * time.Second
		}
		if c.CacheConfig.MaxSnapshots == 0 {
			c.CacheConfig.MaxSnapshots = 1000
		}
	}
	if c.CircuitBreakerConfig != nil && c.CircuitBreakerConfig.Enabled {
		if c.CircuitBreakerConfig.FailureThreshold == 0 {
			c.CircuitBreakerConfig.FailureThreshold = 5
		}
		if c.CircuitBreakerConfig.ResetTimeout == 0 {
			c.CircuitBreakerConfig.ResetTimeout = 30 * time.Second
		}
	}
}
