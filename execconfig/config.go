// Package execconfig defines the configuration surface of the execution
// engine as explicit, JSON-tagged structs. Every knob has a default applied
// by Default(); Validate() rejects combinations that would misbehave at
// runtime rather than failing at startup.
package execconfig

import (
	"fmt"
	"time"
)

// Config is the root configuration for a Processor and everything under it.
type Config struct {
	Timeouts       TimeoutConfig        `json:"timeouts"`
	Cache          CacheConfig          `json:"cache"`
	RateLimit      RateLimitConfig      `json:"rate_limit"`
	Retry          RetryConfig          `json:"retry"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Bulkhead       BulkheadConfig       `json:"bulkhead"`
	Scheduler      SchedulerConfig      `json:"scheduler"`
	Processor      ProcessorConfig      `json:"processor"`
}

// TimeoutConfig groups the four timeout categories shared across the
// engine and the remote adapter.
type TimeoutConfig struct {
	Connect        time.Duration `json:"connect"`
	Operation      time.Duration `json:"operation"`
	Quick          time.Duration `json:"quick"`
	Shutdown       time.Duration `json:"shutdown"`
	DefaultTimeout time.Duration `json:"default_timeout"`
}

// CacheConfig controls the idempotency result cache.
type CacheConfig struct {
	Enabled    bool          `json:"enabled"`
	TTL        time.Duration `json:"ttl"`
	Redis      *RedisConfig  `json:"redis,omitempty"`
	KeyPrefix  string        `json:"key_prefix,omitempty"`
	MaxEntries int           `json:"max_entries,omitempty"`
}

// RedisConfig describes a Redis connection for the optional distributed
// backend. The Processor does not read it: a Redis cache is installed with
// engine.WithCacheStore(toolcache.NewRedisStore(...)), and circuit-breaker
// state is kept in memory only.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// ToolRateLimit is a per-tool (limit, window) override.
type ToolRateLimit struct {
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

// RateLimitConfig controls the sliding-window rate limiter.
type RateLimitConfig struct {
	Enabled       bool                     `json:"enabled"`
	GlobalLimit   int                      `json:"global_limit"`
	GlobalWindow  time.Duration            `json:"global_window"`
	PerToolLimits map[string]ToolRateLimit `json:"per_tool_limits,omitempty"`
}

// RetryConfig controls the retry middleware's backoff behavior.
type RetryConfig struct {
	Enabled    bool          `json:"enabled"`
	MaxRetries int           `json:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	Multiplier float64       `json:"multiplier"`
	Jitter     bool          `json:"jitter"`
}

// CircuitBreakerConfig controls the per-tool circuit breakers.
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled"`
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
	FailureWindow    time.Duration `json:"failure_window,omitempty"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls"`
}

// PatternLimit pairs a glob pattern ("db.*") with a concurrency limit.
// Patterns are evaluated in declaration order; the first match wins.
type PatternLimit struct {
	Pattern string `json:"pattern"`
	Limit   int    `json:"limit"`
}

// BulkheadConfig controls multi-level concurrency admission.
type BulkheadConfig struct {
	DefaultLimit       int            `json:"default_limit"`
	ToolLimits         map[string]int `json:"tool_limits,omitempty"`
	NamespaceLimits    map[string]int `json:"namespace_limits,omitempty"`
	PatternLimits      []PatternLimit `json:"pattern_limits,omitempty"`
	GlobalLimit        int            `json:"global_limit"`
	AcquisitionTimeout time.Duration  `json:"acquisition_timeout"`
	MaxQueueDepth      int            `json:"max_queue_depth"`
}

// SchedulerConfig carries the default planning constraints applied when the
// caller supplies none.
type SchedulerConfig struct {
	DeadlineMs      int64          `json:"deadline_ms,omitempty"`
	MaxCost         float64        `json:"max_cost,omitempty"`
	PoolLimits      map[string]int `json:"pool_limits,omitempty"`
	ContinueOnError bool           `json:"continue_on_error"`
}

// ReturnOrder selects how a batch's results are ordered.
type ReturnOrder string

const (
	// OrderCompletion returns results as tools finish, fastest first.
	OrderCompletion ReturnOrder = "completion"
	// OrderSubmission returns results in the order calls were submitted;
	// execution is still parallel.
	OrderSubmission ReturnOrder = "submission"
)

// ProcessorConfig controls the top-level façade.
type ProcessorConfig struct {
	MaxConcurrency    int         `json:"max_concurrency"`
	ReturnOrder       ReturnOrder `json:"return_order"`
	ValidateArguments bool        `json:"validate_arguments"`
}

// Default returns a Config with every knob at its documented default.
func Default() *Config {
	return &Config{
		Timeouts: TimeoutConfig{
			Connect:        30 * time.Second,
			Operation:      30 * time.Second,
			Quick:          5 * time.Second,
			Shutdown:       2 * time.Second,
			DefaultTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTL:        5 * time.Minute,
			KeyPrefix:  "toolexec",
			MaxEntries: 10000,
		},
		RateLimit: RateLimitConfig{
			Enabled:      false,
			GlobalLimit:  100,
			GlobalWindow: time.Minute,
		},
		Retry: RetryConfig{
			Enabled:    true,
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
			Multiplier: 2.0,
			Jitter:     true,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			SuccessThreshold: 1,
			ResetTimeout:     30 * time.Second,
			HalfOpenMaxCalls: 1,
		},
		Bulkhead: BulkheadConfig{
			DefaultLimit:       10,
			GlobalLimit:        100,
			AcquisitionTimeout: 5 * time.Second,
			MaxQueueDepth:      50,
		},
		Scheduler: SchedulerConfig{
			ContinueOnError: false,
		},
		Processor: ProcessorConfig{
			MaxConcurrency: 10,
			ReturnOrder:    OrderCompletion,
		},
	}
}

// Validate reports the first configuration value that cannot work.
func (c *Config) Validate() error {
	if c.Processor.MaxConcurrency < 1 {
		return fmt.Errorf("processor.max_concurrency must be at least 1")
	}
	switch c.Processor.ReturnOrder {
	case OrderCompletion, OrderSubmission:
	default:
		return fmt.Errorf("processor.return_order must be %q or %q", OrderCompletion, OrderSubmission)
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive when cache is enabled")
	}
	if c.Retry.Enabled {
		if c.Retry.MaxRetries < 0 {
			return fmt.Errorf("retry.max_retries cannot be negative")
		}
		if c.Retry.BaseDelay <= 0 {
			return fmt.Errorf("retry.base_delay must be positive")
		}
		if c.Retry.Multiplier < 1 {
			return fmt.Errorf("retry.multiplier must be at least 1")
		}
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("circuit_breaker.failure_threshold must be at least 1")
		}
		if c.CircuitBreaker.ResetTimeout <= 0 {
			return fmt.Errorf("circuit_breaker.reset_timeout must be positive")
		}
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.GlobalLimit < 1 {
			return fmt.Errorf("rate_limit.global_limit must be at least 1")
		}
		if c.RateLimit.GlobalWindow <= 0 {
			return fmt.Errorf("rate_limit.global_window must be positive")
		}
		for name, tl := range c.RateLimit.PerToolLimits {
			if tl.Limit < 1 || tl.Window <= 0 {
				return fmt.Errorf("rate_limit.per_tool_limits[%s] must have a positive limit and window", name)
			}
		}
	}
	if c.Bulkhead.MaxQueueDepth < 0 {
		return fmt.Errorf("bulkhead.max_queue_depth cannot be negative")
	}
	return nil
}
