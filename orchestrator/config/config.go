// Package config loads the orchestrator's runtime configuration: compiled
// defaults, overridden by an optional yaml file, overridden by a handful
// of deployment environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from yaml strings such as
// "5m" or "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: duration must be a string like \"5m\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Server       ServerConfig       `yaml:"server"`
	Manager      ManagerConfig      `yaml:"manager"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Retry        RetryConfig        `yaml:"retry"`
	Timeouts     TimeoutConfig      `yaml:"timeouts"`
	Cleanup      CleanupConfig      `yaml:"cleanup"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Redis        RedisConfig        `yaml:"redis"`
	NATS         NATSConfig         `yaml:"nats"`
	Dev          DevConfig          `yaml:"dev"`
}

// DatabaseConfig selects the store. An empty URL runs the in-memory
// store, which is only suitable for development and tests.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns" validate:"gte=0"`
}

type ServerConfig struct {
	ListenAddr     string  `yaml:"listen_addr" validate:"required"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps" validate:"gt=0"`
	RateLimitBurst int     `yaml:"rate_limit_burst" validate:"gte=1"`
}

type ManagerConfig struct {
	Enabled                   bool     `yaml:"enabled"`
	PollingInterval           Duration `yaml:"polling_interval" validate:"gt=0"`
	MaxJobsPerCycle           int      `yaml:"max_jobs_per_cycle" validate:"gt=0"`
	RecoverStuckJobsOnStartup bool     `yaml:"recover_stuck_jobs_on_startup"`
	ReapEveryNCycles          int      `yaml:"reap_every_n_cycles" validate:"gt=0"`
}

// DispatcherConfig bounds the claim loop. MaxActiveJobs is the global
// pool: the number of runs this process will have in flight at once.
type DispatcherConfig struct {
	Enabled         bool     `yaml:"enabled"`
	PollingInterval Duration `yaml:"polling_interval" validate:"gt=0"`
	MaxActiveJobs   int      `yaml:"max_active_jobs" validate:"gt=0"`
}

// RetryConfig holds the process-wide retry policy; manifests may override
// any of these per row.
type RetryConfig struct {
	DefaultMaxRetries int      `yaml:"default_max_retries" validate:"gte=0"`
	DefaultRetryDelay Duration `yaml:"default_retry_delay" validate:"gt=0"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier" validate:"gte=1"`
	MaxRetryDelay     Duration `yaml:"max_retry_delay" validate:"gt=0"`
}

type TimeoutConfig struct {
	DefaultJobTimeout Duration `yaml:"default_job_timeout" validate:"gt=0"`
}

type CleanupConfig struct {
	CleanupInterval           Duration `yaml:"cleanup_interval" validate:"gt=0"`
	RetentionPeriod           Duration `yaml:"retention_period" validate:"gt=0"`
	BatchSize                 int      `yaml:"batch_size" validate:"gt=0"`
	AutoPurgeDeadLetters      bool     `yaml:"auto_purge_dead_letters"`
	DeadLetterRetentionPeriod Duration `yaml:"dead_letter_retention_period" validate:"gt=0"`
}

type CoordinationConfig struct {
	LeaseTTL Duration `yaml:"lease_ttl" validate:"gt=0"`
}

// RedisConfig switches the task server to the Redis queue when Addr is
// set; empty runs the in-process queue.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	QueueKey string `yaml:"queue_key"`
	Workers  int    `yaml:"workers" validate:"gt=0"`
}

// NATSConfig switches run-event publishing to NATS when URL is set.
type NATSConfig struct {
	URL string `yaml:"url"`
}

type DevConfig struct {
	SampleWorkflows bool `yaml:"sample_workflows"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{MaxConns: 8},
		Server: ServerConfig{
			ListenAddr:     ":8080",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		Manager: ManagerConfig{
			Enabled:                   true,
			PollingInterval:           Duration(5 * time.Second),
			MaxJobsPerCycle:           100,
			RecoverStuckJobsOnStartup: true,
			ReapEveryNCycles:          5,
		},
		Dispatcher: DispatcherConfig{
			Enabled:         true,
			PollingInterval: Duration(5 * time.Second),
			MaxActiveJobs:   10,
		},
		Retry: RetryConfig{
			DefaultMaxRetries: 3,
			DefaultRetryDelay: Duration(5 * time.Minute),
			BackoffMultiplier: 2.0,
			MaxRetryDelay:     Duration(time.Hour),
		},
		Timeouts: TimeoutConfig{DefaultJobTimeout: Duration(20 * time.Minute)},
		Cleanup: CleanupConfig{
			CleanupInterval:           Duration(time.Hour),
			RetentionPeriod:           Duration(720 * time.Hour),
			BatchSize:                 1000,
			AutoPurgeDeadLetters:      true,
			DeadLetterRetentionPeriod: Duration(720 * time.Hour),
		},
		Coordination: CoordinationConfig{LeaseTTL: Duration(30 * time.Second)},
		Redis: RedisConfig{
			QueueKey: "flowforge:dispatch",
			Workers:  4,
		},
	}
}

// Validate checks the struct tags plus the handful of cross-field rules
// tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Retry.MaxRetryDelay < c.Retry.DefaultRetryDelay {
		return fmt.Errorf("config: retry.max_retry_delay (%s) is below retry.default_retry_delay (%s)",
			c.Retry.MaxRetryDelay.Std(), c.Retry.DefaultRetryDelay.Std())
	}
	return nil
}
