// Package config loads the platform's YAML configuration into a tree of
// nested structs tagged with yaml field names.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP submission surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LedgerConfig configures the Ledger Store backend.
type LedgerConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// QueueConfig configures the Queue Broker backend.
type QueueConfig struct {
	// Backend is "memory" or "redis".
	Backend          string        `yaml:"backend"`
	RedisURL         string        `yaml:"redis_url"`
	KeyPrefix        string        `yaml:"key_prefix"`
	PromoterInterval time.Duration `yaml:"promoter_interval"`
	PopTimeout       time.Duration `yaml:"pop_timeout"`
}

// RunnerConfig configures the runner-side execution loop.
type RunnerConfig struct {
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LeaseDuration     time.Duration `yaml:"lease_duration"`
	DrainGracePeriod  time.Duration `yaml:"drain_grace_period"`
}

// ReconcilerConfig configures the Dispatch Core's periodic reconciliation.
type ReconcilerConfig struct {
	CronSchedule       string        `yaml:"cron_schedule"`
	StalenessThreshold time.Duration `yaml:"staleness_threshold"`
}

// RateLimitConfig configures the per-customer submission and concurrency caps.
type RateLimitConfig struct {
	SubmissionsPerSecond float64 `yaml:"submissions_per_second"`
	SubmissionBurst      int     `yaml:"submission_burst"`
	MaxConcurrentRunning int     `yaml:"max_concurrent_running"`
}

// Config is the root configuration document.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Queue       QueueConfig       `yaml:"queue"`
	Runner      RunnerConfig      `yaml:"runner"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	LogLevel    string            `yaml:"log_level"`
	LogFormat   string            `yaml:"log_format"` // json|console
}

// Default returns the configuration used when no file is supplied: a 10s
// heartbeat interval, 90s staleness threshold and a sub-second delayed-retry
// promoter tick.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Ledger: LedgerConfig{SQLitePath: "dispatchcore.db"},
		Queue: QueueConfig{
			Backend:          "memory",
			KeyPrefix:        "dispatchcore",
			PromoterInterval: 500 * time.Millisecond,
			PopTimeout:       2 * time.Second,
		},
		Runner: RunnerConfig{
			MaxConcurrentJobs: 4,
			HeartbeatInterval: 10 * time.Second,
			LeaseDuration:     30 * time.Second,
			DrainGracePeriod:  30 * time.Second,
		},
		Reconciler: ReconcilerConfig{
			CronSchedule:       "@every 15s",
			StalenessThreshold: 90 * time.Second,
		},
		RateLimit: RateLimitConfig{
			SubmissionsPerSecond: 10,
			SubmissionBurst:      20,
			MaxConcurrentRunning: 50,
		},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load reads and unmarshals a YAML file at path into Default()'s config,
// so a partial file only overrides the fields it sets. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
