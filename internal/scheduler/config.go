package scheduler

import (
	"time"

	"github.com/smallbiznis/spendguard/internal/config"
)

// Config controls scheduler intervals and retention.
type Config struct {
	RunInterval time.Duration
	LockTTL     time.Duration
	JobTimeout  time.Duration
	// Retention is how long idempotency records are kept after their last update.
	Retention   time.Duration
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		LockTTL:     30 * time.Second,
		JobTimeout:  30 * time.Second,
		Retention:   7 * 24 * time.Hour,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Scheduler.RunInterval,
		LockTTL:     cfg.Scheduler.LockTTL,
		Retention:   cfg.Idempotency.TTL,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.Retention <= 0 {
		c.Retention = defaults.Retention
	}
	return c
}
