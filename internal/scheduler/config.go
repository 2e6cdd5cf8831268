package scheduler

import (
	"time"

	"github.com/smallbiznis/revshare/internal/config"
)

const (
	JobComputePending    = "compute_pending"
	JobClearance         = "clearance"
	JobTierRecalculation = "tier_recalculation"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval  time.Duration
	BatchSize    int
	JobTimeout   time.Duration
	TierInterval time.Duration
	// EnabledJobs limits the run to the named jobs. Empty enables all of them.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:  time.Minute,
		BatchSize:    100,
		JobTimeout:   30 * time.Second,
		TierInterval: time.Hour,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:  cfg.Scheduler.RunInterval,
		BatchSize:    cfg.Scheduler.BatchSize,
		JobTimeout:   cfg.Scheduler.JobTimeout,
		TierInterval: cfg.Scheduler.TierInterval,
		EnabledJobs:  cfg.Scheduler.EnabledJobs,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.TierInterval <= 0 {
		c.TierInterval = defaults.TierInterval
	}
	return c
}
