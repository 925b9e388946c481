package scheduler

import (
	"time"

	"github.com/smallbiznis/daycare/internal/config"
)

// Config controls when the nightly billing run fires.
type Config struct {
	RunInterval time.Duration
	RunOnStart  bool
	DryRun      bool
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 24 * time.Hour,
		RunOnStart:  true,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Run.Interval,
		RunOnStart:  cfg.Run.RunOnStart,
		DryRun:      cfg.Run.DefaultDryRun,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	return c
}
