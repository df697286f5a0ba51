package params

import (
	"path/filepath"
	"time"
)

type SchedulerConfig struct {
	// MaxConcurrent bounds in-flight bulk-download tile jobs.
	MaxConcurrent int

	// RateLimitPerSec sets the issue tick: 1000ms / rate, floored at
	// MinSchedulerTick.
	RateLimitPerSec int

	// ManifestPath is the persisted download-task manifest (JSON).
	ManifestPath string
}

const MinSchedulerTick = 50 * time.Millisecond

func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		MaxConcurrent:   8,
		RateLimitPerSec: 8,
		ManifestPath:    filepath.Join(DatadirRoot, ManifestFileName),
	}
}

// TickInterval derives the job-issue cadence from the rate limit.
func (c *SchedulerConfig) TickInterval() time.Duration {
	if c.RateLimitPerSec <= 0 {
		return MinSchedulerTick
	}
	iv := time.Second / time.Duration(c.RateLimitPerSec)
	if iv < MinSchedulerTick {
		return MinSchedulerTick
	}
	return iv
}
