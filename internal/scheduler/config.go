package scheduler

import (
	"fmt"
	"time"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
	"github.com/JakeFAU/channel-crawler/internal/policy/ratelimit"
)

// Config tunes one Scheduler.
type Config struct {
	// FreshnessWindow skips channels crawled more recently than this.
	FreshnessWindow time.Duration
	// NormalInterval separates cycles in the normal tier.
	NormalInterval time.Duration
	// FallbackInterval separates cycles in the fallback tier.
	FallbackInterval time.Duration
	// FallbackChannelLimit caps the channel set in the fallback tier.
	FallbackChannelLimit int
	// FetchLimit is how many recent messages one fetch returns.
	FetchLimit int
	// Concurrency bounds the channel tasks running at once.
	Concurrency int
	// Retry bounds transient failures of joins and fetches.
	Retry crawler.RetryPolicy
	// Throttle paces joins and fetches per identity.
	Throttle ratelimit.Config
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		FreshnessWindow:      time.Hour,
		NormalInterval:       time.Hour,
		FallbackInterval:     6 * time.Hour,
		FallbackChannelLimit: 5,
		FetchLimit:           10,
		Concurrency:          4,
		Retry:                crawler.NewExponentialRetryPolicy(),
		Throttle: ratelimit.Config{
			JoinDelayMin: 3 * time.Second,
			JoinDelayMax: 15 * time.Second,
		},
	}
}

// Validate rejects settings the scheduler cannot run with.
func (c Config) Validate() error {
	if c.FreshnessWindow < 0 {
		return fmt.Errorf("freshness window must not be negative")
	}
	if c.NormalInterval <= 0 || c.FallbackInterval <= 0 {
		return fmt.Errorf("cycle intervals must be positive")
	}
	if c.FallbackChannelLimit <= 0 {
		return fmt.Errorf("fallback channel limit must be positive")
	}
	if c.FetchLimit <= 0 {
		return fmt.Errorf("fetch limit must be positive")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Throttle.JoinDelayMin < 0 || c.Throttle.JoinDelayMax < c.Throttle.JoinDelayMin {
		return fmt.Errorf("invalid join delay range")
	}
	return nil
}

// Interval returns the pause that follows a cycle in tier.
func (c Config) Interval(tier crawler.Tier) time.Duration {
	if tier == crawler.TierFallback {
		return c.FallbackInterval
	}
	return c.NormalInterval
}
