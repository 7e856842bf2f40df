// Package ratelimit paces platform calls per identity: joins are serialized
// and followed by a random pause, fetches go through a token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
	"github.com/JakeFAU/channel-crawler/internal/metrics"
)

// Config holds throttle settings. Zero FetchRPS disables fetch pacing.
type Config struct {
	JoinDelayMin time.Duration
	JoinDelayMax time.Duration
	FetchRPS     float64
	FetchBurst   int
}

// Limiter keeps one join slot and one fetch bucket per identity.
type Limiter struct {
	mu         sync.Mutex
	joins      map[string]chan struct{}
	fetches    map[string]*rate.Limiter
	fetchRate  rate.Limit
	fetchBurst int
	joinMin    time.Duration
	joinMax    time.Duration
	sleeper    crawler.Sleeper
	jitter     func(n int64) int64
}

// New creates a Limiter. sleeper performs the join pause.
func New(cfg Config, sleeper crawler.Sleeper) (*Limiter, error) {
	if sleeper == nil {
		return nil, fmt.Errorf("sleeper is required")
	}
	if cfg.JoinDelayMin < 0 || cfg.JoinDelayMax < cfg.JoinDelayMin {
		return nil, fmt.Errorf("invalid join delay range [%s, %s]", cfg.JoinDelayMin, cfg.JoinDelayMax)
	}
	r := rate.Limit(cfg.FetchRPS)
	if cfg.FetchRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.FetchBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		joins:      make(map[string]chan struct{}),
		fetches:    make(map[string]*rate.Limiter),
		fetchRate:  r,
		fetchBurst: burst,
		joinMin:    cfg.JoinDelayMin,
		joinMax:    cfg.JoinDelayMax,
		sleeper:    sleeper,
		jitter:     rand.Int64N,
	}, nil
}

// JoinDelay draws a pause uniformly from the configured range.
func (l *Limiter) JoinDelay() time.Duration {
	span := int64(l.joinMax - l.joinMin)
	if span <= 0 {
		return l.joinMin
	}
	return l.joinMin + time.Duration(l.jitter(span+1))
}

// Join runs join while holding the identity's join slot, then pauses for a
// random delay before freeing the slot. No two joins of one identity overlap
// and every join call is followed by a pause, including one the platform
// rate-limited. Only a ban skips the pause: the identity is retired and never
// joins again. The returned error is join's; an interrupted pause is left for
// the caller's context to report.
func (l *Limiter) Join(ctx context.Context, identityID string, join func(ctx context.Context) error) error {
	slot := l.joinSlot(identityID)
	start := time.Now()
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("join slot wait: %w", ctx.Err())
	}
	defer func() { <-slot }()
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePacingDelay("join_slot", waited)
	}

	err := join(ctx)
	if _, banned := crawler.AsBanned(err); banned {
		return err
	}
	delay := l.JoinDelay()
	if sleepErr := l.sleeper.Sleep(ctx, delay); sleepErr == nil {
		metrics.ObservePacingDelay("join", delay)
	}
	return err
}

// WaitFetch blocks until the identity may fetch again.
func (l *Limiter) WaitFetch(ctx context.Context, identityID string) error {
	limiter := l.fetchBucket(identityID)
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("fetch pacing wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePacingDelay("fetch", waited)
	}
	return nil
}

func (l *Limiter) joinSlot(identityID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.joins[identityID]
	if !ok {
		slot = make(chan struct{}, 1)
		l.joins[identityID] = slot
	}
	return slot
}

func (l *Limiter) fetchBucket(identityID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.fetches[identityID]
	if !ok {
		limiter = rate.NewLimiter(l.fetchRate, l.fetchBurst)
		l.fetches[identityID] = limiter
	}
	return limiter
}
