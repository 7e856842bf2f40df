// Package scheduler drives crawl cycles: it picks the channels due in the
// current tier, and for each one takes the channel lock, borrows an identity,
// joins when needed, fetches, and hands the records downstream.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
	"github.com/JakeFAU/channel-crawler/internal/identity"
	"github.com/JakeFAU/channel-crawler/internal/lock"
	"github.com/JakeFAU/channel-crawler/internal/metrics"
	"github.com/JakeFAU/channel-crawler/internal/policy/ratelimit"
)

const cleanupTimeout = 10 * time.Second

// IdentityPool is the part of identity.Pool the scheduler drives.
type IdentityPool interface {
	Acquire(ctx context.Context, excluding map[string]struct{}) (identity.Identity, error)
	Release(ctx context.Context, id identity.Identity) error
	MarkBanned(ctx context.Context, id identity.Identity, reason string) error
	ActiveCount(ctx context.Context) (int, error)
	Authenticate(ctx context.Context, id identity.Identity) bool
	Session(id identity.Identity) (crawler.Session, bool)
}

var _ IdentityPool = (*identity.Pool)(nil)

// Scheduler runs crawl cycles until the context ends or every identity is banned.
type Scheduler struct {
	sc         *Context
	cfg        Config
	pool       IdentityPool
	locks      *lock.Manager
	throttle   *ratelimit.Limiter
	instanceID string
	logger     *zap.Logger
	seeded     *xsync.Map[string, struct{}]
	wake       chan struct{}

	mu                sync.Mutex
	targets           []string
	priority          []string
	tier              crawler.Tier
	exhaustedNotified bool
	last              *CycleReport
}

// New wires a Scheduler. The instance id that holds channel locks before an
// identity is assigned is drawn from sc.IDs.
func New(sc *Context, pool IdentityPool, locks *lock.Manager) (*Scheduler, error) {
	if err := sc.validate(); err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, fmt.Errorf("identity pool is required")
	}
	if locks == nil {
		return nil, fmt.Errorf("lock manager is required")
	}
	throttle, err := ratelimit.New(sc.Config.Throttle, sc.Sleeper)
	if err != nil {
		return nil, fmt.Errorf("build throttle: %w", err)
	}
	instanceID, err := sc.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate instance id: %w", err)
	}
	return &Scheduler{
		sc:         sc,
		cfg:        sc.Config,
		pool:       pool,
		locks:      locks,
		throttle:   throttle,
		instanceID: instanceID,
		logger:     sc.Logger.Named("scheduler").With(zap.String("instance_id", instanceID)),
		seeded:     xsync.NewMap[string, struct{}](),
		wake:       make(chan struct{}, 1),
		tier:       crawler.TierNormal,
	}, nil
}

// InstanceID identifies this scheduler as a lock holder.
func (s *Scheduler) InstanceID() string {
	return s.instanceID
}

// OnTargetsChanged replaces the target list and wakes a sleeping loop.
func (s *Scheduler) OnTargetsChanged(targets []string) {
	s.mu.Lock()
	s.targets = slices.Clone(targets)
	s.mu.Unlock()
	s.logger.Info("targets changed", zap.Int("count", len(targets)))
	s.Trigger()
}

// OnPriorityChanged replaces the priority list used in the fallback tier.
func (s *Scheduler) OnPriorityChanged(priority []string) {
	s.mu.Lock()
	s.priority = slices.Clone(priority)
	s.mu.Unlock()
	s.logger.Info("priority channels changed", zap.Int("count", len(priority)))
	s.Trigger()
}

// Trigger ends the current inter-cycle sleep early.
func (s *Scheduler) Trigger() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Targets returns the current target list.
func (s *Scheduler) Targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.targets)
}

// Tier returns the tier of the most recent cycle.
func (s *Scheduler) Tier() crawler.Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tier
}

// LastReport returns the report of the most recent cycle, if any.
func (s *Scheduler) LastReport() (CycleReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return CycleReport{}, false
	}
	return *s.last, true
}

// Run executes cycles separated by the tier interval. It returns nil when ctx
// ends and crawler.ErrAllIdentitiesBanned when no identity is left.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started")
	for {
		report, err := s.RunCycle(ctx)
		switch {
		case errors.Is(err, crawler.ErrAllIdentitiesBanned):
			s.logger.Error("all identities banned, scheduler stopping")
			return err
		case ctx.Err() != nil:
			s.logger.Info("scheduler stopped")
			return nil
		case errors.Is(err, crawler.ErrNoIdentityAvailable):
			s.logger.Warn("cycle ended early, no identity available", zap.String("cycle_id", report.ID))
		case err != nil:
			s.logger.Error("cycle failed", zap.String("cycle_id", report.ID), zap.Error(err))
		}

		interval := s.cfg.Interval(report.Tier)
		if err := s.sleep(ctx, interval); err != nil {
			s.logger.Info("scheduler stopped")
			return nil
		}
	}
}

// sleep waits for d, returning early without error when Trigger fires.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.wake:
			cancel()
		case <-waitCtx.Done():
		}
	}()
	_ = s.sc.Sleeper.Sleep(waitCtx, d)
	return ctx.Err()
}

// RunCycle performs a single cycle. It returns crawler.ErrAllIdentitiesBanned
// when the pool has no active identity, and crawler.ErrNoIdentityAvailable
// when the cycle ended early.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleReport, error) {
	started := s.sc.Clock.Now()
	cycleID, err := s.sc.IDs.NewID()
	if err != nil {
		return CycleReport{}, fmt.Errorf("generate cycle id: %w", err)
	}
	report := CycleReport{ID: cycleID, Started: started, Tier: s.Tier(), Outcomes: map[string]crawler.TaskState{}}

	active, err := s.pool.ActiveCount(ctx)
	if err != nil {
		return report, fmt.Errorf("count active identities: %w", err)
	}
	if active == 0 {
		s.poolExhausted(ctx)
		return report, crawler.ErrAllIdentitiesBanned
	}
	s.mu.Lock()
	s.exhaustedNotified = false
	s.mu.Unlock()

	tier := crawler.TierFor(active)
	s.enterTier(ctx, tier)
	report.Tier = tier
	report.Selected = s.selectChannels(tier)

	logger := s.logger.With(zap.String("cycle_id", cycleID), zap.String("tier", string(tier)))
	logger.Info("cycle started", zap.Int("active_identities", active), zap.Int("selected", len(report.Selected)))
	cyc := newCycle(cycleID, logger)

	due := make([]string, 0, len(report.Selected))
	for _, channelID := range report.Selected {
		if s.fresh(ctx, logger, channelID, started) {
			cyc.record(channelID, crawler.TaskSkipped)
			metrics.ObserveTask(string(crawler.TaskSkipped))
			continue
		}
		due = append(due, channelID)
	}

	group := s.sc.workerPool().NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, channelID := range due {
		group.Submit(func() {
			state := s.runTask(groupCtx, cyc, channelID)
			cyc.record(channelID, state)
			metrics.ObserveTask(string(state))
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		logger.Warn("some crawl tasks failed", zap.Error(err))
	}

	report.Outcomes = cyc.snapshot()
	report.Finished = s.sc.Clock.Now()
	aborted, exhausted := cyc.state()
	report.Aborted = aborted
	metrics.ObserveCycle(string(tier), report.Finished.Sub(started))
	s.mu.Lock()
	last := report
	s.last = &last
	s.mu.Unlock()

	logger.Info("cycle finished",
		zap.Int("done", report.Count(crawler.TaskDone)),
		zap.Int("lock_denied", report.Count(crawler.TaskLockDenied)),
		zap.Int("skipped", report.Count(crawler.TaskSkipped)),
		zap.Int("failed", report.Count(crawler.TaskFailed)),
		zap.Duration("elapsed", report.Finished.Sub(started)),
	)

	switch {
	case exhausted:
		s.poolExhausted(ctx)
		return report, crawler.ErrAllIdentitiesBanned
	case aborted:
		return report, crawler.ErrNoIdentityAvailable
	case ctx.Err() != nil:
		return report, fmt.Errorf("cycle interrupted: %w", ctx.Err())
	}
	return report, nil
}

func (s *Scheduler) selectChannels(tier crawler.Tier) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tier != crawler.TierFallback {
		return slices.Clone(s.targets)
	}
	source := s.targets
	if len(s.priority) > 0 {
		source = s.priority
	}
	return slices.Clone(source[:min(len(source), s.cfg.FallbackChannelLimit)])
}

// fresh reports whether channelID was crawled within the freshness window.
// Store errors count as stale; the check is advisory.
func (s *Scheduler) fresh(ctx context.Context, logger *zap.Logger, channelID string, now time.Time) bool {
	if s.cfg.FreshnessWindow <= 0 {
		return false
	}
	last, err := s.sc.Store.LastCrawled(ctx, channelID)
	if err != nil {
		logger.Warn("freshness check failed", zap.String("channel_id", channelID), zap.Error(err))
		return false
	}
	if last.IsZero() || now.Sub(last) >= s.cfg.FreshnessWindow {
		return false
	}
	logger.Debug("channel fresh, skipping", zap.String("channel_id", channelID), zap.Time("last_crawled", last))
	return true
}

func (s *Scheduler) enterTier(ctx context.Context, tier crawler.Tier) {
	s.mu.Lock()
	prev := s.tier
	s.tier = tier
	s.mu.Unlock()

	metrics.SetFallback(tier == crawler.TierFallback)
	if tier == prev {
		return
	}
	s.logger.Warn("tier changed", zap.String("from", string(prev)), zap.String("to", string(tier)))
	if tier == crawler.TierFallback && s.sc.Notifier != nil {
		if err := s.sc.Notifier.NotifyFallbackEntered(ctx); err != nil {
			s.logger.Warn("fallback notification failed", zap.Error(err))
		}
	}
}

// poolExhausted notifies once until an active identity is seen again.
func (s *Scheduler) poolExhausted(ctx context.Context) {
	s.mu.Lock()
	already := s.exhaustedNotified
	s.exhaustedNotified = true
	s.mu.Unlock()
	if already || s.sc.Notifier == nil {
		return
	}
	if err := s.sc.Notifier.NotifyPoolExhausted(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("pool exhausted notification failed", zap.Error(err))
	}
}
