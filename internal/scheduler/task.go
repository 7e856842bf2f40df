package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
	"github.com/JakeFAU/channel-crawler/internal/identity"
	"github.com/JakeFAU/channel-crawler/internal/metrics"
	"github.com/JakeFAU/channel-crawler/internal/store"
)

type next int

const (
	nextStop next = iota
	nextRedispatch
	nextWaitAndRetry
)

type outcome struct {
	state crawler.TaskState
	next  next
	wait  time.Duration
}

func stop(state crawler.TaskState) outcome {
	return outcome{state: state, next: nextStop}
}

// task is one channel crawl inside a cycle.
type task struct {
	channelID string
	state     crawler.TaskState
	excluded  map[string]struct{}
	retried   bool
	logger    *zap.Logger
}

func (t *task) set(state crawler.TaskState) {
	t.state = state
	t.logger.Debug("task state", zap.String("state", string(state)))
}

// runTask drives one channel to a terminal state. Re-dispatches after a ban
// or failed authentication are unbounded but finite, since each one excludes
// another identity; a rate limit earns a single retry.
func (s *Scheduler) runTask(ctx context.Context, cyc *cycle, channelID string) crawler.TaskState {
	t := &task{
		channelID: channelID,
		state:     crawler.TaskPending,
		excluded:  make(map[string]struct{}),
		logger:    cyc.logger.With(zap.String("channel_id", channelID)),
	}
	for {
		if cyc.halted() {
			return crawler.TaskSkipped
		}
		if ctx.Err() != nil {
			return crawler.TaskFailed
		}
		out := s.attempt(ctx, cyc, t)
		switch out.next {
		case nextRedispatch:
			t.set(crawler.TaskRetrying)
		case nextWaitAndRetry:
			if t.retried {
				t.logger.Warn("rate limited again, giving up for this cycle")
				return crawler.TaskFailed
			}
			t.retried = true
			t.set(crawler.TaskRetrying)
			metrics.ObserveRateLimitWait(out.wait)
			t.logger.Info("rate limited, waiting before retry", zap.Duration("wait", out.wait))
			if err := s.sc.Sleeper.Sleep(ctx, out.wait); err != nil {
				return crawler.TaskFailed
			}
		default:
			t.set(out.state)
			return out.state
		}
	}
}

// attempt runs one pass of lock, identity, join and fetch. Every lock and
// identity taken here is given back before it returns, on a context detached
// from ctx so cancellation cannot strand them.
func (s *Scheduler) attempt(ctx context.Context, cyc *cycle, t *task) outcome {
	t.set(crawler.TaskLocking)
	locked, err := s.locks.TryLock(ctx, t.channelID, s.instanceID, 0)
	if err != nil {
		t.logger.Error("lock failed", zap.Error(err))
		return stop(crawler.TaskFailed)
	}
	if !locked {
		t.logger.Debug("channel locked elsewhere, skipping")
		return stop(crawler.TaskLockDenied)
	}
	defer s.unlock(ctx, t)

	id, err := cyc.acquire(ctx, s.pool, t.excluded)
	if err != nil {
		if errors.Is(err, crawler.ErrNoIdentityAvailable) {
			return s.noIdentity(ctx, cyc, t)
		}
		t.logger.Error("acquire identity failed", zap.Error(err))
		return stop(crawler.TaskFailed)
	}
	defer s.release(ctx, cyc, t, id)
	logger := t.logger.With(zap.String("identity_id", id.ID))

	if ok, err := s.locks.Transfer(ctx, t.channelID, s.instanceID, id.ID); err != nil || !ok {
		logger.Warn("lock lost before transfer", zap.Error(err))
		return stop(crawler.TaskLockDenied)
	}

	if !s.pool.Authenticate(ctx, id) {
		logger.Warn("authentication failed, excluding identity")
		t.excluded[id.ID] = struct{}{}
		return outcome{next: nextRedispatch}
	}
	sess, ok := s.pool.Session(id)
	if !ok {
		t.excluded[id.ID] = struct{}{}
		return outcome{next: nextRedispatch}
	}
	s.seedMemberships(ctx, logger, id, sess)

	if out, joined := s.ensureMembership(ctx, t, logger, id, sess); !joined {
		return out
	}

	t.set(crawler.TaskFetching)
	if err := s.throttle.WaitFetch(ctx, id.ID); err != nil {
		return stop(crawler.TaskFailed)
	}
	msgs, err := crawler.Retry(ctx, s.cfg.Retry, func(ctx context.Context) ([]crawler.Message, error) {
		return sess.FetchRecent(ctx, t.channelID, s.cfg.FetchLimit)
	})
	if err != nil {
		return s.platformError(ctx, t, logger, id, "fetch", err)
	}

	records := crawler.RecordsFromMessages(t.channelID, msgs)
	if len(records) > 0 {
		if err := s.sc.Sink.Emit(ctx, records); err != nil {
			logger.Error("emit records failed", zap.Int("records", len(records)), zap.Error(err))
			return stop(crawler.TaskFailed)
		}
	}
	if err := s.sc.Store.TouchMembership(ctx, id.ID, t.channelID, s.sc.Clock.Now()); err != nil {
		logger.Error("record crawl time failed", zap.Error(err))
		return stop(crawler.TaskFailed)
	}
	logger.Info("channel crawled", zap.Int("messages", len(msgs)), zap.Int("records", len(records)))
	return stop(crawler.TaskDone)
}

// ensureMembership joins the channel when the identity has no membership row
// yet. It reports false together with the outcome to return when the task
// cannot go on.
func (s *Scheduler) ensureMembership(
	ctx context.Context,
	t *task,
	logger *zap.Logger,
	id identity.Identity,
	sess crawler.Session,
) (outcome, bool) {
	_, err := s.sc.Store.GetMembership(ctx, id.ID, t.channelID)
	if err == nil {
		return outcome{}, true
	}
	if !errors.Is(err, store.ErrNotFound) {
		logger.Error("membership lookup failed", zap.Error(err))
		return stop(crawler.TaskFailed), false
	}

	t.set(crawler.TaskJoining)
	err = s.throttle.Join(ctx, id.ID, func(ctx context.Context) error {
		_, err := crawler.Retry(ctx, s.cfg.Retry, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, sess.JoinChannel(ctx, t.channelID)
		})
		return err
	})
	if err != nil {
		metrics.ObserveJoin("error")
		return s.platformError(ctx, t, logger, id, "join", err), false
	}
	metrics.ObserveJoin("ok")
	if err := s.sc.Store.CreateMembership(ctx, id.ID, t.channelID, s.sc.Clock.Now()); err != nil {
		logger.Error("record membership failed", zap.Error(err))
		return stop(crawler.TaskFailed), false
	}
	logger.Info("channel joined")

	// A join plus its pause can eat into the lock lifetime.
	if ok, err := s.locks.Renew(ctx, t.channelID, id.ID); err != nil || !ok {
		logger.Warn("lock lost during join", zap.Error(err))
		return stop(crawler.TaskLockDenied), false
	}
	return outcome{}, true
}

// platformError maps a join or fetch failure to the next step.
func (s *Scheduler) platformError(
	ctx context.Context,
	t *task,
	logger *zap.Logger,
	id identity.Identity,
	stage string,
	err error,
) outcome {
	if rl, ok := crawler.AsRateLimited(err); ok {
		return outcome{next: nextWaitAndRetry, wait: rl.Wait()}
	}
	if b, ok := crawler.AsBanned(err); ok {
		logger.Warn("identity banned", zap.String("stage", stage), zap.String("reason", b.Reason))
		if banErr := s.pool.MarkBanned(context.WithoutCancel(ctx), id, b.Reason); banErr != nil {
			logger.Error("mark banned failed", zap.Error(banErr))
		}
		t.excluded[id.ID] = struct{}{}
		return outcome{next: nextRedispatch}
	}
	if ctx.Err() == nil {
		logger.Warn("platform call failed", zap.String("stage", stage), zap.Error(err))
	}
	return stop(crawler.TaskFailed)
}

// noIdentity decides what an empty pool means for the task: every identity
// banned stops the scheduler, a re-dispatch with nobody left skips the
// channel, and otherwise the cycle ends early.
func (s *Scheduler) noIdentity(ctx context.Context, cyc *cycle, t *task) outcome {
	active, err := s.pool.ActiveCount(ctx)
	switch {
	case err != nil:
		t.logger.Error("count active identities failed", zap.Error(err))
		return stop(crawler.TaskFailed)
	case active == 0:
		cyc.exhaust()
		return stop(crawler.TaskSkipped)
	case len(t.excluded) > 0:
		t.logger.Info("no other identity available, skipping channel")
		return stop(crawler.TaskSkipped)
	default:
		t.logger.Warn("no identity available, ending cycle")
		cyc.abort()
		return stop(crawler.TaskSkipped)
	}
}

func (s *Scheduler) unlock(ctx context.Context, t *task) {
	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.locks.Unlock(cleanup, t.channelID); err != nil {
		t.logger.Error("unlock failed", zap.Error(err))
	}
}

func (s *Scheduler) release(ctx context.Context, cyc *cycle, t *task, id identity.Identity) {
	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := cyc.release(cleanup, s.pool, id); err != nil {
		t.logger.Error("release identity failed", zap.String("identity_id", id.ID), zap.Error(err))
	}
}

// seedMemberships records the channels an identity had already joined before
// this process first used it, so they are not joined again.
func (s *Scheduler) seedMemberships(ctx context.Context, logger *zap.Logger, id identity.Identity, sess crawler.Session) {
	if _, loaded := s.seeded.LoadOrStore(id.ID, struct{}{}); loaded {
		return
	}
	channels, err := sess.ListJoinedChannels(ctx)
	if err != nil {
		s.seeded.Delete(id.ID)
		logger.Warn("list joined channels failed", zap.Error(err))
		return
	}
	now := s.sc.Clock.Now()
	for _, channelID := range channels {
		if err := s.sc.Store.CreateMembership(ctx, id.ID, channelID, now); err != nil {
			s.seeded.Delete(id.ID)
			logger.Warn("seed membership failed", zap.String("channel_id", channelID), zap.Error(err))
			return
		}
	}
	logger.Debug("memberships seeded", zap.Int("channels", len(channels)))
}
