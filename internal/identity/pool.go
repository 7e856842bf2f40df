package identity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
	"github.com/JakeFAU/channel-crawler/internal/metrics"
	"github.com/JakeFAU/channel-crawler/internal/store"
)

// ErrNotBanned is returned when reinstating an identity that is not banned.
var ErrNotBanned = errors.New("identity is not banned")

// ErrUnknownIdentity is returned for ids that are not configured in the pool.
var ErrUnknownIdentity = errors.New("unknown identity")

// Config tunes authentication and startup recovery.
type Config struct {
	// AuthAttempts bounds connect attempts per Authenticate call.
	AuthAttempts int
	// AuthDelay is the fixed pause between attempts.
	AuthDelay time.Duration
	// StaleInUseAfter is how long an identity may stay in_use before Sync
	// treats it as left over by a crashed run and returns it to available.
	// Zero disables recovery.
	StaleInUseAfter time.Duration
}

// DefaultConfig returns 5 attempts 5 seconds apart.
func DefaultConfig() Config {
	return Config{AuthAttempts: 5, AuthDelay: 5 * time.Second, StaleInUseAfter: 5 * time.Minute}
}

// Pool hands out identities and is the only writer of identity status.
type Pool struct {
	store    store.IdentityStore
	dialer   crawler.Dialer
	notifier crawler.Notifier
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger

	mu       sync.RWMutex
	specs    map[string]Spec
	sessions *xsync.Map[string, crawler.Session]
}

// NewPool wires a Pool. notifier may be nil.
func NewPool(
	st store.IdentityStore,
	dialer crawler.Dialer,
	notifier crawler.Notifier,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Pool, error) {
	if st == nil {
		return nil, fmt.Errorf("identity store is required")
	}
	if dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.AuthAttempts <= 0 {
		cfg.AuthAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		store:    st,
		dialer:   dialer,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("pool"),
		specs:    make(map[string]Spec),
		sessions: xsync.NewMap[string, crawler.Session](),
	}, nil
}

// Sync registers the configured identities. Identities whose credential source
// has disappeared, or that are no longer configured, are removed together
// with their memberships and locks.
func (p *Pool) Sync(ctx context.Context, specs []Spec) error {
	wanted := make(map[string]Spec, len(specs))
	for _, spec := range specs {
		if _, err := spec.Source.Load(ctx); errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("credential source missing, dropping identity",
				zap.String("identity_id", spec.ID), zap.Error(err))
			continue
		}
		if err := p.store.UpsertIdentity(ctx, store.IdentityRecord{ID: spec.ID, Status: crawler.StatusAvailable}); err != nil {
			return fmt.Errorf("register identity %s: %w", spec.ID, err)
		}
		wanted[spec.ID] = spec
	}

	existing, err := p.store.ListIdentities(ctx)
	if err != nil {
		return fmt.Errorf("list identities: %w", err)
	}
	for _, rec := range existing {
		if _, ok := wanted[rec.ID]; !ok {
			if err := p.store.DeleteIdentity(ctx, rec.ID); err != nil {
				return fmt.Errorf("remove identity %s: %w", rec.ID, err)
			}
			p.logger.Info("identity removed", zap.String("identity_id", rec.ID))
			continue
		}
		if p.staleInUse(rec) {
			if _, err := p.store.TransitionIdentity(ctx, rec.ID,
				[]crawler.IdentityStatus{crawler.StatusInUse}, crawler.StatusAvailable, time.Time{}, ""); err != nil {
				return fmt.Errorf("recover identity %s: %w", rec.ID, err)
			}
			p.logger.Info("identity recovered from stale in_use", zap.String("identity_id", rec.ID))
		}
	}

	p.mu.Lock()
	p.specs = wanted
	p.mu.Unlock()
	return nil
}

// staleInUse reports whether rec was left in_use longer than any live task
// can hold it. Sync runs while cycles are in flight, so fresh in_use rows
// belong to running tasks and must stay held.
func (p *Pool) staleInUse(rec store.IdentityRecord) bool {
	if rec.Status != crawler.StatusInUse || p.cfg.StaleInUseAfter <= 0 {
		return false
	}
	return p.clock.Now().Sub(rec.LastUsedAt) >= p.cfg.StaleInUseAfter
}

func (p *Pool) spec(id string) (Spec, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	spec, ok := p.specs[id]
	return spec, ok
}

// Acquire picks an available identity not in excluding, uniformly at random,
// and marks it in_use. It fails with crawler.ErrNoIdentityAvailable when no
// candidate remains.
func (p *Pool) Acquire(ctx context.Context, excluding map[string]struct{}) (Identity, error) {
	records, err := p.store.ListIdentities(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("list identities: %w", err)
	}
	candidates := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.Status != crawler.StatusAvailable {
			continue
		}
		if _, skip := excluding[rec.ID]; skip {
			continue
		}
		if _, ok := p.spec(rec.ID); !ok {
			continue
		}
		candidates = append(candidates, rec.ID)
	}

	// Another process may claim a candidate between the read and the update;
	// the conditional transition settles it and we move on to the next one.
	for _, i := range rand.Perm(len(candidates)) {
		id := candidates[i]
		ok, err := p.store.TransitionIdentity(ctx, id,
			[]crawler.IdentityStatus{crawler.StatusAvailable}, crawler.StatusInUse, p.clock.Now(), "")
		if err != nil {
			return Identity{}, fmt.Errorf("acquire identity %s: %w", id, err)
		}
		if ok {
			p.logger.Debug("identity acquired", zap.String("identity_id", id))
			return Identity{ID: id}, nil
		}
	}
	return Identity{}, crawler.ErrNoIdentityAvailable
}

// Release returns an in_use identity to available. Releasing a banned
// identity leaves it banned.
func (p *Pool) Release(ctx context.Context, id Identity) error {
	if _, err := p.store.TransitionIdentity(ctx, id.ID,
		[]crawler.IdentityStatus{crawler.StatusInUse}, crawler.StatusAvailable, time.Time{}, ""); err != nil {
		return fmt.Errorf("release identity %s: %w", id.ID, err)
	}
	p.logger.Debug("identity released", zap.String("identity_id", id.ID))
	return nil
}

// MarkBanned moves the identity to banned. Only the call that performs the
// transition notifies; repeated calls are no-ops.
func (p *Pool) MarkBanned(ctx context.Context, id Identity, reason string) error {
	changed, err := p.store.TransitionIdentity(ctx, id.ID, nil, crawler.StatusBanned, time.Time{}, reason)
	if err != nil {
		return fmt.Errorf("ban identity %s: %w", id.ID, err)
	}
	if !changed {
		return nil
	}
	metrics.ObserveBan()
	p.logger.Warn("identity banned", zap.String("identity_id", id.ID), zap.String("reason", reason))
	p.dropSession(id.ID)
	if p.notifier != nil {
		if err := p.notifier.NotifyBanned(ctx, id.ID, reason); err != nil {
			p.logger.Warn("ban notification failed", zap.String("identity_id", id.ID), zap.Error(err))
		}
	}
	return nil
}

// ActiveCount returns the number of identities that are not banned.
func (p *Pool) ActiveCount(ctx context.Context) (int, error) {
	n, err := p.store.CountIdentities(ctx, crawler.StatusBanned)
	if err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	metrics.SetActiveIdentities(n)
	return n, nil
}

// Authenticate makes sure the identity holds a live, authorized session. It
// retries with a fixed delay, re-reading credentials on every attempt, and
// reports false once the attempts are spent. A ban surfaced while connecting
// marks the identity banned.
func (p *Pool) Authenticate(ctx context.Context, id Identity) bool {
	spec, ok := p.spec(id.ID)
	if !ok {
		p.logger.Warn("authenticate unknown identity", zap.String("identity_id", id.ID))
		return false
	}
	logger := p.logger.With(zap.String("identity_id", id.ID))

	attempt := func() (crawler.Session, error) {
		creds, err := spec.Source.Load(ctx)
		if err != nil {
			return nil, err
		}
		if sess, ok := p.sessions.Load(id.ID); ok {
			authorized, err := sess.IsAuthorized(ctx)
			if err == nil && authorized {
				return sess, nil
			}
			p.dropSession(id.ID)
		}
		sess, err := p.dialer.Dial(ctx, id.ID, creds)
		if err != nil {
			return nil, err
		}
		if err := sess.Connect(ctx); err != nil {
			_ = sess.Close()
			return nil, err
		}
		authorized, err := sess.IsAuthorized(ctx)
		if err != nil || !authorized {
			_ = sess.Close()
			if err == nil {
				err = crawler.ErrNotAuthorized
			}
			return nil, err
		}
		return sess, nil
	}

	sess, err := backoff.Retry(ctx, func() (crawler.Session, error) {
		sess, err := attempt()
		if _, banned := crawler.AsBanned(err); banned {
			return nil, backoff.Permanent(err)
		}
		return sess, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.cfg.AuthDelay)),
		backoff.WithMaxTries(uint(p.cfg.AuthAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("connect attempt failed", zap.Error(err), zap.Duration("retry_in", next))
		}),
	)
	if err != nil {
		if b, banned := crawler.AsBanned(err); banned {
			if banErr := p.MarkBanned(context.WithoutCancel(ctx), id, b.Reason); banErr != nil {
				logger.Error("mark banned failed", zap.Error(banErr))
			}
		}
		logger.Warn("authentication exhausted", zap.Error(err))
		return false
	}
	p.sessions.Store(id.ID, sess)
	return true
}

// Session returns the live session stored by the last successful Authenticate.
func (p *Pool) Session(id Identity) (crawler.Session, bool) {
	return p.sessions.Load(id.ID)
}

// Reinstate is the explicit operator action that returns a banned identity to service.
func (p *Pool) Reinstate(ctx context.Context, id string) error {
	changed, err := p.store.TransitionIdentity(ctx, id,
		[]crawler.IdentityStatus{crawler.StatusBanned}, crawler.StatusAvailable, time.Time{}, "")
	if err != nil {
		return fmt.Errorf("reinstate identity %s: %w", id, err)
	}
	if !changed {
		return fmt.Errorf("reinstate identity %s: %w", id, ErrNotBanned)
	}
	p.logger.Info("identity reinstated", zap.String("identity_id", id))
	return nil
}

// Remove deletes an identity with its memberships and locks.
func (p *Pool) Remove(ctx context.Context, id string) error {
	p.dropSession(id)
	p.mu.Lock()
	delete(p.specs, id)
	p.mu.Unlock()
	if err := p.store.DeleteIdentity(ctx, id); err != nil {
		return fmt.Errorf("remove identity %s: %w", id, err)
	}
	p.logger.Info("identity removed", zap.String("identity_id", id))
	return nil
}

// Snapshot lists every identity with its persisted status.
func (p *Pool) Snapshot(ctx context.Context) ([]store.IdentityRecord, error) {
	records, err := p.store.ListIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	return records, nil
}

// Close ends every live session.
func (p *Pool) Close() {
	p.sessions.Range(func(id string, _ crawler.Session) bool {
		p.dropSession(id)
		return true
	})
}

func (p *Pool) dropSession(id string) {
	sess, ok := p.sessions.LoadAndDelete(id)
	if !ok {
		return
	}
	if err := sess.Close(); err != nil {
		p.logger.Debug("close session", zap.String("identity_id", id), zap.Error(err))
	}
}
