// Package lock grants time-bounded exclusive claims on channels so that two
// identities never crawl the same channel at once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
	"github.com/JakeFAU/channel-crawler/internal/metrics"
	"github.com/JakeFAU/channel-crawler/internal/store"
)

// DefaultTimeout is how long a lock stays live without renewal.
const DefaultTimeout = 300 * time.Second

// Backend persists locks. Acquire must be a single atomic
// insert-if-absent-or-expired.
type Backend interface {
	Acquire(ctx context.Context, channelID, holderID string, now time.Time, timeout time.Duration) (bool, error)
	Refresh(ctx context.Context, channelID, expectedHolder, newHolder string, now time.Time, timeout time.Duration) (bool, error)
	Get(ctx context.Context, channelID string) (store.LockRecord, error)
	Release(ctx context.Context, channelID string) error
	List(ctx context.Context) ([]store.LockRecord, error)
}

// Manager is the only writer of channel lock state.
type Manager struct {
	backend Backend
	clock   crawler.Clock
	timeout time.Duration
	logger  *zap.Logger
}

// NewManager builds a Manager. A non-positive timeout selects DefaultTimeout.
func NewManager(backend Backend, clock crawler.Clock, timeout time.Duration, logger *zap.Logger) (*Manager, error) {
	if backend == nil {
		return nil, fmt.Errorf("lock backend is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{backend: backend, clock: clock, timeout: timeout, logger: logger.Named("lock")}, nil
}

// Timeout returns the default lock lifetime.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

func (m *Manager) effective(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return m.timeout
	}
	return timeout
}

// TryLock claims channelID for holderID. An existing lock older than timeout
// is reclaimed in the same atomic step.
func (m *Manager) TryLock(ctx context.Context, channelID, holderID string, timeout time.Duration) (bool, error) {
	ok, err := m.backend.Acquire(ctx, channelID, holderID, m.clock.Now(), m.effective(timeout))
	switch {
	case err != nil:
		metrics.ObserveLock("error")
		return false, fmt.Errorf("lock %s: %w", channelID, err)
	case ok:
		metrics.ObserveLock("granted")
		m.logger.Debug("lock granted", zap.String("channel_id", channelID), zap.String("holder_id", holderID))
	default:
		metrics.ObserveLock("denied")
		m.logger.Debug("lock denied", zap.String("channel_id", channelID), zap.String("holder_id", holderID))
	}
	return ok, nil
}

// Unlock removes the lock unconditionally. Unlocking an absent or reclaimed
// lock is not an error.
func (m *Manager) Unlock(ctx context.Context, channelID string) error {
	if err := m.backend.Release(ctx, channelID); err != nil {
		return fmt.Errorf("unlock %s: %w", channelID, err)
	}
	return nil
}

// IsLocked reports whether a live lock exists, without mutating state.
func (m *Manager) IsLocked(ctx context.Context, channelID string, timeout time.Duration) (bool, error) {
	rec, err := m.backend.Get(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect lock %s: %w", channelID, err)
	}
	return rec.Live(m.clock.Now(), m.effective(timeout)), nil
}

// Renew restarts the lifetime of a lock still held by holderID.
func (m *Manager) Renew(ctx context.Context, channelID, holderID string) (bool, error) {
	return m.Transfer(ctx, channelID, holderID, holderID)
}

// Transfer hands a lock held by from over to to and restarts its lifetime.
func (m *Manager) Transfer(ctx context.Context, channelID, from, to string) (bool, error) {
	ok, err := m.backend.Refresh(ctx, channelID, from, to, m.clock.Now(), m.timeout)
	if err != nil {
		return false, fmt.Errorf("refresh lock %s: %w", channelID, err)
	}
	return ok, nil
}

// Inspect returns the stored lock and whether it is live.
func (m *Manager) Inspect(ctx context.Context, channelID string) (store.LockRecord, bool, error) {
	rec, err := m.backend.Get(ctx, channelID)
	if err != nil {
		return store.LockRecord{}, false, err
	}
	return rec, rec.Live(m.clock.Now(), m.timeout), nil
}

// List returns every stored lock.
func (m *Manager) List(ctx context.Context) ([]store.LockRecord, error) {
	locks, err := m.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	return locks, nil
}
