package lock

import (
	"context"
	"time"

	"github.com/JakeFAU/channel-crawler/internal/store"
)

// StoreBackend keeps locks in the state store next to identities and memberships.
type StoreBackend struct {
	locks store.LockStore
}

// NewStoreBackend wraps a LockStore.
func NewStoreBackend(locks store.LockStore) *StoreBackend {
	return &StoreBackend{locks: locks}
}

// Acquire delegates to the store's atomic upsert.
func (b *StoreBackend) Acquire(ctx context.Context, channelID, holderID string, now time.Time, timeout time.Duration) (bool, error) {
	return b.locks.AcquireLock(ctx, channelID, holderID, now, timeout)
}

// Refresh rewrites the holder when expectedHolder still owns the row.
func (b *StoreBackend) Refresh(ctx context.Context, channelID, expectedHolder, newHolder string, now time.Time, _ time.Duration) (bool, error) {
	return b.locks.RefreshLock(ctx, channelID, expectedHolder, newHolder, now)
}

// Get returns the stored row.
func (b *StoreBackend) Get(ctx context.Context, channelID string) (store.LockRecord, error) {
	return b.locks.GetLock(ctx, channelID)
}

// Release deletes the row.
func (b *StoreBackend) Release(ctx context.Context, channelID string) error {
	return b.locks.DeleteLock(ctx, channelID)
}

// List returns every row.
func (b *StoreBackend) List(ctx context.Context) ([]store.LockRecord, error) {
	return b.locks.ListLocks(ctx)
}
