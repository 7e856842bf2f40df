// Package storetest holds the behavioural suite every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
	"github.com/JakeFAU/channel-crawler/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("IdentityUpsertKeepsStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.UpsertIdentity(ctx, store.IdentityRecord{ID: "alice"}))
		changed, err := s.TransitionIdentity(ctx, "alice", nil, crawler.StatusBanned, base, "flood")
		require.NoError(t, err)
		require.True(t, changed)

		require.NoError(t, s.UpsertIdentity(ctx, store.IdentityRecord{ID: "alice"}))
		rec, err := s.GetIdentity(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, crawler.StatusBanned, rec.Status)
		require.Equal(t, "flood", rec.Reason)

		_, err = s.GetIdentity(ctx, "nobody")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("TransitionIsConditional", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.UpsertIdentity(ctx, store.IdentityRecord{ID: "a"}))

		changed, err := s.TransitionIdentity(ctx, "a", []crawler.IdentityStatus{crawler.StatusInUse}, crawler.StatusAvailable, base, "")
		require.NoError(t, err)
		require.False(t, changed)

		changed, err = s.TransitionIdentity(ctx, "a", []crawler.IdentityStatus{crawler.StatusAvailable}, crawler.StatusInUse, base, "")
		require.NoError(t, err)
		require.True(t, changed)
		rec, err := s.GetIdentity(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, crawler.StatusInUse, rec.Status)
		require.True(t, base.Equal(rec.LastUsedAt))

		changed, err = s.TransitionIdentity(ctx, "a", []crawler.IdentityStatus{crawler.StatusAvailable}, crawler.StatusInUse, base, "")
		require.NoError(t, err)
		require.False(t, changed)

		changed, err = s.TransitionIdentity(ctx, "a", nil, crawler.StatusBanned, base, "x")
		require.NoError(t, err)
		require.True(t, changed)
		changed, err = s.TransitionIdentity(ctx, "a", nil, crawler.StatusBanned, base, "x")
		require.NoError(t, err)
		require.False(t, changed)
	})

	t.Run("ConcurrentAcquireSingleWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.UpsertIdentity(ctx, store.IdentityRecord{ID: "a"}))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.TransitionIdentity(ctx, "a", []crawler.IdentityStatus{crawler.StatusAvailable}, crawler.StatusInUse, base, "")
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), wins.Load())
	})

	t.Run("CountIdentities", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, s.UpsertIdentity(ctx, store.IdentityRecord{ID: id}))
		}
		_, err := s.TransitionIdentity(ctx, "b", nil, crawler.StatusBanned, base, "")
		require.NoError(t, err)
		n, err := s.CountIdentities(ctx, crawler.StatusBanned)
		require.NoError(t, err)
		require.Equal(t, 2, n)

		list, err := s.ListIdentities(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		require.Equal(t, "a", list[0].ID)
	})

	t.Run("MembershipLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.UpsertIdentity(ctx, store.IdentityRecord{ID: "a"}))

		err := s.TouchMembership(ctx, "a", "news", base)
		require.ErrorIs(t, err, store.ErrMembershipRequired)
		last, err := s.LastCrawled(ctx, "news")
		require.NoError(t, err)
		require.True(t, last.IsZero())

		require.NoError(t, s.CreateMembership(ctx, "a", "news", base))
		require.NoError(t, s.CreateMembership(ctx, "a", "news", base.Add(time.Hour)))
		rec, err := s.GetMembership(ctx, "a", "news")
		require.NoError(t, err)
		require.True(t, base.Equal(rec.JoinedAt))
		require.False(t, rec.Crawled())

		require.NoError(t, s.TouchMembership(ctx, "a", "news", base.Add(time.Minute)))
		last, err = s.LastCrawled(ctx, "news")
		require.NoError(t, err)
		require.True(t, base.Add(time.Minute).Equal(last))

		joined, err := s.JoinedChannels(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"news"}, joined)

		require.NoError(t, s.ResetCrawled(ctx))
		last, err = s.LastCrawled(ctx, "news")
		require.NoError(t, err)
		require.True(t, last.IsZero())

		require.NoError(t, s.DeleteMembership(ctx, "a", "news"))
		_, err = s.GetMembership(ctx, "a", "news")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("LastCrawledTakesMaxAcrossIdentities", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, id := range []string{"a", "b"} {
			require.NoError(t, s.UpsertIdentity(ctx, store.IdentityRecord{ID: id}))
			require.NoError(t, s.CreateMembership(ctx, id, "news", base))
		}
		require.NoError(t, s.TouchMembership(ctx, "a", "news", base.Add(2*time.Hour)))
		require.NoError(t, s.TouchMembership(ctx, "b", "news", base.Add(time.Hour)))
		last, err := s.LastCrawled(ctx, "news")
		require.NoError(t, err)
		require.True(t, base.Add(2*time.Hour).Equal(last))

		rows, err := s.ListMemberships(ctx, "b")
		require.NoError(t, err)
		require.Len(t, rows, 1)
	})

	t.Run("LockAcquireExpireTransfer", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		timeout := 300 * time.Second

		ok, err := s.AcquireLock(ctx, "chan1", "idA", base, timeout)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.AcquireLock(ctx, "chan1", "idB", base.Add(10*time.Second), timeout)
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = s.AcquireLock(ctx, "chan1", "idB", base.Add(301*time.Second), timeout)
		require.NoError(t, err)
		require.True(t, ok)
		rec, err := s.GetLock(ctx, "chan1")
		require.NoError(t, err)
		require.Equal(t, "idB", rec.HolderID)

		ok, err = s.RefreshLock(ctx, "chan1", "idA", "idC", base.Add(302*time.Second))
		require.NoError(t, err)
		require.False(t, ok)
		ok, err = s.RefreshLock(ctx, "chan1", "idB", "idC", base.Add(302*time.Second))
		require.NoError(t, err)
		require.True(t, ok)

		locks, err := s.ListLocks(ctx)
		require.NoError(t, err)
		require.Len(t, locks, 1)
		require.Equal(t, "idC", locks[0].HolderID)

		require.NoError(t, s.DeleteLock(ctx, "chan1"))
		require.NoError(t, s.DeleteLock(ctx, "chan1"))
		_, err = s.GetLock(ctx, "chan1")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("ConcurrentLockSingleWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.AcquireLock(ctx, "hot", string(rune('a'+i)), base, time.Minute)
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), wins.Load())
	})

	t.Run("DeleteIdentityCascades", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.UpsertIdentity(ctx, store.IdentityRecord{ID: "a"}))
		require.NoError(t, s.CreateMembership(ctx, "a", "news", base))
		ok, err := s.AcquireLock(ctx, "news", "a", base, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, s.DeleteIdentity(ctx, "a"))
		_, err = s.GetIdentity(ctx, "a")
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetMembership(ctx, "a", "news")
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetLock(ctx, "news")
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}
