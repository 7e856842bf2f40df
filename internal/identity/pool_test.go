package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/channel-crawler/internal/clock/manual"
	"github.com/JakeFAU/channel-crawler/internal/crawler"
	"github.com/JakeFAU/channel-crawler/internal/notify"
	remotememory "github.com/JakeFAU/channel-crawler/internal/remote/memory"
	"github.com/JakeFAU/channel-crawler/internal/storage/memory"
	"github.com/JakeFAU/channel-crawler/internal/store"
)

type poolFixture struct {
	pool     *Pool
	store    *memory.Store
	platform *remotememory.Platform
	notifier *notify.Recorder
	clock    *manual.Clock
}

func newFixture(t *testing.T, ids ...string) poolFixture {
	t.Helper()
	st := memory.NewStore()
	platform := remotememory.NewPlatform()
	rec := &notify.Recorder{}
	clk := manual.New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	pool, err := NewPool(st, platform, rec, clk, Config{AuthAttempts: 5, AuthDelay: time.Millisecond}, nil)
	require.NoError(t, err)

	specs := make([]Spec, 0, len(ids))
	for _, id := range ids {
		specs = append(specs, Spec{ID: id, Source: StaticSource("creds-" + id)})
	}
	require.NoError(t, pool.Sync(context.Background(), specs))
	return poolFixture{pool: pool, store: st, platform: platform, notifier: rec, clock: clk}
}

func statusOf(t *testing.T, st store.IdentityStore, id string) crawler.IdentityStatus {
	t.Helper()
	rec, err := st.GetIdentity(context.Background(), id)
	require.NoError(t, err)
	return rec.Status
}

// TestNewPoolValidation rejects missing collaborators.
func TestNewPoolValidation(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Now())
	_, err := NewPool(nil, remotememory.NewPlatform(), nil, clk, DefaultConfig(), nil)
	require.Error(t, err)
	_, err = NewPool(memory.NewStore(), nil, nil, clk, DefaultConfig(), nil)
	require.Error(t, err)
	_, err = NewPool(memory.NewStore(), remotememory.NewPlatform(), nil, nil, DefaultConfig(), nil)
	require.Error(t, err)
}

// TestAcquireRelease verifies an acquired identity is in_use until released.
func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "a")
	ctx := context.Background()

	id, err := f.pool.Acquire(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", id.ID)
	assert.Equal(t, crawler.StatusInUse, statusOf(t, f.store, "a"))

	rec, err := f.store.GetIdentity(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), rec.LastUsedAt)

	_, err = f.pool.Acquire(ctx, nil)
	require.ErrorIs(t, err, crawler.ErrNoIdentityAvailable)

	require.NoError(t, f.pool.Release(ctx, id))
	assert.Equal(t, crawler.StatusAvailable, statusOf(t, f.store, "a"))
}

// TestAcquireHonoursExclusion never returns an excluded identity.
func TestAcquireHonoursExclusion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "a", "b")
	ctx := context.Background()

	for range 20 {
		id, err := f.pool.Acquire(ctx, map[string]struct{}{"a": {}})
		require.NoError(t, err)
		assert.Equal(t, "b", id.ID)
		require.NoError(t, f.pool.Release(ctx, id))
	}

	_, err := f.pool.Acquire(ctx, map[string]struct{}{"a": {}, "b": {}})
	require.ErrorIs(t, err, crawler.ErrNoIdentityAvailable)
}

// TestAcquireSkipsBanned leaves banned identities out of rotation.
func TestAcquireSkipsBanned(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "a", "b")
	ctx := context.Background()
	require.NoError(t, f.pool.MarkBanned(ctx, Identity{ID: "a"}, "spam"))

	id, err := f.pool.Acquire(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", id.ID)
}

// TestAcquireConcurrentIsExclusive hands each identity to exactly one caller.
func TestAcquireConcurrentIsExclusive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "a", "b", "c")
	ctx := context.Background()

	var (
		mu       sync.Mutex
		got      = map[string]int{}
		failures int
		wg       sync.WaitGroup
	)
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := f.pool.Acquire(ctx, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, crawler.ErrNoIdentityAvailable)
				failures++
				return
			}
			got[id.ID]++
		}()
	}
	wg.Wait()

	assert.Len(t, got, 3)
	for id, n := range got {
		assert.Equal(t, 1, n, id)
	}
	assert.Equal(t, 9, failures)
}

// TestReleaseAfterBanKeepsBan verifies release never unbans.
func TestReleaseAfterBanKeepsBan(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "a")
	ctx := context.Background()
	id, err := f.pool.Acquire(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, f.pool.MarkBanned(ctx, id, "flood"))
	require.NoError(t, f.pool.Release(ctx, id))
	assert.Equal(t, crawler.StatusBanned, statusOf(t, f.store, "a"))
}

// TestMarkBannedIsIdempotent notifies once no matter how often a ban is reported.
func TestMarkBannedIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "a", "b")
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.pool.MarkBanned(ctx, Identity{ID: "a"}, "USER_DEACTIVATED"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.notifier.Count(notify.KindBanned))
	rec, err := f.store.GetIdentity(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, crawler.StatusBanned, rec.Status)
	assert.Equal(t, "USER_DEACTIVATED", rec.Reason)

	n, err := f.pool.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestActiveCountIncludesInUse counts everything that is not banned.
func TestActiveCountIncludesInUse(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "a", "b", "c")
	ctx := context.Background()
	_, err := f.pool.Acquire(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, f.pool.MarkBanned(ctx, Identity{ID: "c"}, "x"))

	n, err := f.pool.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// TestAuthenticateSucceedsAndReusesSession dials once and keeps the session.
func TestAuthenticateSucceedsAndReusesSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "a")
	ctx := context.Background()
	id := Identity{ID: "a"}

	require.True(t, f.pool.Authenticate(ctx, id))
	require.True(t, f.pool.Authenticate(ctx, id))
	assert.Equal(t, 1, f.platform.Dials("a"))

	sess, ok := f.pool.Session(id)
	require.True(t, ok)
	authorized, err := sess.IsAuthorized(ctx)
	require.NoError(t, err)
	assert.True(t, authorized)
}

// TestAuthenticateRetriesTransientFailures succeeds on the fifth attempt.
func TestAuthenticateRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "a")
	f.platform.FailConnect("a",
		crawler.ErrTransientNetwork, crawler.ErrTransientNetwork,
		crawler.ErrTransientNetwork, crawler.ErrTransientNetwork)

	require.True(t, f.pool.Authenticate(context.Background(), Identity{ID: "a"}))
	assert.Equal(t, 5, f.platform.Dials("a"))
}

// TestAuthenticateGivesUpAfterAttempts reports false after five failures.
func TestAuthenticateGivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "a")
	errs := make([]error, 6)
	for i := range errs {
		errs[i] = crawler.ErrTransientNetwork
	}
	f.platform.FailConnect("a", errs...)

	assert.False(t, f.pool.Authenticate(context.Background(), Identity{ID: "a"}))
	assert.Equal(t, 5, f.platform.Dials("a"))
	_, ok := f.pool.Session(Identity{ID: "a"})
	assert.False(t, ok)
	assert.Equal(t, crawler.StatusAvailable, statusOf(t, f.store, "a"))
}

// TestAuthenticateUnauthorized treats rejected credentials as a failed attempt.
func TestAuthenticateUnauthorized(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "a")
	f.platform.Unauthorize("a")
	assert.False(t, f.pool.Authenticate(context.Background(), Identity{ID: "a"}))
	assert.Equal(t, 5, f.platform.Dials("a"))
}

// TestAuthenticateBanStopsRetrying marks the identity banned on the first ban.
func TestAuthenticateBanStopsRetrying(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "a", "b")
	f.platform.FailConnect("a", &crawler.BannedError{Reason: "USER_DEACTIVATED_BAN"})

	assert.False(t, f.pool.Authenticate(context.Background(), Identity{ID: "a"}))
	assert.Equal(t, 1, f.platform.Dials("a"))
	assert.Equal(t, crawler.StatusBanned, statusOf(t, f.store, "a"))
	assert.Equal(t, 1, f.notifier.Count(notify.KindBanned))
}

// TestAuthenticateUnknownIdentity refuses identities that were never synced.
func TestAuthenticateUnknownIdentity(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "a")
	assert.False(t, f.pool.Authenticate(context.Background(), Identity{ID: "ghost"}))
	assert.Zero(t, f.platform.Dials("ghost"))
}

// TestAuthenticateRereadsCredentials notices a session file that disappears between attempts.
func TestAuthenticateRereadsCredentials(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.session")
	require.NoError(t, os.WriteFile(path, []byte("blob"), 0o600))

	st := memory.NewStore()
	platform := remotememory.NewPlatform()
	pool, err := NewPool(st, platform, nil, manual.New(time.Now()),
		Config{AuthAttempts: 3, AuthDelay: time.Millisecond}, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, pool.Sync(ctx, []Spec{{ID: "a", Source: FileSource{SessionPath: path, APIID: 1, APIHash: "h"}}}))

	platform.FailConnect("a", crawler.ErrTransientNetwork)
	require.NoError(t, os.Remove(path))
	assert.False(t, pool.Authenticate(ctx, Identity{ID: "a"}))
	assert.Zero(t, platform.Dials("a"))
}

// TestAuthenticateHonoursContext stops retrying once the context ends.
func TestAuthenticateHonoursContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, f.pool.Authenticate(ctx, Identity{ID: "a"}))
}

// TestReinstate returns a banned identity to service and rejects others.
func TestReinstate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "a")
	ctx := context.Background()

	require.ErrorIs(t, f.pool.Reinstate(ctx, "a"), ErrNotBanned)
	require.NoError(t, f.pool.MarkBanned(ctx, Identity{ID: "a"}, "x"))
	require.NoError(t, f.pool.Reinstate(ctx, "a"))
	assert.Equal(t, crawler.StatusAvailable, statusOf(t, f.store, "a"))

	require.ErrorIs(t, f.pool.Reinstate(ctx, "missing"), store.ErrNotFound)
}

// TestSyncRemovesUnconfigured drops identities no longer listed, with their memberships.
func TestSyncRemovesUnconfigured(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "a", "b")
	ctx := context.Background()
	require.NoError(t, f.store.CreateMembership(ctx, "b", "chan", f.clock.Now()))

	require.NoError(t, f.pool.Sync(ctx, []Spec{{ID: "a", Source: StaticSource("x")}}))

	_, err := f.store.GetIdentity(ctx, "b")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.store.GetMembership(ctx, "b", "chan")
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.False(t, f.pool.Authenticate(ctx, Identity{ID: "b"}))
}

// TestSyncDropsMissingSessionFiles never registers an identity whose file is gone.
func TestSyncDropsMissingSessionFiles(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()
	present := filepath.Join(dir, "present.session")
	require.NoError(t, os.WriteFile(present, []byte("blob"), 0o600))

	require.NoError(t, f.pool.Sync(ctx, []Spec{
		{ID: "present", Source: FileSource{SessionPath: present}},
		{ID: "absent", Source: FileSource{SessionPath: filepath.Join(dir, "absent.session")}},
	}))

	records, err := f.pool.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "present", records[0].ID)
}

// TestSyncKeepsBanAndRecoversInUse preserves bans and frees identities left in_use.
func TestSyncKeepsBanAndRecoversInUse(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "a", "b")
	f.pool.cfg.StaleInUseAfter = time.Minute
	ctx := context.Background()
	require.NoError(t, f.pool.MarkBanned(ctx, Identity{ID: "a"}, "x"))
	_, err := f.pool.Acquire(ctx, nil)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	require.NoError(t, f.pool.Sync(ctx, []Spec{
		{ID: "a", Source: StaticSource("x")},
		{ID: "b", Source: StaticSource("y")},
	}))
	assert.Equal(t, crawler.StatusBanned, statusOf(t, f.store, "a"))
	assert.Equal(t, crawler.StatusAvailable, statusOf(t, f.store, "b"))
}

// TestResyncKeepsHeldIdentity covers the periodic re-sync running while a
// task still holds its identity.
func TestResyncKeepsHeldIdentity(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "solo")
	f.pool.cfg.StaleInUseAfter = 5 * time.Minute
	ctx := context.Background()
	specs := []Spec{{ID: "solo", Source: StaticSource("creds-solo")}}

	first, err := f.pool.Acquire(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, "solo", first.ID)

	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.pool.Sync(ctx, specs))
	assert.Equal(t, crawler.StatusInUse, statusOf(t, f.store, "solo"))

	_, err = f.pool.Acquire(ctx, nil)
	require.ErrorIs(t, err, crawler.ErrNoIdentityAvailable)

	require.NoError(t, f.pool.Release(ctx, first))
	second, err := f.pool.Acquire(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, "solo", second.ID)
}

// TestSyncWithoutStaleWindowNeverRecovers leaves in_use rows alone when
// recovery is disabled.
func TestSyncWithoutStaleWindowNeverRecovers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "a")
	ctx := context.Background()
	_, err := f.pool.Acquire(ctx, nil)
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	require.NoError(t, f.pool.Sync(ctx, []Spec{{ID: "a", Source: StaticSource("x")}}))
	assert.Equal(t, crawler.StatusInUse, statusOf(t, f.store, "a"))
}

// TestRemoveDeletesIdentity drops the identity and its session.
func TestRemoveDeletesIdentity(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "a")
	ctx := context.Background()
	require.True(t, f.pool.Authenticate(ctx, Identity{ID: "a"}))
	require.NoError(t, f.pool.Remove(ctx, "a"))

	_, ok := f.pool.Session(Identity{ID: "a"})
	assert.False(t, ok)
	_, err := f.store.GetIdentity(ctx, "a")
	require.ErrorIs(t, err, store.ErrNotFound)
}

// TestCloseEndsSessions closes every stored session.
func TestCloseEndsSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "a", "b")
	ctx := context.Background()
	require.True(t, f.pool.Authenticate(ctx, Identity{ID: "a"}))
	sess, ok := f.pool.Session(Identity{ID: "a"})
	require.True(t, ok)

	f.pool.Close()
	authorized, err := sess.IsAuthorized(ctx)
	require.NoError(t, err)
	assert.False(t, authorized)
	_, ok = f.pool.Session(Identity{ID: "a"})
	assert.False(t, ok)
}

// TestNotifierFailureDoesNotFailBan keeps the ban when the notifier errors.
func TestNotifierFailureDoesNotFailBan(t *testing.T) {
	t.Parallel()

	st := memory.NewStore()
	pool, err := NewPool(st, remotememory.NewPlatform(), failingNotifier{}, manual.New(time.Now()), DefaultConfig(), nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, pool.Sync(ctx, []Spec{{ID: "a", Source: StaticSource("x")}}))
	require.NoError(t, pool.MarkBanned(ctx, Identity{ID: "a"}, "x"))
	assert.Equal(t, crawler.StatusBanned, statusOf(t, st, "a"))
}

type failingNotifier struct{}

func (failingNotifier) NotifyBanned(context.Context, string, string) error {
	return errors.New("smtp down")
}
func (failingNotifier) NotifyPoolExhausted(context.Context) error   { return errors.New("smtp down") }
func (failingNotifier) NotifyFallbackEntered(context.Context) error { return errors.New("smtp down") }
