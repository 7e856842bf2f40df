package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
	"github.com/JakeFAU/channel-crawler/internal/store"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	s, err := NewWithPool(mock)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return s, mock
}

func TestAcquireLockGrantedAndDenied(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	timeout := 300 * time.Second

	mock.ExpectExec("INSERT INTO channel_locks").
		WithArgs("chan1", "idA", now, now.Add(-timeout)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO channel_locks").
		WithArgs("chan1", "idB", now.Add(10*time.Second), now.Add(10*time.Second-timeout)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ok, err := s.AcquireLock(context.Background(), "chan1", "idA", now, timeout)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AcquireLock(context.Background(), "chan1", "idB", now.Add(10*time.Second), timeout)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAcquireLockDriverErrorIsPersistence(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO channel_locks").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	_, err := s.AcquireLock(context.Background(), "chan1", "idA", time.Now(), time.Minute)
	require.ErrorIs(t, err, crawler.ErrPersistence)
}

func TestRefreshLockRequiresHolder(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	mock.ExpectExec("UPDATE channel_locks SET holder_id").
		WithArgs("idB", now, "chan1", "idA").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.RefreshLock(context.Background(), "chan1", "idA", "idB", now)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTouchMembershipRequiresRow(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	mock.ExpectExec("UPDATE memberships SET last_crawled_at").
		WithArgs(now, "alice", "news").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("UPDATE memberships SET last_crawled_at").
		WithArgs(now, "alice", "news").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.TouchMembership(context.Background(), "alice", "news", now)
	require.ErrorIs(t, err, store.ErrMembershipRequired)
	require.NoError(t, s.TouchMembership(context.Background(), "alice", "news", now))
}

func TestTransitionIdentity(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	from := []crawler.IdentityStatus{crawler.StatusAvailable}

	mock.ExpectExec("UPDATE identities").
		WithArgs("in_use", "", true, now, "alice", []string{"available"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	changed, err := s.TransitionIdentity(context.Background(), "alice", from, crawler.StatusInUse, now, "")
	require.NoError(t, err)
	require.True(t, changed)

	mock.ExpectExec("UPDATE identities").
		WithArgs("in_use", "", true, now, "alice", []string{"available"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("alice").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	changed, err = s.TransitionIdentity(context.Background(), "alice", from, crawler.StatusInUse, now, "")
	require.NoError(t, err)
	require.False(t, changed)

	mock.ExpectExec("UPDATE identities").
		WithArgs("banned", "flood", false, now, "ghost", []string{}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	_, err = s.TransitionIdentity(context.Background(), "ghost", nil, crawler.StatusBanned, now, "flood")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetIdentityNotFound(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, status, last_used_at, reason FROM identities").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetIdentity(context.Background(), "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCountIdentities(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("banned").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))

	n, err := s.CountIdentities(context.Background(), crawler.StatusBanned)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestGetLock(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	acquired := time.Unix(1_700_000_000, 0).UTC()
	mock.ExpectQuery("SELECT holder_id, acquired_at FROM channel_locks").
		WithArgs("chan1").
		WillReturnRows(pgxmock.NewRows([]string{"holder_id", "acquired_at"}).AddRow("idA", acquired))

	rec, err := s.GetLock(context.Background(), "chan1")
	require.NoError(t, err)
	require.Equal(t, store.LockRecord{ChannelID: "chan1", HolderID: "idA", AcquiredAt: acquired}, rec)
}

func TestDeleteIdentityCascadesInTransaction(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM channel_locks").WithArgs("alice").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM memberships").WithArgs("alice").WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("DELETE FROM identities").WithArgs("alice").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	require.NoError(t, s.DeleteIdentity(context.Background(), "alice"))
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestOpenRejectsBadSchema(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{DSN: "postgres://localhost/crawler", Schema: "bad;name"})
	require.ErrorContains(t, err, "invalid schema name")
}
