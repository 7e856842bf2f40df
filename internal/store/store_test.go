package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
)

func TestWrapClassifiesPersistenceErrors(t *testing.T) {
	t.Parallel()

	require.NoError(t, Wrap("get", nil))
	require.ErrorIs(t, Wrap("get", ErrNotFound), ErrNotFound)
	require.NotErrorIs(t, Wrap("get", ErrNotFound), crawler.ErrPersistence)

	driverErr := errors.New("database is locked")
	err := Wrap("acquire lock", driverErr)
	require.ErrorIs(t, err, crawler.ErrPersistence)
	require.ErrorIs(t, err, driverErr)
	require.Equal(t, "store acquire lock: database is locked", err.Error())
	require.ErrorIs(t, fmt.Errorf("outer: %w", err), crawler.ErrPersistence)
}

func TestLockRecordLive(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	rec := LockRecord{ChannelID: "c", HolderID: "a", AcquiredAt: now}
	require.True(t, rec.Live(now.Add(299*time.Second), 300*time.Second))
	require.False(t, rec.Live(now.Add(300*time.Second), 300*time.Second))
}
