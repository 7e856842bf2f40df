package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTierFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, TierNormal, TierFor(3))
	require.Equal(t, TierNormal, TierFor(2))
	require.Equal(t, TierFallback, TierFor(1))
	require.Equal(t, TierNormal, TierFor(0))
}

func TestRecordsFromMessages(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	got := RecordsFromMessages("news", []Message{
		{ID: 1, Text: "hello", Timestamp: ts},
		{ID: 2, Text: ""},
	})
	require.Len(t, got, 1)
	require.Equal(t, Record{Source: "news", Content: "hello", Timestamp: ts.UTC()}, got[0])
}

func TestTaskStateTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, TaskDone.Terminal())
	require.True(t, TaskLockDenied.Terminal())
	require.False(t, TaskRetrying.Terminal())
	require.False(t, TaskJoining.Terminal())
}
