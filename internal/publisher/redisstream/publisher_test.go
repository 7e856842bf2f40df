package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
)

func newClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	client, _ := newClient(t)
	_, err := New(nil, Config{Stream: "s"})
	require.Error(t, err)
	_, err = New(client, Config{})
	require.Error(t, err)
	_, err = New(client, Config{Stream: "s", MaxLen: -1})
	require.Error(t, err)
}

func TestEmitAppendsEntries(t *testing.T) {
	t.Parallel()

	client, mr := newClient(t)
	p, err := New(client, Config{Stream: "records"})
	require.NoError(t, err)

	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, p.Emit(ctx, []crawler.Record{
		{Source: "news", Content: "first", Timestamp: ts},
		{Source: "news", Content: "second", Timestamp: ts.Add(time.Minute)},
	}))
	require.NoError(t, p.Emit(ctx, nil))

	entries, err := client.XRange(ctx, "records", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "news", entries[0].Values["source"])
	assert.Equal(t, "first", entries[0].Values["content"])
	assert.Equal(t, "2024-06-01T12:01:00Z", entries[1].Values["timestamp"])

	mr.Close()
	require.Error(t, p.Emit(ctx, []crawler.Record{{Source: "news", Content: "x"}}))
}

func TestEmitCapsStream(t *testing.T) {
	t.Parallel()

	client, _ := newClient(t)
	p, err := New(client, Config{Stream: "capped", MaxLen: 3})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Emit(ctx, []crawler.Record{{Source: "news", Content: "x"}}))
	}
	n, err := client.XLen(ctx, "capped").Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, n, int64(10))
	assert.Positive(t, n)
}
