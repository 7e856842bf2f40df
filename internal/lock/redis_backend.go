package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/channel-crawler/internal/store"
)

const defaultKeyPrefix = "crawler:lock:"

// Each lock is a hash {holder, acquired_at}. Expiry is decided against the
// caller's timeout, like the SQL stores do; the key TTL only sweeps locks
// nobody asks about again.
var (
	acquireScript = redis.NewScript(`
local acquired = redis.call('HGET', KEYS[1], 'acquired_at')
if acquired and tonumber(acquired) > tonumber(ARGV[4]) then
	return 0
end
redis.call('HSET', KEYS[1], 'holder', ARGV[1], 'acquired_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)
	refreshScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'holder') ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'holder', ARGV[2], 'acquired_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)
)

// RedisBackend stores locks in Redis, which lets crawler processes on
// different machines share one lock space.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend wraps a go-redis client. An empty prefix selects "crawler:lock:".
func NewRedisBackend(client redis.UniversalClient, prefix string) (*RedisBackend, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}, nil
}

func (b *RedisBackend) key(channelID string) string {
	return b.prefix + channelID
}

// Acquire sets the lock hash when the key is absent or its acquired_at is at
// least timeout before now.
func (b *RedisBackend) Acquire(ctx context.Context, channelID, holderID string, now time.Time, timeout time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, b.client, []string{b.key(channelID)},
		holderID, now.UnixNano(), ttl(timeout), now.Add(-timeout).UnixNano()).Int()
	if err != nil {
		return false, store.Wrap("redis acquire", err)
	}
	return n == 1, nil
}

// Refresh rewrites holder and TTL when expectedHolder still owns the key.
func (b *RedisBackend) Refresh(ctx context.Context, channelID, expectedHolder, newHolder string, now time.Time, timeout time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, b.client, []string{b.key(channelID)},
		expectedHolder, newHolder, now.UnixNano(), ttl(timeout)).Int()
	if err != nil {
		return false, store.Wrap("redis refresh", err)
	}
	return n == 1, nil
}

// ttl keeps PEXPIRE arguments positive.
func ttl(timeout time.Duration) int64 {
	if ms := timeout.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

// Get reads the lock hash.
func (b *RedisBackend) Get(ctx context.Context, channelID string) (store.LockRecord, error) {
	fields, err := b.client.HGetAll(ctx, b.key(channelID)).Result()
	if err != nil {
		return store.LockRecord{}, store.Wrap("redis get", err)
	}
	if len(fields) == 0 {
		return store.LockRecord{}, store.ErrNotFound
	}
	return decodeLock(channelID, fields)
}

func decodeLock(channelID string, fields map[string]string) (store.LockRecord, error) {
	nanos, err := strconv.ParseInt(fields["acquired_at"], 10, 64)
	if err != nil {
		return store.LockRecord{}, store.Wrap("decode lock "+channelID, err)
	}
	return store.LockRecord{
		ChannelID:  channelID,
		HolderID:   fields["holder"],
		AcquiredAt: time.Unix(0, nanos).UTC(),
	}, nil
}

// Release deletes the key.
func (b *RedisBackend) Release(ctx context.Context, channelID string) error {
	if err := b.client.Del(ctx, b.key(channelID)).Err(); err != nil {
		return store.Wrap("redis release", err)
	}
	return nil
}

// List scans every lock key under the prefix.
func (b *RedisBackend) List(ctx context.Context) ([]store.LockRecord, error) {
	out := make([]store.LockRecord, 0)
	iter := b.client.Scan(ctx, 0, b.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		channelID := strings.TrimPrefix(iter.Val(), b.prefix)
		rec, err := b.Get(ctx, channelID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, store.Wrap("redis scan", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}
