package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingSender struct {
	release chan struct{}
	mu      sync.Mutex
	got     []Event
}

func (b *blockingSender) Send(ctx context.Context, evt Event) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	b.got = append(b.got, evt)
	b.mu.Unlock()
	return nil
}

func (b *blockingSender) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.got)
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// TestDispatcherDelivers verifies every notify call reaches the sender stamped with the clock.
func TestDispatcherDelivers(t *testing.T) {
	t.Parallel()

	rec := &Recorder{}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewDispatcher(DispatcherConfig{Clock: fixedClock{now}}, rec)

	ctx := context.Background()
	require.NoError(t, d.NotifyBanned(ctx, "acct1", "USER_DEACTIVATED_BAN"))
	require.NoError(t, d.NotifyFallbackEntered(ctx))
	require.NoError(t, d.NotifyPoolExhausted(ctx))
	require.NoError(t, d.Close(ctx))

	events := rec.Events()
	require.Len(t, events, 3)
	assert.Equal(t, Event{Kind: KindBanned, IdentityID: "acct1", Reason: "USER_DEACTIVATED_BAN", At: now}, events[0])
	assert.Equal(t, KindFallbackEntered, events[1].Kind)
	assert.Equal(t, KindPoolExhausted, events[2].Kind)
}

// TestDispatcherNeverBlocks asserts a stuck sender causes drops instead of blocking callers.
func TestDispatcherNeverBlocks(t *testing.T) {
	t.Parallel()

	sender := &blockingSender{release: make(chan struct{})}
	d := NewDispatcher(DispatcherConfig{BufferSize: 1, SendTimeout: time.Minute}, sender)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 20 {
			_ = d.NotifyBanned(context.Background(), "acct", "spam")
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notify blocked on a full queue")
	}

	close(sender.release)
	require.NoError(t, d.Close(context.Background()))
	assert.Less(t, sender.count(), 20)
	assert.GreaterOrEqual(t, sender.count(), 1)
}

// TestDispatcherIgnoresAfterClose verifies late notifications are discarded.
func TestDispatcherIgnoresAfterClose(t *testing.T) {
	t.Parallel()

	rec := &Recorder{}
	d := NewDispatcher(DispatcherConfig{}, rec)
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.NotifyPoolExhausted(context.Background()))
	require.NoError(t, d.Close(context.Background()))
	assert.Empty(t, rec.Events())
}

// TestDispatcherSenderErrorDoesNotStopDelivery keeps going after a failed send.
func TestDispatcherSenderErrorDoesNotStopDelivery(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	sender := SenderFunc(func(context.Context, Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("smtp down")
		}
		return nil
	})
	d := NewDispatcher(DispatcherConfig{}, sender)
	_ = d.NotifyBanned(context.Background(), "a", "x")
	_ = d.NotifyBanned(context.Background(), "b", "y")
	require.NoError(t, d.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

// TestDispatcherCloseHonoursContext returns when the context ends before delivery finishes.
func TestDispatcherCloseHonoursContext(t *testing.T) {
	t.Parallel()

	sender := &blockingSender{release: make(chan struct{})}
	d := NewDispatcher(DispatcherConfig{SendTimeout: time.Minute}, sender)
	_ = d.NotifyPoolExhausted(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, d.Close(ctx))
	close(sender.release)
}
