package notify

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
)

// Recorder keeps every notification in memory. It implements both Sender and
// crawler.Notifier and is meant for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var (
	_ Sender           = (*Recorder)(nil)
	_ crawler.Notifier = (*Recorder)(nil)
)

// Send records evt.
func (r *Recorder) Send(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// NotifyBanned records a ban.
func (r *Recorder) NotifyBanned(ctx context.Context, identityID, reason string) error {
	return r.Send(ctx, Event{Kind: KindBanned, IdentityID: identityID, Reason: reason, At: time.Now()})
}

// NotifyPoolExhausted records pool exhaustion.
func (r *Recorder) NotifyPoolExhausted(ctx context.Context) error {
	return r.Send(ctx, Event{Kind: KindPoolExhausted, At: time.Now()})
}

// NotifyFallbackEntered records a fallback transition.
func (r *Recorder) NotifyFallbackEntered(ctx context.Context) error {
	return r.Send(ctx, Event{Kind: KindFallbackEntered, At: time.Now()})
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Kind == kind {
			n++
		}
	}
	return n
}
