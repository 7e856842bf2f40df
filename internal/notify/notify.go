// Package notify delivers operator notifications: bans, pool exhaustion and
// fallback transitions. Channels implement Sender; Dispatcher adapts them to
// crawler.Notifier without ever blocking the crawl.
package notify

import (
	"context"
	"fmt"
	"time"
)

// Kind names a notification type.
type Kind string

const (
	// KindBanned is sent once per identity ban.
	KindBanned Kind = "banned"
	// KindPoolExhausted is sent when every identity is banned.
	KindPoolExhausted Kind = "pool_exhausted"
	// KindFallbackEntered is sent when only one identity remains active.
	KindFallbackEntered Kind = "fallback_entered"
)

// Event is one notification.
type Event struct {
	Kind       Kind
	IdentityID string
	Reason     string
	At         time.Time
}

// Subject returns a one-line summary suitable for an email subject.
func (e Event) Subject() string {
	switch e.Kind {
	case KindBanned:
		return fmt.Sprintf("Identity %s banned", e.IdentityID)
	case KindPoolExhausted:
		return "All identities banned, crawling halted"
	case KindFallbackEntered:
		return "Crawler entered fallback mode"
	default:
		return string(e.Kind)
	}
}

// Body returns the plain-text message body.
func (e Event) Body() string {
	at := e.At.UTC().Format(time.RFC3339)
	switch e.Kind {
	case KindBanned:
		return fmt.Sprintf("Identity %s was banned at %s.\nReason: %s\nIt stays out of rotation until reinstated.",
			e.IdentityID, at, e.Reason)
	case KindPoolExhausted:
		return fmt.Sprintf("Every identity is banned as of %s. The scheduler has stopped.", at)
	case KindFallbackEntered:
		return fmt.Sprintf("Only one active identity remains as of %s. Crawling is reduced to the priority channels.", at)
	default:
		return at
	}
}

// Sender delivers an event over one channel.
type Sender interface {
	Send(ctx context.Context, evt Event) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, evt Event) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}
