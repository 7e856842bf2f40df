package crawler

import (
	"context"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Sleeper pauses the caller for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Session is one authenticated connection to the remote platform.
type Session interface {
	Connect(ctx context.Context) error
	IsAuthorized(ctx context.Context) (bool, error)
	JoinChannel(ctx context.Context, channelID string) error
	FetchRecent(ctx context.Context, channelID string, limit int) ([]Message, error)
	ListJoinedChannels(ctx context.Context) ([]string, error)
	Close() error
}

// Dialer opens sessions from an identity's opaque credentials.
type Dialer interface {
	Dial(ctx context.Context, identityID string, credentials []byte) (Session, error)
}

// Sink receives one batch of records per successful fetch.
type Sink interface {
	Emit(ctx context.Context, records []Record) error
}

// Notifier delivers operator notifications.
type Notifier interface {
	NotifyBanned(ctx context.Context, identityID string, reason string) error
	NotifyPoolExhausted(ctx context.Context) error
	NotifyFallbackEntered(ctx context.Context) error
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
