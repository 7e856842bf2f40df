package crawler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransientNetwork marks failures worth retrying with backoff.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrNoIdentityAvailable ends the current cycle early.
	ErrNoIdentityAvailable = errors.New("no identity available")
	// ErrAllIdentitiesBanned stops the scheduler.
	ErrAllIdentitiesBanned = errors.New("all identities banned")
	// ErrPersistence marks state store failures; the operation may not have committed.
	ErrPersistence = errors.New("persistence error")
	// ErrNotAuthorized is returned by sessions whose credentials were not accepted.
	ErrNotAuthorized = errors.New("session not authorized")
)

// RateLimitedError is the platform telling the caller to wait before retrying.
type RateLimitedError struct {
	Seconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: wait %ds", e.Seconds)
}

// Wait returns the requested pause.
func (e *RateLimitedError) Wait() time.Duration {
	if e.Seconds <= 0 {
		return 0
	}
	return time.Duration(e.Seconds) * time.Second
}

// BannedError reports that the identity was blocked by the platform.
type BannedError struct {
	Reason string
	// Channel is set when the platform scoped the ban to one channel.
	Channel string
}

func (e *BannedError) Error() string {
	if e.Channel != "" {
		return fmt.Sprintf("banned in %s: %s", e.Channel, e.Reason)
	}
	return "banned: " + e.Reason
}

// AsRateLimited unwraps a RateLimitedError from err.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// AsBanned unwraps a BannedError from err.
func AsBanned(err error) (*BannedError, bool) {
	var b *BannedError
	if errors.As(err, &b) {
		return b, true
	}
	return nil, false
}
