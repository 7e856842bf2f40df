package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrMembershipRequired rejects crawl bookkeeping for an identity that never joined the channel.
	ErrMembershipRequired = errors.New("membership required")
)

// Error wraps a driver failure. It matches crawler.ErrPersistence so callers can
// classify it without knowing the backend.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports true for crawler.ErrPersistence.
func (e *Error) Is(target error) bool {
	return target == crawler.ErrPersistence
}

// Wrap returns nil for a nil err and passes sentinel errors of this package through.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrMembershipRequired) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// IdentityRecord models the identities table.
type IdentityRecord struct {
	ID         string
	Status     crawler.IdentityStatus
	LastUsedAt time.Time
	// Reason keeps the most recent ban reason for operators.
	Reason string
}

// MembershipRecord models the memberships table.
type MembershipRecord struct {
	IdentityID    string
	ChannelID     string
	JoinedAt      time.Time
	LastCrawledAt time.Time
}

// Crawled reports whether the membership has ever been crawled.
func (m MembershipRecord) Crawled() bool {
	return !m.LastCrawledAt.IsZero()
}

// LockRecord models the channel_locks table.
type LockRecord struct {
	ChannelID  string
	HolderID   string
	AcquiredAt time.Time
}

// Live reports whether the lock is still held at now under timeout.
func (l LockRecord) Live(now time.Time, timeout time.Duration) bool {
	return now.Sub(l.AcquiredAt) < timeout
}

// IdentityStore persists identity rows. Status changes go through
// TransitionIdentity, which is a single conditional update.
type IdentityStore interface {
	UpsertIdentity(ctx context.Context, rec IdentityRecord) error
	GetIdentity(ctx context.Context, id string) (IdentityRecord, error)
	ListIdentities(ctx context.Context) ([]IdentityRecord, error)
	TransitionIdentity(ctx context.Context, id string, from []crawler.IdentityStatus, to crawler.IdentityStatus, at time.Time, reason string) (bool, error)
	CountIdentities(ctx context.Context, excluding crawler.IdentityStatus) (int, error)
	DeleteIdentity(ctx context.Context, id string) error
}

// MembershipStore persists identity x channel rows.
type MembershipStore interface {
	GetMembership(ctx context.Context, identityID, channelID string) (MembershipRecord, error)
	CreateMembership(ctx context.Context, identityID, channelID string, joinedAt time.Time) error
	TouchMembership(ctx context.Context, identityID, channelID string, at time.Time) error
	DeleteMembership(ctx context.Context, identityID, channelID string) error
	ListMemberships(ctx context.Context, identityID string) ([]MembershipRecord, error)
	LastCrawled(ctx context.Context, channelID string) (time.Time, error)
	JoinedChannels(ctx context.Context) ([]string, error)
	ResetCrawled(ctx context.Context) error
}

// LockStore persists channel locks. AcquireLock is the atomic
// insert-if-absent-or-expired primitive.
type LockStore interface {
	AcquireLock(ctx context.Context, channelID, holderID string, now time.Time, timeout time.Duration) (bool, error)
	RefreshLock(ctx context.Context, channelID, expectedHolder, newHolder string, now time.Time) (bool, error)
	GetLock(ctx context.Context, channelID string) (LockRecord, error)
	DeleteLock(ctx context.Context, channelID string) error
	ListLocks(ctx context.Context) ([]LockRecord, error)
}

// Store is the full state store.
type Store interface {
	IdentityStore
	MembershipStore
	LockStore
	Close() error
}
