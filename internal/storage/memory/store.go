// Package memory provides in-process implementations of the storage contracts
// for development and tests.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
	"github.com/JakeFAU/channel-crawler/internal/store"
)

type membershipKey struct {
	identityID string
	channelID  string
}

// Store implements store.Store with maps guarded by one mutex, which makes
// every operation atomic with respect to the others.
type Store struct {
	mu          sync.RWMutex
	identities  map[string]store.IdentityRecord
	memberships map[membershipKey]store.MembershipRecord
	locks       map[string]store.LockRecord
}

var _ store.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		identities:  make(map[string]store.IdentityRecord),
		memberships: make(map[membershipKey]store.MembershipRecord),
		locks:       make(map[string]store.LockRecord),
	}
}

// UpsertIdentity inserts rec as available, keeping the status of existing rows.
func (s *Store) UpsertIdentity(_ context.Context, rec store.IdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[rec.ID]; ok {
		return nil
	}
	if !rec.Status.Valid() {
		rec.Status = crawler.StatusAvailable
	}
	s.identities[rec.ID] = rec
	return nil
}

// GetIdentity returns one identity row.
func (s *Store) GetIdentity(_ context.Context, id string) (store.IdentityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.identities[id]
	if !ok {
		return store.IdentityRecord{}, store.ErrNotFound
	}
	return rec, nil
}

// ListIdentities returns every identity ordered by id.
func (s *Store) ListIdentities(_ context.Context) ([]store.IdentityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.IdentityRecord, 0, len(s.identities))
	for _, rec := range s.identities {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// TransitionIdentity moves id to the target status when its current status is
// one of from (any status when from is empty) and differs from to.
func (s *Store) TransitionIdentity(
	_ context.Context,
	id string,
	from []crawler.IdentityStatus,
	to crawler.IdentityStatus,
	at time.Time,
	reason string,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.identities[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if rec.Status == to {
		return false, nil
	}
	if len(from) > 0 && !slices.Contains(from, rec.Status) {
		return false, nil
	}
	rec.Status = to
	rec.Reason = reason
	if to == crawler.StatusInUse {
		rec.LastUsedAt = at
	}
	s.identities[id] = rec
	return true, nil
}

// CountIdentities counts identities whose status is not excluding.
func (s *Store) CountIdentities(_ context.Context, excluding crawler.IdentityStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.identities {
		if rec.Status != excluding {
			n++
		}
	}
	return n, nil
}

// DeleteIdentity removes the identity, its memberships and any lock it holds.
func (s *Store) DeleteIdentity(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.identities, id)
	for key := range s.memberships {
		if key.identityID == id {
			delete(s.memberships, key)
		}
	}
	for channel, lock := range s.locks {
		if lock.HolderID == id {
			delete(s.locks, channel)
		}
	}
	return nil
}

// GetMembership returns one membership row.
func (s *Store) GetMembership(_ context.Context, identityID, channelID string) (store.MembershipRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.memberships[membershipKey{identityID, channelID}]
	if !ok {
		return store.MembershipRecord{}, store.ErrNotFound
	}
	return rec, nil
}

// CreateMembership records a join. Existing rows are left untouched.
func (s *Store) CreateMembership(_ context.Context, identityID, channelID string, joinedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := membershipKey{identityID, channelID}
	if _, ok := s.memberships[key]; ok {
		return nil
	}
	s.memberships[key] = store.MembershipRecord{IdentityID: identityID, ChannelID: channelID, JoinedAt: joinedAt}
	return nil
}

// TouchMembership sets LastCrawledAt on an existing row.
func (s *Store) TouchMembership(_ context.Context, identityID, channelID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := membershipKey{identityID, channelID}
	rec, ok := s.memberships[key]
	if !ok {
		return store.ErrMembershipRequired
	}
	rec.LastCrawledAt = at
	s.memberships[key] = rec
	return nil
}

// DeleteMembership removes one membership row.
func (s *Store) DeleteMembership(_ context.Context, identityID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memberships, membershipKey{identityID, channelID})
	return nil
}

// ListMemberships returns the rows of one identity ordered by channel.
func (s *Store) ListMemberships(_ context.Context, identityID string) ([]store.MembershipRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.MembershipRecord
	for key, rec := range s.memberships {
		if key.identityID == identityID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

// LastCrawled returns the most recent crawl of channelID by any identity.
func (s *Store) LastCrawled(_ context.Context, channelID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest time.Time
	for key, rec := range s.memberships {
		if key.channelID == channelID && rec.LastCrawledAt.After(latest) {
			latest = rec.LastCrawledAt
		}
	}
	return latest, nil
}

// JoinedChannels lists every channel with at least one membership.
func (s *Store) JoinedChannels(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for key := range s.memberships {
		if _, ok := seen[key.channelID]; ok {
			continue
		}
		seen[key.channelID] = struct{}{}
		out = append(out, key.channelID)
	}
	sort.Strings(out)
	return out, nil
}

// ResetCrawled clears every LastCrawledAt.
func (s *Store) ResetCrawled(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rec := range s.memberships {
		rec.LastCrawledAt = time.Time{}
		s.memberships[key] = rec
	}
	return nil
}

// AcquireLock writes a lock for channelID unless a live one exists.
func (s *Store) AcquireLock(_ context.Context, channelID, holderID string, now time.Time, timeout time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.locks[channelID]; ok && cur.Live(now, timeout) {
		return false, nil
	}
	s.locks[channelID] = store.LockRecord{ChannelID: channelID, HolderID: holderID, AcquiredAt: now}
	return true, nil
}

// RefreshLock rewrites holder and timestamp when expectedHolder still owns the lock.
func (s *Store) RefreshLock(_ context.Context, channelID, expectedHolder, newHolder string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[channelID]
	if !ok || cur.HolderID != expectedHolder {
		return false, nil
	}
	s.locks[channelID] = store.LockRecord{ChannelID: channelID, HolderID: newHolder, AcquiredAt: now}
	return true, nil
}

// GetLock returns the stored lock, live or not.
func (s *Store) GetLock(_ context.Context, channelID string) (store.LockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.locks[channelID]
	if !ok {
		return store.LockRecord{}, store.ErrNotFound
	}
	return rec, nil
}

// DeleteLock removes the lock if present.
func (s *Store) DeleteLock(_ context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, channelID)
	return nil
}

// ListLocks returns every stored lock ordered by channel.
func (s *Store) ListLocks(_ context.Context) ([]store.LockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.LockRecord, 0, len(s.locks))
	for _, rec := range s.locks {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
