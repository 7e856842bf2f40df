// Package sqlite implements the state store on an embedded SQLite database
// (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/channel-crawler/internal/crawler"
	"github.com/JakeFAU/channel-crawler/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'available',
	last_used_at INTEGER NOT NULL DEFAULT 0,
	reason       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS memberships (
	identity_id     TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
	channel_id      TEXT NOT NULL,
	joined_at       INTEGER NOT NULL,
	last_crawled_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (identity_id, channel_id)
);

CREATE INDEX IF NOT EXISTS idx_memberships_channel ON memberships(channel_id);

CREATE TABLE IF NOT EXISTS channel_locks (
	channel_id  TEXT PRIMARY KEY,
	holder_id   TEXT NOT NULL,
	acquired_at INTEGER NOT NULL
);
`

// Config controls where the database lives.
type Config struct {
	Path string
}

// Store implements store.Store on SQLite. Every mutation is a single
// statement or a transaction, so concurrent processes sharing the file stay
// consistent.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open creates the database file if needed, applies pragmas and the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.Path+"?mode=rwc&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has a single writer; one connection also serializes our check-and-set statements.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// UpsertIdentity inserts rec as available; existing rows keep their status.
func (s *Store) UpsertIdentity(ctx context.Context, rec store.IdentityRecord) error {
	status := rec.Status
	if !status.Valid() {
		status = crawler.StatusAvailable
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (id, status, last_used_at, reason) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		rec.ID, string(status), toNanos(rec.LastUsedAt), rec.Reason)
	return store.Wrap("upsert identity", err)
}

// GetIdentity returns one identity row.
func (s *Store) GetIdentity(ctx context.Context, id string) (store.IdentityRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, last_used_at, reason FROM identities WHERE id = ?`, id)
	rec, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.IdentityRecord{}, store.ErrNotFound
	}
	return rec, store.Wrap("get identity", err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row scanner) (store.IdentityRecord, error) {
	var (
		rec      store.IdentityRecord
		status   string
		lastUsed int64
	)
	if err := row.Scan(&rec.ID, &status, &lastUsed, &rec.Reason); err != nil {
		return store.IdentityRecord{}, err
	}
	rec.Status = crawler.IdentityStatus(status)
	rec.LastUsedAt = fromNanos(lastUsed)
	return rec, nil
}

// ListIdentities returns every identity ordered by id.
func (s *Store) ListIdentities(ctx context.Context) ([]store.IdentityRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, last_used_at, reason FROM identities ORDER BY id`)
	if err != nil {
		return nil, store.Wrap("list identities", err)
	}
	defer rows.Close()
	out := make([]store.IdentityRecord, 0)
	for rows.Next() {
		rec, err := scanIdentity(rows)
		if err != nil {
			return nil, store.Wrap("scan identity", err)
		}
		out = append(out, rec)
	}
	return out, store.Wrap("list identities", rows.Err())
}

// TransitionIdentity performs the conditional status update in one statement.
func (s *Store) TransitionIdentity(
	ctx context.Context,
	id string,
	from []crawler.IdentityStatus,
	to crawler.IdentityStatus,
	at time.Time,
	reason string,
) (bool, error) {
	query := `UPDATE identities
		SET status = ?, reason = ?,
		    last_used_at = CASE WHEN ? THEN ? ELSE last_used_at END
		WHERE id = ? AND status <> ?`
	args := []any{string(to), reason, to == crawler.StatusInUse, toNanos(at), id, string(to)}
	if len(from) > 0 {
		query += " AND status IN (" + strings.TrimSuffix(strings.Repeat("?,", len(from)), ",") + ")"
		for _, st := range from {
			args = append(args, string(st))
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, store.Wrap("transition identity", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, store.Wrap("transition identity", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetIdentity(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// CountIdentities counts identities whose status is not excluding.
func (s *Store) CountIdentities(ctx context.Context, excluding crawler.IdentityStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM identities WHERE status <> ?`, string(excluding)).Scan(&n)
	return n, store.Wrap("count identities", err)
}

// DeleteIdentity removes the identity, its memberships and the locks it holds.
func (s *Store) DeleteIdentity(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Wrap("delete identity", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, q := range []string{
		`DELETE FROM channel_locks WHERE holder_id = ?`,
		`DELETE FROM memberships WHERE identity_id = ?`,
		`DELETE FROM identities WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return store.Wrap("delete identity", err)
		}
	}
	return store.Wrap("delete identity", tx.Commit())
}

// GetMembership returns one membership row.
func (s *Store) GetMembership(ctx context.Context, identityID, channelID string) (store.MembershipRecord, error) {
	var joined, crawled int64
	err := s.db.QueryRowContext(ctx,
		`SELECT joined_at, last_crawled_at FROM memberships WHERE identity_id = ? AND channel_id = ?`,
		identityID, channelID).Scan(&joined, &crawled)
	if errors.Is(err, sql.ErrNoRows) {
		return store.MembershipRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.MembershipRecord{}, store.Wrap("get membership", err)
	}
	return store.MembershipRecord{
		IdentityID:    identityID,
		ChannelID:     channelID,
		JoinedAt:      fromNanos(joined),
		LastCrawledAt: fromNanos(crawled),
	}, nil
}

// CreateMembership records a join; an existing row keeps its joined_at.
func (s *Store) CreateMembership(ctx context.Context, identityID, channelID string, joinedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memberships (identity_id, channel_id, joined_at, last_crawled_at) VALUES (?, ?, ?, 0)
		 ON CONFLICT(identity_id, channel_id) DO NOTHING`,
		identityID, channelID, toNanos(joinedAt))
	return store.Wrap("create membership", err)
}

// TouchMembership sets last_crawled_at on an existing row.
func (s *Store) TouchMembership(ctx context.Context, identityID, channelID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memberships SET last_crawled_at = ? WHERE identity_id = ? AND channel_id = ?`,
		toNanos(at), identityID, channelID)
	if err != nil {
		return store.Wrap("touch membership", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Wrap("touch membership", err)
	}
	if n == 0 {
		return store.ErrMembershipRequired
	}
	return nil
}

// DeleteMembership removes one membership row.
func (s *Store) DeleteMembership(ctx context.Context, identityID, channelID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memberships WHERE identity_id = ? AND channel_id = ?`, identityID, channelID)
	return store.Wrap("delete membership", err)
}

// ListMemberships returns the rows of one identity ordered by channel.
func (s *Store) ListMemberships(ctx context.Context, identityID string) ([]store.MembershipRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, joined_at, last_crawled_at FROM memberships WHERE identity_id = ? ORDER BY channel_id`,
		identityID)
	if err != nil {
		return nil, store.Wrap("list memberships", err)
	}
	defer rows.Close()
	var out []store.MembershipRecord
	for rows.Next() {
		var (
			rec             store.MembershipRecord
			joined, crawled int64
		)
		if err := rows.Scan(&rec.ChannelID, &joined, &crawled); err != nil {
			return nil, store.Wrap("scan membership", err)
		}
		rec.IdentityID = identityID
		rec.JoinedAt = fromNanos(joined)
		rec.LastCrawledAt = fromNanos(crawled)
		out = append(out, rec)
	}
	return out, store.Wrap("list memberships", rows.Err())
}

// LastCrawled returns the most recent crawl of channelID by any identity.
func (s *Store) LastCrawled(ctx context.Context, channelID string) (time.Time, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(last_crawled_at), 0) FROM memberships WHERE channel_id = ?`, channelID).Scan(&n)
	if err != nil {
		return time.Time{}, store.Wrap("last crawled", err)
	}
	return fromNanos(n), nil
}

// JoinedChannels lists every channel with at least one membership.
func (s *Store) JoinedChannels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT channel_id FROM memberships ORDER BY channel_id`)
	if err != nil {
		return nil, store.Wrap("joined channels", err)
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, store.Wrap("scan channel", err)
		}
		out = append(out, ch)
	}
	return out, store.Wrap("joined channels", rows.Err())
}

// ResetCrawled clears every last_crawled_at.
func (s *Store) ResetCrawled(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE memberships SET last_crawled_at = 0`)
	return store.Wrap("reset crawled", err)
}

// AcquireLock inserts the lock, or takes over a row whose acquired_at is
// older than timeout, in a single upsert.
func (s *Store) AcquireLock(ctx context.Context, channelID, holderID string, now time.Time, timeout time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_locks (channel_id, holder_id, acquired_at) VALUES (?, ?, ?)
		 ON CONFLICT(channel_id) DO UPDATE
		 SET holder_id = excluded.holder_id, acquired_at = excluded.acquired_at
		 WHERE channel_locks.acquired_at <= ?`,
		channelID, holderID, toNanos(now), now.Add(-timeout).UnixNano())
	if err != nil {
		return false, store.Wrap("acquire lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, store.Wrap("acquire lock", err)
	}
	return n == 1, nil
}

// RefreshLock rewrites holder and timestamp when expectedHolder still owns the lock.
func (s *Store) RefreshLock(ctx context.Context, channelID, expectedHolder, newHolder string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channel_locks SET holder_id = ?, acquired_at = ? WHERE channel_id = ? AND holder_id = ?`,
		newHolder, toNanos(now), channelID, expectedHolder)
	if err != nil {
		return false, store.Wrap("refresh lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, store.Wrap("refresh lock", err)
	}
	return n == 1, nil
}

// GetLock returns the stored lock, live or not.
func (s *Store) GetLock(ctx context.Context, channelID string) (store.LockRecord, error) {
	var (
		rec      = store.LockRecord{ChannelID: channelID}
		acquired int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT holder_id, acquired_at FROM channel_locks WHERE channel_id = ?`, channelID).Scan(&rec.HolderID, &acquired)
	if errors.Is(err, sql.ErrNoRows) {
		return store.LockRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.LockRecord{}, store.Wrap("get lock", err)
	}
	rec.AcquiredAt = fromNanos(acquired)
	return rec, nil
}

// DeleteLock removes the lock if present.
func (s *Store) DeleteLock(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM channel_locks WHERE channel_id = ?`, channelID)
	return store.Wrap("delete lock", err)
}

// ListLocks returns every stored lock ordered by channel.
func (s *Store) ListLocks(ctx context.Context) ([]store.LockRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, holder_id, acquired_at FROM channel_locks ORDER BY channel_id`)
	if err != nil {
		return nil, store.Wrap("list locks", err)
	}
	defer rows.Close()
	out := make([]store.LockRecord, 0)
	for rows.Next() {
		var (
			rec      store.LockRecord
			acquired int64
		)
		if err := rows.Scan(&rec.ChannelID, &rec.HolderID, &acquired); err != nil {
			return nil, store.Wrap("scan lock", err)
		}
		rec.AcquiredAt = fromNanos(acquired)
		out = append(out, rec)
	}
	return out, store.Wrap("list locks", rows.Err())
}
