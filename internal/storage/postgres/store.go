// Package postgres provides the Postgres-backed state store. A shared Postgres
// database lets several crawler processes coordinate through the same lock and
// status rows.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
	"github.com/JakeFAU/channel-crawler/internal/store"
)

var validSchemaName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const ddl = `
CREATE TABLE IF NOT EXISTS identities (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'available',
	last_used_at TIMESTAMPTZ,
	reason       TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS memberships (
	identity_id     TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
	channel_id      TEXT NOT NULL,
	joined_at       TIMESTAMPTZ NOT NULL,
	last_crawled_at TIMESTAMPTZ,
	PRIMARY KEY (identity_id, channel_id)
);
CREATE INDEX IF NOT EXISTS idx_memberships_channel ON memberships(channel_id);
CREATE TABLE IF NOT EXISTS channel_locks (
	channel_id  TEXT PRIMARY KEY,
	holder_id   TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL
);
`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Schema          string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store implements store.Store on Postgres.
type Store struct {
	pool pgxPool
}

var _ store.Store = (*Store)(nil)

// Open connects, applies the schema and returns a Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.Schema != "" {
		if !validSchemaName.MatchString(cfg.Schema) {
			return nil, fmt.Errorf("invalid schema name %q", cfg.Schema)
		}
		poolCfg.ConnConfig.RuntimeParams["search_path"] = cfg.Schema
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// UpsertIdentity inserts rec as available; existing rows keep their status.
func (s *Store) UpsertIdentity(ctx context.Context, rec store.IdentityRecord) error {
	status := rec.Status
	if !status.Valid() {
		status = crawler.StatusAvailable
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO identities (id, status, last_used_at, reason) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, string(status), nullTime(rec.LastUsedAt), rec.Reason)
	return store.Wrap("upsert identity", err)
}

// GetIdentity returns one identity row.
func (s *Store) GetIdentity(ctx context.Context, id string) (store.IdentityRecord, error) {
	rec, err := scanIdentity(s.pool.QueryRow(ctx,
		`SELECT id, status, last_used_at, reason FROM identities WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.IdentityRecord{}, store.ErrNotFound
	}
	return rec, store.Wrap("get identity", err)
}

func scanIdentity(row pgx.Row) (store.IdentityRecord, error) {
	var (
		rec      store.IdentityRecord
		status   string
		lastUsed *time.Time
	)
	if err := row.Scan(&rec.ID, &status, &lastUsed, &rec.Reason); err != nil {
		return store.IdentityRecord{}, err
	}
	rec.Status = crawler.IdentityStatus(status)
	rec.LastUsedAt = derefTime(lastUsed)
	return rec, nil
}

// ListIdentities returns every identity ordered by id.
func (s *Store) ListIdentities(ctx context.Context) ([]store.IdentityRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, status, last_used_at, reason FROM identities ORDER BY id`)
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
	fromText := make([]string, 0, len(from))
	for _, st := range from {
		fromText = append(fromText, string(st))
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE identities
		 SET status = $1, reason = $2,
		     last_used_at = CASE WHEN $3::boolean THEN $4::timestamptz ELSE last_used_at END
		 WHERE id = $5 AND status <> $1
		   AND (cardinality($6::text[]) = 0 OR status = ANY($6::text[]))`,
		string(to), reason, to == crawler.StatusInUse, at, id, fromText)
	if err != nil {
		return false, store.Wrap("transition identity", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM identities WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, store.Wrap("transition identity", err)
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

// CountIdentities counts identities whose status is not excluding.
func (s *Store) CountIdentities(ctx context.Context, excluding crawler.IdentityStatus) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM identities WHERE status <> $1`, string(excluding)).Scan(&n)
	return n, store.Wrap("count identities", err)
}

// DeleteIdentity removes the identity, its memberships and the locks it holds.
func (s *Store) DeleteIdentity(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.Wrap("delete identity", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for _, q := range []string{
		`DELETE FROM channel_locks WHERE holder_id = $1`,
		`DELETE FROM memberships WHERE identity_id = $1`,
		`DELETE FROM identities WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, id); err != nil {
			return store.Wrap("delete identity", err)
		}
	}
	return store.Wrap("delete identity", tx.Commit(ctx))
}

// GetMembership returns one membership row.
func (s *Store) GetMembership(ctx context.Context, identityID, channelID string) (store.MembershipRecord, error) {
	var (
		joined  time.Time
		crawled *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT joined_at, last_crawled_at FROM memberships WHERE identity_id = $1 AND channel_id = $2`,
		identityID, channelID).Scan(&joined, &crawled)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.MembershipRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.MembershipRecord{}, store.Wrap("get membership", err)
	}
	return store.MembershipRecord{
		IdentityID:    identityID,
		ChannelID:     channelID,
		JoinedAt:      joined.UTC(),
		LastCrawledAt: derefTime(crawled),
	}, nil
}

// CreateMembership records a join; an existing row keeps its joined_at.
func (s *Store) CreateMembership(ctx context.Context, identityID, channelID string, joinedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memberships (identity_id, channel_id, joined_at) VALUES ($1, $2, $3)
		 ON CONFLICT (identity_id, channel_id) DO NOTHING`,
		identityID, channelID, joinedAt)
	return store.Wrap("create membership", err)
}

// TouchMembership sets last_crawled_at on an existing row.
func (s *Store) TouchMembership(ctx context.Context, identityID, channelID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE memberships SET last_crawled_at = $1 WHERE identity_id = $2 AND channel_id = $3`,
		at, identityID, channelID)
	if err != nil {
		return store.Wrap("touch membership", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrMembershipRequired
	}
	return nil
}

// DeleteMembership removes one membership row.
func (s *Store) DeleteMembership(ctx context.Context, identityID, channelID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM memberships WHERE identity_id = $1 AND channel_id = $2`, identityID, channelID)
	return store.Wrap("delete membership", err)
}

// ListMemberships returns the rows of one identity ordered by channel.
func (s *Store) ListMemberships(ctx context.Context, identityID string) ([]store.MembershipRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT channel_id, joined_at, last_crawled_at FROM memberships WHERE identity_id = $1 ORDER BY channel_id`,
		identityID)
	if err != nil {
		return nil, store.Wrap("list memberships", err)
	}
	defer rows.Close()
	var out []store.MembershipRecord
	for rows.Next() {
		var (
			rec     = store.MembershipRecord{IdentityID: identityID}
			joined  time.Time
			crawled *time.Time
		)
		if err := rows.Scan(&rec.ChannelID, &joined, &crawled); err != nil {
			return nil, store.Wrap("scan membership", err)
		}
		rec.JoinedAt = joined.UTC()
		rec.LastCrawledAt = derefTime(crawled)
		out = append(out, rec)
	}
	return out, store.Wrap("list memberships", rows.Err())
}

// LastCrawled returns the most recent crawl of channelID by any identity.
func (s *Store) LastCrawled(ctx context.Context, channelID string) (time.Time, error) {
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(last_crawled_at) FROM memberships WHERE channel_id = $1`, channelID).Scan(&last)
	if err != nil {
		return time.Time{}, store.Wrap("last crawled", err)
	}
	return derefTime(last), nil
}

// JoinedChannels lists every channel with at least one membership.
func (s *Store) JoinedChannels(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT channel_id FROM memberships ORDER BY channel_id`)
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
	_, err := s.pool.Exec(ctx, `UPDATE memberships SET last_crawled_at = NULL`)
	return store.Wrap("reset crawled", err)
}

// AcquireLock inserts the lock, or takes over a row whose acquired_at is
// older than timeout, in a single upsert.
func (s *Store) AcquireLock(ctx context.Context, channelID, holderID string, now time.Time, timeout time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO channel_locks (channel_id, holder_id, acquired_at) VALUES ($1, $2, $3)
		 ON CONFLICT (channel_id) DO UPDATE
		 SET holder_id = EXCLUDED.holder_id, acquired_at = EXCLUDED.acquired_at
		 WHERE channel_locks.acquired_at <= $4`,
		channelID, holderID, now, now.Add(-timeout))
	if err != nil {
		return false, store.Wrap("acquire lock", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RefreshLock rewrites holder and timestamp when expectedHolder still owns the lock.
func (s *Store) RefreshLock(ctx context.Context, channelID, expectedHolder, newHolder string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE channel_locks SET holder_id = $1, acquired_at = $2 WHERE channel_id = $3 AND holder_id = $4`,
		newHolder, now, channelID, expectedHolder)
	if err != nil {
		return false, store.Wrap("refresh lock", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetLock returns the stored lock, live or not.
func (s *Store) GetLock(ctx context.Context, channelID string) (store.LockRecord, error) {
	rec := store.LockRecord{ChannelID: channelID}
	err := s.pool.QueryRow(ctx,
		`SELECT holder_id, acquired_at FROM channel_locks WHERE channel_id = $1`, channelID).Scan(&rec.HolderID, &rec.AcquiredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.LockRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.LockRecord{}, store.Wrap("get lock", err)
	}
	rec.AcquiredAt = rec.AcquiredAt.UTC()
	return rec, nil
}

// DeleteLock removes the lock if present.
func (s *Store) DeleteLock(ctx context.Context, channelID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM channel_locks WHERE channel_id = $1`, channelID)
	return store.Wrap("delete lock", err)
}

// ListLocks returns every stored lock ordered by channel.
func (s *Store) ListLocks(ctx context.Context) ([]store.LockRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT channel_id, holder_id, acquired_at FROM channel_locks ORDER BY channel_id`)
	if err != nil {
		return nil, store.Wrap("list locks", err)
	}
	defer rows.Close()
	out := make([]store.LockRecord, 0)
	for rows.Next() {
		var rec store.LockRecord
		if err := rows.Scan(&rec.ChannelID, &rec.HolderID, &rec.AcquiredAt); err != nil {
			return nil, store.Wrap("scan lock", err)
		}
		rec.AcquiredAt = rec.AcquiredAt.UTC()
		out = append(out, rec)
	}
	return out, store.Wrap("list locks", rows.Err())
}
