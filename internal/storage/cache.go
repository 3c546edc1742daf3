package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CacheStore keeps expiring key/value pairs in the cache_entries table so
// cached match results survive between runs of the CLI.
type CacheStore struct {
	db  *sql.DB
	now func() time.Time
}

// CacheStore returns a key/value store backed by this database
func (d *DB) CacheStore() *CacheStore {
	return &CacheStore{db: d.db, now: time.Now}
}

// Get returns the value stored under key if it has not expired
func (c *CacheStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt int64
	err := c.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM cache_entries WHERE key = ?", key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cache entry: %w", err)
	}

	if c.now().UnixNano() >= expiresAt {
		if _, err := c.db.ExecContext(ctx,
			"DELETE FROM cache_entries WHERE key = ? AND expires_at = ?", key, expiresAt,
		); err != nil {
			return nil, false, fmt.Errorf("delete expired entry: %w", err)
		}
		return nil, false, nil
	}

	return value, true, nil
}

// Set stores value under key for ttl
func (c *CacheStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiresAt := c.now().Add(ttl).UnixNano()
	_, err := c.db.ExecContext(ctx, `
	INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("set cache entry: %w", err)
	}
	return nil
}

// DeletePrefix removes every entry whose key starts with prefix, expired or
// not, and returns how many rows were removed
func (c *CacheStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, fmt.Errorf("delete prefix: empty prefix")
	}

	res, err := c.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE instr(key, ?) = 1", prefix,
	)
	if err != nil {
		return 0, fmt.Errorf("delete cache entries: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// PurgeExpired drops entries whose TTL has elapsed
func (c *CacheStore) PurgeExpired(ctx context.Context) (int, error) {
	res, err := c.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE expires_at <= ?", c.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge cache entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}
