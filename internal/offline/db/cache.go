package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fieldkit/offsync/internal/offline/schema"
)

// PutCacheEntry stores a cache entry, replacing any entry under the same key.
// Subject to the storage quota.
func (db *DB) PutCacheEntry(ctx context.Context, e *schema.CacheEntry) error {
	if err := e.Key.Validate(); err != nil {
		return err
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if err := db.checkQuota(ctx, int64(len(e.Value))); err != nil {
			return err
		}
		accessed := e.AccessedAt
		if accessed.IsZero() {
			accessed = e.FetchedAt
		}
		query := `
		INSERT INTO cache_entries (cache_key, entity_type, entity_id, query, value, policy, stale, fetched_at, accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			value = excluded.value,
			policy = excluded.policy,
			stale = excluded.stale,
			fetched_at = excluded.fetched_at,
			accessed_at = excluded.accessed_at
		`
		_, err := tx.ExecContext(ctx, query,
			e.Key.String(),
			e.Key.EntityType,
			e.Key.ID,
			e.Key.Query,
			string(e.Value),
			string(e.Policy),
			boolToInt(e.Stale),
			toNanos(e.FetchedAt),
			toNanos(accessed),
		)
		if err != nil {
			return fmt.Errorf("failed to put cache entry %s: %w", e.Key, err)
		}
		return nil
	})
}

// GetCacheEntry returns the entry stored under key, or ErrNotFound.
func (db *DB) GetCacheEntry(ctx context.Context, key schema.CacheKey) (*schema.CacheEntry, error) {
	query := `
	SELECT entity_type, entity_id, query, value, policy, stale, fetched_at, accessed_at
	FROM cache_entries WHERE cache_key = ?
	`
	var e schema.CacheEntry
	var value, policy string
	var stale int
	var fetched, accessed int64
	err := db.conn.QueryRowContext(ctx, query, key.String()).Scan(
		&e.Key.EntityType, &e.Key.ID, &e.Key.Query, &value, &policy, &stale, &fetched, &accessed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cache entry %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry %s: %w", key, err)
	}
	e.Value = []byte(value)
	e.Policy = schema.CachePolicy(policy)
	e.Stale = stale != 0
	e.FetchedAt = fromNanos(fetched)
	e.AccessedAt = fromNanos(accessed)
	return &e, nil
}

// TouchCacheEntry records a read of the entry for eviction ordering.
func (db *DB) TouchCacheEntry(ctx context.Context, key schema.CacheKey, at time.Time) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE cache_entries SET accessed_at = ? WHERE cache_key = ?`,
			toNanos(at), key.String())
		if err != nil {
			return fmt.Errorf("failed to touch cache entry %s: %w", key, err)
		}
		return nil
	})
}

// MarkEntityStale marks the cached entity and every cached query over its
// type stale. It returns the keys it marked.
func (db *DB) MarkEntityStale(ctx context.Context, entityType, id string) ([]schema.CacheKey, error) {
	var keys []schema.CacheKey
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
		SELECT entity_type, entity_id, query FROM cache_entries
		WHERE entity_type = ? AND (entity_id = ? OR query != '')
		`, entityType, id)
		if err != nil {
			return fmt.Errorf("failed to select cache entries: %w", err)
		}
		for rows.Next() {
			var k schema.CacheKey
			if err := rows.Scan(&k.EntityType, &k.ID, &k.Query); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan cache key: %w", err)
			}
			keys = append(keys, k)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		_, err = tx.ExecContext(ctx, `
		UPDATE cache_entries SET stale = 1
		WHERE entity_type = ? AND (entity_id = ? OR query != '')
		`, entityType, id)
		if err != nil {
			return fmt.Errorf("failed to mark cache entries stale: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// DeleteCacheEntry removes one entry. Deleting a missing key is not an error.
func (db *DB) DeleteCacheEntry(ctx context.Context, key schema.CacheKey) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key.String()); err != nil {
			return fmt.Errorf("failed to delete cache entry %s: %w", key, err)
		}
		return nil
	})
}

// EvictCacheEntries deletes up to limit least-recently-read entries and
// returns their keys. Entries for an entity with queued mutations are kept,
// since they may be the only copy of the locally edited value a caller has
// read.
func (db *DB) EvictCacheEntries(ctx context.Context, limit int) ([]schema.CacheKey, error) {
	if limit <= 0 {
		return nil, nil
	}
	var keys []schema.CacheKey
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
		SELECT c.cache_key, c.entity_type, c.entity_id, c.query
		FROM cache_entries c
		WHERE NOT EXISTS (
			SELECT 1 FROM mutations m
			WHERE m.entity_type = c.entity_type AND m.entity_id = c.entity_id
		)
		ORDER BY c.accessed_at ASC
		LIMIT ?
		`, limit)
		if err != nil {
			return fmt.Errorf("failed to select eviction candidates: %w", err)
		}
		var raw []string
		for rows.Next() {
			var stored string
			var k schema.CacheKey
			if err := rows.Scan(&stored, &k.EntityType, &k.ID, &k.Query); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan eviction candidate: %w", err)
			}
			raw = append(raw, stored)
			keys = append(keys, k)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, stored := range raw {
			if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, stored); err != nil {
				return fmt.Errorf("failed to evict cache entry %s: %w", stored, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// CountCacheEntries returns the number of stored cache entries.
func (db *DB) CountCacheEntries(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return n, nil
}
