package db

import (
	"context"
	"errors"
	"fmt"
)

// ErrStorageQuotaExceeded is matched by every QuotaError.
var ErrStorageQuotaExceeded = errors.New("storage quota exceeded")

// QuotaError reports a write the storage quota could not fit.
type QuotaError struct {
	Needed int64
	Usage  int64
	Limit  int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("storage quota exceeded: need %d bytes, %d of %d in use", e.Needed, e.Usage, e.Limit)
}

// Is makes errors.Is(err, ErrStorageQuotaExceeded) match.
func (e *QuotaError) Is(target error) bool {
	return target == ErrStorageQuotaExceeded
}

// QuotaEstimate is a usage/limit pair in bytes. A Limit of 0 means unlimited.
type QuotaEstimate struct {
	Usage int64
	Limit int64
}

// Fits reports whether n more bytes fit under the limit.
func (e QuotaEstimate) Fits(n int64) bool {
	return e.Limit <= 0 || e.Usage+n <= e.Limit
}

// Quota reports how much storage the host allows. Platforms with a native
// storage estimate implement it directly.
type Quota interface {
	Estimate(ctx context.Context) (QuotaEstimate, error)
}

// QuotaFunc adapts a function to the Quota interface.
type QuotaFunc func(ctx context.Context) (QuotaEstimate, error)

// Estimate calls f.
func (f QuotaFunc) Estimate(ctx context.Context) (QuotaEstimate, error) {
	return f(ctx)
}

// LimitQuota enforces a fixed byte limit against the store's logical usage.
func LimitQuota(db *DB, limit int64) Quota {
	return QuotaFunc(func(ctx context.Context) (QuotaEstimate, error) {
		usage, err := db.Usage(ctx)
		if err != nil {
			return QuotaEstimate{}, err
		}
		return QuotaEstimate{Usage: usage, Limit: limit}, nil
	})
}

// SetQuota installs the quota checked on every write. Nil disables the
// check. Not safe to call concurrently with writes.
func (db *DB) SetQuota(q Quota) {
	db.quota = q
}

// Usage returns the logical size of the stored data in bytes: the encoded
// length of every JSON column. It tracks growth closely enough for quota
// decisions and, unlike the file size, does not depend on page allocation.
func (db *DB) Usage(ctx context.Context) (int64, error) {
	query := `
	SELECT
		(SELECT COALESCE(SUM(length(fields) + length(server_fields)), 0) FROM entities) +
		(SELECT COALESCE(SUM(length(payload) + length(base_fields)), 0) FROM mutations) +
		(SELECT COALESCE(SUM(length(record)), 0) FROM conflicts) +
		(SELECT COALESCE(SUM(length(value)), 0) FROM cache_entries)
	`
	var usage int64
	if err := db.conn.QueryRowContext(ctx, query).Scan(&usage); err != nil {
		return 0, fmt.Errorf("failed to compute storage usage: %w", err)
	}
	return usage, nil
}

func (db *DB) checkQuota(ctx context.Context, needed int64) error {
	if db.quota == nil {
		return nil
	}
	est, err := db.quota.Estimate(ctx)
	if err != nil {
		return fmt.Errorf("failed to estimate storage quota: %w", err)
	}
	if !est.Fits(needed) {
		return &QuotaError{Needed: needed, Usage: est.Usage, Limit: est.Limit}
	}
	return nil
}
