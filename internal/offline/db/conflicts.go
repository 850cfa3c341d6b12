package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fieldkit/offsync/internal/offline/schema"
)

// ConflictFilter narrows ListConflicts. Zero values match everything.
type ConflictFilter struct {
	EntityType string
	EntityID   string
	Status     schema.ConflictStatus
	Since      time.Time
	Limit      int
}

// SaveConflict inserts or replaces a conflict record.
func (db *DB) SaveConflict(ctx context.Context, c *schema.ConflictRecord) error {
	if c.ID == "" {
		return fmt.Errorf("%w: conflict id is required", schema.ErrInvalid)
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return saveConflict(ctx, tx, c)
	})
}

// Settlement is what happens to a conflicted mutation when its conflict
// is recorded.
type Settlement int

const (
	// SettleDrop removes the mutation.
	SettleDrop Settlement = iota
	// SettleReplace swaps the mutation for Next in the same queue slot.
	SettleReplace
	// SettlePark marks the mutation conflicted until manual resolution.
	SettlePark
)

// ConflictSettlement describes one conflict outcome to commit.
type ConflictSettlement struct {
	Record     *schema.ConflictRecord
	MutationID string
	Action     Settlement

	// Next is the replacement mutation for SettleReplace.
	Next *schema.MutationRecord

	// Server, when non-nil, becomes the confirmed state of the entity.
	Server *schema.EntitySnapshot
}

// SettleConflict applies a conflict outcome to its mutation and saves the
// conflict record in one transaction, so a conflicted mutation never exists
// without its open record and a dropped edit never goes unrecorded.
func (db *DB) SettleConflict(ctx context.Context, s ConflictSettlement) error {
	if s.Record == nil || s.Record.ID == "" {
		return fmt.Errorf("%w: conflict id is required", schema.ErrInvalid)
	}
	switch s.Action {
	case SettleDrop, SettlePark:
		if s.Server != nil {
			if err := s.Server.Validate(); err != nil {
				return fmt.Errorf("invalid server snapshot: %w", err)
			}
		}
	case SettleReplace:
		if s.Next == nil {
			return fmt.Errorf("%w: replacement mutation is required", schema.ErrInvalid)
		}
		if err := validateReplacement(s.Next, s.Server); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown settlement %d", schema.ErrInvalid, s.Action)
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		switch s.Action {
		case SettleDrop:
			if err := settleTx(ctx, tx, s.MutationID, s.Server, false); err != nil {
				return err
			}
		case SettleReplace:
			if err := db.replaceTx(ctx, tx, s.MutationID, s.Next, s.Server); err != nil {
				return err
			}
		case SettlePark:
			if err := parkTx(ctx, tx, s.MutationID, s.Server); err != nil {
				return err
			}
		}
		return saveConflict(ctx, tx, s.Record)
	})
}

func parkTx(ctx context.Context, tx *sql.Tx, id string, server *schema.EntitySnapshot) error {
	m, err := getMutation(ctx, tx, id)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE mutations SET status = ?, last_error = '' WHERE id = ?`,
		string(schema.StatusConflicted), id)
	if err != nil {
		return fmt.Errorf("failed to park mutation %s: %w", id, err)
	}
	if server == nil {
		return nil
	}
	if err := putConfirmed(ctx, tx, server); err != nil {
		return err
	}
	return rebuildView(ctx, tx, m.EntityType, m.EntityID)
}

func saveConflict(ctx context.Context, ex execer, c *schema.ConflictRecord) error {
	record, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict %s: %w", c.ID, err)
	}

	var closedAt any
	if c.ClosedAt != nil {
		closedAt = toNanos(*c.ClosedAt)
	}

	query := `
	INSERT INTO conflicts (id, mutation_id, entity_type, entity_id, status, strategy, record, detected_at, closed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		strategy = excluded.strategy,
		record = excluded.record,
		closed_at = excluded.closed_at
	`
	_, err = ex.ExecContext(ctx, query,
		c.ID,
		c.MutationID,
		c.EntityType(),
		c.EntityID(),
		string(c.Status),
		string(c.Strategy),
		string(record),
		toNanos(c.DetectedAt),
		closedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save conflict %s: %w", c.ID, err)
	}
	return nil
}

// GetConflict returns a conflict by ID, or ErrNotFound.
func (db *DB) GetConflict(ctx context.Context, id string) (*schema.ConflictRecord, error) {
	var record string
	err := db.conn.QueryRowContext(ctx, `SELECT record FROM conflicts WHERE id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %s: %w", id, err)
	}
	return decodeConflict(record)
}

// OpenConflictFor returns the open conflict raised by a mutation, or
// ErrNotFound.
func (db *DB) OpenConflictFor(ctx context.Context, mutationID string) (*schema.ConflictRecord, error) {
	var record string
	err := db.conn.QueryRowContext(ctx,
		`SELECT record FROM conflicts WHERE mutation_id = ? AND status = 'open' ORDER BY detected_at DESC LIMIT 1`,
		mutationID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("open conflict for mutation %s: %w", mutationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict for mutation %s: %w", mutationID, err)
	}
	return decodeConflict(record)
}

// ListConflicts returns conflicts ordered by detection time, oldest first.
func (db *DB) ListConflicts(ctx context.Context, filter ConflictFilter) ([]*schema.ConflictRecord, error) {
	var where []string
	var args []any
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		where = append(where, "detected_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}

	query := `SELECT record FROM conflicts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*schema.ConflictRecord
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		c, err := decodeConflict(record)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return out, nil
}

// PruneClosedConflicts deletes closed conflicts older than before. Open
// conflicts are never pruned.
func (db *DB) PruneClosedConflicts(ctx context.Context, before time.Time) (int, error) {
	var n int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM conflicts WHERE status = 'closed' AND closed_at IS NOT NULL AND closed_at < ?`,
			before.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to prune conflicts: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

// TrimConflictAudit keeps the newest keep closed conflicts and deletes the
// rest, oldest first. Open conflicts are never trimmed.
func (db *DB) TrimConflictAudit(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	var n int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
		DELETE FROM conflicts
		WHERE status = 'closed' AND id NOT IN (
			SELECT id FROM conflicts WHERE status = 'closed'
			ORDER BY closed_at DESC, id DESC
			LIMIT ?
		)
		`, keep)
		if err != nil {
			return fmt.Errorf("failed to trim conflict audit log: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

func decodeConflict(record string) (*schema.ConflictRecord, error) {
	var c schema.ConflictRecord
	if err := json.Unmarshal([]byte(record), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conflict: %w", err)
	}
	return &c, nil
}
