package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fieldkit/offsync/internal/offline/schema"
)

const mutationColumns = `seq, id, entity_type, entity_id, operation, payload, base_fields,
	base_revision, local_timestamp, status, retry_count, next_attempt_at, failure_kind, last_error`

// MutationFilter narrows ListMutations. Zero values match everything.
type MutationFilter struct {
	EntityType string
	EntityID   string
	Statuses   []schema.MutationStatus
	Limit      int
}

// ApplyLocalWrite records a local write: the mutation is enqueued and the
// entity's local view is rebuilt with it, in one transaction. The mutation's
// BaseFields and BaseRevision are captured from the view inside the same
// transaction. The store assigns Seq.
//
// Applying a mutation whose ID is already queued is a no-op that returns the
// current view.
func (db *DB) ApplyLocalWrite(ctx context.Context, m *schema.MutationRecord) (*schema.EntitySnapshot, error) {
	if m.Status == "" {
		m.Status = schema.StatusPending
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mutation: %w", err)
	}

	var view *schema.EntitySnapshot
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getMutation(ctx, tx, m.ID)
		if err == nil {
			*m = *existing
			view, err = getSnapshot(ctx, tx, snapshotColumns, m.EntityType, m.EntityID)
			return err
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		current, err := getSnapshot(ctx, tx, snapshotColumns, m.EntityType, m.EntityID)
		switch {
		case err == nil:
			m.BaseRevision = current.Revision
			if current.Deleted {
				m.BaseFields = schema.Fields{}
			} else {
				m.BaseFields = current.Fields.Clone()
			}
		case errors.Is(err, ErrNotFound):
			m.BaseRevision = 0
			m.BaseFields = schema.Fields{}
		default:
			return err
		}

		if err := db.checkQuota(ctx, int64(m.Payload.Size()+m.BaseFields.Size())); err != nil {
			return err
		}
		if err := insertMutation(ctx, tx, m); err != nil {
			return err
		}
		if err := rebuildView(ctx, tx, m.EntityType, m.EntityID); err != nil {
			return err
		}
		view, err = getSnapshot(ctx, tx, snapshotColumns, m.EntityType, m.EntityID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// EnqueueMutation appends a mutation without touching the local view. Used
// when the caller has already applied the write, and by tests. Enqueueing an
// existing ID is a no-op.
func (db *DB) EnqueueMutation(ctx context.Context, m *schema.MutationRecord) error {
	if m.Status == "" {
		m.Status = schema.StatusPending
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid mutation: %w", err)
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getMutation(ctx, tx, m.ID)
		if err == nil {
			m.Seq = existing.Seq
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := db.checkQuota(ctx, int64(m.Payload.Size()+m.BaseFields.Size())); err != nil {
			return err
		}
		return insertMutation(ctx, tx, m)
	})
}

func insertMutation(ctx context.Context, ex execer, m *schema.MutationRecord) error {
	payloadJSON, err := schema.EncodeFields(m.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	baseJSON, err := schema.EncodeFields(m.BaseFields)
	if err != nil {
		return fmt.Errorf("failed to marshal base fields: %w", err)
	}

	args := []any{
		m.ID,
		m.EntityType,
		m.EntityID,
		string(m.Operation),
		payloadJSON,
		baseJSON,
		m.BaseRevision,
		toNanos(m.LocalTimestamp),
		string(m.Status),
		m.RetryCount,
		toNanos(m.NextAttemptAt),
		string(m.FailureKind),
		m.LastError,
	}
	columns := `id, entity_type, entity_id, operation, payload, base_fields, base_revision,
		local_timestamp, status, retry_count, next_attempt_at, failure_kind, last_error`
	placeholders := `?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?`

	// An explicit Seq keeps a replacement in its predecessor's queue slot.
	if m.Seq > 0 {
		columns = "seq, " + columns
		placeholders = "?, " + placeholders
		args = append([]any{m.Seq}, args...)
	}

	res, err := ex.ExecContext(ctx, `INSERT INTO mutations (`+columns+`) VALUES (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to insert mutation %s: %w", m.ID, err)
	}
	if m.Seq == 0 {
		seq, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read mutation seq: %w", err)
		}
		m.Seq = seq
	}
	return nil
}

// GetMutation returns a queued mutation by ID, or ErrNotFound.
func (db *DB) GetMutation(ctx context.Context, id string) (*schema.MutationRecord, error) {
	return getMutation(ctx, db.conn, id)
}

func getMutation(ctx context.Context, ex execer, id string) (*schema.MutationRecord, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutations WHERE id = ?`
	m, err := scanMutation(ex.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mutation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMutations returns queued mutations in enqueue order.
func (db *DB) ListMutations(ctx context.Context, filter MutationFilter) ([]*schema.MutationRecord, error) {
	return listMutations(ctx, db.conn, filter)
}

// ListPendingMutations returns the mutations not yet accepted by the
// backend (pending or in flight), optionally for one entity type, in
// enqueue order.
func (db *DB) ListPendingMutations(ctx context.Context, entityType string) ([]*schema.MutationRecord, error) {
	return listMutations(ctx, db.conn, MutationFilter{
		EntityType: entityType,
		Statuses:   []schema.MutationStatus{schema.StatusPending, schema.StatusInFlight},
	})
}

func listMutations(ctx context.Context, ex execer, filter MutationFilter) ([]*schema.MutationRecord, error) {
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
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + mutationColumns + ` FROM mutations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}
	defer rows.Close()

	var out []*schema.MutationRecord
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}
	return out, nil
}

// ClaimHeads marks up to limit entity-queue heads as in flight and returns
// them in enqueue order. Only the oldest mutation of each entity is
// eligible, and only when it is pending and due at now; an entity whose head
// is failed, conflicted or already in flight contributes nothing.
func (db *DB) ClaimHeads(ctx context.Context, now time.Time, limit int) ([]*schema.MutationRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []*schema.MutationRecord
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		query := `SELECT ` + mutationColumns + `
		FROM mutations m
		WHERE m.status = 'pending'
		  AND m.next_attempt_at <= ?
		  AND m.seq = (
			SELECT MIN(h.seq) FROM mutations h
			WHERE h.entity_type = m.entity_type AND h.entity_id = m.entity_id
		  )
		ORDER BY m.seq ASC
		LIMIT ?
		`
		rows, err := tx.QueryContext(ctx, query, now.UnixNano(), limit)
		if err != nil {
			return fmt.Errorf("failed to select queue heads: %w", err)
		}
		for rows.Next() {
			m, err := scanMutation(rows)
			if err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, m)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("error iterating queue heads: %w", err)
		}
		rows.Close()

		for _, m := range claimed {
			if _, err := tx.ExecContext(ctx, `UPDATE mutations SET status = ? WHERE id = ?`,
				string(schema.StatusInFlight), m.ID); err != nil {
				return fmt.Errorf("failed to claim mutation %s: %w", m.ID, err)
			}
			m.Status = schema.StatusInFlight
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// NextDue returns the earliest next_attempt_at among pending queue heads, or
// the zero time if none is waiting.
func (db *DB) NextDue(ctx context.Context) (time.Time, error) {
	query := `
	SELECT COALESCE(MIN(m.next_attempt_at), 0)
	FROM mutations m
	WHERE m.status = 'pending'
	  AND m.seq = (
		SELECT MIN(h.seq) FROM mutations h
		WHERE h.entity_type = m.entity_type AND h.entity_id = m.entity_id
	  )
	`
	var next int64
	if err := db.conn.QueryRowContext(ctx, query).Scan(&next); err != nil {
		return time.Time{}, fmt.Errorf("failed to query next due mutation: %w", err)
	}
	return fromNanos(next), nil
}

// UpdateMutation persists the mutable state of a queued mutation: status,
// retry bookkeeping, failure details, base revision and payload.
func (db *DB) UpdateMutation(ctx context.Context, m *schema.MutationRecord) error {
	payloadJSON, err := schema.EncodeFields(m.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		query := `
		UPDATE mutations SET
			status = ?, retry_count = ?, next_attempt_at = ?,
			failure_kind = ?, last_error = ?, base_revision = ?, payload = ?
		WHERE id = ?
		`
		res, err := tx.ExecContext(ctx, query,
			string(m.Status),
			m.RetryCount,
			toNanos(m.NextAttemptAt),
			string(m.FailureKind),
			m.LastError,
			m.BaseRevision,
			payloadJSON,
			m.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update mutation %s: %w", m.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("mutation %s: %w", m.ID, ErrNotFound)
		}
		return nil
	})
}

// ResetInFlight returns every in-flight mutation to pending. Called on
// startup, since a crash mid-send leaves the backend's answer unknown and
// the idempotency key makes the resend safe.
func (db *DB) ResetInFlight(ctx context.Context) (int, error) {
	var n int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE mutations SET status = 'pending' WHERE status = 'in-flight'`)
		if err != nil {
			return fmt.Errorf("failed to reset in-flight mutations: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

// ReviveStuck returns every mutation that exhausted its retry budget to
// pending with a fresh budget.
func (db *DB) ReviveStuck(ctx context.Context) (int, error) {
	var n int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		query := `
		UPDATE mutations SET
			status = 'pending', retry_count = 0, next_attempt_at = 0,
			failure_kind = '', last_error = ''
		WHERE status = 'failed' AND failure_kind = ?
		`
		res, err := tx.ExecContext(ctx, query, string(schema.FailureStuck))
		if err != nil {
			return fmt.Errorf("failed to revive stuck mutations: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

// ResetBackoff makes every waiting pending mutation eligible immediately.
// Retry counts are kept.
func (db *DB) ResetBackoff(ctx context.Context) (int, error) {
	var n int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE mutations SET next_attempt_at = 0 WHERE status = 'pending' AND next_attempt_at > 0`)
		if err != nil {
			return fmt.Errorf("failed to reset backoff: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

// CompleteMutation settles a mutation the backend accepted. The mutation is
// removed, the returned server state becomes the confirmed state, the
// entity's remaining mutations are rebased onto the new revision, and the
// local view is rebuilt.
func (db *DB) CompleteMutation(ctx context.Context, id string, server *schema.EntitySnapshot) error {
	return db.settle(ctx, id, server, true)
}

// DropMutation removes a mutation without applying it: after a server-wins
// resolution, a merge that kept nothing local, or a discard. When server is
// non-nil it becomes the confirmed state. Remaining mutations keep their
// base revision so they still conflict against the newer server state.
func (db *DB) DropMutation(ctx context.Context, id string, server *schema.EntitySnapshot) error {
	return db.settle(ctx, id, server, false)
}

func (db *DB) settle(ctx context.Context, id string, server *schema.EntitySnapshot, rebase bool) error {
	if server != nil {
		if err := server.Validate(); err != nil {
			return fmt.Errorf("invalid server snapshot: %w", err)
		}
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return settleTx(ctx, tx, id, server, rebase)
	})
}

func settleTx(ctx context.Context, tx *sql.Tx, id string, server *schema.EntitySnapshot, rebase bool) error {
	m, err := getMutation(ctx, tx, id)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete mutation %s: %w", id, err)
	}

	if server != nil {
		if err := putConfirmed(ctx, tx, server); err != nil {
			return err
		}
		if rebase {
			_, err := tx.ExecContext(ctx, `
			UPDATE mutations SET base_revision = ?
			WHERE entity_type = ? AND entity_id = ?
			`, server.Revision, m.EntityType, m.EntityID)
			if err != nil {
				return fmt.Errorf("failed to rebase mutations of %s/%s: %w", m.EntityType, m.EntityID, err)
			}
		}
	}
	return rebuildView(ctx, tx, m.EntityType, m.EntityID)
}

// ReplaceMutation swaps a queued mutation for a new one in the same queue
// slot. Used when a conflict resolution turns a conflicted mutation into a
// fresh write against the current server state. When server is non-nil it
// becomes the confirmed state in the same transaction.
//
// Only growth over the replaced mutation counts against the quota.
func (db *DB) ReplaceMutation(ctx context.Context, oldID string, next *schema.MutationRecord, server *schema.EntitySnapshot) error {
	if err := validateReplacement(next, server); err != nil {
		return err
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return db.replaceTx(ctx, tx, oldID, next, server)
	})
}

func validateReplacement(next *schema.MutationRecord, server *schema.EntitySnapshot) error {
	if next.Status == "" {
		next.Status = schema.StatusPending
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid mutation: %w", err)
	}
	if server != nil {
		if err := server.Validate(); err != nil {
			return fmt.Errorf("invalid server snapshot: %w", err)
		}
	}
	return nil
}

func (db *DB) replaceTx(ctx context.Context, tx *sql.Tx, oldID string, next *schema.MutationRecord, server *schema.EntitySnapshot) error {
	old, err := getMutation(ctx, tx, oldID)
	if err != nil {
		return err
	}
	if old.EntityType != next.EntityType || old.EntityID != next.EntityID {
		return fmt.Errorf("replacement for %s targets %s/%s, want %s/%s",
			oldID, next.EntityType, next.EntityID, old.EntityType, old.EntityID)
	}

	// Usage is read outside this transaction and still counts the old row.
	growth := int64(next.Payload.Size()+next.BaseFields.Size()) - int64(old.Payload.Size()+old.BaseFields.Size())
	if growth > 0 {
		if err := db.checkQuota(ctx, growth); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, oldID); err != nil {
		return fmt.Errorf("failed to delete mutation %s: %w", oldID, err)
	}
	next.Seq = old.Seq
	if err := insertMutation(ctx, tx, next); err != nil {
		return err
	}
	if server != nil {
		if err := putConfirmed(ctx, tx, server); err != nil {
			return err
		}
	}
	return rebuildView(ctx, tx, next.EntityType, next.EntityID)
}

// CountMutations returns the number of queued mutations per status.
func (db *DB) CountMutations(ctx context.Context) (map[schema.MutationStatus]int, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM mutations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count mutations: %w", err)
	}
	defer rows.Close()

	counts := make(map[schema.MutationStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan mutation count: %w", err)
		}
		counts[schema.MutationStatus(status)] = n
	}
	return counts, rows.Err()
}

// HasMutations reports whether any mutation is queued for the entity.
func (db *DB) HasMutations(ctx context.Context, entityType, id string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutations WHERE entity_type = ? AND entity_id = ?`,
		entityType, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count mutations of %s/%s: %w", entityType, id, err)
	}
	return n > 0, nil
}

func scanMutation(row scanner) (*schema.MutationRecord, error) {
	var m schema.MutationRecord
	var operation, payloadJSON, baseJSON, status, failureKind string
	var localTS, nextAttempt int64

	if err := row.Scan(
		&m.Seq,
		&m.ID,
		&m.EntityType,
		&m.EntityID,
		&operation,
		&payloadJSON,
		&baseJSON,
		&m.BaseRevision,
		&localTS,
		&status,
		&m.RetryCount,
		&nextAttempt,
		&failureKind,
		&m.LastError,
	); err != nil {
		return nil, err
	}

	payload, err := schema.DecodeFields(payloadJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload of %s: %w", m.ID, err)
	}
	base, err := schema.DecodeFields(baseJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal base fields of %s: %w", m.ID, err)
	}

	m.Operation = schema.Operation(operation)
	m.Payload = payload
	m.BaseFields = base
	m.LocalTimestamp = fromNanos(localTS)
	m.Status = schema.MutationStatus(status)
	m.NextAttemptAt = fromNanos(nextAttempt)
	m.FailureKind = schema.FailureKind(failureKind)
	return &m, nil
}
