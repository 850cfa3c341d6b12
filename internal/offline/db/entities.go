package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fieldkit/offsync/internal/offline/schema"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const snapshotColumns = `entity_type, entity_id, revision, fields, deleted, source, modified_at`

const confirmedColumns = `entity_type, entity_id, revision, server_fields, server_deleted, 'server-confirmed', server_modified_at`

// Put stores a snapshot. A server-confirmed snapshot replaces the confirmed
// state and the local view is rebuilt from it and the entity's queued
// mutations. A local-optimistic snapshot overwrites the local view only.
func (db *DB) Put(ctx context.Context, snap *schema.EntitySnapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if snap.Confirmed() {
			if err := putConfirmed(ctx, tx, snap); err != nil {
				return err
			}
			return rebuildView(ctx, tx, snap.EntityType, snap.EntityID)
		}
		return putView(ctx, tx, snap)
	})
}

func putConfirmed(ctx context.Context, ex execer, snap *schema.EntitySnapshot) error {
	fieldsJSON, err := schema.EncodeFields(snap.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	query := `
	INSERT INTO entities (
		entity_type, entity_id, revision, fields, deleted, source, modified_at,
		has_server, server_fields, server_deleted, server_modified_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		revision = excluded.revision,
		has_server = 1,
		server_fields = excluded.server_fields,
		server_deleted = excluded.server_deleted,
		server_modified_at = excluded.server_modified_at
	`
	_, err = ex.ExecContext(ctx, query,
		snap.EntityType,
		snap.EntityID,
		snap.Revision,
		fieldsJSON,
		boolToInt(snap.Deleted),
		string(schema.SourceServerConfirmed),
		toNanos(snap.ModifiedAt),
		fieldsJSON,
		boolToInt(snap.Deleted),
		toNanos(snap.ModifiedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s/%s: %w", snap.EntityType, snap.EntityID, err)
	}
	return nil
}

func putView(ctx context.Context, ex execer, snap *schema.EntitySnapshot) error {
	fieldsJSON, err := schema.EncodeFields(snap.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	query := `
	INSERT INTO entities (entity_type, entity_id, revision, fields, deleted, source, modified_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		revision = excluded.revision,
		fields = excluded.fields,
		deleted = excluded.deleted,
		source = excluded.source,
		modified_at = excluded.modified_at
	`
	_, err = ex.ExecContext(ctx, query,
		snap.EntityType,
		snap.EntityID,
		snap.Revision,
		fieldsJSON,
		boolToInt(snap.Deleted),
		string(snap.Source),
		toNanos(snap.ModifiedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s/%s: %w", snap.EntityType, snap.EntityID, err)
	}
	return nil
}

// Get returns the local view of an entity, or ErrNotFound. A locally
// deleted entity is returned with Deleted set.
func (db *DB) Get(ctx context.Context, entityType, id string) (*schema.EntitySnapshot, error) {
	return getSnapshot(ctx, db.conn, snapshotColumns, entityType, id)
}

// GetConfirmed returns the last server-confirmed snapshot of an entity, or
// ErrNotFound if the backend has never confirmed it.
func (db *DB) GetConfirmed(ctx context.Context, entityType, id string) (*schema.EntitySnapshot, error) {
	return getConfirmed(ctx, db.conn, entityType, id)
}

func getConfirmed(ctx context.Context, ex execer, entityType, id string) (*schema.EntitySnapshot, error) {
	query := `SELECT ` + confirmedColumns + `
	FROM entities
	WHERE entity_type = ? AND entity_id = ? AND has_server = 1
	`
	snap, err := scanSnapshot(ex.QueryRowContext(ctx, query, entityType, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("confirmed entity %s/%s: %w", entityType, id, ErrNotFound)
	}
	return snap, err
}

func getSnapshot(ctx context.Context, ex execer, columns, entityType, id string) (*schema.EntitySnapshot, error) {
	query := `SELECT ` + columns + `
	FROM entities
	WHERE entity_type = ? AND entity_id = ?
	`
	snap, err := scanSnapshot(ex.QueryRowContext(ctx, query, entityType, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s/%s: %w", entityType, id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ListEntities returns the local view of every live entity of a type,
// ordered by id.
func (db *DB) ListEntities(ctx context.Context, entityType string) ([]*schema.EntitySnapshot, error) {
	query := `SELECT ` + snapshotColumns + `
	FROM entities
	WHERE entity_type = ? AND deleted = 0
	ORDER BY entity_id ASC
	`
	rows, err := db.conn.QueryContext(ctx, query, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var snaps []*schema.EntitySnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return snaps, nil
}

// rebuildView recomputes the local view of an entity: the confirmed state
// with every queued mutation folded over it in enqueue order. An entity the
// backend never confirmed and that has no queued mutations is removed.
func rebuildView(ctx context.Context, tx *sql.Tx, entityType, id string) error {
	view := &schema.EntitySnapshot{
		EntityType: entityType,
		EntityID:   id,
		Fields:     schema.Fields{},
		Deleted:    true,
		Source:     schema.SourceServerConfirmed,
	}
	confirmed, err := getConfirmed(ctx, tx, entityType, id)
	switch {
	case err == nil:
		view.Revision = confirmed.Revision
		view.Fields = confirmed.Fields
		view.Deleted = confirmed.Deleted
		view.ModifiedAt = confirmed.ModifiedAt
	case !errors.Is(err, ErrNotFound):
		return err
	}

	pending, err := listMutations(ctx, tx, MutationFilter{EntityType: entityType, EntityID: id})
	if err != nil {
		return err
	}

	if confirmed == nil && len(pending) == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE entity_type = ? AND entity_id = ?`, entityType, id); err != nil {
			return fmt.Errorf("failed to delete entity %s/%s: %w", entityType, id, err)
		}
		return nil
	}

	for _, m := range pending {
		foldMutation(view, m)
	}
	return putView(ctx, tx, view)
}

// foldMutation applies a queued mutation to a local view.
func foldMutation(view *schema.EntitySnapshot, m *schema.MutationRecord) {
	switch m.Operation {
	case schema.OpCreate:
		view.Fields = m.Payload.Clone()
		if view.Fields == nil {
			view.Fields = schema.Fields{}
		}
		view.Deleted = false
	case schema.OpUpdate:
		view.Fields = view.Fields.Overlay(m.Payload)
		view.Deleted = false
	case schema.OpDelete:
		view.Deleted = true
	}
	view.Source = schema.SourceLocalOptimistic
	view.ModifiedAt = m.LocalTimestamp
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (*schema.EntitySnapshot, error) {
	var snap schema.EntitySnapshot
	var fieldsJSON, source string
	var deleted int
	var modifiedAt int64

	if err := row.Scan(
		&snap.EntityType,
		&snap.EntityID,
		&snap.Revision,
		&fieldsJSON,
		&deleted,
		&source,
		&modifiedAt,
	); err != nil {
		return nil, err
	}

	fields, err := schema.DecodeFields(fieldsJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	snap.Fields = fields
	snap.Deleted = deleted != 0
	snap.Source = schema.SnapshotSource(source)
	snap.ModifiedAt = fromNanos(modifiedAt)
	return &snap, nil
}
