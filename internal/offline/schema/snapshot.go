package schema

import (
	"fmt"
	"strings"
	"time"
)

// SnapshotSource says whether the backend has confirmed a snapshot.
type SnapshotSource string

const (
	SourceLocalOptimistic SnapshotSource = "local-optimistic"
	SourceServerConfirmed SnapshotSource = "server-confirmed"
)

// EntitySnapshot is the last known full state of an entity.
type EntitySnapshot struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`

	// Revision is the last backend revision this snapshot is based on. For a
	// local-optimistic snapshot it is the revision the local edits build on.
	Revision int64 `json:"revision"`

	Fields  Fields         `json:"fields"`
	Deleted bool           `json:"deleted,omitempty"`
	Source  SnapshotSource `json:"source"`

	// ModifiedAt is the backend's last-modified time for server-confirmed
	// snapshots and the local edit time otherwise.
	ModifiedAt time.Time `json:"modified_at"`
}

// Validate checks the identifying fields of a snapshot.
func (s *EntitySnapshot) Validate() error {
	if strings.TrimSpace(s.EntityType) == "" {
		return fmt.Errorf("%w: entity_type is required", ErrInvalid)
	}
	if strings.TrimSpace(s.EntityID) == "" {
		return fmt.Errorf("%w: entity_id is required", ErrInvalid)
	}
	if s.Revision < 0 {
		return fmt.Errorf("%w: revision must not be negative (got %d)", ErrInvalid, s.Revision)
	}
	switch s.Source {
	case SourceLocalOptimistic, SourceServerConfirmed:
	default:
		return fmt.Errorf("%w: unknown snapshot source %q", ErrInvalid, s.Source)
	}
	return nil
}

// Confirmed reports whether the backend has confirmed this snapshot.
func (s *EntitySnapshot) Confirmed() bool {
	return s.Source == SourceServerConfirmed
}
