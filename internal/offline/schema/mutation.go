package schema

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalid is wrapped by every validation error in this package.
var ErrInvalid = errors.New("invalid record")

// Operation is the kind of write a mutation performs.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ParseOperation converts a user-supplied string into an Operation.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToLower(strings.TrimSpace(s)))
	if !op.Valid() {
		return "", fmt.Errorf("%w: unknown operation %q", ErrInvalid, s)
	}
	return op, nil
}

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// MutationStatus tracks a mutation through the sync lifecycle.
type MutationStatus string

const (
	StatusPending    MutationStatus = "pending"
	StatusInFlight   MutationStatus = "in-flight"
	StatusSynced     MutationStatus = "synced"
	StatusFailed     MutationStatus = "failed"
	StatusConflicted MutationStatus = "conflicted"
)

// FailureKind qualifies a failed mutation.
type FailureKind string

const (
	FailureNone FailureKind = ""
	// FailureValidation: the backend rejected the payload. Terminal until the
	// caller discards or resubmits it.
	FailureValidation FailureKind = "validation"
	// FailureStuck: the transient retry budget ran out. A manual retry revives it.
	FailureStuck FailureKind = "stuck"
)

// MutationRecord is one pending local write.
type MutationRecord struct {
	// ID is the idempotency key, stable across retries.
	ID string `json:"id"`

	// Seq is the store-assigned enqueue order. Mutations of one entity are
	// applied in Seq order.
	Seq int64 `json:"seq"`

	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Operation  Operation `json:"operation"`

	// Payload is the full record for a create and the touched fields for an
	// update. Ignored for deletes.
	Payload Fields `json:"payload,omitempty"`

	// BaseFields is the local view of the entity when the edit was made.
	BaseFields Fields `json:"base_fields,omitempty"`

	// BaseRevision is the revision the client believed current; 0 for creates.
	BaseRevision int64 `json:"base_revision"`

	LocalTimestamp time.Time `json:"local_timestamp"`

	Status        MutationStatus `json:"status"`
	RetryCount    int            `json:"retry_count"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	FailureKind   FailureKind    `json:"failure_kind,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
}

// Validate checks the fields a mutation must carry before it is enqueued.
func (m *MutationRecord) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if strings.TrimSpace(m.EntityType) == "" {
		return fmt.Errorf("%w: entity_type is required", ErrInvalid)
	}
	if strings.TrimSpace(m.EntityID) == "" {
		return fmt.Errorf("%w: entity_id is required", ErrInvalid)
	}
	if !m.Operation.Valid() {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalid, m.Operation)
	}
	if m.Operation == OpUpdate && len(m.Payload) == 0 {
		return fmt.Errorf("%w: update requires at least one field", ErrInvalid)
	}
	if m.Operation == OpCreate && m.Payload == nil {
		return fmt.Errorf("%w: create requires a payload", ErrInvalid)
	}
	if m.BaseRevision < 0 {
		return fmt.Errorf("%w: base_revision must not be negative (got %d)", ErrInvalid, m.BaseRevision)
	}
	if m.LocalTimestamp.IsZero() {
		return fmt.Errorf("%w: local_timestamp is required", ErrInvalid)
	}
	return nil
}

// LocalValue returns the full value the local side holds after this
// mutation: the base view with the payload written over it.
func (m *MutationRecord) LocalValue() Fields {
	return m.BaseFields.Overlay(m.Payload)
}

// Terminal reports whether the mutation needs caller action before the
// entity's queue can advance.
func (m *MutationRecord) Terminal() bool {
	return m.Status == StatusFailed || m.Status == StatusConflicted
}
