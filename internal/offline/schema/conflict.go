package schema

import (
	"fmt"
	"strings"
	"time"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	ServerWins    Strategy = "server-wins"
	ClientWins    Strategy = "client-wins"
	LastWriteWins Strategy = "last-write-wins"
	FieldMerge    Strategy = "field-merge"
	Manual        Strategy = "manual"
)

// Strategies lists every strategy in display order.
var Strategies = []Strategy{ServerWins, ClientWins, LastWriteWins, FieldMerge, Manual}

// ParseStrategy accepts the canonical names plus a few common spellings
// ("lww", "server_wins", "merge").
func ParseStrategy(s string) (Strategy, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "_", "-")
	switch norm {
	case "server-wins", "server":
		return ServerWins, nil
	case "client-wins", "client":
		return ClientWins, nil
	case "last-write-wins", "lww":
		return LastWriteWins, nil
	case "field-merge", "merge":
		return FieldMerge, nil
	case "manual":
		return Manual, nil
	}
	return "", fmt.Errorf("%w: unknown conflict strategy %q", ErrInvalid, s)
}

// ConflictStatus is open until a resolution is recorded.
type ConflictStatus string

const (
	ConflictOpen   ConflictStatus = "open"
	ConflictClosed ConflictStatus = "closed"
)

// Outcome records what a closed conflict ended up doing.
type Outcome string

const (
	// OutcomeServerKept: the server snapshot was adopted and the mutation dropped.
	OutcomeServerKept Outcome = "server-kept"
	// OutcomeLocalApplied: the local value was written over the server snapshot.
	OutcomeLocalApplied Outcome = "local-applied"
	// OutcomeMerged: some local fields were kept, some server fields won.
	OutcomeMerged Outcome = "merged"
	// OutcomeManual: the caller supplied the final payload.
	OutcomeManual Outcome = "manual"
)

// Winner names the side whose value a field ended with.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerServer Winner = "server"
)

// FieldDiff describes one diverging field.
type FieldDiff struct {
	Local         any    `json:"local"`
	Server        any    `json:"server"`
	Base          any    `json:"base,omitempty"`
	ServerChanged bool   `json:"server_changed"`
	NonMergeable  bool   `json:"non_mergeable,omitempty"`
	Winner        Winner `json:"winner,omitempty"`
}

// ConflictRecord is produced when a mutation's base revision no longer
// matches the backend's current revision.
type ConflictRecord struct {
	ID         string         `json:"id"`
	MutationID string         `json:"mutation_id"`
	Mutation   MutationRecord `json:"mutation"`
	Server     EntitySnapshot `json:"server"`

	Diff     map[string]FieldDiff `json:"diff"`
	Strategy Strategy             `json:"strategy"`
	Status   ConflictStatus       `json:"status"`
	Outcome  Outcome              `json:"outcome,omitempty"`

	// Escalated is set when field-merge handed the conflict to manual
	// resolution because a non-mergeable field diverged.
	Escalated       bool     `json:"escalated,omitempty"`
	EscalatedFields []string `json:"escalated_fields,omitempty"`

	ResolvedPayload Fields     `json:"resolved_payload,omitempty"`
	DetectedAt      time.Time  `json:"detected_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
}

// EntityType returns the entity type of the offending mutation.
func (c *ConflictRecord) EntityType() string {
	return c.Mutation.EntityType
}

// EntityID returns the entity id of the offending mutation.
func (c *ConflictRecord) EntityID() string {
	return c.Mutation.EntityID
}

// Open reports whether the conflict still awaits resolution.
func (c *ConflictRecord) Open() bool {
	return c.Status == ConflictOpen
}

// Close marks the conflict closed with the given outcome and payload.
func (c *ConflictRecord) Close(outcome Outcome, payload Fields, at time.Time) {
	c.Status = ConflictClosed
	c.Outcome = outcome
	c.ResolvedPayload = payload
	closed := at
	c.ClosedAt = &closed
}

// DiffFields computes the field-level diff between a mutation and the
// server snapshot, restricted to the fields the mutation touched. Fields
// whose local and server values agree are omitted.
func DiffFields(m *MutationRecord, server *EntitySnapshot) map[string]FieldDiff {
	diff := make(map[string]FieldDiff)
	touched := m.Payload
	if m.Operation == OpDelete {
		touched = m.BaseFields
	}
	for _, name := range touched.Keys() {
		local := touched[name]
		if m.Operation == OpDelete {
			local = nil
		}
		serverValue, present := server.Fields[name]
		if server.Deleted {
			serverValue, present = nil, false
		}
		if present && ValuesEqual(local, serverValue) {
			continue
		}
		base, hadBase := m.BaseFields[name]
		changed := !hadBase && present || hadBase && (!present || !ValuesEqual(base, serverValue))
		diff[name] = FieldDiff{
			Local:         local,
			Server:        serverValue,
			Base:          base,
			ServerChanged: changed,
		}
	}
	return diff
}
