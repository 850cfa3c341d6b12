// Package conflict detects and resolves divergence between a queued
// mutation and the backend's current state.
//
// Detection is authoritative on the backend: a send carrying a stale base
// revision comes back with the current snapshot, and the resolver decides
// what to do with it. The resolver is pure; it returns a Resolution and the
// orchestrator carries it out against the store and the queue.
package conflict

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldkit/offsync/internal/offline/schema"
)

// Action is what the orchestrator must do with a conflicted mutation.
type Action string

const (
	// ActionDrop adopts the server snapshot and drops the mutation.
	ActionDrop Action = "drop"
	// ActionResend sends Operation/Payload again with the server's revision
	// as the new base.
	ActionResend Action = "resend"
	// ActionPark keeps the mutation conflicted until a manual resolution.
	ActionPark Action = "park"
)

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	Action    Action
	Operation schema.Operation
	Payload   schema.Fields

	// Record is the conflict as it should be logged: closed for drop and
	// resend, open for park.
	Record *schema.ConflictRecord
}

// Detect is the client-side pre-check: the mutation is stale against a
// known server snapshot. The backend's answer remains authoritative.
func Detect(m *schema.MutationRecord, server *schema.EntitySnapshot) bool {
	if server == nil {
		return false
	}
	return m.BaseRevision != server.Revision
}

// Resolver applies per-entity-type strategies. Safe for concurrent use;
// SetPolicies may be called while resolutions run.
type Resolver struct {
	mu       sync.RWMutex
	policies Policies

	// NewID generates conflict record IDs.
	NewID func() string
}

// NewResolver creates a resolver with the given policies.
func NewResolver(policies Policies) *Resolver {
	return &Resolver{
		policies: policies,
		NewID:    func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

// SetPolicies replaces the policy table.
func (r *Resolver) SetPolicies(policies Policies) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies = policies
}

// Policies returns the current policy table.
func (r *Resolver) Policies() Policies {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policies
}

// StrategyFor returns the strategy applied to an entity type.
func (r *Resolver) StrategyFor(entityType string) schema.Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policies.strategyFor(entityType)
}

// NonMergeable reports whether a field of an entity type is non-mergeable.
func (r *Resolver) NonMergeable(entityType, field string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policies.nonMergeable(entityType, field)
}

// Resolve decides the fate of a mutation the backend rejected as stale.
func (r *Resolver) Resolve(m *schema.MutationRecord, server *schema.EntitySnapshot, now time.Time) *Resolution {
	return r.ResolveWith(r.StrategyFor(m.EntityType), m, server, now)
}

// ResolveWith resolves with an explicit strategy.
func (r *Resolver) ResolveWith(strategy schema.Strategy, m *schema.MutationRecord, server *schema.EntitySnapshot, now time.Time) *Resolution {
	record := &schema.ConflictRecord{
		ID:         r.NewID(),
		MutationID: m.ID,
		Mutation:   *m,
		Server:     *server,
		Diff:       schema.DiffFields(m, server),
		Strategy:   strategy,
		Status:     schema.ConflictOpen,
		DetectedAt: now,
	}
	for name, d := range record.Diff {
		d.NonMergeable = r.NonMergeable(m.EntityType, name)
		record.Diff[name] = d
	}

	var res *Resolution
	switch strategy {
	case schema.ServerWins:
		res = serverWins(record)
	case schema.ClientWins:
		res = clientWins(record, m, server)
	case schema.LastWriteWins:
		res = lastWriteWins(record, m, server)
	case schema.Manual:
		res = &Resolution{Action: ActionPark, Record: record}
	default:
		res = fieldMerge(record, m, server)
	}

	if res.Action != ActionPark {
		res.Record.Close(outcomeFor(res), res.Payload, now)
	}
	return res
}

func serverWins(record *schema.ConflictRecord) *Resolution {
	markWinners(record, schema.WinnerServer)
	return &Resolution{Action: ActionDrop, Record: record}
}

// clientWins writes the local payload over the server state. An update
// against a deleted entity is recreated from the full local value.
func clientWins(record *schema.ConflictRecord, m *schema.MutationRecord, server *schema.EntitySnapshot) *Resolution {
	markWinners(record, schema.WinnerLocal)
	op, payload := forceOperation(m, server, m.Payload.Clone())
	return &Resolution{Action: ActionResend, Operation: op, Payload: payload, Record: record}
}

// lastWriteWins compares the local edit time with the server's
// last-modified time. The later side's full value wins; a tie keeps the
// server.
func lastWriteWins(record *schema.ConflictRecord, m *schema.MutationRecord, server *schema.EntitySnapshot) *Resolution {
	record.Strategy = schema.LastWriteWins
	if !m.LocalTimestamp.After(server.ModifiedAt) {
		return serverWins(record)
	}
	markWinners(record, schema.WinnerLocal)

	if m.Operation == schema.OpDelete {
		return &Resolution{Action: ActionResend, Operation: schema.OpDelete, Record: record}
	}
	op, payload := forceOperation(m, server, m.LocalValue())
	return &Resolution{Action: ActionResend, Operation: op, Payload: payload, Record: record}
}

// fieldMerge keeps each touched field the server left alone since the
// base, and lets the server win every field it changed. A server-changed
// non-mergeable field parks the whole conflict for manual resolution.
// Deletes on either side have no fields to merge and fall back to
// last-write-wins.
func fieldMerge(record *schema.ConflictRecord, m *schema.MutationRecord, server *schema.EntitySnapshot) *Resolution {
	if m.Operation == schema.OpDelete || server.Deleted {
		return lastWriteWins(record, m, server)
	}

	var escalated []string
	for name, d := range record.Diff {
		if d.ServerChanged && d.NonMergeable {
			escalated = append(escalated, name)
		}
	}
	if len(escalated) > 0 {
		sort.Strings(escalated)
		record.Escalated = true
		record.EscalatedFields = escalated
		return &Resolution{Action: ActionPark, Record: record}
	}

	kept := schema.Fields{}
	for name, d := range record.Diff {
		if d.ServerChanged {
			d.Winner = schema.WinnerServer
		} else {
			d.Winner = schema.WinnerLocal
			kept[name] = m.Payload[name]
		}
		record.Diff[name] = d
	}
	if len(kept) == 0 {
		return &Resolution{Action: ActionDrop, Record: record}
	}
	return &Resolution{Action: ActionResend, Operation: schema.OpUpdate, Payload: kept, Record: record}
}

// forceOperation picks the operation that writes payload over the server
// state: an update against a live entity, a create against a deleted or
// missing one.
func forceOperation(m *schema.MutationRecord, server *schema.EntitySnapshot, payload schema.Fields) (schema.Operation, schema.Fields) {
	if m.Operation == schema.OpDelete {
		return schema.OpDelete, nil
	}
	if server.Deleted {
		return schema.OpCreate, m.LocalValue()
	}
	return schema.OpUpdate, payload
}

func markWinners(record *schema.ConflictRecord, w schema.Winner) {
	for name, d := range record.Diff {
		d.Winner = w
		record.Diff[name] = d
	}
}

func outcomeFor(res *Resolution) schema.Outcome {
	switch res.Action {
	case ActionDrop:
		for _, d := range res.Record.Diff {
			if d.Winner == schema.WinnerLocal {
				return schema.OutcomeMerged
			}
		}
		return schema.OutcomeServerKept
	case ActionResend:
		for _, d := range res.Record.Diff {
			if d.Winner == schema.WinnerServer {
				return schema.OutcomeMerged
			}
		}
		return schema.OutcomeLocalApplied
	}
	return schema.OutcomeManual
}

// ManualMutation builds the mutation that carries a manual resolution: the
// caller's final payload written over the server snapshot the conflict was
// raised against. A nil payload on a conflicted delete re-issues the
// delete.
func ManualMutation(id string, conflicted *schema.MutationRecord, server *schema.EntitySnapshot, final schema.Fields, now time.Time) *schema.MutationRecord {
	op := schema.OpUpdate
	switch {
	case conflicted.Operation == schema.OpDelete && final == nil:
		op = schema.OpDelete
	case server.Deleted:
		op = schema.OpCreate
	}
	if op != schema.OpDelete && final == nil {
		final = schema.Fields{}
	}
	base := server.Fields.Clone()
	if base == nil || server.Deleted {
		base = schema.Fields{}
	}
	return &schema.MutationRecord{
		ID:             id,
		Seq:            conflicted.Seq,
		EntityType:     conflicted.EntityType,
		EntityID:       conflicted.EntityID,
		Operation:      op,
		Payload:        final,
		BaseFields:     base,
		BaseRevision:   server.Revision,
		LocalTimestamp: now,
		Status:         schema.StatusPending,
	}
}
