package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fieldkit/offsync/internal/offline/conflict"
	"github.com/fieldkit/offsync/internal/offline/db"
	"github.com/fieldkit/offsync/internal/offline/netmon"
	"github.com/fieldkit/offsync/internal/offline/schema"
)

// Status is the aggregate projection consumed by status displays.
type Status struct {
	PendingCount    int            `json:"pending_count"`
	InFlightCount   int            `json:"in_flight_count"`
	ConflictedCount int            `json:"conflicted_count"`
	FailedCount     int            `json:"failed_count"`
	IsSyncing       bool           `json:"is_syncing"`
	Paused          bool           `json:"paused"`
	Online          bool           `json:"online"`
	Quality         netmon.Quality `json:"quality"`
	LastError       string         `json:"last_error,omitempty"`
	LastErrorKind   ErrorKind      `json:"last_error_kind,omitempty"`
	LastSyncAt      time.Time      `json:"last_sync_at"`
}

// Write records a local write and returns the mutation id. The local view
// is updated and the mutation enqueued in one transaction; the network is
// not touched. When the store is over quota, cached reads are evicted to
// make room before the write is refused.
func (o *Orchestrator) Write(ctx context.Context, entityType, entityID string, op schema.Operation, payload schema.Fields) (string, error) {
	m := &schema.MutationRecord{
		ID:             o.config.NewID(),
		EntityType:     entityType,
		EntityID:       entityID,
		Operation:      op,
		Payload:        payload,
		LocalTimestamp: o.stamp(),
		Status:         schema.StatusPending,
	}
	if err := m.Validate(); err != nil {
		return "", err
	}
	if err := o.validateWrite(ctx, entityType, entityID, op, payload); err != nil {
		return "", err
	}

	err := o.withEviction(ctx, func() error {
		_, err := o.store.ApplyLocalWrite(ctx, m)
		return err
	})
	if err != nil {
		if errors.Is(err, db.ErrStorageQuotaExceeded) {
			o.recordError(ErrorQuota, err, m.ID)
		}
		return "", fmt.Errorf("failed to write %s/%s: %w", entityType, entityID, err)
	}

	o.Trigger(TriggerWrite)
	return m.ID, nil
}

// withEviction runs fn, evicting cached reads and retrying while the store
// reports it is over quota and eviction still frees something.
func (o *Orchestrator) withEviction(ctx context.Context, fn func() error) error {
	err := fn()
	for errors.Is(err, db.ErrStorageQuotaExceeded) {
		n, evictErr := o.cache.Evict(ctx, o.evictBatch())
		if evictErr != nil || n == 0 {
			break
		}
		err = fn()
	}
	return err
}

func (o *Orchestrator) evictBatch() int {
	if o.config.Cache != nil && o.config.Cache.EvictBatch > 0 {
		return o.config.Cache.EvictBatch
	}
	return 32
}

func (o *Orchestrator) validateWrite(ctx context.Context, entityType, entityID string, op schema.Operation, payload schema.Fields) error {
	base := schema.Fields{}
	if op == schema.OpUpdate {
		view, err := o.store.Get(ctx, entityType, entityID)
		switch {
		case err == nil && !view.Deleted:
			base = view.Fields
		case err != nil && !errors.Is(err, db.ErrNotFound):
			return err
		}
	}
	return o.validator.Validate(entityType, op, payload, base)
}

// Get returns the local view of an entity, including unsynced writes.
func (o *Orchestrator) Get(ctx context.Context, entityType, id string) (*schema.EntitySnapshot, error) {
	return o.store.Get(ctx, entityType, id)
}

// ReadCached reads backend state through the cache proxy.
func (o *Orchestrator) ReadCached(ctx context.Context, key schema.CacheKey, policy schema.CachePolicy) (json.RawMessage, error) {
	return o.cache.Read(ctx, key, policy)
}

// GetSyncStatus returns the current status projection.
func (o *Orchestrator) GetSyncStatus(ctx context.Context) (Status, error) {
	counts, err := o.queue.Counts(ctx)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		PendingCount:    counts[schema.StatusPending] + counts[schema.StatusInFlight],
		InFlightCount:   counts[schema.StatusInFlight],
		ConflictedCount: counts[schema.StatusConflicted],
		FailedCount:     counts[schema.StatusFailed],
		Online:          true,
		Quality:         netmon.QualityUnknown,
	}
	if o.monitor != nil {
		state := o.monitor.State()
		st.Online = state.Online
		st.Quality = state.Quality
	}

	o.mu.Lock()
	st.IsSyncing = o.syncing
	st.Paused = o.paused
	st.LastError = o.lastErr
	st.LastErrorKind = o.lastErrKind
	st.LastSyncAt = o.lastSyncAt
	o.mu.Unlock()
	return st, nil
}

// RetrySyncNow revives stuck mutations, clears backoff waits, lifts an
// auth pause and triggers a drain. A pause whose cause persists comes back
// on the first attempt.
func (o *Orchestrator) RetrySyncNow(ctx context.Context) error {
	n, err := o.queue.RetryNow(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		o.logger.Printf("Revived %d stuck mutation(s)", n)
	}

	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()

	o.Trigger(TriggerManual)
	return nil
}

// NotifyForeground reports that the application came to the foreground.
func (o *Orchestrator) NotifyForeground() {
	o.Trigger(TriggerForeground)
}

// NotifyReauthenticated lifts an auth pause and triggers a drain.
func (o *Orchestrator) NotifyReauthenticated() {
	o.mu.Lock()
	was := o.paused
	o.paused = false
	o.mu.Unlock()

	if was {
		o.logger.Println("Reauthenticated, resuming")
	}
	o.Trigger(TriggerManual)
}

// ListOpenConflicts returns conflicts awaiting manual resolution. An empty
// entityType lists every type.
func (o *Orchestrator) ListOpenConflicts(ctx context.Context, entityType string) ([]*schema.ConflictRecord, error) {
	return o.store.ListConflicts(ctx, db.ConflictFilter{EntityType: entityType, Status: schema.ConflictOpen})
}

// ListConflictAudit returns closed conflicts detected at or after since.
func (o *Orchestrator) ListConflictAudit(ctx context.Context, entityType string, since time.Time) ([]*schema.ConflictRecord, error) {
	return o.store.ListConflicts(ctx, db.ConflictFilter{
		EntityType: entityType,
		Status:     schema.ConflictClosed,
		Since:      since,
	})
}

// ResolveConflictManually closes an open conflict with the caller's final
// payload, written over the server snapshot the conflict was raised
// against. The conflicted mutation is replaced in its queue slot by a
// mutation based on the server's revision.
//
// An empty payload keeps the server snapshot and drops the mutation. A nil
// payload on a conflicted delete re-issues the delete.
func (o *Orchestrator) ResolveConflictManually(ctx context.Context, conflictID string, final schema.Fields) error {
	record, m, err := o.openConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	now := o.stamp()

	reissueDelete := m.Operation == schema.OpDelete && final == nil
	if len(final) == 0 && !reissueDelete {
		return o.keepServer(ctx, record, m, now)
	}

	next := conflict.ManualMutation(o.config.NewID(), m, &record.Server, final, now)
	if next.Operation != schema.OpDelete {
		if err := o.validator.Validate(next.EntityType, next.Operation, next.Payload, next.BaseFields); err != nil {
			return err
		}
	}
	record.Close(schema.OutcomeManual, final, now)
	err = o.withEviction(ctx, func() error {
		return o.store.SettleConflict(ctx, db.ConflictSettlement{
			Record:     record,
			MutationID: m.ID,
			Action:     db.SettleReplace,
			Next:       next,
		})
	})
	if err != nil {
		if errors.Is(err, db.ErrStorageQuotaExceeded) {
			o.recordError(ErrorQuota, err, m.ID)
		}
		return fmt.Errorf("failed to requeue resolution of %s: %w", conflictID, err)
	}
	o.metrics.Conflicts.WithLabelValues(string(record.Strategy), string(schema.OutcomeManual)).Inc()
	o.logger.Printf("Resolved conflict %s on %s/%s manually", conflictID, m.EntityType, m.EntityID)

	o.publishStatus(ctx)
	o.Trigger(TriggerManual)
	return nil
}

// KeepServer closes an open conflict by adopting the server snapshot and
// dropping the conflicted mutation.
func (o *Orchestrator) KeepServer(ctx context.Context, conflictID string) error {
	record, m, err := o.openConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	return o.keepServer(ctx, record, m, o.stamp())
}

func (o *Orchestrator) keepServer(ctx context.Context, record *schema.ConflictRecord, m *schema.MutationRecord, now time.Time) error {
	record.Close(schema.OutcomeServerKept, nil, now)
	err := o.store.SettleConflict(ctx, db.ConflictSettlement{
		Record:     record,
		MutationID: m.ID,
		Action:     db.SettleDrop,
	})
	if err != nil {
		return fmt.Errorf("failed to drop mutation %s: %w", m.ID, err)
	}
	o.metrics.Conflicts.WithLabelValues(string(record.Strategy), string(schema.OutcomeServerKept)).Inc()
	o.logger.Printf("Resolved conflict %s on %s/%s: kept server", record.ID, m.EntityType, m.EntityID)

	o.publishStatus(ctx)
	o.Trigger(TriggerManual)
	return nil
}

func (o *Orchestrator) openConflict(ctx context.Context, conflictID string) (*schema.ConflictRecord, *schema.MutationRecord, error) {
	record, err := o.store.GetConflict(ctx, conflictID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	if err != nil {
		return nil, nil, err
	}
	if !record.Open() {
		return nil, nil, fmt.Errorf("%w: %s", ErrConflictClosed, conflictID)
	}
	m, err := o.store.GetMutation(ctx, record.MutationID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load conflicted mutation %s: %w", record.MutationID, err)
	}
	return record, m, nil
}

// ListFailed returns mutations that need caller action: rejected by the
// backend or stuck after exhausting retries.
func (o *Orchestrator) ListFailed(ctx context.Context, entityType string) ([]*schema.MutationRecord, error) {
	return o.store.ListMutations(ctx, db.MutationFilter{
		EntityType: entityType,
		Statuses:   []schema.MutationStatus{schema.StatusFailed},
	})
}

// Discard drops a failed mutation and reverts its effect on the local view.
func (o *Orchestrator) Discard(ctx context.Context, mutationID string) error {
	m, err := o.failedMutation(ctx, mutationID)
	if err != nil {
		return err
	}
	if err := o.store.DropMutation(ctx, m.ID, nil); err != nil {
		return fmt.Errorf("failed to discard mutation %s: %w", mutationID, err)
	}
	o.logger.Printf("Discarded mutation %s on %s/%s", m.ID, m.EntityType, m.EntityID)
	o.publishStatus(ctx)
	o.Trigger(TriggerWrite)
	return nil
}

// Resubmit replaces a failed mutation with an edited payload in the same
// queue slot. A nil payload resubmits the original. The replacement gets a
// fresh id and retry budget.
func (o *Orchestrator) Resubmit(ctx context.Context, mutationID string, payload schema.Fields) (string, error) {
	m, err := o.failedMutation(ctx, mutationID)
	if err != nil {
		return "", err
	}
	if payload == nil {
		payload = m.Payload
	}
	if err := o.validator.Validate(m.EntityType, m.Operation, payload, m.BaseFields); err != nil {
		return "", err
	}

	next := &schema.MutationRecord{
		ID:             o.config.NewID(),
		EntityType:     m.EntityType,
		EntityID:       m.EntityID,
		Operation:      m.Operation,
		Payload:        payload,
		BaseFields:     m.BaseFields,
		BaseRevision:   m.BaseRevision,
		LocalTimestamp: o.stamp(),
		Status:         schema.StatusPending,
	}
	if err := o.store.ReplaceMutation(ctx, m.ID, next, nil); err != nil {
		return "", fmt.Errorf("failed to resubmit mutation %s: %w", mutationID, err)
	}
	o.logger.Printf("Resubmitted mutation %s as %s", m.ID, next.ID)
	o.publishStatus(ctx)
	o.Trigger(TriggerWrite)
	return next.ID, nil
}

func (o *Orchestrator) failedMutation(ctx context.Context, mutationID string) (*schema.MutationRecord, error) {
	m, err := o.store.GetMutation(ctx, mutationID)
	if err != nil {
		return nil, err
	}
	if m.Status != schema.StatusFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFailed, mutationID, m.Status)
	}
	return m, nil
}

// Pull fetches the backend's snapshot of an entity, confirms it in the
// store and refreshes its cache entry. It returns the resulting local
// view, which still carries any queued local writes.
func (o *Orchestrator) Pull(ctx context.Context, entityType, id string) (*schema.EntitySnapshot, error) {
	snap, err := o.backend.Get(ctx, entityType, id)
	if err != nil {
		return nil, fmt.Errorf("failed to pull %s/%s: %w", entityType, id, err)
	}
	snap.Source = schema.SourceServerConfirmed
	if err := o.store.Put(ctx, snap); err != nil {
		return nil, err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := o.cache.Put(ctx, schema.EntityKey(entityType, id), data, ""); err != nil {
		o.logger.Printf("Warning: failed to cache %s/%s: %v", entityType, id, err)
	}
	return o.store.Get(ctx, entityType, id)
}
