// Package queue is the mutation queue: an ordered, durable list of pending
// local writes grouped per entity.
//
// Mutations of one entity are handed out strictly one at a time, oldest
// first; different entities drain in parallel up to a concurrency bound. The
// queue keeps no state of its own beyond the store, so a restarted process
// resumes exactly where the previous one stopped.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldkit/offsync/internal/offline/schema"
)

// MaxConcurrencyLimit caps the number of entities drained in parallel.
const MaxConcurrencyLimit = 8

// Store is the slice of the durable store the queue needs. *db.DB
// satisfies it.
type Store interface {
	ClaimHeads(ctx context.Context, now time.Time, limit int) ([]*schema.MutationRecord, error)
	UpdateMutation(ctx context.Context, m *schema.MutationRecord) error
	ResetInFlight(ctx context.Context) (int, error)
	ReviveStuck(ctx context.Context) (int, error)
	ResetBackoff(ctx context.Context) (int, error)
	NextDue(ctx context.Context) (time.Time, error)
	ListPendingMutations(ctx context.Context, entityType string) ([]*schema.MutationRecord, error)
	CountMutations(ctx context.Context) (map[schema.MutationStatus]int, error)
}

// Queue hands out and reschedules mutations.
type Queue struct {
	store Store
	now   func() time.Time
}

// New creates a queue over store. now supplies the clock used for backoff
// eligibility; nil means time.Now.
func New(store Store, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{store: store, now: now}
}

// ClampConcurrency bounds n to 1..MaxConcurrencyLimit.
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrencyLimit {
		return MaxConcurrencyLimit
	}
	return n
}

// NextBatch claims up to maxConcurrency due mutations, at most one per
// entity, oldest-enqueued first. Claimed mutations are in flight until
// they are settled, rescheduled or released, so a second call never
// returns another mutation of an entity already in the batch.
func (q *Queue) NextBatch(ctx context.Context, maxConcurrency int) ([]*schema.MutationRecord, error) {
	batch, err := q.store.ClaimHeads(ctx, q.now(), ClampConcurrency(maxConcurrency))
	if err != nil {
		return nil, fmt.Errorf("failed to claim next batch: %w", err)
	}
	return batch, nil
}

// Recover resets mutations left in flight by a previous process.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n, err := q.store.ResetInFlight(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight mutations: %w", err)
	}
	return n, nil
}

// Release returns an in-flight mutation to pending without charging a retry.
// Used when an attempt was cancelled because the network went away.
func (q *Queue) Release(ctx context.Context, m *schema.MutationRecord) error {
	m.Status = schema.StatusPending
	return q.store.UpdateMutation(ctx, m)
}

// Reschedule charges a retry and makes the mutation eligible again after
// delay.
func (q *Queue) Reschedule(ctx context.Context, m *schema.MutationRecord, delay time.Duration, cause error) error {
	m.Status = schema.StatusPending
	m.RetryCount++
	m.NextAttemptAt = q.now().Add(delay)
	m.LastError = errorText(cause)
	return q.store.UpdateMutation(ctx, m)
}

// Fail marks a mutation terminally failed. It stays queued, blocking its
// entity, until the caller discards or resubmits it.
func (q *Queue) Fail(ctx context.Context, m *schema.MutationRecord, kind schema.FailureKind, cause error) error {
	m.Status = schema.StatusFailed
	m.FailureKind = kind
	m.LastError = errorText(cause)
	return q.store.UpdateMutation(ctx, m)
}

// Park marks a mutation conflicted pending manual resolution.
func (q *Queue) Park(ctx context.Context, m *schema.MutationRecord) error {
	m.Status = schema.StatusConflicted
	m.LastError = ""
	return q.store.UpdateMutation(ctx, m)
}

// Revive returns every stuck mutation to pending with a fresh retry budget.
func (q *Queue) Revive(ctx context.Context) (int, error) {
	n, err := q.store.ReviveStuck(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to revive stuck mutations: %w", err)
	}
	return n, nil
}

// RetryNow revives stuck mutations and clears every pending backoff wait,
// so the next batch includes everything that is not terminally failed or
// conflicted. It returns the number of stuck mutations revived.
func (q *Queue) RetryNow(ctx context.Context) (int, error) {
	n, err := q.Revive(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := q.store.ResetBackoff(ctx); err != nil {
		return n, fmt.Errorf("failed to clear backoff: %w", err)
	}
	return n, nil
}

// NextDue returns when the earliest waiting mutation becomes eligible, or
// the zero time if none is waiting.
func (q *Queue) NextDue(ctx context.Context) (time.Time, error) {
	return q.store.NextDue(ctx)
}

// Pending lists mutations not yet accepted by the backend.
func (q *Queue) Pending(ctx context.Context, entityType string) ([]*schema.MutationRecord, error) {
	return q.store.ListPendingMutations(ctx, entityType)
}

// Counts returns the number of queued mutations per status.
func (q *Queue) Counts(ctx context.Context) (map[schema.MutationStatus]int, error) {
	return q.store.CountMutations(ctx)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
