package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fieldkit/offsync/internal/offline/conflict"
	"github.com/fieldkit/offsync/internal/offline/db"
	"github.com/fieldkit/offsync/internal/offline/schema"
	"github.com/fieldkit/offsync/internal/offline/transport"
)

type outcome int

const (
	outcomeNone outcome = iota
	outcomeApplied
	outcomeRetried
	outcomeResolved
	outcomeParked
	outcomeFailed
	outcomeReleased
	outcomeErrored
)

// DrainOnce runs one drain cycle: batches are claimed and sent until the
// queue holds nothing due, the network goes away, or the queue pauses.
// Concurrent calls run one after the other.
func (o *Orchestrator) DrainOnce(ctx context.Context) (Counts, error) {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	var counts Counts
	if o.isPaused() {
		return counts, ErrReauthenticationRequired
	}

	drainCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.syncing = true
	o.drainCancel = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.syncing = false
		o.drainCancel = nil
		o.mu.Unlock()
	}()

	start := time.Now()
	o.events.publish(Event{Type: EventSyncStarted, Time: o.now()})

	var drainErr error
	for drainCtx.Err() == nil && !o.isPaused() {
		batch, err := o.queue.NextBatch(drainCtx, o.config.MaxConcurrency)
		if err != nil {
			if drainCtx.Err() == nil {
				drainErr = err
			}
			break
		}
		if len(batch) == 0 {
			break
		}

		results := make([]outcome, len(batch))
		errs := make([]error, len(batch))
		var g errgroup.Group
		g.SetLimit(o.config.MaxConcurrency)
		for i, m := range batch {
			g.Go(func() error {
				r, err := o.attempt(drainCtx, m)
				if err != nil {
					r = o.storeFailed(context.WithoutCancel(drainCtx), m, err)
					if r == outcomeErrored {
						errs[i] = err
					}
				}
				results[i] = r
				return nil
			})
		}
		_ = g.Wait()
		for _, r := range results {
			if r != outcomeNone {
				counts.add(r)
			}
		}
		// A mutation the store could not even reschedule is claimable again
		// at once; stop rather than claim it in a tight loop.
		if err := errors.Join(errs...); err != nil {
			drainErr = err
			break
		}
	}

	// Settling uses a context that survives cancellation of the cycle.
	settleCtx := context.WithoutCancel(ctx)

	counts.Duration = time.Since(start)
	o.metrics.DrainDuration.Observe(counts.Duration.Seconds())

	if n, err := o.store.TrimConflictAudit(settleCtx, o.config.AuditLimit); err != nil {
		o.logger.Printf("Warning: failed to trim conflict audit: %v", err)
	} else if n > 0 {
		o.logger.Printf("Trimmed %d closed conflict(s) from the audit log", n)
	}

	o.mu.Lock()
	o.lastSyncAt = o.now()
	o.mu.Unlock()

	if drainErr != nil && counts.Errored == 0 {
		o.recordError(ErrorStorage, drainErr, "")
	}
	if counts.Attempted > 0 {
		o.logger.Printf("Drained %d mutation(s): %d applied, %d retried, %d conflicts, %d failed, %d released, %d errored",
			counts.Attempted, counts.Applied, counts.Retried, counts.Conflicts, counts.Failed, counts.Released, counts.Errored)
	}
	completed := counts
	o.events.publish(Event{Type: EventSyncCompleted, Time: o.now(), Counts: &completed})

	o.scheduleRetry(settleCtx)
	o.publishStatus(settleCtx)
	return counts, drainErr
}

// scheduleRetry arms a timer for the earliest backoff deadline.
func (o *Orchestrator) scheduleRetry(ctx context.Context) {
	next, err := o.queue.NextDue(ctx)
	if err != nil {
		o.logger.Printf("Warning: %v", err)
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.retryCancel != nil {
		o.retryCancel()
		o.retryCancel = nil
	}
	if next.IsZero() {
		return
	}
	delay := next.Sub(o.now())
	if delay < 0 {
		delay = 0
	}
	o.retryCancel = o.sched.AfterFunc(delay, func() {
		o.Trigger(TriggerRetry)
	})
}

// attempt sends one claimed mutation and records the outcome. Only store
// failures are returned as errors; the caller reschedules those.
func (o *Orchestrator) attempt(ctx context.Context, m *schema.MutationRecord) (outcome, error) {
	settleCtx := context.WithoutCancel(ctx)

	reqCtx, cancel := context.WithTimeout(ctx, o.config.AttemptTimeout)
	server, err := o.backend.Send(reqCtx, transport.RequestFor(m))
	cancel()

	if err == nil {
		if server == nil || server.EntityType == "" {
			return o.retryLater(settleCtx, m, fmt.Errorf("backend accepted %s without a snapshot", m.ID))
		}
		return o.applied(settleCtx, m, server)
	}

	if ctx.Err() != nil {
		if err := o.queue.Release(settleCtx, m); err != nil {
			return outcomeNone, err
		}
		o.metrics.Released.Inc()
		return outcomeReleased, nil
	}

	switch transport.Classify(err) {
	case transport.KindConflict:
		var ce *transport.ConflictError
		if errors.As(err, &ce) && ce.Server != nil {
			return o.conflicted(settleCtx, m, ce.Server)
		}
		current, gerr := o.fetchCurrent(ctx, m)
		if gerr != nil {
			return o.retryLater(settleCtx, m, fmt.Errorf("conflict without snapshot: %w", gerr))
		}
		return o.conflicted(settleCtx, m, current)
	case transport.KindAuth:
		if err := o.queue.Release(settleCtx, m); err != nil {
			return outcomeNone, err
		}
		o.pause(err)
		return outcomeReleased, nil
	case transport.KindValidation, transport.KindNotFound:
		return o.rejected(settleCtx, m, err)
	default:
		return o.retryLater(settleCtx, m, err)
	}
}

func (o *Orchestrator) fetchCurrent(ctx context.Context, m *schema.MutationRecord) (*schema.EntitySnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.AttemptTimeout)
	defer cancel()
	current, err := o.backend.Get(ctx, m.EntityType, m.EntityID)
	if transport.IsNotFound(err) {
		return &schema.EntitySnapshot{
			EntityType: m.EntityType,
			EntityID:   m.EntityID,
			Fields:     schema.Fields{},
			Deleted:    true,
			Source:     schema.SourceServerConfirmed,
		}, nil
	}
	return current, err
}

func (o *Orchestrator) applied(ctx context.Context, m *schema.MutationRecord, server *schema.EntitySnapshot) (outcome, error) {
	server.Source = schema.SourceServerConfirmed
	if err := o.store.CompleteMutation(ctx, m.ID, server); err != nil {
		return outcomeNone, fmt.Errorf("failed to complete mutation %s: %w", m.ID, err)
	}
	if err := o.cache.Invalidate(ctx, m.EntityType, m.EntityID); err != nil {
		o.logger.Printf("Warning: %v", err)
	}
	o.metrics.Applied.Inc()
	return outcomeApplied, nil
}

func (o *Orchestrator) conflicted(ctx context.Context, m *schema.MutationRecord, server *schema.EntitySnapshot) (outcome, error) {
	server.Source = schema.SourceServerConfirmed
	res := o.resolver.Resolve(m, server, o.now())
	record := res.Record

	settlement := db.ConflictSettlement{Record: record, MutationID: m.ID, Server: server}
	result := outcomeResolved
	switch res.Action {
	case conflict.ActionDrop:
		settlement.Action = db.SettleDrop
	case conflict.ActionResend:
		settlement.Action = db.SettleReplace
		settlement.Next = &schema.MutationRecord{
			ID:             o.config.NewID(),
			EntityType:     m.EntityType,
			EntityID:       m.EntityID,
			Operation:      res.Operation,
			Payload:        res.Payload,
			BaseFields:     baseFields(server),
			BaseRevision:   server.Revision,
			LocalTimestamp: m.LocalTimestamp,
			Status:         schema.StatusPending,
		}
	case conflict.ActionPark:
		settlement.Action = db.SettlePark
		result = outcomeParked
	}

	err := o.withEviction(ctx, func() error {
		return o.store.SettleConflict(ctx, settlement)
	})
	if err != nil {
		return outcomeNone, fmt.Errorf("failed to settle conflict on mutation %s: %w", m.ID, err)
	}
	if res.Action == conflict.ActionDrop {
		if err := o.cache.Invalidate(ctx, m.EntityType, m.EntityID); err != nil {
			o.logger.Printf("Warning: %v", err)
		}
	}

	label := string(record.Outcome)
	if record.Open() {
		label = "open"
	}
	o.metrics.Conflicts.WithLabelValues(string(record.Strategy), label).Inc()
	o.logger.Printf("Conflict on %s/%s (%s, revision %d vs base %d): %s",
		m.EntityType, m.EntityID, record.Strategy, server.Revision, m.BaseRevision, res.Action)
	o.events.publish(Event{
		Type:       EventConflictDetected,
		Time:       o.now(),
		MutationID: m.ID,
		Conflict:   record,
	})
	return result, nil
}

func (o *Orchestrator) rejected(ctx context.Context, m *schema.MutationRecord, cause error) (outcome, error) {
	if err := o.queue.Fail(ctx, m, schema.FailureValidation, cause); err != nil {
		return outcomeNone, fmt.Errorf("failed to mark mutation %s failed: %w", m.ID, err)
	}
	o.metrics.Failures.WithLabelValues(string(schema.FailureValidation)).Inc()
	o.logger.Printf("Mutation %s on %s/%s rejected: %v", m.ID, m.EntityType, m.EntityID, cause)
	o.recordError(ErrorValidation, cause, m.ID)
	return outcomeFailed, nil
}

func (o *Orchestrator) retryLater(ctx context.Context, m *schema.MutationRecord, cause error) (outcome, error) {
	return o.retryLaterAs(ctx, m, cause, ErrorTransient)
}

// storeFailed handles an attempt whose outcome could not be written. The
// mutation is charged a retry like a transient failure and the drain moves
// on to other entities.
func (o *Orchestrator) storeFailed(ctx context.Context, m *schema.MutationRecord, cause error) outcome {
	kind := ErrorStorage
	if errors.Is(cause, db.ErrStorageQuotaExceeded) {
		kind = ErrorQuota
	}
	o.logger.Printf("Warning: %v", cause)

	r, err := o.retryLaterAs(ctx, m, cause, kind)
	if err == nil {
		return r
	}
	o.logger.Printf("Warning: %v", err)
	if rerr := o.queue.Release(ctx, m); rerr != nil {
		o.logger.Printf("Warning: failed to release %s: %v", m.ID, rerr)
	}
	o.recordError(kind, cause, m.ID)
	return outcomeErrored
}

func (o *Orchestrator) retryLaterAs(ctx context.Context, m *schema.MutationRecord, cause error, kind ErrorKind) (outcome, error) {
	if m.RetryCount >= o.config.MaxRetries {
		if err := o.queue.Fail(ctx, m, schema.FailureStuck, cause); err != nil {
			return outcomeNone, fmt.Errorf("failed to mark mutation %s stuck: %w", m.ID, err)
		}
		o.metrics.Failures.WithLabelValues(string(schema.FailureStuck)).Inc()
		o.logger.Printf("Mutation %s stuck after %d retries: %v", m.ID, m.RetryCount, cause)
		o.recordError(ErrorStuck, cause, m.ID)
		return outcomeFailed, nil
	}

	delay := o.config.Backoff.Delay(m.RetryCount, o.qualityFactor())
	if wait := transport.RetryAfter(cause); wait > delay {
		delay = wait
	}
	if err := o.queue.Reschedule(ctx, m, delay, cause); err != nil {
		return outcomeNone, fmt.Errorf("failed to reschedule mutation %s: %w", m.ID, err)
	}
	o.metrics.Retries.Inc()
	o.recordError(kind, cause, m.ID)
	return outcomeRetried, nil
}

func baseFields(server *schema.EntitySnapshot) schema.Fields {
	if server.Deleted || server.Fields == nil {
		return schema.Fields{}
	}
	return server.Fields.Clone()
}
