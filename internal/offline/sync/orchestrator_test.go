package sync

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldkit/offsync/internal/offline/backendtest"
	"github.com/fieldkit/offsync/internal/offline/cache"
	"github.com/fieldkit/offsync/internal/offline/conflict"
	"github.com/fieldkit/offsync/internal/offline/db"
	"github.com/fieldkit/offsync/internal/offline/netmon"
	"github.com/fieldkit/offsync/internal/offline/queue"
	"github.com/fieldkit/offsync/internal/offline/schedule"
	"github.com/fieldkit/offsync/internal/offline/schema"
	"github.com/fieldkit/offsync/internal/offline/transport"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type device struct {
	store *db.DB
	orch  *Orchestrator
	path  string
}

func discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testConfig(clock *schedule.Virtual) *Config {
	cfg := DefaultConfig()
	cfg.Scheduler = clock
	cfg.Backoff = queue.Backoff{Base: time.Second, Max: time.Minute}
	cfg.Logger = discard()
	cfg.Cache = cache.DefaultConfig()
	cfg.Cache.Logger = discard()
	return cfg
}

func newDevice(t *testing.T, backend Backend, clock *schedule.Virtual, configure func(*Config)) *device {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offsync.db")
	return openDevice(t, path, backend, clock, configure)
}

func openDevice(t *testing.T, path string, backend Backend, clock *schedule.Virtual, configure func(*Config)) *device {
	t.Helper()
	store, err := db.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema())

	cfg := testConfig(clock)
	if configure != nil {
		configure(cfg)
	}
	orch, err := New(store, backend, cfg)
	require.NoError(t, err)
	t.Cleanup(orch.Close)
	return &device{store: store, orch: orch, path: path}
}

func newHarness(t *testing.T, configure func(*Config)) (*device, *backendtest.Backend, *schedule.Virtual) {
	t.Helper()
	clock := schedule.NewVirtual(t0)
	backend := backendtest.New()
	backend.SetClock(clock.Now)
	return newDevice(t, backend, clock, configure), backend, clock
}

func withStrategy(s schema.Strategy) func(*Config) {
	return func(c *Config) {
		c.Policies = conflict.Policies{Default: s}
	}
}

// countingBackend records the peak number of concurrent sends.
type countingBackend struct {
	*backendtest.Backend
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (c *countingBackend) Send(ctx context.Context, req transport.Request) (*schema.EntitySnapshot, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	return c.Backend.Send(ctx, req)
}

func TestDrain_AppliesAndConfirms(t *testing.T) {
	dev, backend, _ := newHarness(t, nil)
	ctx := context.Background()

	id, err := dev.orch.Write(ctx, "order", "o-1", schema.OpCreate, schema.Fields{"qty": 2})
	require.NoError(t, err)
	assert.Zero(t, backend.Sends(), "write must not touch the network")

	view, err := dev.orch.Get(ctx, "order", "o-1")
	require.NoError(t, err)
	assert.Equal(t, schema.SourceLocalOptimistic, view.Source)

	counts, err := dev.orch.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Attempted)
	assert.Equal(t, 1, counts.Applied)

	view, err = dev.orch.Get(ctx, "order", "o-1")
	require.NoError(t, err)
	assert.Equal(t, schema.SourceServerConfirmed, view.Source)
	assert.Equal(t, int64(1), view.Revision)

	_, err = dev.store.GetMutation(ctx, id)
	assert.ErrorIs(t, err, db.ErrNotFound)

	st, err := dev.orch.GetSyncStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.PendingCount)
	assert.False(t, st.IsSyncing)
	assert.Equal(t, 1.0, testutil.ToFloat64(dev.orch.Metrics().Applied))
}

// TestDrain_ApprovedVersusRejected replays two devices editing the same
// record: device B syncs status=rejected first, then device A syncs its
// later, offline edit of status=approved.
func TestDrain_ApprovedVersusRejected(t *testing.T) {
	tests := []struct {
		strategy    schema.Strategy
		wantStatus  string
		wantRev     int64
		wantOutcome schema.Outcome
	}{
		{schema.LastWriteWins, "approved", 7, schema.OutcomeLocalApplied},
		{schema.ServerWins, "rejected", 6, schema.OutcomeServerKept},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			dev, backend, clock := newHarness(t, withStrategy(tt.strategy))
			ctx := context.Background()

			backend.Seed(&schema.EntitySnapshot{
				EntityType: "record",
				EntityID:   "R",
				Revision:   5,
				Fields:     schema.Fields{"status": "pending", "title": "Q3 budget"},
				ModifiedAt: t0,
			})
			_, err := dev.orch.Pull(ctx, "record", "R")
			require.NoError(t, err)

			clock.Advance(time.Minute)
			_, err = backend.Apply(transport.Request{
				MutationID:     "device-b-1",
				EntityType:     "record",
				EntityID:       "R",
				Operation:      schema.OpUpdate,
				Payload:        schema.Fields{"status": "rejected"},
				BaseRevision:   5,
				LocalTimestamp: clock.Now(),
			})
			require.NoError(t, err)

			clock.Advance(time.Minute)
			id, err := dev.orch.Write(ctx, "record", "R", schema.OpUpdate, schema.Fields{"status": "approved"})
			require.NoError(t, err)

			counts, err := dev.orch.DrainOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, counts.Conflicts)
			assert.Equal(t, 0, counts.Parked)

			server, ok := backend.Snapshot("record", "R")
			require.True(t, ok)
			assert.Equal(t, tt.wantStatus, server.Fields["status"])
			assert.Equal(t, tt.wantRev, server.Revision)
			assert.Equal(t, "Q3 budget", server.Fields["title"])

			local, err := dev.orch.Get(ctx, "record", "R")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, local.Fields["status"])
			assert.Equal(t, tt.wantRev, local.Revision)
			assert.Equal(t, schema.SourceServerConfirmed, local.Source)

			audit, err := dev.orch.ListConflictAudit(ctx, "record", time.Time{})
			require.NoError(t, err)
			require.Len(t, audit, 1)
			assert.Equal(t, id, audit[0].MutationID)
			assert.Equal(t, tt.wantOutcome, audit[0].Outcome)
			assert.Equal(t, int64(6), audit[0].Server.Revision)

			st, err := dev.orch.GetSyncStatus(ctx)
			require.NoError(t, err)
			assert.Zero(t, st.PendingCount)
			assert.Zero(t, st.ConflictedCount)
		})
	}
}

// TestDrain_FiftyMutationsTenEntities tests ordering and the concurrency
// bound under a realistic backlog
func TestDrain_FiftyMutationsTenEntities(t *testing.T) {
	clock := schedule.NewVirtual(t0)
	backend := &countingBackend{Backend: backendtest.New()}
	backend.SetClock(clock.Now)
	dev := newDevice(t, backend, clock, func(c *Config) { c.MaxConcurrency = 4 })
	ctx := context.Background()

	want := make(map[string][]string)
	for round := 0; round < 5; round++ {
		for e := 0; e < 10; e++ {
			entity := "e-" + string(rune('a'+e))
			op := schema.OpUpdate
			if round == 0 {
				op = schema.OpCreate
			}
			id, err := dev.orch.Write(ctx, "task", entity, op, schema.Fields{"step": round})
			require.NoError(t, err)
			want[entity] = append(want[entity], id)
		}
	}

	st, err := dev.orch.GetSyncStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 50, st.PendingCount)

	counts, err := dev.orch.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, counts.Applied)
	assert.LessOrEqual(t, backend.peak.Load(), int32(4))

	got := make(map[string][]string)
	for _, a := range backend.AppliedLog() {
		got[a.EntityID] = append(got[a.EntityID], a.MutationID)
	}
	assert.Equal(t, want, got)

	st, err = dev.orch.GetSyncStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.PendingCount)

	for entity := range want {
		snap, ok := backend.Snapshot("task", entity)
		require.True(t, ok)
		assert.Equal(t, int64(5), snap.Revision)
		assert.EqualValues(t, 4, snap.Fields["step"])
	}
}

// TestDrain_IdempotentAfterLostResponse tests that a send the backend
// applied but whose response was lost is not applied twice
func TestDrain_IdempotentAfterLostResponse(t *testing.T) {
	dev, backend, clock := newHarness(t, nil)
	ctx := context.Background()

	backend.FailNext(backendtest.Fault{Status: 503, AfterApply: true})
	id, err := dev.orch.Write(ctx, "order", "o-1", schema.OpCreate, schema.Fields{"qty": 1})
	require.NoError(t, err)

	counts, err := dev.orch.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Retried)

	m, err := dev.store.GetMutation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, m.RetryCount)

	clock.Advance(time.Second)
	counts, err = dev.orch.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Applied)

	applied := backend.AppliedLog()
	require.Len(t, applied, 1)
	assert.Equal(t, id, applied[0].MutationID)

	view, err := dev.orch.Get(ctx, "order", "o-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.Revision)
}

// TestRestart_ResumesQueue tests that a mutation survives a crash, both
// before and during its send
func TestRestart_ResumesQueue(t *testing.T) {
	clock := schedule.NewVirtual(t0)
	backend := backendtest.New()
	backend.SetClock(clock.Now)
	path := filepath.Join(t.TempDir(), "offsync.db")
	ctx := context.Background()

	first := openDevice(t, path, backend, clock, nil)
	inFlightID, err := first.orch.Write(ctx, "order", "o-1", schema.OpCreate, schema.Fields{"qty": 1})
	require.NoError(t, err)

	// Claim o-1 as if its send were under way when the process died.
	claimed, err := first.store.ClaimHeads(ctx, clock.Now(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, inFlightID, claimed[0].ID)

	_, err = first.orch.Write(ctx, "order", "o-2", schema.OpCreate, schema.Fields{"qty": 2})
	require.NoError(t, err)
	first.orch.Close()
	require.NoError(t, first.store.Close())

	second := openDevice(t, path, backend, clock, nil)
	m, err := second.store.GetMutation(ctx, inFlightID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusInFlight, m.Status)

	require.NoError(t, second.orch.Start(ctx))
	require.Eventually(t, func() bool {
		return len(backend.AppliedLog()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	second.orch.Stop()

	st, err := second.orch.GetSyncStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.PendingCount)
}

// TestConvergence tests that two devices editing the same field offline end
// with identical state for every strategy
func TestConvergence(t *testing.T) {
	for _, strategy := range schema.Strategies {
		t.Run(string(strategy), func(t *testing.T) {
			clock := schedule.NewVirtual(t0)
			backend := backendtest.New()
			backend.SetClock(clock.Now)
			backend.Seed(&schema.EntitySnapshot{
				EntityType: "ticket",
				EntityID:   "T-1",
				Revision:   1,
				Fields:     schema.Fields{"status": "new", "owner": "ops"},
				ModifiedAt: t0,
			})
			a := newDevice(t, backend, clock, withStrategy(strategy))
			b := newDevice(t, backend, clock, withStrategy(strategy))
			ctx := context.Background()

			for _, d := range []*device{a, b} {
				_, err := d.orch.Pull(ctx, "ticket", "T-1")
				require.NoError(t, err)
			}

			clock.Advance(time.Minute)
			_, err := a.orch.Write(ctx, "ticket", "T-1", schema.OpUpdate, schema.Fields{"status": "approved"})
			require.NoError(t, err)
			clock.Advance(time.Minute)
			_, err = b.orch.Write(ctx, "ticket", "T-1", schema.OpUpdate, schema.Fields{"status": "rejected"})
			require.NoError(t, err)

			_, err = a.orch.DrainOnce(ctx)
			require.NoError(t, err)
			_, err = b.orch.DrainOnce(ctx)
			require.NoError(t, err)

			if strategy == schema.Manual {
				open, err := b.orch.ListOpenConflicts(ctx, "ticket")
				require.NoError(t, err)
				require.Len(t, open, 1)
				require.NoError(t, b.orch.ResolveConflictManually(ctx, open[0].ID, schema.Fields{"status": "escalated"}))
				_, err = b.orch.DrainOnce(ctx)
				require.NoError(t, err)
			}

			for _, d := range []*device{a, b} {
				_, err := d.orch.Pull(ctx, "ticket", "T-1")
				require.NoError(t, err)
				st, err := d.orch.GetSyncStatus(ctx)
				require.NoError(t, err)
				assert.Zero(t, st.PendingCount+st.ConflictedCount+st.FailedCount)
			}

			server, ok := backend.Snapshot("ticket", "T-1")
			require.True(t, ok)
			viewA, err := a.orch.Get(ctx, "ticket", "T-1")
			require.NoError(t, err)
			viewB, err := b.orch.Get(ctx, "ticket", "T-1")
			require.NoError(t, err)

			assert.True(t, viewA.Fields.Equal(server.Fields), "device A: %v, server: %v", viewA.Fields, server.Fields)
			assert.True(t, viewB.Fields.Equal(server.Fields), "device B: %v, server: %v", viewB.Fields, server.Fields)
			assert.Equal(t, server.Revision, viewA.Revision)
			assert.Equal(t, server.Revision, viewB.Revision)
			assert.Equal(t, "ops", server.Fields["owner"])
		})
	}
}

// TestDrain_FieldMergeKeepsDisjointEdits tests that untouched server fields
// and unchanged local fields both survive a merge
func TestDrain_FieldMergeKeepsDisjointEdits(t *testing.T) {
	dev, backend, clock := newHarness(t, nil)
	ctx := context.Background()

	backend.Seed(&schema.EntitySnapshot{EntityType: "ticket", EntityID: "T-1", Revision: 1,
		Fields: schema.Fields{"status": "new", "note": ""}, ModifiedAt: t0})
	_, err := dev.orch.Pull(ctx, "ticket", "T-1")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = backend.Apply(transport.Request{MutationID: "other", EntityType: "ticket", EntityID: "T-1",
		Operation: schema.OpUpdate, Payload: schema.Fields{"status": "closed"}, BaseRevision: 1, LocalTimestamp: clock.Now()})
	require.NoError(t, err)

	_, err = dev.orch.Write(ctx, "ticket", "T-1", schema.OpUpdate, schema.Fields{"note": "called back", "status": "open"})
	require.NoError(t, err)

	counts, err := dev.orch.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Resolved)

	server, _ := backend.Snapshot("ticket", "T-1")
	assert.Equal(t, "closed", server.Fields["status"])
	assert.Equal(t, "called back", server.Fields["note"])
	assert.Equal(t, int64(3), server.Revision)

	audit, err := dev.orch.ListConflictAudit(ctx, "", time.Time{})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, schema.OutcomeMerged, audit[0].Outcome)
	assert.Equal(t, schema.WinnerServer, audit[0].Diff["status"].Winner)
	assert.Equal(t, schema.WinnerLocal, audit[0].Diff["note"].Winner)
}

// TestDrain_TransientBackoffThenStuck tests backoff timing, the stuck state
// and manual revival
func TestDrain_TransientBackoffThenStuck(t *testing.T) {
	dev, backend, clock := newHarness(t, func(c *Config) { c.MaxRetries = 2 })
	ctx := context.Background()

	backend.SetOffline(true)
	id, err := dev.orch.Write(ctx, "order", "o-1", schema.OpCreate, schema.Fields{"qty": 1})
	require.NoError(t, err)

	counts, err := dev.orch.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Retried)

	counts, err = dev.orch.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Attempted, "attempted before backoff elapsed")

	clock.Advance(time.Second)
	counts, err = dev.orch.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Retried)

	clock.Advance(2 * time.Second)
	counts, err = dev.orch.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Failed)

	failed, err := dev.orch.ListFailed(ctx, "")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)
	assert.Equal(t, schema.FailureStuck, failed[0].FailureKind)

	st, err := dev.orch.GetSyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.FailedCount)
	assert.Equal(t, ErrorStuck, st.LastErrorKind)

	backend.SetOffline(false)
	require.NoError(t, dev.orch.RetrySyncNow(ctx))
	counts, err = dev.orch.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Applied)
}

// TestDrain_RetryAfterRaisesDelay tests that a backend-requested wait
// outranks the computed backoff
func TestDrain_RetryAfterRaisesDelay(t *testing.T) {
	dev, backend, clock := newHarness(t, nil)
	ctx := context.Background()

	backend.FailNext(backendtest.Fault{Status: 429, RetryAfter: 30 * time.Second})
	id, err := dev.orch.Write(ctx, "order", "o-1", schema.OpCreate, schema.Fields{"qty": 1})
	require.NoError(t, err)

	_, err = dev.orch.DrainOnce(ctx)
	require.NoError(t, err)

	m, err := dev.store.GetMutation(ctx, id)
	require.NoError(t, err)
	assert.True(t, m.NextAttemptAt.Equal(clock.Now().Add(30*time.Second)), "next attempt at %v", m.NextAttemptAt)
}

// TestDrain_AuthPausesQueue tests that an auth failure pauses without
// charging retries and resumes on reauthentication
func TestDrain_AuthPausesQueue(t *testing.T) {
	dev, backend, _ := newHarness(t, nil)
	ctx := context.Background()

	backend.SetAuthExpired(true)
	id, err := dev.orch.Write(ctx, "order", "o-1", schema.OpCreate, schema.Fields{"qty": 1})
	require.NoError(t, err)
	_, err = dev.orch.Write(ctx, "order", "o-2", schema.OpCreate, schema.Fields{"qty": 2})
	require.NoError(t, err)

	counts, err := dev.orch.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Released)

	st, err := dev.orch.GetSyncStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.Paused)
	assert.Equal(t, ErrorAuth, st.LastErrorKind)

	m, err := dev.store.GetMutation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPending, m.Status)
	assert.Zero(t, m.RetryCount)

	_, err = dev.orch.DrainOnce(ctx)
	assert.ErrorIs(t, err, ErrReauthenticationRequired)

	backend.SetAuthExpired(false)
	dev.orch.NotifyReauthenticated()
	counts, err = dev.orch.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Applied)
}

// TestDrain_AuthRefresherResumes tests the automatic refresh path
func TestDrain_AuthRefresherResumes(t *testing.T) {
	var backend *backendtest.Backend
	var refreshed atomic.Int32
	dev, backend, _ := newHarness(t, func(c *Config) {
		c.AuthRefresher = AuthRefresherFunc(func(ctx context.Context) error {
			refreshed.Add(1)
			backend.SetAuthExpired(false)
			return nil
		})
	})
	ctx := context.Background()

	backend.SetAuthExpired(true)
	_, err := dev.orch.Write(ctx, "order", "o-1", schema.OpCreate, schema.Fields{"qty": 1})
	require.NoError(t, err)

	_, err = dev.orch.DrainOnce(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := dev.orch.GetSyncStatus(ctx)
		return err == nil && !st.Paused
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), refreshed.Load())

	_, err = dev.orch.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, backend.AppliedLog(), 1)
}

// TestDrain_ValidationIsTerminal tests that a rejected payload blocks its
// entity until resubmitted
func TestDrain_ValidationIsTerminal(t *testing.T) {
	dev, backend, _ := newHarness(t, nil)
	ctx := context.Background()

	backend.SetValidator(func(req transport.Request) error {
		if qty, ok := req.Payload["qty"].(float64); ok && qty < 0 {
			return assert.AnError
		}
		if qty, ok := req.Payload["qty"].(int); ok && qty < 0 {
			return assert.AnError
		}
		return nil
	})

	bad, err := dev.orch.Write(ctx, "order", "o-1", schema.OpCreate, schema.Fields{"qty": -1})
	require.NoError(t, err)
	_, err = dev.orch.Write(ctx, "order", "o-1", schema.OpUpdate, schema.Fields{"note": "rush"})
	require.NoError(t, err)

	counts, err := dev.orch.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Failed)
	assert.Equal(t, 1, counts.Attempted, "successor sent behind a failed head")

	failed, err := dev.orch.ListFailed(ctx, "order")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, schema.FailureValidation, failed[0].FailureKind)

	_, err = dev.orch.Resubmit(ctx, "unknown", nil)
	assert.ErrorIs(t, err, db.ErrNotFound)

	_, err = dev.orch.Resubmit(ctx, bad, schema.Fields{"qty": 3})
	require.NoError(t, err)

	counts, err = dev.orch.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Applied)

	server, _ := backend.Snapshot("order", "o-1")
	assert.EqualValues(t, 3, server.Fields["qty"])
	assert.Equal(t, "rush", server.Fields["note"])
}

// TestDrain_AttemptTimeoutIsTransient tests the per-attempt deadline
func TestDrain_AttemptTimeoutIsTransient(t *testing.T) {
	dev, backend, _ := newHarness(t, func(c *Config) { c.AttemptTimeout = 20 * time.Millisecond })
	ctx := context.Background()

	backend.SetLatency(time.Second)
	id, err := dev.orch.Write(ctx, "order", "o-1", schema.OpCreate, schema.Fields{"qty": 1})
	require.NoError(t, err)

	counts, err := dev.orch.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Retried)

	m, err := dev.store.GetMutation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, m.RetryCount)
	assert.Equal(t, schema.StatusPending, m.Status)
}

// TestRun_OfflineCancelsInFlight tests that going offline mid-send returns
// the mutation to pending without charging a retry, and that coming back
// online drains it
func TestRun_OfflineCancelsInFlight(t *testing.T) {
	clock := schedule.NewVirtual(t0)
	backend := backendtest.New()
	backend.SetClock(clock.Now)
	backend.SetLatency(time.Minute)

	monitorConfig := netmon.DefaultConfig()
	monitorConfig.InitialOnline = true
	monitorConfig.Logger = discard()
	monitor, err := netmon.New(nil, clock, monitorConfig)
	require.NoError(t, err)

	dev := newDevice(t, backend, clock, func(c *Config) { c.Monitor = monitor })
	ctx := context.Background()

	sending := make(chan struct{}, 1)
	backend.OnSend(func(req transport.Request) {
		select {
		case sending <- struct{}{}:
		default:
		}
	})

	id, err := dev.orch.Write(ctx, "order", "o-1", schema.OpCreate, schema.Fields{"qty": 1})
	require.NoError(t, err)
	require.NoError(t, dev.orch.Start(ctx))

	select {
	case <-sending:
	case <-time.After(5 * time.Second):
		t.Fatal("send never started")
	}
	monitor.ReportLinkState(ctx, false)

	require.Eventually(t, func() bool {
		st, err := dev.orch.GetSyncStatus(ctx)
		return err == nil && !st.IsSyncing && st.InFlightCount == 0
	}, 5*time.Second, 10*time.Millisecond)

	m, err := dev.store.GetMutation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPending, m.Status)
	assert.Zero(t, m.RetryCount)
	assert.Empty(t, backend.AppliedLog())

	backend.SetLatency(0)
	monitor.ReportLinkState(ctx, true)
	require.Eventually(t, func() bool {
		return len(backend.AppliedLog()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

// TestRun_RetryTimerDrives tests that a rescheduled mutation is retried
// when its backoff elapses, without any other trigger
func TestRun_RetryTimerDrives(t *testing.T) {
	dev, backend, clock := newHarness(t, nil)
	ctx := context.Background()

	backend.FailNext(backendtest.Fault{Status: 503})
	id, err := dev.orch.Write(ctx, "order", "o-1", schema.OpCreate, schema.Fields{"qty": 1})
	require.NoError(t, err)
	require.NoError(t, dev.orch.Start(ctx))

	require.Eventually(t, func() bool {
		m, err := dev.store.GetMutation(ctx, id)
		return err == nil && m.RetryCount == 1 && m.Status == schema.StatusPending
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return len(backend.AppliedLog()) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

// TestRun_PeriodicSkipsWhileOffline tests that the timer does not drain
// while the monitor reports offline
func TestRun_PeriodicSkipsWhileOffline(t *testing.T) {
	clock := schedule.NewVirtual(t0)
	backend := backendtest.New()
	backend.SetClock(clock.Now)

	monitorConfig := netmon.DefaultConfig()
	monitorConfig.Logger = discard()
	monitor, err := netmon.New(nil, clock, monitorConfig)
	require.NoError(t, err)
	require.False(t, monitor.IsOnline())

	dev := newDevice(t, backend, clock, func(c *Config) { c.Monitor = monitor })
	ctx := context.Background()

	_, err = dev.orch.Write(ctx, "order", "o-1", schema.OpCreate, schema.Fields{"qty": 1})
	require.NoError(t, err)
	require.NoError(t, dev.orch.Start(ctx))

	clock.Advance(2 * DefaultConfig().Interval)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, backend.Sends())

	monitor.ReportLinkState(ctx, true)
	require.Eventually(t, func() bool {
		return len(backend.AppliedLog()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

// TestEvents tests the event stream of a drain with a conflict
func TestEvents(t *testing.T) {
	dev, backend, clock := newHarness(t, withStrategy(schema.Manual))
	ctx := context.Background()

	events, unsubscribe := dev.orch.Subscribe(32)
	defer unsubscribe()

	backend.Seed(&schema.EntitySnapshot{EntityType: "ticket", EntityID: "T-1", Revision: 2,
		Fields: schema.Fields{"status": "new"}, ModifiedAt: t0})
	clock.Advance(time.Minute)
	_, err := dev.orch.Write(ctx, "ticket", "T-1", schema.OpUpdate, schema.Fields{"status": "mine"})
	require.NoError(t, err)

	_, err = dev.orch.DrainOnce(ctx)
	require.NoError(t, err)

	var types []EventType
	var completed *Counts
	var detected *schema.ConflictRecord
	for len(events) > 0 {
		e := <-events
		types = append(types, e.Type)
		switch e.Type {
		case EventSyncCompleted:
			completed = e.Counts
		case EventConflictDetected:
			detected = e.Conflict
		}
	}
	assert.Equal(t, []EventType{EventSyncStarted, EventConflictDetected, EventSyncCompleted, EventStatus}, types)
	require.NotNil(t, completed)
	assert.Equal(t, 1, completed.Parked)
	require.NotNil(t, detected)
	assert.True(t, detected.Open())
	assert.Equal(t, "T-1", detected.EntityID())
}

// TestDrain_InvalidatesCache tests that a synced write marks the entity's
// cached reads stale
func TestDrain_InvalidatesCache(t *testing.T) {
	dev, backend, _ := newHarness(t, nil)
	ctx := context.Background()

	backend.Seed(&schema.EntitySnapshot{EntityType: "ticket", EntityID: "T-1", Revision: 1,
		Fields: schema.Fields{"status": "new"}, ModifiedAt: t0})
	_, err := dev.orch.Pull(ctx, "ticket", "T-1")
	require.NoError(t, err)
	_, err = dev.orch.ReadCached(ctx, schema.QueryKey("ticket", "all"), schema.CacheFirst)
	require.NoError(t, err)

	_, err = dev.orch.Write(ctx, "ticket", "T-1", schema.OpUpdate, schema.Fields{"status": "done"})
	require.NoError(t, err)
	_, err = dev.orch.DrainOnce(ctx)
	require.NoError(t, err)

	for _, key := range []schema.CacheKey{schema.EntityKey("ticket", "T-1"), schema.QueryKey("ticket", "all")} {
		entry, err := dev.orch.Cache().Peek(ctx, key)
		require.NoError(t, err)
		assert.True(t, entry.Stale, "%s not stale", key)
	}

	dev.orch.Cache().Wait()
	value, err := dev.orch.ReadCached(ctx, schema.EntityKey("ticket", "T-1"), schema.NetworkFirst)
	require.NoError(t, err)
	assert.Contains(t, string(value), `"done"`)
}
