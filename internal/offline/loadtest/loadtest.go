// Package loadtest drives the sync orchestrator against an in-memory
// backend to measure drain throughput and verify per-entity ordering.
//
// A run queues N mutations spread over M entities while offline, then
// drains them. Every entity's mutations must reach the backend in the order
// they were written, while distinct entities proceed in parallel up to the
// configured concurrency.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/fieldkit/offsync/internal/offline/backendtest"
	"github.com/fieldkit/offsync/internal/offline/db"
	"github.com/fieldkit/offsync/internal/offline/schema"
	"github.com/fieldkit/offsync/internal/offline/sync"
	"github.com/fieldkit/offsync/internal/offline/transport"
)

// Options configures a run.
type Options struct {
	Mutations   int
	Entities    int
	Concurrency int

	// Latency is added to every backend call.
	Latency time.Duration

	// Seed makes the entity assignment reproducible.
	Seed int64

	// MaxCycles bounds the number of drain cycles. 0 means 100.
	MaxCycles int

	Logger *log.Logger
}

// DefaultOptions returns a small run: 50 mutations over 10 entities.
func DefaultOptions() Options {
	return Options{
		Mutations:   50,
		Entities:    10,
		Concurrency: 4,
		Latency:     2 * time.Millisecond,
		Seed:        42,
	}
}

// LatencyStats captures send latency as seen by the orchestrator.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration
	P95       time.Duration
	P99       time.Duration
	Sends     int
	Durations []time.Duration
}

// Result summarises a run.
type Result struct {
	Mutations       int
	Entities        int
	Applied         int
	Cycles          int
	Elapsed         time.Duration
	PeakConcurrency int
	Latency         *LatencyStats

	// OrderViolations lists entities whose mutations reached the backend
	// out of write order, or whose final state is not the last write.
	OrderViolations []string
}

// OK reports whether every mutation was applied in order.
func (r *Result) OK() bool {
	return r.Applied == r.Mutations && len(r.OrderViolations) == 0
}

// timedBackend records latency and concurrency of sends.
type timedBackend struct {
	*backendtest.Backend

	inFlight atomic.Int32
	peak     atomic.Int32

	mu        gosync.Mutex
	durations []time.Duration
}

func (b *timedBackend) Send(ctx context.Context, req transport.Request) (*schema.EntitySnapshot, error) {
	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}

	start := time.Now()
	snap, err := b.Backend.Send(ctx, req)
	elapsed := time.Since(start)

	b.mu.Lock()
	b.durations = append(b.durations, elapsed)
	b.mu.Unlock()
	return snap, err
}

// Run executes a load test against a fresh store at dbPath.
func Run(ctx context.Context, dbPath string, opts Options) (*Result, error) {
	if opts.Mutations <= 0 || opts.Entities <= 0 {
		return nil, fmt.Errorf("mutations and entities must be positive")
	}
	if opts.MaxCycles <= 0 {
		opts.MaxCycles = 100
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	store, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	if err := store.InitSchemaContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	backend := &timedBackend{Backend: backendtest.New()}
	backend.SetLatency(opts.Latency)

	cfg := sync.DefaultConfig()
	cfg.MaxConcurrency = opts.Concurrency
	cfg.Logger = logger
	orch, err := sync.New(store, backend, cfg)
	if err != nil {
		return nil, err
	}
	defer orch.Close()

	expected, err := queueWrites(ctx, orch, opts)
	if err != nil {
		return nil, err
	}
	logger.Printf("Queued %d mutation(s) over %d entities", opts.Mutations, len(expected))

	result := &Result{Mutations: opts.Mutations, Entities: len(expected)}
	start := time.Now()
	for result.Cycles < opts.MaxCycles {
		counts, err := orch.DrainOnce(ctx)
		result.Cycles++
		if err != nil {
			return nil, fmt.Errorf("drain cycle %d failed: %w", result.Cycles, err)
		}
		if counts.Attempted == 0 {
			break
		}
	}
	result.Elapsed = time.Since(start)
	result.PeakConcurrency = int(backend.peak.Load())

	backend.mu.Lock()
	result.Latency = computeLatencyStats(backend.durations)
	backend.mu.Unlock()

	applied := backend.AppliedLog()
	result.Applied = len(applied)
	result.OrderViolations = verifyOrder(expected, applied, backend.Backend)
	return result, nil
}

// queueWrites writes opts.Mutations mutations and returns the expected
// mutation order per entity.
func queueWrites(ctx context.Context, orch *sync.Orchestrator, opts Options) (map[string][]string, error) {
	rng := rand.New(rand.NewSource(opts.Seed))
	expected := make(map[string][]string)

	for i := 0; i < opts.Mutations; i++ {
		entityID := fmt.Sprintf("load-%04d", rng.Intn(opts.Entities))
		op := schema.OpUpdate
		if len(expected[entityID]) == 0 {
			op = schema.OpCreate
		}
		id, err := orch.Write(ctx, "load", entityID, op, schema.Fields{
			"seq":   i,
			"count": len(expected[entityID]) + 1,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to queue write %d: %w", i, err)
		}
		expected[entityID] = append(expected[entityID], id)
	}
	return expected, nil
}

func verifyOrder(expected map[string][]string, applied []backendtest.Applied, backend *backendtest.Backend) []string {
	got := make(map[string][]string)
	for _, a := range applied {
		got[a.EntityID] = append(got[a.EntityID], a.MutationID)
	}

	var violations []string
	for entityID, want := range expected {
		have := got[entityID]
		if len(have) != len(want) {
			violations = append(violations, fmt.Sprintf("%s: applied %d of %d", entityID, len(have), len(want)))
			continue
		}
		for i := range want {
			if have[i] != want[i] {
				violations = append(violations, fmt.Sprintf("%s: position %d is %s, want %s", entityID, i, have[i], want[i]))
				break
			}
		}
		snap, ok := backend.Snapshot("load", entityID)
		if !ok || !schema.ValuesEqual(snap.Fields["count"], len(want)) {
			violations = append(violations, fmt.Sprintf("%s: final state is not the last write", entityID))
		}
	}
	sort.Strings(violations)
	return violations
}

func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Sends:     len(durations),
		Durations: sorted,
	}
}

// Print writes a human-readable summary.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "Load test: %d mutation(s) over %d entities\n", r.Mutations, r.Entities)
	fmt.Fprintf(w, "  Applied:          %d\n", r.Applied)
	fmt.Fprintf(w, "  Drain cycles:     %d\n", r.Cycles)
	fmt.Fprintf(w, "  Elapsed:          %v\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  Peak concurrency: %d\n", r.PeakConcurrency)
	if r.Latency != nil && r.Latency.Sends > 0 {
		fmt.Fprintf(w, "  Send latency:     p50 %v, p95 %v, p99 %v, max %v\n",
			r.Latency.P50, r.Latency.P95, r.Latency.P99, r.Latency.Max)
	}
	for _, v := range r.OrderViolations {
		fmt.Fprintf(w, "  Violation: %s\n", v)
	}
}
