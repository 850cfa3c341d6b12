package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestRun_Default verifies the default run applies everything in order.
func TestRun_Default(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "load.db")

	result, err := Run(context.Background(), dbPath, DefaultOptions())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !result.OK() {
		t.Fatalf("run not OK: applied %d/%d, violations %v", result.Applied, result.Mutations, result.OrderViolations)
	}
	if result.PeakConcurrency < 1 || result.PeakConcurrency > 4 {
		t.Errorf("PeakConcurrency = %d, want 1..4", result.PeakConcurrency)
	}
	if result.Latency.Sends != result.Mutations {
		t.Errorf("Sends = %d, want %d", result.Latency.Sends, result.Mutations)
	}

	t.Logf("%d mutations over %d entities in %v (%d cycles, peak %d)",
		result.Mutations, result.Entities, result.Elapsed, result.Cycles, result.PeakConcurrency)
}

// TestRun_SingleEntity verifies a single entity never runs in parallel.
func TestRun_SingleEntity(t *testing.T) {
	opts := DefaultOptions()
	opts.Mutations = 20
	opts.Entities = 1
	opts.Concurrency = 8

	result, err := Run(context.Background(), filepath.Join(t.TempDir(), "load.db"), opts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !result.OK() {
		t.Fatalf("run not OK: %v", result.OrderViolations)
	}
	if result.PeakConcurrency != 1 {
		t.Errorf("PeakConcurrency = %d, want 1", result.PeakConcurrency)
	}
}

// TestRun_Parallel verifies distinct entities drain concurrently.
func TestRun_Parallel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping latency-bound test in short mode")
	}
	opts := DefaultOptions()
	opts.Mutations = 40
	opts.Entities = 40
	opts.Concurrency = 4
	opts.Latency = 10 * time.Millisecond

	result, err := Run(context.Background(), filepath.Join(t.TempDir(), "load.db"), opts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !result.OK() {
		t.Fatalf("run not OK: %v", result.OrderViolations)
	}
	if result.PeakConcurrency < 2 {
		t.Errorf("PeakConcurrency = %d, want parallel sends", result.PeakConcurrency)
	}
}

func TestRun_InvalidOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.Entities = 0
	if _, err := Run(context.Background(), filepath.Join(t.TempDir(), "load.db"), opts); err == nil {
		t.Error("Run() with zero entities succeeded")
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}
	stats := computeLatencyStats(durations)
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", stats.P50)
	}
	if stats.Sends != 100 {
		t.Errorf("Sends = %d, want 100", stats.Sends)
	}

	if empty := computeLatencyStats(nil); empty.Sends != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}

func TestResultPrint(t *testing.T) {
	r := &Result{Mutations: 2, Entities: 1, Applied: 1, OrderViolations: []string{"load-0000: applied 1 of 2"}}
	var buf bytes.Buffer
	r.Print(&buf)
	if !strings.Contains(buf.String(), "Violation: load-0000") {
		t.Errorf("Print() output missing violation:\n%s", buf.String())
	}
	if r.OK() {
		t.Error("OK() = true for a short run")
	}
}
