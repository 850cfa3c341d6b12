package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldkit/offsync/internal/offline/schema"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "offsync.db")
}

// openTestDB opens a store with the schema initialized and closes it on cleanup.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMutation(id, entityID string, op schema.Operation, payload schema.Fields) *schema.MutationRecord {
	return &schema.MutationRecord{
		ID:             id,
		EntityType:     "order",
		EntityID:       entityID,
		Operation:      op,
		Payload:        payload,
		LocalTimestamp: t0,
	}
}

// TestInitSchema_Tables checks that every table exists after init
func TestInitSchema_Tables(t *testing.T) {
	db := openTestDB(t)

	tables := []string{"entities", "mutations", "conflicts", "cache_entries"}
	for _, table := range tables {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := db.conn.QueryRow(query, table).Scan(&count); err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

// TestInitSchema_Idempotent tests that schema initialization is idempotent
func TestInitSchema_Idempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

// TestPut_ConfirmedRoundTrip tests storing and reading a server snapshot
func TestPut_ConfirmedRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	snap := &schema.EntitySnapshot{
		EntityType: "order",
		EntityID:   "o-1",
		Revision:   3,
		Fields:     schema.Fields{"status": "open", "total": 42.5},
		Source:     schema.SourceServerConfirmed,
		ModifiedAt: t0,
	}
	if err := db.Put(ctx, snap); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, err := db.Get(ctx, "order", "o-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Revision != 3 {
		t.Errorf("Revision = %d, want 3", got.Revision)
	}
	if !got.Fields.Equal(snap.Fields) {
		t.Errorf("Fields = %v, want %v", got.Fields, snap.Fields)
	}
	if got.Source != schema.SourceServerConfirmed {
		t.Errorf("Source = %q, want server-confirmed", got.Source)
	}
	if !got.ModifiedAt.Equal(t0) {
		t.Errorf("ModifiedAt = %v, want %v", got.ModifiedAt, t0)
	}
}

// TestGet_NotFound tests the not-found sentinel
func TestGet_NotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Get(context.Background(), "order", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

// TestApplyLocalWrite_CapturesBase tests that a local write records the
// view it was made against and updates the view optimistically
func TestApplyLocalWrite_CapturesBase(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Put(ctx, &schema.EntitySnapshot{
		EntityType: "order", EntityID: "o-1", Revision: 5,
		Fields: schema.Fields{"status": "open", "note": "a"},
		Source: schema.SourceServerConfirmed, ModifiedAt: t0,
	}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	m := newMutation("m-1", "o-1", schema.OpUpdate, schema.Fields{"status": "approved"})
	view, err := db.ApplyLocalWrite(ctx, m)
	if err != nil {
		t.Fatalf("ApplyLocalWrite() failed: %v", err)
	}

	if m.Seq == 0 {
		t.Error("Seq was not assigned")
	}
	if m.BaseRevision != 5 {
		t.Errorf("BaseRevision = %d, want 5", m.BaseRevision)
	}
	if !m.BaseFields.Equal(schema.Fields{"status": "open", "note": "a"}) {
		t.Errorf("BaseFields = %v", m.BaseFields)
	}
	if view.Fields["status"] != "approved" || view.Fields["note"] != "a" {
		t.Errorf("view fields = %v", view.Fields)
	}
	if view.Source != schema.SourceLocalOptimistic {
		t.Errorf("view source = %q, want local-optimistic", view.Source)
	}

	confirmed, err := db.GetConfirmed(ctx, "order", "o-1")
	if err != nil {
		t.Fatalf("GetConfirmed() failed: %v", err)
	}
	if confirmed.Fields["status"] != "open" {
		t.Errorf("confirmed status = %v, want open", confirmed.Fields["status"])
	}
}

// TestApplyLocalWrite_Idempotent tests that re-applying the same mutation ID
// does not enqueue twice
func TestApplyLocalWrite_Idempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := newMutation("m-1", "o-1", schema.OpCreate, schema.Fields{"status": "open"})
	if _, err := db.ApplyLocalWrite(ctx, first); err != nil {
		t.Fatalf("ApplyLocalWrite() failed: %v", err)
	}
	again := newMutation("m-1", "o-1", schema.OpCreate, schema.Fields{"status": "open"})
	if _, err := db.ApplyLocalWrite(ctx, again); err != nil {
		t.Fatalf("second ApplyLocalWrite() failed: %v", err)
	}
	if again.Seq != first.Seq {
		t.Errorf("Seq = %d, want %d", again.Seq, first.Seq)
	}

	all, err := db.ListMutations(ctx, MutationFilter{})
	if err != nil {
		t.Fatalf("ListMutations() failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("len(mutations) = %d, want 1", len(all))
	}
}

// TestApplyLocalWrite_Invalid tests validation before anything is stored
func TestApplyLocalWrite_Invalid(t *testing.T) {
	db := openTestDB(t)
	m := newMutation("", "o-1", schema.OpUpdate, schema.Fields{"a": 1})
	if _, err := db.ApplyLocalWrite(context.Background(), m); !errors.Is(err, schema.ErrInvalid) {
		t.Fatalf("ApplyLocalWrite() error = %v, want ErrInvalid", err)
	}
}

// TestClaimHeads_OnePerEntity tests that only each entity's oldest mutation
// is claimed and that claims come back in enqueue order
func TestClaimHeads_OnePerEntity(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	writes := []struct{ id, entity string }{
		{"m-1", "a"}, {"m-2", "b"}, {"m-3", "a"}, {"m-4", "c"}, {"m-5", "b"},
	}
	for _, w := range writes {
		op := schema.OpUpdate
		if _, err := db.ApplyLocalWrite(ctx, newMutation(w.id, w.entity, op, schema.Fields{"n": w.id})); err != nil {
			t.Fatalf("ApplyLocalWrite(%s) failed: %v", w.id, err)
		}
	}

	claimed, err := db.ClaimHeads(ctx, t0, 10)
	if err != nil {
		t.Fatalf("ClaimHeads() failed: %v", err)
	}
	var ids []string
	for _, m := range claimed {
		ids = append(ids, m.ID)
		if m.Status != schema.StatusInFlight {
			t.Errorf("%s status = %q, want in-flight", m.ID, m.Status)
		}
	}
	if fmt.Sprint(ids) != "[m-1 m-2 m-4]" {
		t.Errorf("claimed = %v, want [m-1 m-2 m-4]", ids)
	}

	// Heads are in flight, so nothing else is eligible.
	again, err := db.ClaimHeads(ctx, t0, 10)
	if err != nil {
		t.Fatalf("ClaimHeads() failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second claim returned %d mutations, want 0", len(again))
	}
}

// TestClaimHeads_RespectsBackoffAndBlocking tests that a head waiting on
// backoff or blocked by failure holds its entity's queue
func TestClaimHeads_RespectsBackoffAndBlocking(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"m-1", "m-2"} {
		if _, err := db.ApplyLocalWrite(ctx, newMutation(id, "a", schema.OpUpdate, schema.Fields{"n": id})); err != nil {
			t.Fatalf("ApplyLocalWrite() failed: %v", err)
		}
	}
	if _, err := db.ApplyLocalWrite(ctx, newMutation("m-3", "b", schema.OpUpdate, schema.Fields{"n": 3})); err != nil {
		t.Fatalf("ApplyLocalWrite() failed: %v", err)
	}

	head, err := db.GetMutation(ctx, "m-1")
	if err != nil {
		t.Fatalf("GetMutation() failed: %v", err)
	}
	head.RetryCount = 1
	head.NextAttemptAt = t0.Add(time.Minute)
	if err := db.UpdateMutation(ctx, head); err != nil {
		t.Fatalf("UpdateMutation() failed: %v", err)
	}

	other, _ := db.GetMutation(ctx, "m-3")
	other.Status = schema.StatusFailed
	other.FailureKind = schema.FailureValidation
	if err := db.UpdateMutation(ctx, other); err != nil {
		t.Fatalf("UpdateMutation() failed: %v", err)
	}

	claimed, err := db.ClaimHeads(ctx, t0, 10)
	if err != nil {
		t.Fatalf("ClaimHeads() failed: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed %d mutations before backoff elapsed, want 0", len(claimed))
	}

	next, err := db.NextDue(ctx)
	if err != nil {
		t.Fatalf("NextDue() failed: %v", err)
	}
	if !next.Equal(t0.Add(time.Minute)) {
		t.Errorf("NextDue() = %v, want %v", next, t0.Add(time.Minute))
	}

	claimed, err = db.ClaimHeads(ctx, t0.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ClaimHeads() failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "m-1" {
		t.Fatalf("claimed = %v, want [m-1]", claimed)
	}
}

// TestCompleteMutation_RebasesSuccessors tests that settling a head moves
// the confirmed state forward and rebases the rest of the entity's queue
func TestCompleteMutation_RebasesSuccessors(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ApplyLocalWrite(ctx, newMutation("m-1", "o-1", schema.OpCreate, schema.Fields{"status": "open"})); err != nil {
		t.Fatalf("ApplyLocalWrite() failed: %v", err)
	}
	if _, err := db.ApplyLocalWrite(ctx, newMutation("m-2", "o-1", schema.OpUpdate, schema.Fields{"note": "x"})); err != nil {
		t.Fatalf("ApplyLocalWrite() failed: %v", err)
	}

	server := &schema.EntitySnapshot{
		EntityType: "order", EntityID: "o-1", Revision: 1,
		Fields: schema.Fields{"status": "open"},
		Source: schema.SourceServerConfirmed, ModifiedAt: t0,
	}
	if err := db.CompleteMutation(ctx, "m-1", server); err != nil {
		t.Fatalf("CompleteMutation() failed: %v", err)
	}

	if _, err := db.GetMutation(ctx, "m-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("completed mutation still queued: %v", err)
	}
	next, err := db.GetMutation(ctx, "m-2")
	if err != nil {
		t.Fatalf("GetMutation() failed: %v", err)
	}
	if next.BaseRevision != 1 {
		t.Errorf("successor BaseRevision = %d, want 1", next.BaseRevision)
	}

	view, err := db.Get(ctx, "order", "o-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if view.Revision != 1 || view.Fields["note"] != "x" || view.Fields["status"] != "open" {
		t.Errorf("view = rev %d %v, want rev 1 with status and note", view.Revision, view.Fields)
	}
	if view.Source != schema.SourceLocalOptimistic {
		t.Errorf("view source = %q, want local-optimistic while m-2 is queued", view.Source)
	}

	if err := db.CompleteMutation(ctx, "m-2", &schema.EntitySnapshot{
		EntityType: "order", EntityID: "o-1", Revision: 2,
		Fields: schema.Fields{"status": "open", "note": "x"},
		Source: schema.SourceServerConfirmed, ModifiedAt: t0,
	}); err != nil {
		t.Fatalf("CompleteMutation() failed: %v", err)
	}
	view, _ = db.Get(ctx, "order", "o-1")
	if view.Source != schema.SourceServerConfirmed || view.Revision != 2 {
		t.Errorf("view = %q rev %d, want server-confirmed rev 2", view.Source, view.Revision)
	}
}

// TestDropMutation_RevertsUnconfirmedCreate tests that discarding the only
// mutation of a never-confirmed entity removes the entity
func TestDropMutation_RevertsUnconfirmedCreate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ApplyLocalWrite(ctx, newMutation("m-1", "o-9", schema.OpCreate, schema.Fields{"status": "open"})); err != nil {
		t.Fatalf("ApplyLocalWrite() failed: %v", err)
	}
	if err := db.DropMutation(ctx, "m-1", nil); err != nil {
		t.Fatalf("DropMutation() failed: %v", err)
	}
	if _, err := db.Get(ctx, "order", "o-9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

// TestDropMutation_KeepsBaseRevision tests that dropping does not rebase
func TestDropMutation_KeepsBaseRevision(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Put(ctx, &schema.EntitySnapshot{
		EntityType: "order", EntityID: "o-1", Revision: 1,
		Fields: schema.Fields{"status": "open"}, Source: schema.SourceServerConfirmed, ModifiedAt: t0,
	}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	for _, id := range []string{"m-1", "m-2"} {
		if _, err := db.ApplyLocalWrite(ctx, newMutation(id, "o-1", schema.OpUpdate, schema.Fields{"status": id})); err != nil {
			t.Fatalf("ApplyLocalWrite() failed: %v", err)
		}
	}

	server := &schema.EntitySnapshot{
		EntityType: "order", EntityID: "o-1", Revision: 4,
		Fields: schema.Fields{"status": "rejected"}, Source: schema.SourceServerConfirmed, ModifiedAt: t0,
	}
	if err := db.DropMutation(ctx, "m-1", server); err != nil {
		t.Fatalf("DropMutation() failed: %v", err)
	}
	m2, err := db.GetMutation(ctx, "m-2")
	if err != nil {
		t.Fatalf("GetMutation() failed: %v", err)
	}
	if m2.BaseRevision != 1 {
		t.Errorf("BaseRevision = %d, want 1", m2.BaseRevision)
	}
	view, _ := db.Get(ctx, "order", "o-1")
	if view.Revision != 4 || view.Fields["status"] != "m-2" {
		t.Errorf("view = rev %d %v, want rev 4 status m-2", view.Revision, view.Fields)
	}
}

// TestReplaceMutation_KeepsSlot tests that a replacement keeps the queue position
func TestReplaceMutation_KeepsSlot(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"m-1", "m-2"} {
		if _, err := db.ApplyLocalWrite(ctx, newMutation(id, "o-1", schema.OpUpdate, schema.Fields{"v": id})); err != nil {
			t.Fatalf("ApplyLocalWrite() failed: %v", err)
		}
	}
	old, _ := db.GetMutation(ctx, "m-1")

	next := newMutation("m-1b", "o-1", schema.OpUpdate, schema.Fields{"v": "manual"})
	next.BaseRevision = 7
	if err := db.ReplaceMutation(ctx, "m-1", next, nil); err != nil {
		t.Fatalf("ReplaceMutation() failed: %v", err)
	}
	if next.Seq != old.Seq {
		t.Errorf("Seq = %d, want %d", next.Seq, old.Seq)
	}

	claimed, err := db.ClaimHeads(ctx, t0, 1)
	if err != nil {
		t.Fatalf("ClaimHeads() failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "m-1b" {
		t.Fatalf("claimed = %v, want m-1b", claimed)
	}
	if claimed[0].BaseRevision != 7 {
		t.Errorf("BaseRevision = %d, want 7", claimed[0].BaseRevision)
	}
}

// TestResetInFlight tests crash recovery of claimed mutations
func TestResetInFlight(t *testing.T) {
	path := testDBPath(t)
	ctx := context.Background()

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		m := newMutation(fmt.Sprintf("m-%d", i), fmt.Sprintf("o-%d", i), schema.OpCreate, schema.Fields{"i": i})
		if _, err := db.ApplyLocalWrite(ctx, m); err != nil {
			t.Fatalf("ApplyLocalWrite() failed: %v", err)
		}
	}
	if _, err := db.ClaimHeads(ctx, t0, 2); err != nil {
		t.Fatalf("ClaimHeads() failed: %v", err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()

	n, err := db.ResetInFlight(ctx)
	if err != nil {
		t.Fatalf("ResetInFlight() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("ResetInFlight() = %d, want 2", n)
	}
	counts, err := db.CountMutations(ctx)
	if err != nil {
		t.Fatalf("CountMutations() failed: %v", err)
	}
	if counts[schema.StatusPending] != 3 {
		t.Errorf("pending = %d, want 3", counts[schema.StatusPending])
	}
}

// TestReviveStuck tests that only stuck failures are revived
func TestReviveStuck(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	kinds := map[string]schema.FailureKind{"m-1": schema.FailureStuck, "m-2": schema.FailureValidation}
	for id, kind := range kinds {
		m := newMutation(id, "o-"+id, schema.OpCreate, schema.Fields{"x": 1})
		if _, err := db.ApplyLocalWrite(ctx, m); err != nil {
			t.Fatalf("ApplyLocalWrite() failed: %v", err)
		}
		m.Status = schema.StatusFailed
		m.FailureKind = kind
		m.RetryCount = 8
		if err := db.UpdateMutation(ctx, m); err != nil {
			t.Fatalf("UpdateMutation() failed: %v", err)
		}
	}

	n, err := db.ReviveStuck(ctx)
	if err != nil {
		t.Fatalf("ReviveStuck() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("ReviveStuck() = %d, want 1", n)
	}
	m1, _ := db.GetMutation(ctx, "m-1")
	if m1.Status != schema.StatusPending || m1.RetryCount != 0 {
		t.Errorf("m-1 = %q retry %d, want pending retry 0", m1.Status, m1.RetryCount)
	}
	m2, _ := db.GetMutation(ctx, "m-2")
	if m2.Status != schema.StatusFailed {
		t.Errorf("m-2 status = %q, want failed", m2.Status)
	}
}

// TestQuota_RejectsWrite tests the quota check and that nothing is stored
// when it fails
func TestQuota_RejectsWrite(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.SetQuota(LimitQuota(db, 64))

	big := schema.Fields{"note": string(make([]byte, 200))}
	_, err := db.ApplyLocalWrite(ctx, newMutation("m-1", "o-1", schema.OpCreate, big))
	if !errors.Is(err, ErrStorageQuotaExceeded) {
		t.Fatalf("ApplyLocalWrite() error = %v, want ErrStorageQuotaExceeded", err)
	}
	var qe *QuotaError
	if !errors.As(err, &qe) || qe.Limit != 64 {
		t.Errorf("error = %#v, want QuotaError with limit 64", err)
	}
	if _, err := db.Get(ctx, "order", "o-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("entity stored despite quota failure: %v", err)
	}
	if _, err := db.GetMutation(ctx, "m-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("mutation stored despite quota failure: %v", err)
	}

	small := newMutation("m-2", "o-2", schema.OpCreate, schema.Fields{"a": 1})
	if _, err := db.ApplyLocalWrite(ctx, small); err != nil {
		t.Errorf("small write failed: %v", err)
	}
}

// TestUsage_Grows tests that logical usage tracks stored data
func TestUsage_Grows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	before, err := db.Usage(ctx)
	if err != nil {
		t.Fatalf("Usage() failed: %v", err)
	}
	if _, err := db.ApplyLocalWrite(ctx, newMutation("m-1", "o-1", schema.OpCreate, schema.Fields{"note": "hello"})); err != nil {
		t.Fatalf("ApplyLocalWrite() failed: %v", err)
	}
	after, err := db.Usage(ctx)
	if err != nil {
		t.Fatalf("Usage() failed: %v", err)
	}
	if after <= before {
		t.Errorf("Usage() = %d after write, want more than %d", after, before)
	}
}
