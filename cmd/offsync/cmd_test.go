package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fieldkit/offsync/internal/offline/backendtest"
	"github.com/fieldkit/offsync/internal/offline/schema"
	"github.com/fieldkit/offsync/internal/offline/sync"
	"github.com/fieldkit/offsync/internal/ui"
)

func init() {
	ui.DisableColor()
}

func TestBuildPayload(t *testing.T) {
	payload, err := buildPayload(`{"qty": 1, "note": "x"}`, []string{"qty=3", "rush=true", "note=hello world", "tags=[\"a\"]"})
	if err != nil {
		t.Fatalf("buildPayload() failed: %v", err)
	}
	if payload["qty"] != float64(3) {
		t.Errorf("qty = %#v, want 3", payload["qty"])
	}
	if payload["rush"] != true {
		t.Errorf("rush = %#v, want true", payload["rush"])
	}
	if payload["note"] != "hello world" {
		t.Errorf("note = %#v, want plain string", payload["note"])
	}
	if tags, ok := payload["tags"].([]any); !ok || len(tags) != 1 {
		t.Errorf("tags = %#v, want one-element list", payload["tags"])
	}

	empty, err := buildPayload("", nil)
	if err != nil || empty != nil {
		t.Errorf("buildPayload(empty) = %v, %v; want nil, nil", empty, err)
	}

	for _, bad := range []struct {
		raw  string
		sets []string
	}{
		{raw: "{not json"},
		{sets: []string{"novalue"}},
		{sets: []string{"=3"}},
	} {
		if _, err := buildPayload(bad.raw, bad.sets); err == nil {
			t.Errorf("buildPayload(%q, %v) succeeded, want error", bad.raw, bad.sets)
		}
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"90m", now.Add(-90 * time.Minute)},
		{"2026-03-01T00:00:00Z", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := parseSince(tt.in, now)
		if err != nil {
			t.Errorf("parseSince(%q) failed: %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseSince(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	got, err := parseSince("2 hours ago", now)
	if err != nil {
		t.Fatalf("parseSince(natural) failed: %v", err)
	}
	if d := got.Sub(now.Add(-2 * time.Hour)); d < -time.Minute || d > time.Minute {
		t.Errorf("parseSince(2 hours ago) = %v, want about %v", got, now.Add(-2*time.Hour))
	}

	if _, err := parseSince("bogus", now); err == nil {
		t.Error("parseSince(garbage) succeeded, want error")
	}
}

func TestRenderStatus(t *testing.T) {
	out := renderStatus(sync.Status{PendingCount: 2, FailedCount: 1}, "/tmp/x.db")
	for _, want := range []string{"Store", "/tmp/x.db", "Pending", "2", "Failed", "never"} {
		if !strings.Contains(out, want) {
			t.Errorf("renderStatus() missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Last error") {
		t.Errorf("renderStatus() shows an error that is not set:\n%s", out)
	}

	out = renderStatus(sync.Status{Paused: true, LastError: "401", LastErrorKind: sync.ErrorAuth}, "x.db")
	if !strings.Contains(out, "reauthentication required") || !strings.Contains(out, "Last error") {
		t.Errorf("renderStatus(paused) missing pause or error:\n%s", out)
	}
}

func TestConflictViews(t *testing.T) {
	detected := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	record := &schema.ConflictRecord{
		ID:         "c-1",
		MutationID: "m-1",
		Mutation: schema.MutationRecord{
			ID: "m-1", EntityType: "invoice", EntityID: "i-1", Operation: schema.OpUpdate,
		},
		Diff: map[string]schema.FieldDiff{
			"total": {Local: 110.0, Server: 120.0, Base: 100.0, ServerChanged: true, NonMergeable: true},
			"note":  {Local: "a", Server: "b", Base: "b"},
		},
		Strategy:        schema.FieldMerge,
		Status:          schema.ConflictOpen,
		Escalated:       true,
		EscalatedFields: []string{"total"},
		DetectedAt:      detected,
	}

	if got := sortedFields(record); strings.Join(got, ",") != "note,total" {
		t.Errorf("sortedFields() = %v, want [note total]", got)
	}

	table := conflictTable([]*schema.ConflictRecord{record})
	for _, want := range []string{"c-1", "invoice/i-1", "escalated: total", "note,total"} {
		if !strings.Contains(table, want) {
			t.Errorf("conflictTable() missing %q:\n%s", want, table)
		}
	}

	diff := conflictDiffTable(record)
	if !strings.Contains(diff, "non-mergeable") || !strings.Contains(diff, "110") {
		t.Errorf("conflictDiffTable() missing markers:\n%s", diff)
	}

	view := newConflictView(record)
	if view.Entity != "invoice/i-1" || len(view.Fields) != 2 || !view.Fields["total"].ServerChanged {
		t.Errorf("newConflictView() = %+v", view)
	}

	if formatValue(nil) != "∅" || formatValue("x") != `"x"` {
		t.Errorf("formatValue() = %q, %q", formatValue(nil), formatValue("x"))
	}
}

func TestSeedBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	seed := `[
		{"entity_type": "order", "entity_id": "o-1", "revision": 3, "fields": {"qty": 2}},
		{"entity_type": "order", "entity_id": "o-2", "revision": 1, "fields": {"qty": 5}}
	]`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	backend := backendtest.New()
	n, err := seedBackend(backend, path)
	if err != nil {
		t.Fatalf("seedBackend() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("seedBackend() = %d, want 2", n)
	}
	snap, ok := backend.Snapshot("order", "o-1")
	if !ok || snap.Revision != 3 {
		t.Errorf("Snapshot(o-1) = %+v, %v; want revision 3", snap, ok)
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte(`[{"entity_id": "x"}]`), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := seedBackend(backendtest.New(), bad); err == nil {
		t.Error("seedBackend(missing type) succeeded, want error")
	}
}
