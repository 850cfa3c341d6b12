// Package backendtest is an in-memory reference backend: per-entity
// revisions, server-side conflict detection against the base revision, and
// idempotent mutation IDs. It serves the sync tests, the load test and
// `offsync serve-fake`, either in process (it implements transport.Sender
// and the cache fetcher) or over HTTP through Handler.
package backendtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fieldkit/offsync/internal/offline/schema"
	"github.com/fieldkit/offsync/internal/offline/transport"
)

// Applied records one mutation the backend accepted, in acceptance order.
type Applied struct {
	MutationID string
	EntityType string
	EntityID   string
	Operation  schema.Operation
	Revision   int64
}

// Fault is an injected failure returned for the next send.
type Fault struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration

	// AfterApply applies the mutation and then fails, as if the response
	// was lost on the way back.
	AfterApply bool
}

type entityKey struct {
	entityType string
	id         string
}

// Backend is safe for concurrent use.
type Backend struct {
	mu       sync.Mutex
	entities map[entityKey]*schema.EntitySnapshot
	results  map[string]*schema.EntitySnapshot
	applied  []Applied
	faults   []Fault
	sends    int

	now         func() time.Time
	offline     bool
	authExpired bool
	token       string
	latency     time.Duration
	validate    func(req transport.Request) error
	onSend      func(req transport.Request)
}

// New creates an empty backend on the wall clock.
func New() *Backend {
	return &Backend{
		entities: make(map[entityKey]*schema.EntitySnapshot),
		results:  make(map[string]*schema.EntitySnapshot),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the clock used for ModifiedAt.
func (b *Backend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// SetOffline makes every call fail as unreachable.
func (b *Backend) SetOffline(offline bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = offline
}

// SetAuthExpired makes every send fail with 401 until cleared.
func (b *Backend) SetAuthExpired(expired bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.authExpired = expired
}

// RequireToken makes the HTTP handler reject requests without this bearer
// token.
func (b *Backend) RequireToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = token
}

// SetLatency delays every in-process send and fetch by d.
func (b *Backend) SetLatency(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency = d
}

// SetValidator installs a payload check; a non-nil error answers 422.
func (b *Backend) SetValidator(fn func(req transport.Request) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.validate = fn
}

// OnSend installs a hook called at the start of every in-process send,
// before any locking. Tests use it to block or observe attempts.
func (b *Backend) OnSend(fn func(req transport.Request)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSend = fn
}

// FailNext queues faults returned by the next sends, one per send.
func (b *Backend) FailNext(faults ...Fault) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = append(b.faults, faults...)
}

// Seed stores a snapshot directly, as if another device had written it.
func (b *Backend) Seed(snap *schema.EntitySnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := copySnapshot(snap)
	cp.Source = schema.SourceServerConfirmed
	if cp.ModifiedAt.IsZero() {
		cp.ModifiedAt = b.now()
	}
	b.entities[entityKey{snap.EntityType, snap.EntityID}] = cp
}

// Snapshot returns the current server state of an entity, tombstones
// included.
func (b *Backend) Snapshot(entityType, id string) (*schema.EntitySnapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.entities[entityKey{entityType, id}]
	if !ok {
		return nil, false
	}
	return copySnapshot(snap), true
}

// AppliedLog returns every accepted mutation in acceptance order.
func (b *Backend) AppliedLog() []Applied {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Applied, len(b.applied))
	copy(out, b.applied)
	return out
}

// Sends returns the number of send attempts received.
func (b *Backend) Sends() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sends
}

// Send implements transport.Sender in process.
func (b *Backend) Send(ctx context.Context, req transport.Request) (*schema.EntitySnapshot, error) {
	b.mu.Lock()
	hook := b.onSend
	latency := b.latency
	b.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if err := wait(ctx, latency); err != nil {
		return nil, err
	}
	return b.Apply(req)
}

// Apply runs a mutation against the backend state.
func (b *Backend) Apply(req transport.Request) (*schema.EntitySnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends++

	if b.offline {
		return nil, unreachable()
	}
	if b.authExpired {
		return nil, &transport.Error{Kind: transport.KindAuth, StatusCode: http.StatusUnauthorized,
			Code: "token_expired", Message: "session expired"}
	}

	// A repeated mutation ID returns the original outcome.
	if prev, ok := b.results[req.MutationID]; ok {
		return copySnapshot(prev), nil
	}

	var fault *Fault
	if len(b.faults) > 0 {
		f := b.faults[0]
		b.faults = b.faults[1:]
		if !f.AfterApply {
			return nil, faultError(f)
		}
		fault = &f
	}

	if b.validate != nil {
		if err := b.validate(req); err != nil {
			return nil, &transport.Error{Kind: transport.KindValidation, StatusCode: http.StatusUnprocessableEntity,
				Code: "invalid_payload", Message: err.Error()}
		}
	}
	if !req.Operation.Valid() {
		return nil, &transport.Error{Kind: transport.KindValidation, StatusCode: http.StatusBadRequest,
			Code: "invalid_operation", Message: fmt.Sprintf("unknown operation %q", req.Operation)}
	}

	key := entityKey{req.EntityType, req.EntityID}
	current, exists := b.entities[key]
	var currentRev int64
	if exists {
		currentRev = current.Revision
	}
	if req.BaseRevision != currentRev {
		server := copySnapshot(current)
		if server == nil {
			server = &schema.EntitySnapshot{
				EntityType: req.EntityType,
				EntityID:   req.EntityID,
				Fields:     schema.Fields{},
				Deleted:    true,
				Source:     schema.SourceServerConfirmed,
			}
		}
		return nil, &transport.ConflictError{Server: server}
	}

	next := &schema.EntitySnapshot{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Revision:   currentRev + 1,
		Source:     schema.SourceServerConfirmed,
		ModifiedAt: b.now(),
	}
	switch req.Operation {
	case schema.OpCreate:
		next.Fields = req.Payload.Clone()
		if next.Fields == nil {
			next.Fields = schema.Fields{}
		}
	case schema.OpUpdate:
		if !exists || current.Deleted {
			return nil, &transport.Error{Kind: transport.KindValidation, StatusCode: http.StatusUnprocessableEntity,
				Code: "entity_missing", Message: fmt.Sprintf("%s/%s does not exist", req.EntityType, req.EntityID)}
		}
		next.Fields = current.Fields.Overlay(req.Payload)
	case schema.OpDelete:
		next.Fields = schema.Fields{}
		next.Deleted = true
	}

	b.entities[key] = next
	b.results[req.MutationID] = copySnapshot(next)
	b.applied = append(b.applied, Applied{
		MutationID: req.MutationID,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Operation:  req.Operation,
		Revision:   next.Revision,
	})

	if fault != nil {
		return nil, faultError(*fault)
	}
	return copySnapshot(next), nil
}

// Get returns the current snapshot of an entity.
func (b *Backend) Get(ctx context.Context, entityType, id string) (*schema.EntitySnapshot, error) {
	if err := b.reachable(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.entities[entityKey{entityType, id}]
	if !ok {
		return nil, &transport.Error{Kind: transport.KindNotFound, StatusCode: http.StatusNotFound,
			Code: "not_found", Message: fmt.Sprintf("%s/%s not found", entityType, id)}
	}
	return copySnapshot(snap), nil
}

// Query returns the live entities of a type matching query, ordered by id.
// An empty query or "all" matches everything; "field=value" matches on the
// field's JSON-decoded value printed with %v.
func (b *Backend) Query(ctx context.Context, entityType, query string) ([]*schema.EntitySnapshot, error) {
	if err := b.reachable(ctx); err != nil {
		return nil, err
	}
	field, value, filtered := strings.Cut(query, "=")
	if query == "all" {
		filtered = false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := []*schema.EntitySnapshot{}
	for k, snap := range b.entities {
		if k.entityType != entityType || snap.Deleted {
			continue
		}
		if filtered && fmt.Sprint(snap.Fields[field]) != value {
			continue
		}
		out = append(out, copySnapshot(snap))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

// Fetch implements the cache fetcher in process.
func (b *Backend) Fetch(ctx context.Context, key schema.CacheKey) (json.RawMessage, error) {
	if key.IsQuery() {
		items, err := b.Query(ctx, key.EntityType, key.Query)
		if err != nil {
			return nil, err
		}
		return json.Marshal(items)
	}
	snap, err := b.Get(ctx, key.EntityType, key.ID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(snap)
}

// Probe implements the network monitor's prober in process.
func (b *Backend) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := b.reachable(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (b *Backend) reachable(ctx context.Context) error {
	b.mu.Lock()
	latency := b.latency
	offline := b.offline
	b.mu.Unlock()

	if err := wait(ctx, latency); err != nil {
		return err
	}
	if offline {
		return unreachable()
	}
	return nil
}

func unreachable() error {
	return &transport.Error{Kind: transport.KindTransient, StatusCode: http.StatusServiceUnavailable,
		Code: "unreachable", Message: "backend unreachable"}
}

func faultError(f Fault) error {
	status := f.Status
	if status == 0 {
		status = http.StatusServiceUnavailable
	}
	message := f.Message
	if message == "" {
		message = http.StatusText(status)
	}
	return &transport.Error{
		Kind:       transport.KindForStatus(status),
		StatusCode: status,
		Code:       f.Code,
		Message:    message,
		RetryAfter: f.RetryAfter,
	}
}

func copySnapshot(snap *schema.EntitySnapshot) *schema.EntitySnapshot {
	if snap == nil {
		return nil
	}
	cp := *snap
	cp.Fields = snap.Fields.Clone()
	return &cp
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
