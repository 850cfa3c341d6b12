package backendtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldkit/offsync/internal/offline/schema"
	"github.com/fieldkit/offsync/internal/offline/transport"
)

func TestBackend_RevisionsAndConflicts(t *testing.T) {
	b := New()
	ctx := context.Background()

	snap, err := b.Send(ctx, transport.Request{MutationID: "m-1", EntityType: "task", EntityID: "t-1",
		Operation: schema.OpCreate, Payload: schema.Fields{"title": "a"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Revision)

	snap, err = b.Send(ctx, transport.Request{MutationID: "m-2", EntityType: "task", EntityID: "t-1",
		Operation: schema.OpUpdate, Payload: schema.Fields{"done": true}, BaseRevision: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Revision)
	assert.Equal(t, schema.Fields{"title": "a", "done": true}, snap.Fields)

	_, err = b.Send(ctx, transport.Request{MutationID: "m-3", EntityType: "task", EntityID: "t-1",
		Operation: schema.OpUpdate, Payload: schema.Fields{"done": false}, BaseRevision: 1})
	var conflict *transport.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(2), conflict.Server.Revision)

	snap, err = b.Send(ctx, transport.Request{MutationID: "m-4", EntityType: "task", EntityID: "t-1",
		Operation: schema.OpDelete, BaseRevision: 2})
	require.NoError(t, err)
	assert.True(t, snap.Deleted)

	_, err = b.Send(ctx, transport.Request{MutationID: "m-5", EntityType: "task", EntityID: "t-1",
		Operation: schema.OpUpdate, Payload: schema.Fields{"x": 1}, BaseRevision: 3})
	assert.Equal(t, transport.KindValidation, transport.Classify(err))

	assert.Len(t, b.AppliedLog(), 3)
}

func TestBackend_ConflictOnMissingEntity(t *testing.T) {
	b := New()
	_, err := b.Send(context.Background(), transport.Request{MutationID: "m-1", EntityType: "task", EntityID: "gone",
		Operation: schema.OpUpdate, Payload: schema.Fields{"x": 1}, BaseRevision: 4})
	var conflict *transport.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.True(t, conflict.Server.Deleted)
	assert.Equal(t, int64(0), conflict.Server.Revision)
}

func TestBackend_LostResponseIsIdempotent(t *testing.T) {
	b := New()
	ctx := context.Background()
	b.FailNext(Fault{Status: 504, AfterApply: true})

	req := transport.Request{MutationID: "m-1", EntityType: "task", EntityID: "t-1",
		Operation: schema.OpCreate, Payload: schema.Fields{"n": 1}}
	_, err := b.Send(ctx, req)
	assert.Equal(t, transport.KindTransient, transport.Classify(err))

	snap, err := b.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Revision)
	assert.Len(t, b.AppliedLog(), 1)
	assert.Equal(t, 2, b.Sends())
}

func TestBackend_OfflineAndAuth(t *testing.T) {
	b := New()
	ctx := context.Background()
	req := transport.Request{MutationID: "m-1", EntityType: "task", EntityID: "t-1",
		Operation: schema.OpCreate, Payload: schema.Fields{}}

	b.SetOffline(true)
	_, err := b.Send(ctx, req)
	assert.Equal(t, transport.KindTransient, transport.Classify(err))
	_, err = b.Probe(ctx)
	assert.Error(t, err)

	b.SetOffline(false)
	b.SetAuthExpired(true)
	_, err = b.Send(ctx, req)
	assert.Equal(t, transport.KindAuth, transport.Classify(err))

	b.SetAuthExpired(false)
	_, err = b.Send(ctx, req)
	assert.NoError(t, err)
}

func TestBackend_LatencyHonorsContext(t *testing.T) {
	b := New()
	b.SetLatency(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.Send(ctx, transport.Request{MutationID: "m-1", EntityType: "task", EntityID: "t-1",
		Operation: schema.OpCreate, Payload: schema.Fields{}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, b.AppliedLog())
}

func TestBackend_Validator(t *testing.T) {
	b := New()
	b.SetValidator(func(req transport.Request) error {
		if _, ok := req.Payload["title"]; !ok {
			return errors.New("title is required")
		}
		return nil
	})
	_, err := b.Send(context.Background(), transport.Request{MutationID: "m-1", EntityType: "task", EntityID: "t-1",
		Operation: schema.OpCreate, Payload: schema.Fields{}})
	assert.ErrorIs(t, err, transport.ErrValidation)
}
