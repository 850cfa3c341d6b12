package transport

import (
	"time"

	"github.com/fieldkit/offsync/internal/offline/schema"
)

// Request is one mutation sent to the backend.
type Request struct {
	MutationID     string           `json:"id"`
	EntityType     string           `json:"entity_type"`
	EntityID       string           `json:"entity_id"`
	Operation      schema.Operation `json:"operation"`
	Payload        schema.Fields    `json:"payload,omitempty"`
	BaseRevision   int64            `json:"base_revision"`
	LocalTimestamp time.Time        `json:"local_timestamp"`
}

// RequestFor builds the wire request for a queued mutation.
func RequestFor(m *schema.MutationRecord) Request {
	return Request{
		MutationID:     m.ID,
		EntityType:     m.EntityType,
		EntityID:       m.EntityID,
		Operation:      m.Operation,
		Payload:        m.Payload,
		BaseRevision:   m.BaseRevision,
		LocalTimestamp: m.LocalTimestamp,
	}
}

// ErrorBody is the JSON body of a failed response. Conflict responses carry
// the backend's current snapshot in Current.
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Current *schema.EntitySnapshot `json:"current,omitempty"`
}

// QueryResult is the JSON body of a query response.
type QueryResult struct {
	Items []*schema.EntitySnapshot `json:"items"`
}
