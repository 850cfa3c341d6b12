package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"sort"

	"github.com/fieldkit/offsync/internal/offline/schema"
	"github.com/fieldkit/offsync/internal/offline/sync"
)

// Source is the event side of an orchestrator.
type Source interface {
	Subscribe(buffer int) (<-chan sync.Event, func())
}

// SyncErrorData is the payload of a sync-error message.
type SyncErrorData struct {
	Kind       sync.ErrorKind `json:"kind"`
	Detail     string         `json:"detail"`
	MutationID string         `json:"mutation_id,omitempty"`
}

// ConflictData is the payload of a conflict-detected message.
type ConflictData struct {
	ConflictID      string          `json:"conflict_id"`
	MutationID      string          `json:"mutation_id"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	Strategy        schema.Strategy `json:"strategy"`
	Outcome         schema.Outcome  `json:"outcome,omitempty"`
	Open            bool            `json:"open"`
	Fields          []string        `json:"fields"`
	EscalatedFields []string        `json:"escalated_fields,omitempty"`
}

// Handler forwards orchestrator events to a dashboard server.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates a handler that broadcasts through server.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// Run forwards events from src until ctx is done or the subscription is
// closed.
func (h *Handler) Run(ctx context.Context, src Source) {
	events, unsubscribe := src.Subscribe(64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			h.OnEvent(e)
		}
	}
}

// OnEvent converts one event to a message and broadcasts it.
func (h *Handler) OnEvent(e sync.Event) {
	msg, err := h.format(e)
	if err != nil {
		h.logger.Printf("Failed to marshal %s event: %v", e.Type, err)
		return
	}
	h.server.Broadcast(msg)
}

func (h *Handler) format(e sync.Event) (Message, error) {
	msg := Message{Type: MessageType(e.Type), Timestamp: e.Time}

	var data any
	switch e.Type {
	case sync.EventSyncCompleted:
		data = e.Counts
	case sync.EventSyncError:
		data = SyncErrorData{Kind: e.ErrorKind, Detail: e.Detail, MutationID: e.MutationID}
	case sync.EventConflictDetected:
		if e.Conflict != nil {
			data = conflictData(e.Conflict)
		}
	case sync.EventStatus:
		data = e.Status
	}
	if data == nil {
		return msg, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	msg.Data = raw
	return msg, nil
}

func conflictData(c *schema.ConflictRecord) ConflictData {
	fields := make([]string, 0, len(c.Diff))
	for name := range c.Diff {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return ConflictData{
		ConflictID:      c.ID,
		MutationID:      c.MutationID,
		EntityType:      c.EntityType(),
		EntityID:        c.EntityID(),
		Strategy:        c.Strategy,
		Outcome:         c.Outcome,
		Open:            c.Open(),
		Fields:          fields,
		EscalatedFields: c.EscalatedFields,
	}
}
