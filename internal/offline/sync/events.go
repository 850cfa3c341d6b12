package sync

import (
	"log"
	gosync "sync"
	"time"

	"github.com/fieldkit/offsync/internal/offline/schema"
)

// EventType names an orchestrator event.
type EventType string

const (
	EventSyncStarted      EventType = "sync-started"
	EventSyncCompleted    EventType = "sync-completed"
	EventSyncError        EventType = "sync-error"
	EventConflictDetected EventType = "conflict-detected"
	EventStatus           EventType = "status"
)

// ErrorKind classifies sync-error events.
type ErrorKind string

const (
	ErrorTransient  ErrorKind = "transient"
	ErrorAuth       ErrorKind = "auth"
	ErrorValidation ErrorKind = "validation"
	ErrorStuck      ErrorKind = "stuck"
	ErrorQuota      ErrorKind = "quota"
	ErrorStorage    ErrorKind = "storage"
)

// Counts summarises one drain cycle.
type Counts struct {
	Attempted int           `json:"attempted"`
	Applied   int           `json:"applied"`
	Retried   int           `json:"retried"`
	Conflicts int           `json:"conflicts"`
	Resolved  int           `json:"resolved"`
	Parked    int           `json:"parked"`
	Failed    int           `json:"failed"`
	Released  int           `json:"released"`
	Errored   int           `json:"errored"`
	Duration  time.Duration `json:"duration"`
}

func (c *Counts) add(r outcome) {
	c.Attempted++
	switch r {
	case outcomeApplied:
		c.Applied++
	case outcomeRetried:
		c.Retried++
	case outcomeResolved:
		c.Conflicts++
		c.Resolved++
	case outcomeParked:
		c.Conflicts++
		c.Parked++
	case outcomeFailed:
		c.Failed++
	case outcomeReleased:
		c.Released++
	case outcomeErrored:
		c.Errored++
	}
}

// Event is delivered to subscribers.
type Event struct {
	Type       EventType              `json:"type"`
	Time       time.Time              `json:"time"`
	Counts     *Counts                `json:"counts,omitempty"`
	ErrorKind  ErrorKind              `json:"error_kind,omitempty"`
	Detail     string                 `json:"detail,omitempty"`
	MutationID string                 `json:"mutation_id,omitempty"`
	Conflict   *schema.ConflictRecord `json:"conflict,omitempty"`
	Status     *Status                `json:"status,omitempty"`
}

// broadcaster fans events out to subscriber channels. A subscriber that
// falls behind loses events rather than stalling the drain.
type broadcaster struct {
	mu     gosync.Mutex
	subs   map[int]chan Event
	nextID int
	logger *log.Logger
}

func newBroadcaster(logger *log.Logger) *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event), logger: logger}
}

func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

func (b *broadcaster) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Printf("Warning: subscriber %d is full, dropped %s event", id, e.Type)
		}
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
