package mbx

import (
	"fmt"
	"time"
)

// Known event types emitted by the member domain.
const (
	MemberCreated         = "MemberCreatedOutboxEvent"
	MemberNicknameChanged = "MemberNicknameChangedOutboxEvent"
	MemberDeleted         = "MemberDeletedOutboxEvent"
)

// Event is the envelope produced by domain operations. It only carries the
// identity of the affected aggregate, never its full state.
type Event struct {
	EventType string `json:"eventType"` // stable tag used to resolve the destination topic
	Payload   int64  `json:"payload"`   // identifier of the affected aggregate
}

// NewEvent builds an envelope for the given event type and aggregate id.
func NewEvent(eventType string, payload int64) Event {
	return Event{EventType: eventType, Payload: payload}
}

// Key returns the lookup key used by every status transition.
func (e Event) Key() Key {
	return Key{Payload: e.Payload, EventType: e.EventType}
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%d)", e.EventType, e.Payload)
}

// Key identifies the open outbox record of an envelope.
type Key struct {
	Payload   int64
	EventType string
}

func (k Key) String() string {
	return fmt.Sprintf("{payload=%d, eventType=%s}", k.Payload, k.EventType)
}

// OutboxRecord contains all the information stored in the underlying outbox
// table.
type OutboxRecord struct {
	Id          int64
	EventType   string
	Payload     int64
	TraceId     string
	Status      Status
	ProcessedAt *time.Time
	CreatedAt   time.Time
}

// Key returns the lookup key of the record.
func (r *OutboxRecord) Key() Key {
	return Key{Payload: r.Payload, EventType: r.EventType}
}

// Event rebuilds the envelope the record was created from.
func (r *OutboxRecord) Event() Event {
	return Event{EventType: r.EventType, Payload: r.Payload}
}
