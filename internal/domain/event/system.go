package event

import (
	"time"

	"github.com/google/uuid"
)

// [GUARD] Ensure compliance with the Eventer interface.
var _ Eventer = (*SystemEvent)(nil)

// SystemEvent is a generic envelope for transport-level signals. It carries
// no sequence number and is never retained.
type SystemEvent struct {
	id         string
	topic      Topic
	kind       EventKind
	priority   EventPriority
	occurredAt int64
	payload    any
	cached     cache
}

// [INTERFACE_IMPLEMENTATION]
func (e *SystemEvent) GetID() string              { return e.id }
func (e *SystemEvent) GetTopic() Topic            { return e.topic }
func (e *SystemEvent) GetSeq() uint64             { return 0 }
func (e *SystemEvent) GetKind() EventKind         { return e.kind }
func (e *SystemEvent) GetPriority() EventPriority { return e.priority }
func (e *SystemEvent) GetOccurredAt() int64       { return e.occurredAt }
func (e *SystemEvent) GetPayload() any            { return e.payload }
func (e *SystemEvent) GetCached() any             { return e.cached.get() }
func (e *SystemEvent) SetCached(v any)            { e.cached.set(v) }

// NewSystemEvent is a universal factory for creating any signal.
func NewSystemEvent(topic Topic, kind EventKind, priority EventPriority, payload any) *SystemEvent {
	return &SystemEvent{
		id:         uuid.NewString(),
		topic:      topic,
		kind:       kind,
		priority:   priority,
		occurredAt: time.Now().UnixMilli(),
		payload:    payload,
	}
}
