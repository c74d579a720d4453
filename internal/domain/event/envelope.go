package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shivay/dispatch-service/internal/domain/model"
)

var (
	_ Eventer    = (*Envelope)(nil)
	_ Exportable = (*Envelope)(nil)
)

// Change describes one committed domain mutation and the topics it fans out to.
// The Hub turns a Change into one sequenced Envelope per topic.
type Change struct {
	Kind       EventKind
	Priority   EventPriority
	Topics     []Topic
	Payload    any
	OccurredAt time.Time
}

// NewCaseChange announces a created or updated case on the global feed and the case topic.
func NewCaseChange(kind EventKind, c *model.EmergencyCase, prev model.CaseStatus, actor string) Change {
	return Change{
		Kind:       kind,
		Priority:   PriorityHigh,
		Topics:     []Topic{TopicCases, CaseTopic(c.ID)},
		Payload:    &model.CaseChange{Case: c.Clone(), PreviousStatus: prev, Actor: actor},
		OccurredAt: c.UpdatedAt,
	}
}

func NewAssignmentCommitted(rec *model.AssignmentRecord, c *model.EmergencyCase) Change {
	cp := *rec
	return Change{
		Kind:       AssignmentCommitted,
		Priority:   PriorityHigh,
		Topics:     []Topic{TopicCases, CaseTopic(c.ID)},
		Payload:    &model.AssignmentChange{Record: &cp, Case: c.Clone()},
		OccurredAt: rec.DecidedAt,
	}
}

func NewAssignmentFailed(f *model.AssignmentFailure) Change {
	return Change{
		Kind:       AssignmentFailed,
		Priority:   PriorityHigh,
		Topics:     []Topic{TopicCases, CaseTopic(f.CaseID)},
		Payload:    f,
		OccurredAt: f.FailedAt,
	}
}

func NewAmbulanceChange(a *model.Ambulance) Change {
	return Change{
		Kind:       ResourceUpdated,
		Priority:   PriorityLow,
		Topics:     []Topic{TopicResources},
		Payload:    &model.ResourceChange{Ambulance: a.Clone()},
		OccurredAt: a.UpdatedAt,
	}
}

func NewHospitalChange(h *model.Hospital) Change {
	return Change{
		Kind:       ResourceUpdated,
		Priority:   PriorityNormal,
		Topics:     []Topic{TopicResources},
		Payload:    &model.ResourceChange{Hospital: h.Clone()},
		OccurredAt: h.UpdatedAt,
	}
}

// Envelope is the sequenced, per-topic instance of a Change.
// It is immutable once published, apart from the transport cache.
type Envelope struct {
	id         string
	topic      Topic
	seq        uint64
	kind       EventKind
	priority   EventPriority
	occurredAt int64
	payload    any
	cached     cache
}

// NewEnvelope stamps a change for one topic.
func NewEnvelope(ch Change, topic Topic, seq uint64) *Envelope {
	at := ch.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	return &Envelope{
		id:         uuid.NewString(),
		topic:      topic,
		seq:        seq,
		kind:       ch.Kind,
		priority:   ch.Priority,
		occurredAt: at.UnixMilli(),
		payload:    ch.Payload,
	}
}

func (e *Envelope) GetID() string              { return e.id }
func (e *Envelope) GetTopic() Topic            { return e.topic }
func (e *Envelope) GetSeq() uint64             { return e.seq }
func (e *Envelope) GetKind() EventKind         { return e.kind }
func (e *Envelope) GetPriority() EventPriority { return e.priority }
func (e *Envelope) GetOccurredAt() int64       { return e.occurredAt }
func (e *Envelope) GetPayload() any            { return e.payload }
func (e *Envelope) GetCached() any             { return e.cached.get() }
func (e *Envelope) SetCached(v any)            { e.cached.set(v) }

// GetRoutingKey builds the bus routing key for global feeds only.
// [PATTERN] dispatch.v1.{topic}.{event}
func (e *Envelope) GetRoutingKey() string {
	if !e.topic.IsGlobal() {
		return ""
	}
	return fmt.Sprintf("dispatch.v1.%s.%s", e.topic, e.kind)
}
