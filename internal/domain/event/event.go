package event

import "sync/atomic"

type EventKind int16

const (
	Connected      EventKind = iota + 1 // [SYSTEM]
	Disconnected                        // [SYSTEM]
	Subscribed                          // [SYSTEM]
	Unsubscribed                        // [SYSTEM]
	ResyncRequired                      // [SYSTEM]

	CaseCreated         // [BUSINESS]
	CaseUpdated         // [BUSINESS]
	AssignmentCommitted // [BUSINESS]
	AssignmentFailed    // [BUSINESS]
	ResourceUpdated     // [BUSINESS]
)

// Wire names are part of the observer contract.
var kindNames = map[EventKind]string{
	Connected:           "connected",
	Disconnected:        "disconnected",
	Subscribed:          "subscribed",
	Unsubscribed:        "unsubscribed",
	ResyncRequired:      "resync_required",
	CaseCreated:         "case_created",
	CaseUpdated:         "case_updated",
	AssignmentCommitted: "assignment_committed",
	AssignmentFailed:    "assignment_failed",
	ResourceUpdated:     "resource_updated",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

func (k EventKind) IsSystem() bool { return k >= Connected && k <= ResyncRequired }

type EventPriority int32

const (
	PriorityLow    EventPriority = 10
	PriorityNormal EventPriority = 20
	PriorityHigh   EventPriority = 30
)

// Eventer defines the contract for all data packets flowing through the Hub.
type Eventer interface {
	GetID() string
	GetTopic() Topic
	GetSeq() uint64
	GetKind() EventKind
	GetPriority() EventPriority
	GetOccurredAt() int64
	GetPayload() any
	GetCached() any
	SetCached(any)
}

// Exportable defines an event that should be re-published to the message bus.
type Exportable interface {
	// We return the key only if the event is ready to be exported.
	// If it returns an empty string, the dispatcher will skip publishing.
	GetRoutingKey() string
}

// cache holds the transport encoding of an event. Envelopes are shared by
// every subscriber of a topic, so writers race on it.
type cache struct {
	v atomic.Pointer[cacheBox]
}

type cacheBox struct{ val any }

func (c *cache) get() any {
	if b := c.v.Load(); b != nil {
		return b.val
	}
	return nil
}

func (c *cache) set(v any) { c.v.Store(&cacheBox{val: v}) }
