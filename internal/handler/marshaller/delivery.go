// Package marshaller turns hub events into the JSON wire envelope shared by
// every transport (WebSocket, long-poll, gRPC, AMQP export).
package marshaller

import (
	"encoding/json"
	"fmt"

	"github.com/shivay/dispatch-service/internal/domain/event"
)

// WireEvent is the observer-facing envelope. Field names are part of the
// wire contract.
type WireEvent struct {
	ID       string `json:"id"`
	Topic    string `json:"topic,omitempty"`
	Seq      uint64 `json:"seq,omitempty"`
	Event    string `json:"event"`
	Priority string `json:"priority"`
	SentAt   int64  `json:"sent_at"`
	Payload  any    `json:"payload,omitempty"`
}

// InboundEvent is WireEvent as seen by a decoding client.
type InboundEvent struct {
	ID       string          `json:"id"`
	Topic    string          `json:"topic,omitempty"`
	Seq      uint64          `json:"seq,omitempty"`
	Event    string          `json:"event"`
	Priority string          `json:"priority"`
	SentAt   int64           `json:"sent_at"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// MarshallDeliveryEvent encodes ev once and caches the bytes on the event,
// so a topic with many subscribers pays for one encoding.
func MarshallDeliveryEvent(ev event.Eventer) ([]byte, error) {
	// 1. [PERFORMANCE] Check cache first.
	if cached := ev.GetCached(); cached != nil {
		if raw, ok := cached.([]byte); ok {
			return raw, nil
		}
	}

	// 2. Base envelope mapping.
	raw, err := json.Marshal(ToWire(ev))
	if err != nil {
		return nil, fmt.Errorf("marshal %s event %s: %w", ev.GetKind(), ev.GetID(), err)
	}

	// 3. [CACHE] Save the result back.
	ev.SetCached(raw)
	return raw, nil
}

func ToWire(ev event.Eventer) *WireEvent {
	return &WireEvent{
		ID:       ev.GetID(),
		Topic:    ev.GetTopic().String(),
		Seq:      ev.GetSeq(),
		Event:    ev.GetKind().String(),
		Priority: mapPriority(ev.GetPriority()),
		SentAt:   ev.GetOccurredAt(),
		Payload:  ev.GetPayload(),
	}
}

// Helper to map domain priorities to wire values
func mapPriority(p event.EventPriority) string {
	switch p {
	case event.PriorityLow:
		return "low"
	case event.PriorityNormal:
		return "normal"
	case event.PriorityHigh:
		return "high"
	default:
		return "unspecified"
	}
}
