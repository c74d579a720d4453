package lpmarshaller

import (
	"encoding/json"

	"github.com/shivay/dispatch-service/internal/domain/event"
	"github.com/shivay/dispatch-service/internal/domain/model"
	"github.com/shivay/dispatch-service/internal/handler/marshaller"
)

// Response is one long-poll batch. Cursors carries the highest sequence
// delivered per topic so the next poll can resume with from_sequence/cursors.
type Response struct {
	Events  []json.RawMessage `json:"events"`
	Cursors map[string]uint64 `json:"cursors"`
	Gaps    []model.Gap       `json:"gaps,omitempty"`
}

// MarshallEvents converts a slice of domain events into a single JSON batch.
func MarshallEvents(events []event.Eventer, gaps []model.Gap, cursors map[string]uint64) ([]byte, error) {
	res := Response{
		Events:  make([]json.RawMessage, 0, len(events)),
		Cursors: make(map[string]uint64, len(cursors)),
		Gaps:    gaps,
	}
	for topic, seq := range cursors {
		res.Cursors[topic] = seq
	}

	for _, ev := range events {
		raw, err := marshaller.MarshallDeliveryEvent(ev)
		if err != nil {
			return nil, err
		}
		res.Events = append(res.Events, raw)
		if seq := ev.GetSeq(); seq > res.Cursors[ev.GetTopic().String()] {
			res.Cursors[ev.GetTopic().String()] = seq
		}
	}

	return json.Marshal(res)
}
