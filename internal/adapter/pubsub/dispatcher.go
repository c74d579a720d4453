package pubsub

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/shivay/dispatch-service/internal/domain/event"
	"github.com/shivay/dispatch-service/internal/handler/marshaller"
)

// ErrNotExportable is returned for events that have no bus routing key.
var ErrNotExportable = errors.New("event dispatcher: event is not exportable")

// EventDispatcher defines the high-level contract for outgoing events.
// This allows callers to stay agnostic of the transport implementation.
type EventDispatcher interface {
	Publish(ctx context.Context, ev event.Eventer) error
	Publisher() message.Publisher
}

type eventDispatcher struct {
	publisher message.Publisher
}

func NewEventDispatcher(pub message.Publisher) EventDispatcher {
	return &eventDispatcher{publisher: pub}
}

func (d *eventDispatcher) Publish(ctx context.Context, ev event.Eventer) error {
	if ev == nil {
		return fmt.Errorf("event dispatcher: cannot publish nil event")
	}
	exp, ok := ev.(event.Exportable)
	if !ok || exp.GetRoutingKey() == "" {
		return ErrNotExportable
	}
	routingKey := exp.GetRoutingKey()

	// [MARSHAL_ONCE] Reuses the bytes already encoded for local subscribers.
	payload, err := marshaller.MarshallDeliveryEvent(ev)
	if err != nil {
		return fmt.Errorf("event dispatcher: marshal failure: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("routing_key", routingKey)
	msg.Metadata.Set("event_id", ev.GetID())
	msg.Metadata.Set("topic", ev.GetTopic().String())

	if err := d.publisher.Publish(routingKey, msg); err != nil {
		return fmt.Errorf("event dispatcher: failed to publish to topic %s: %w", routingKey, err)
	}
	return nil
}

func (d *eventDispatcher) Publisher() message.Publisher {
	return d.publisher
}
