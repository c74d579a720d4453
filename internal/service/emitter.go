package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shivay/dispatch-service/internal/adapter/pubsub"
	"github.com/shivay/dispatch-service/internal/domain/event"
	"github.com/shivay/dispatch-service/internal/domain/registry"
)

// Emitter announces committed changes. Callers emit only after the store
// write returned, and emit while still holding the entity's critical section
// so per-topic order matches commit order.
type Emitter interface {
	Emit(ctx context.Context, changes ...event.Change)
}

type emitter struct {
	hub        registry.Hubber
	dispatcher pubsub.EventDispatcher
	logger     *slog.Logger
}

// NewEmitter fans changes out to the local hub and exports the global-topic
// envelopes to the bus. dispatcher may be nil.
func NewEmitter(hub registry.Hubber, dispatcher pubsub.EventDispatcher, logger *slog.Logger) Emitter {
	return &emitter{hub: hub, dispatcher: dispatcher, logger: logger}
}

func (e *emitter) Emit(ctx context.Context, changes ...event.Change) {
	for _, ch := range changes {
		// 1. Local delivery (WebSockets/gRPC/long-poll).
		envs := e.hub.Publish(ch)
		if e.dispatcher == nil {
			continue
		}

		// 2. Bus export of the global feeds only.
		for _, env := range envs {
			err := e.dispatcher.Publish(ctx, env)
			if err == nil || errors.Is(err, pubsub.ErrNotExportable) {
				continue
			}
			// [RESILIENCE] The bus is a derived copy; local delivery already happened.
			e.logger.Warn("EVENT_EXPORT_FAILED",
				"err", err,
				"topic", env.GetTopic(),
				"seq", env.GetSeq(),
				"event", env.GetKind().String(),
			)
		}
	}
}
