package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/shivay/dispatch-service/internal/domain/model"
)

// DomainHandler defines the functional signature for business logic.
type DomainHandler[T any] func(ctx context.Context, payload *T) error

// [INFRASTRUCTURE_BRIDGE]
// Bind connects Watermill to domain logic: panic recovery, decoding and the
// ack/nack decision.
func Bind[T any](h *IngressHandler, source string, fn DomainHandler[T]) message.NoPublishHandlerFunc {
	return func(msg *message.Message) (err error) {
		// [PANIC_RECOVERY] A panicking message is nacked and ends in the poison queue.
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("PANIC_RECOVERED",
					"err", r,
					"stack", string(debug.Stack()),
					"msg_id", msg.UUID)
				err = fmt.Errorf("panic handling %s: %v", msg.UUID, r)
			}
			h.metrics.Ingress(source, err)
		}()

		// [DECODING]
		payload := new(T)
		if err := json.Unmarshal(msg.Payload, payload); err != nil {
			h.logger.Error("DECODE_FAILED", "err", err, "msg_id", msg.UUID, "source", source)
			return nil // ACK: Poison Pill protection.
		}

		// [EXECUTION]
		err = fn(msg.Context(), payload)
		switch {
		case err == nil:
			return nil
		case isTerminal(err):
			// ACK: redelivering a rejected command cannot change the outcome.
			h.logger.Warn("COMMAND_REJECTED", "err", err, "msg_id", msg.UUID, "source", source)
			return nil
		default:
			return err // NACK: transient failure triggers the retry policy.
		}
	}
}

// isTerminal reports domain rejections. Busy and unavailable are worth a retry.
func isTerminal(err error) bool {
	for _, k := range []error{
		model.ErrValidation, model.ErrNotFound, model.ErrInvalidTransition,
		model.ErrPrecondition, model.ErrCapacity,
	} {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}
