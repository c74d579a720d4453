package grpc

import (
	"encoding/json"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/shivay/dispatch-service/infra/server/grpc/interceptors"
	"github.com/shivay/dispatch-service/internal/domain/event"
	"github.com/shivay/dispatch-service/internal/domain/model"
	"github.com/shivay/dispatch-service/internal/domain/registry"
	"github.com/shivay/dispatch-service/internal/handler/marshaller"
	"github.com/shivay/dispatch-service/internal/service"
)

var _ BroadcastServer = (*DeliveryService)(nil)

type DeliveryService struct {
	logger    *slog.Logger
	deliverer service.Deliverer
}

func NewDeliveryService(logger *slog.Logger, deliverer service.Deliverer) *DeliveryService {
	return &DeliveryService{
		logger:    logger,
		deliverer: deliverer,
	}
}

// Subscribe manages the lifecycle of a long-lived server-streaming session.
func (d *DeliveryService) Subscribe(req *SubscribeRequest, stream SubscribeStream) error {
	ctx := stream.Context()

	// [IDENTITY_EXTRACTION] Retrieve the observer from interceptor context
	observerID, ok := interceptors.ObserverFromContext(ctx)
	if !ok {
		return status.Error(codes.InvalidArgument, "observer identity missing")
	}

	conn := d.deliverer.Connect(ctx, observerID, connectMetadata(stream))
	l := d.logger.With(
		slog.String("observer_id", observerID),
		slog.String("conn_id", conn.GetID().String()),
	)

	// [RESOURCE_RECLAMATION] Detach from the hub when the stream ends.
	defer func() {
		d.deliverer.Disconnect(conn)
		l.Info("STREAM_CLOSED", slog.Uint64("dropped", conn.Dropped()))
	}()

	if _, err := d.deliverer.Subscribe(conn, service.SubscribeRequest{
		Topics:       req.Topics,
		FromSequence: req.FromSequence,
		Cursors:      req.Cursors,
	}); err != nil {
		l.Warn("STREAM_SUBSCRIBE_REJECTED", slog.Any("err", err))
		return toStatus(err)
	}

	l.Info("STREAM_ESTABLISHED", slog.Any("topics", req.Topics), slog.String("version", model.ServerVersion))

	// [EVENT_LOOP] Bridges the subscriber buffer with the gRPC stream.
	for {
		select {
		case <-ctx.Done():
			// [GHOST_CLEANUP] Client disconnect, deadline or keepalive failure.
			return nil

		case ev, ok := <-conn.Recv():
			if !ok {
				// [TERMINATION_SENTINEL] Push a final system event before the status.
				bye := event.NewSystemEvent("", event.Disconnected, event.PriorityHigh, &model.DisconnectedPayload{
					Reason: "session_closed_by_server",
					Code:   "SHUTDOWN",
				})
				if frame, err := marshaller.MarshallDeliveryEvent(bye); err == nil {
					_ = stream.Send(json.RawMessage(frame))
				}
				return status.Error(codes.Unavailable, "session_terminated_by_server")
			}

			frame, err := marshaller.MarshallDeliveryEvent(ev)
			if err != nil {
				l.Error("STREAM_MARSHAL_FAILED", slog.String("event_id", ev.GetID()), slog.Any("err", err))
				continue
			}
			if err := stream.Send(json.RawMessage(frame)); err != nil {
				l.Warn("STREAM_SEND_FAILED", slog.String("event_id", ev.GetID()), slog.Any("err", err))
				return status.Error(codes.DataLoss, "stream_transmission_failed")
			}
		}
	}
}

func connectMetadata(stream SubscribeStream) registry.ConnectMetadata {
	md := registry.ConnectMetadata{Transport: "grpc"}
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		md.RemoteIP = p.Addr.String()
	}
	if in, ok := metadata.FromIncomingContext(stream.Context()); ok {
		if ua := in.Get("user-agent"); len(ua) > 0 {
			md.UserAgent = ua[0]
		}
	}
	return md
}

func toStatus(err error) error {
	code := codes.Internal
	switch model.KindOf(err) {
	case model.ErrValidation:
		code = codes.InvalidArgument
	case model.ErrNotFound:
		code = codes.NotFound
	case model.ErrBusy, model.ErrUnavailable:
		code = codes.Unavailable
	case model.ErrInvalidTransition, model.ErrCapacity, model.ErrConflict:
		code = codes.FailedPrecondition
	}
	return status.Error(code, err.Error())
}
