package service

import (
	"context"
	"log/slog"

	"github.com/shivay/dispatch-service/internal/domain/event"
	"github.com/shivay/dispatch-service/internal/domain/model"
	"github.com/shivay/dispatch-service/internal/domain/registry"
)

// [DELIVERY_SERVICE] PRIMARY INTERFACE FOR TRANSPORT HANDLERS (gRPC/WebSocket/long-poll)
type Deliverer interface {
	Connect(ctx context.Context, observerID string, md registry.ConnectMetadata) registry.Connector
	Subscribe(conn registry.Connector, req SubscribeRequest) (model.SubscriptionPayload, error)
	Unsubscribe(conn registry.Connector, topics []string) (model.SubscriptionPayload, error)
	Disconnect(conn registry.Connector)
	Head(topic event.Topic) uint64
	Stats() model.HubStats
}

// SubscribeRequest names topics and, optionally, where to resume them.
// FromSequence applies to every topic without an explicit cursor.
type SubscribeRequest struct {
	Topics       []string
	FromSequence *uint64
	Cursors      map[string]uint64
}

// Resolve validates the topics and merges the resume points.
func (r SubscribeRequest) Resolve() ([]event.Topic, registry.Cursors, error) {
	topics, err := event.ParseTopics(r.Topics)
	if err != nil {
		return nil, nil, err
	}

	cursors := make(registry.Cursors, len(topics))
	for _, t := range topics {
		if seq, ok := r.Cursors[t.String()]; ok {
			cursors[t] = seq
		} else if r.FromSequence != nil {
			cursors[t] = *r.FromSequence
		}
	}
	return topics, cursors, nil
}

var _ Deliverer = (*DeliveryService)(nil)

type DeliveryService struct {
	hub    registry.Hubber
	logger *slog.Logger
}

func NewDeliveryService(hub registry.Hubber, logger *slog.Logger) *DeliveryService {
	return &DeliveryService{hub: hub, logger: logger}
}

// [CONNECT] Creates the subscriber and queues the handshake as its first frame.
func (s *DeliveryService) Connect(ctx context.Context, observerID string, md registry.ConnectMetadata) registry.Connector {
	conn := s.hub.Connect(ctx, observerID, md)
	conn.Notify(event.NewSystemEvent("", event.Connected, event.PriorityHigh, &model.ConnectedPayload{
		Ok:            true,
		ConnectionID:  conn.GetID().String(),
		ServerVersion: model.ServerVersion,
	}))

	s.logger.Debug("OBSERVER_CONNECTED",
		"observer_id", observerID,
		"conn_id", conn.GetID(),
		"transport", md.Transport,
		"remote_ip", md.RemoteIP,
	)
	return conn
}

// [SUBSCRIBE] Attaches and replays. Each topic whose cursor fell out of the
// retention window gets a resync_required notice after the replay.
func (s *DeliveryService) Subscribe(conn registry.Connector, req SubscribeRequest) (model.SubscriptionPayload, error) {
	topics, cursors, err := req.Resolve()
	if err != nil {
		return model.SubscriptionPayload{}, err
	}

	ack := model.SubscriptionPayload{Topics: topicNames(topics)}
	conn.Notify(event.NewSystemEvent("", event.Subscribed, event.PriorityNormal, &ack))

	gaps := s.hub.Subscribe(conn, topics, cursors)
	for i := range gaps {
		gap := gaps[i]
		conn.Notify(event.NewSystemEvent(event.Topic(gap.Topic), event.ResyncRequired, event.PriorityHigh, &gap))
		s.logger.Info("OBSERVER_RESYNC_REQUIRED",
			"conn_id", conn.GetID(),
			"topic", gap.Topic,
			"requested", gap.Requested,
			"oldest", gap.Oldest,
			"head", gap.Head,
		)
	}

	return model.SubscriptionPayload{Topics: ack.Topics, Gaps: gaps}, nil
}

func (s *DeliveryService) Unsubscribe(conn registry.Connector, raw []string) (model.SubscriptionPayload, error) {
	topics, err := event.ParseTopics(raw)
	if err != nil {
		return model.SubscriptionPayload{}, err
	}
	s.hub.Unsubscribe(conn, topics)

	ack := model.SubscriptionPayload{Topics: topicNames(topics)}
	conn.Notify(event.NewSystemEvent("", event.Unsubscribed, event.PriorityNormal, &ack))
	return ack, nil
}

// [UNSUBSCRIBE_ALL] Detaches from every topic and closes the channel.
func (s *DeliveryService) Disconnect(conn registry.Connector) {
	s.hub.Disconnect(conn)
	s.logger.Debug("OBSERVER_DISCONNECTED",
		"observer_id", conn.GetObserverID(),
		"conn_id", conn.GetID(),
		"dropped", conn.Dropped(),
	)
}

func (s *DeliveryService) Head(topic event.Topic) uint64 { return s.hub.Head(topic) }

func (s *DeliveryService) Stats() model.HubStats { return s.hub.Stats() }

func topicNames(topics []event.Topic) []string {
	out := make([]string, len(topics))
	for i, t := range topics {
		out[i] = t.String()
	}
	return out
}
