package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/shivay/dispatch-service/config"
	"github.com/shivay/dispatch-service/infra/observability"
	"github.com/shivay/dispatch-service/internal/domain/model"
	"github.com/shivay/dispatch-service/internal/service"
)

const SourceHospitalFeed = "hospital_feed"

// CapacityReport is published by a hospital on its own capacity topic.
type CapacityReport struct {
	OccupiedDelta int   `json:"occupied_delta"`
	TotalCapacity *int  `json:"total_capacity,omitempty"`
	Active        *bool `json:"active,omitempty"`
}

// CapacitySubscriber applies hospital capacity reports received over MQTT.
// The hospital id is the wildcard segment of the topic.
type CapacitySubscriber struct {
	client    mqtt.Client
	resources service.ResourceManager
	metrics   *observability.Metrics
	logger    *slog.Logger

	topic string
	qos   byte
}

func NewCapacitySubscriber(
	client mqtt.Client,
	cfg *config.Config,
	resources service.ResourceManager,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *CapacitySubscriber {
	return &CapacitySubscriber{
		client:    client,
		resources: resources,
		metrics:   metrics,
		logger:    logger.With("topic", cfg.MQTT.Topic),
		topic:     cfg.MQTT.Topic,
		qos:       cfg.MQTT.QoS,
	}
}

func (s *CapacitySubscriber) Subscribe() error {
	token := s.client.Subscribe(s.topic, s.qos, func(_ mqtt.Client, msg mqtt.Message) {
		if err := s.Apply(context.Background(), msg.Topic(), msg.Payload()); err != nil {
			s.logger.Warn("CAPACITY_REPORT_REJECTED", "msg_topic", msg.Topic(), "err", err)
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", s.topic, token.Error())
	}
	s.logger.Info("CAPACITY_SUBSCRIBED", "qos", s.qos)
	return nil
}

func (s *CapacitySubscriber) Unsubscribe() {
	if !s.client.IsConnected() {
		return
	}
	s.client.Unsubscribe(s.topic).Wait()
}

// Apply decodes one report and forwards it to the resource service.
func (s *CapacitySubscriber) Apply(ctx context.Context, topic string, payload []byte) (err error) {
	defer func() { s.metrics.Ingress(SourceHospitalFeed, err) }()

	id, err := HospitalIDFromTopic(s.topic, topic)
	if err != nil {
		return err
	}
	var r CapacityReport
	if err := json.Unmarshal(payload, &r); err != nil {
		return model.Validationf("decode capacity report: %v", err)
	}

	h, err := s.resources.UpdateHospital(ctx, model.HospitalUpdate{
		ID:            id,
		OccupiedDelta: r.OccupiedDelta,
		TotalCapacity: r.TotalCapacity,
		Active:        r.Active,
	}, SourceHospitalFeed)
	if err != nil {
		return err
	}
	s.logger.Debug("CAPACITY_APPLIED", "hospital_id", h.ID, "occupied", h.Occupied, "total", h.TotalCapacity)
	return nil
}

// HospitalIDFromTopic extracts the segment of topic matching the single
// level wildcard of pattern.
func HospitalIDFromTopic(pattern, topic string) (string, error) {
	want := strings.Split(pattern, "/")
	got := strings.Split(topic, "/")
	if len(want) != len(got) {
		return "", model.Validationf("topic %q does not match %q", topic, pattern)
	}

	id := ""
	for i, seg := range want {
		switch {
		case seg == "+":
			id = got[i]
		case seg != got[i]:
			return "", model.Validationf("topic %q does not match %q", topic, pattern)
		}
	}
	if id == "" {
		return "", model.Validationf("topic %q carries no hospital id", topic)
	}
	return id, nil
}
