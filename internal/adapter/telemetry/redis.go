package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-redis/redis/v8"

	"github.com/shivay/dispatch-service/config"
	"github.com/shivay/dispatch-service/infra/observability"
	"github.com/shivay/dispatch-service/internal/domain/model"
	"github.com/shivay/dispatch-service/internal/service"
)

const (
	SourceTelemetry = "telemetry"

	payloadField = "data"
	readCount    = 64
)

// AmbulancePosition is one vehicle report on the telemetry stream.
type AmbulancePosition struct {
	AmbulanceID  string   `json:"ambulance_id"`
	Status       string   `json:"status"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (p *AmbulancePosition) ToDomain() (model.AmbulanceUpdate, error) {
	u := model.AmbulanceUpdate{
		ID:       p.AmbulanceID,
		Status:   model.AmbulanceStatus(p.Status),
		Location: model.Location{Latitude: p.Latitude, Longitude: p.Longitude},
	}
	for _, c := range p.Capabilities {
		u.Capabilities = append(u.Capabilities, model.EmergencyType(c))
	}
	return u, u.Validate()
}

// StreamConsumer reads ambulance positions from a Redis stream through a
// consumer group. An entry is acknowledged once it is applied or rejected;
// transient failures leave it pending for the next start.
type StreamConsumer struct {
	client    *redis.Client
	resources service.ResourceManager
	metrics   *observability.Metrics
	logger    *slog.Logger

	stream   string
	group    string
	consumer string
	block    time.Duration
}

func NewStreamConsumer(
	client *redis.Client,
	cfg *config.Config,
	resources service.ResourceManager,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *StreamConsumer {
	consumer := cfg.Redis.Consumer
	if consumer == "" {
		consumer = cfg.Service.ID
	}
	return &StreamConsumer{
		client:    client,
		resources: resources,
		metrics:   metrics,
		logger:    logger.With("stream", cfg.Redis.Stream),
		stream:    cfg.Redis.Stream,
		group:     cfg.Redis.Group,
		consumer:  consumer,
		block:     5 * time.Second,
	}
}

// EnsureGroup creates the consumer group, and the stream with it.
func (c *StreamConsumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", c.group, c.stream, err)
	}
	return nil
}

// Run consumes until ctx is cancelled. Entries left pending by a previous
// run of this consumer are replayed first.
func (c *StreamConsumer) Run(ctx context.Context) error {
	if _, err := c.poll(ctx, "0", -1); err != nil && ctx.Err() == nil {
		c.logger.Warn("TELEMETRY_PENDING_REPLAY_FAILED", "err", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second

	c.logger.Info("TELEMETRY_CONSUMER_STARTED", "group", c.group, "consumer", c.consumer)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := c.poll(ctx, ">", c.block); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := b.NextBackOff()
			c.logger.Error("TELEMETRY_READ_FAILED", "err", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()
	}
}

// poll reads one batch starting at id and applies it. A negative block
// returns immediately when nothing is available.
func (c *StreamConsumer) poll(ctx context.Context, id string, block time.Duration) (int, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, id},
		Count:    readCount,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	n := 0
	for _, s := range streams {
		for _, msg := range s.Messages {
			if !c.apply(ctx, msg) {
				continue
			}
			if err := c.client.XAck(ctx, c.stream, c.group, msg.ID).Err(); err != nil {
				return n, fmt.Errorf("ack %s: %w", msg.ID, err)
			}
			n++
		}
	}
	return n, nil
}

// apply reports whether the entry is done with and can be acknowledged.
func (c *StreamConsumer) apply(ctx context.Context, msg redis.XMessage) bool {
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		c.logger.Error("TELEMETRY_DECODE_FAILED", "entry_id", msg.ID, "err", "missing data field")
		c.metrics.Ingress(SourceTelemetry, model.Validationf("missing %s field", payloadField))
		return true
	}

	var p AmbulancePosition
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		c.logger.Error("TELEMETRY_DECODE_FAILED", "entry_id", msg.ID, "err", err)
		c.metrics.Ingress(SourceTelemetry, err)
		return true
	}

	err := c.update(ctx, &p)
	c.metrics.Ingress(SourceTelemetry, err)
	switch {
	case err == nil:
		return true
	case retryable(err):
		c.logger.Warn("TELEMETRY_APPLY_DEFERRED", "entry_id", msg.ID, "ambulance_id", p.AmbulanceID, "err", err)
		return false
	default:
		c.logger.Warn("TELEMETRY_REJECTED", "entry_id", msg.ID, "ambulance_id", p.AmbulanceID, "err", err)
		return true
	}
}

func (c *StreamConsumer) update(ctx context.Context, p *AmbulancePosition) error {
	u, err := p.ToDomain()
	if err != nil {
		return err
	}
	_, err = c.resources.UpdateAmbulance(ctx, u, SourceTelemetry)
	return err
}

// retryable reports failures that may succeed on a later delivery.
func retryable(err error) bool {
	switch model.KindOf(err) {
	case nil, model.ErrBusy, model.ErrUnavailable:
		return true
	default:
		return false
	}
}
