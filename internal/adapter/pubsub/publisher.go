package pubsub

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/shivay/dispatch-service/config"
)

// Provider hands out the publisher used for event export and the
// subscribers used for bus ingress.
type Provider interface {
	Publisher() message.Publisher
	// Subscriber returns a subscriber whose Subscribe(topic) consumes
	// routing key topic from exchange through queue.
	Subscriber(queue, exchange string) (message.Subscriber, error)
	Close() error
}

// NewProvider selects RabbitMQ when AMQP is enabled and an in-process
// channel otherwise.
func NewProvider(cfg *config.Config, logger *slog.Logger) (Provider, error) {
	wmLogger := watermill.NewSlogLogger(logger)
	if !cfg.AMQP.Enabled {
		return NewChannelProvider(wmLogger), nil
	}
	return NewAMQPProvider(cfg.AMQP.URL, cfg.AMQP.Exchange, wmLogger)
}

// ChannelProvider keeps the bus inside the process. Used when AMQP is off and in tests.
type ChannelProvider struct {
	ch *gochannel.GoChannel
}

func NewChannelProvider(logger watermill.LoggerAdapter) *ChannelProvider {
	return &ChannelProvider{
		ch: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger),
	}
}

func (p *ChannelProvider) Publisher() message.Publisher { return p.ch }

func (p *ChannelProvider) Subscriber(_, _ string) (message.Subscriber, error) { return p.ch, nil }

func (p *ChannelProvider) Close() error { return p.ch.Close() }

// AMQPProvider talks to RabbitMQ through topic exchanges.
type AMQPProvider struct {
	uri      string
	exchange string
	logger   watermill.LoggerAdapter

	publisher   *amqp.Publisher
	subscribers []*amqp.Subscriber
}

func NewAMQPProvider(uri, exchange string, logger watermill.LoggerAdapter) (*AMQPProvider, error) {
	p := &AMQPProvider{uri: uri, exchange: exchange, logger: logger}

	pub, err := amqp.NewPublisher(p.config("", exchange), logger)
	if err != nil {
		return nil, fmt.Errorf("amqp publisher: %w", err)
	}
	p.publisher = pub
	return p, nil
}

// config builds a durable topic-exchange topology where the watermill topic
// is the routing key.
func (p *AMQPProvider) config(queue, exchange string) amqp.Config {
	c := amqp.NewDurablePubSubConfig(p.uri, func(string) string { return queue })
	c.Exchange = amqp.ExchangeConfig{
		GenerateName: func(string) string { return exchange },
		Type:         "topic",
		Durable:      true,
	}
	c.QueueBind.GenerateRoutingKey = func(topic string) string { return topic }
	c.Publish.GenerateRoutingKey = func(topic string) string { return topic }
	c.Consume.Qos.PrefetchCount = 32
	return c
}

func (p *AMQPProvider) Publisher() message.Publisher { return p.publisher }

func (p *AMQPProvider) Subscriber(queue, exchange string) (message.Subscriber, error) {
	sub, err := amqp.NewSubscriber(p.config(queue, exchange), p.logger)
	if err != nil {
		return nil, fmt.Errorf("amqp subscriber %s: %w", queue, err)
	}
	p.subscribers = append(p.subscribers, sub)
	return sub, nil
}

func (p *AMQPProvider) Close() error {
	errs := []error{p.publisher.Close()}
	for _, s := range p.subscribers {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
