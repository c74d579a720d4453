package clientdi

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"go.uber.org/fx"

	"github.com/shivay/dispatch-service/config"
)

const connectTimeout = 10 * time.Second

var Module = fx.Module(
	"clients",

	// [CONSTRUCTOR] Neither client dials until its lifecycle hook runs.
	fx.Provide(NewRedisClient),
	fx.Provide(NewMQTTClient),

	fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, client *redis.Client, logger *slog.Logger) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if !cfg.Redis.Enabled {
					return nil
				}
				if err := client.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
				}
				logger.Info("REDIS_CONNECTED", "addr", cfg.Redis.Addr)
				return nil
			},
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
	}),

	// [LIFECYCLE] Subscriptions are registered by later modules, so the
	// broker connection has to be up first.
	fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, client mqtt.Client, logger *slog.Logger) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				if !cfg.MQTT.Enabled {
					return nil
				}
				token := client.Connect()
				if !token.WaitTimeout(connectTimeout) {
					return fmt.Errorf("mqtt %s: connect timed out", cfg.MQTT.Broker)
				}
				if err := token.Error(); err != nil {
					return fmt.Errorf("mqtt %s: %w", cfg.MQTT.Broker, err)
				}
				logger.Info("MQTT_CONNECTED", "broker", cfg.MQTT.Broker)
				return nil
			},
			OnStop: func(context.Context) error {
				if client.IsConnected() {
					client.Disconnect(250)
				}
				return nil
			},
		})
	}),
)

func NewRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func NewMQTTClient(cfg *config.Config, logger *slog.Logger) mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTT.Broker)
	opts.SetClientID(cfg.MQTT.ClientID)
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
	}
	if cfg.MQTT.Password != "" {
		opts.SetPassword(cfg.MQTT.Password)
	}

	// A persistent session keeps the capacity subscription across reconnects.
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)
	opts.SetResumeSubs(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT_CONNECTION_LOST", "err", err)
	})
	return mqtt.NewClient(opts)
}
