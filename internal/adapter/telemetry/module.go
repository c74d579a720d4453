package telemetry

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/shivay/dispatch-service/config"
)

var Module = fx.Module("telemetry",
	fx.Provide(
		NewStreamConsumer,
		NewCapacitySubscriber,
	),

	// [AMBULANCE_STREAM]
	fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, c *StreamConsumer, logger *slog.Logger) {
		if !cfg.Redis.Enabled {
			return
		}
		runCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})

		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := c.EnsureGroup(ctx); err != nil {
					cancel()
					return err
				}
				go func() {
					defer close(done)
					if err := c.Run(runCtx); err != nil {
						logger.Error("TELEMETRY_CONSUMER_STOPPED", "err", err)
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				cancel()
				select {
				case <-done:
				case <-ctx.Done():
				}
				return nil
			},
		})
	}),

	// [HOSPITAL_FEED]
	fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, s *CapacitySubscriber) {
		if !cfg.MQTT.Enabled {
			return
		}
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error { return s.Subscribe() },
			OnStop: func(context.Context) error {
				s.Unsubscribe()
				return nil
			},
		})
	}),
)
