package observability

import (
	"context"
	"log/slog"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"

	"github.com/shivay/dispatch-service/config"
	"github.com/shivay/dispatch-service/internal/domain/registry"
)

// ServiceName is reported in logs, traces and the otel resource.
const ServiceName = "dispatch-service"

var Module = fx.Module("observability",
	fx.Provide(
		func(cfg *config.Config) *Logging { return NewLogging(cfg.Log, ServiceName) },
		func(l *Logging) *slog.Logger { return l.Logger },
		NewMetrics,
		func(cfg *config.Config) (*sdktrace.TracerProvider, error) { return NewTracerProvider(cfg, ServiceName) },
	),
	fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, l *Logging, tp *sdktrace.TracerProvider, m *Metrics, hub registry.Hubber) {
		m.RegisterHub(hub.Stats)

		// [HOT_RELOAD] Log level follows the config file.
		cfg.OnChange(func(c *config.Config) {
			l.Level.Set(ParseLevel(c.Log.Level))
			l.Logger.Info("CONFIG_RELOADED", "log_level", c.Log.Level)
		})
		cfg.Watch(func(err error) {
			l.Logger.Error("CONFIG_RELOAD_FAILED", "err", err)
		})

		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				_ = ShutdownTracer(ctx, tp)
				return l.Close()
			},
		})
	}),
)
