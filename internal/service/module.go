package service

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/shivay/dispatch-service/config"
	"github.com/shivay/dispatch-service/infra/observability"
	"github.com/shivay/dispatch-service/internal/adapter/store"
	"github.com/shivay/dispatch-service/internal/domain/lock"
	"github.com/shivay/dispatch-service/internal/domain/registry"
	"github.com/shivay/dispatch-service/internal/domain/resource"
)

var Module = fx.Module(
	"service",

	fx.Provide(
		// Domain state
		fx.Annotate(lock.NewTable, fx.As(new(lock.Locker))),
		fx.Annotate(
			func() *resource.Registry { return resource.NewRegistry() },
			fx.As(new(resource.Registrar)),
		),
		NewEmitter,

		// Domain services
		func(
			cfg *config.Config,
			st store.Store,
			reg resource.Registrar,
			locks lock.Locker,
			em Emitter,
			m *observability.Metrics,
			logger *slog.Logger,
		) *CaseService {
			return NewCaseService(st, reg, locks, em, m, logger, cfg.Cases.LockTimeout)
		},
		func(cs *CaseService) CaseManager { return cs },
		func(
			cfg *config.Config,
			cs *CaseService,
			st store.Store,
			reg resource.Registrar,
			hub registry.Hubber,
			em Emitter,
			m *observability.Metrics,
			logger *slog.Logger,
		) *Engine {
			return NewEngine(cs, st, reg, hub, em, m, logger, cfg.Assignment, cfg.Cases.LockTimeout)
		},
		func(e *Engine) Assigner { return e },
		func(
			cfg *config.Config,
			st store.Store,
			reg resource.Registrar,
			locks lock.Locker,
			assigner Assigner,
			em Emitter,
			m *observability.Metrics,
			logger *slog.Logger,
		) ResourceManager {
			return NewResourceService(st, reg, locks, assigner, em, m, logger, cfg.Cases.LockTimeout)
		},
		fx.Annotate(NewDeliveryService, fx.As(new(Deliverer))),
	),

	// [DECORATION_LAYER] Intercept CaseManager to add audit logging
	fx.Decorate(func(orig CaseManager, logger *slog.Logger) CaseManager {
		return NewCaseMiddleware(orig, logger)
	}),

	fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, resources ResourceManager, engine *Engine) {
		// [HOT_RELOAD] Assignment tuning follows the config file.
		cfg.OnChange(func(c *config.Config) { engine.Configure(c.Assignment) })

		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := resources.Warm(ctx); err != nil {
					return err
				}
				return engine.Start(ctx)
			},
			OnStop: func(ctx context.Context) error {
				return engine.Stop(ctx)
			},
		})
	}),
)
