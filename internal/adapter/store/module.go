package store

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/fx"

	"github.com/shivay/dispatch-service/config"
)

const openTimeout = 30 * time.Second

var Module = fx.Module("store",
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, s Store, logger *slog.Logger) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				logger.Info("STORE_CLOSING")
				return s.Close()
			},
		})
	}),
)

// New builds the Store selected by cfg.Store.Driver. SQL backends are
// wrapped in a circuit breaker and a case cache; the memory store is used as is.
func New(cfg *config.Config, logger *slog.Logger) (Store, error) {
	if cfg.Store.Driver == "memory" {
		return NewMemoryStore(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	db, err := OpenSQL(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	logger.Info("STORE_OPENED", "driver", cfg.Store.Driver)

	guarded := NewBreakerStore(db, cfg.Store.Breaker.MaxFailures, cfg.Store.Breaker.OpenTimeout, logger)
	if cfg.Store.CacheSize <= 0 {
		return guarded, nil
	}
	return NewCachedStore(guarded, cfg.Store.CacheSize)
}
