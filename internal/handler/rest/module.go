package rest

import (
	"log/slog"
	"net/http"

	"go.uber.org/fx"

	"github.com/shivay/dispatch-service/config"
	"github.com/shivay/dispatch-service/infra/observability"
	"github.com/shivay/dispatch-service/internal/handler/lp"
	"github.com/shivay/dispatch-service/internal/handler/ws"
	"github.com/shivay/dispatch-service/internal/service"
)

var Module = fx.Module("rest",
	fx.Provide(
		NewCaseHandler,
		NewResourceHandler,
		ws.NewWSHandler,
		func(d service.Deliverer, logger *slog.Logger, cfg *config.Config) *lp.LPHandler {
			return lp.NewLPHandler(d, logger, cfg.HTTP.PollTimeout)
		},
		func(
			cases *CaseHandler,
			resources *ResourceHandler,
			wsh *ws.WSHandler,
			lph *lp.LPHandler,
			d service.Deliverer,
			m *observability.Metrics,
			logger *slog.Logger,
		) http.Handler {
			return NewRouter(RouterParams{
				Cases:     cases,
				Resources: resources,
				WS:        wsh,
				LP:        lph,
				Deliverer: d,
				Metrics:   m,
				Logger:    logger,
			})
		},
	),
)
