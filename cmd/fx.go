package cmd

import (
	"log/slog"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/shivay/dispatch-service/config"
	clientdi "github.com/shivay/dispatch-service/infra/client/di"
	"github.com/shivay/dispatch-service/infra/observability"
	grpcsrv "github.com/shivay/dispatch-service/infra/server/grpc"
	httpsrv "github.com/shivay/dispatch-service/infra/server/http"
	"github.com/shivay/dispatch-service/internal/adapter/pubsub"
	"github.com/shivay/dispatch-service/internal/adapter/store"
	"github.com/shivay/dispatch-service/internal/adapter/telemetry"
	"github.com/shivay/dispatch-service/internal/domain/registry"
	amqphandler "github.com/shivay/dispatch-service/internal/handler/amqp"
	grpchandler "github.com/shivay/dispatch-service/internal/handler/grpc"
	"github.com/shivay/dispatch-service/internal/handler/rest"
	"github.com/shivay/dispatch-service/internal/service"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(func() *config.Config { return cfg }),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),

		observability.Module,
		registry.Module,
		store.Module,
		pubsub.Module,
		service.Module,

		// [TRANSPORT]
		rest.Module,
		httpsrv.Module,
		grpcsrv.Module,
		grpchandler.Module,

		// [INGRESS] Clients connect before their consumers subscribe.
		amqphandler.Module,
		clientdi.Module,
		telemetry.Module,
	)
}
