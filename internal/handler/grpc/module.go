package grpc

import (
	"go.uber.org/fx"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	grpcsrv "github.com/shivay/dispatch-service/infra/server/grpc"
)

var Module = fx.Module("broadcast-grpc",
	fx.Provide(
		NewDeliveryService,
	),
	fx.Invoke(RegisterDeliveryServices),
)

func RegisterDeliveryServices(server *grpcsrv.Server, service *DeliveryService) {
	RegisterBroadcastServer(server.Server, service)
	server.Health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}
