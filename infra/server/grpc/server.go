package grpcsrv

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/shivay/dispatch-service/config"
	"github.com/shivay/dispatch-service/infra/server/grpc/interceptors"
)

type Server struct {
	*grpc.Server
	Health *health.Server

	addr   string
	logger *slog.Logger
}

func NewServer(cfg *config.Config, logger *slog.Logger, tp *sdktrace.TracerProvider) *Server {
	l := InterceptorLogger(logger)
	recoverOpt := recovery.WithRecoveryHandlerContext(func(ctx context.Context, p any) error {
		logger.ErrorContext(ctx, "GRPC_PANIC_RECOVERED", "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
		return status.Error(codes.Internal, "internal error")
	})
	logOpts := []logging.Option{logging.WithLogOnEvents(logging.StartCall, logging.FinishCall)}

	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler(otelgrpc.WithTracerProvider(tp))),
		grpc.ChainUnaryInterceptor(
			recovery.UnaryServerInterceptor(recoverOpt),
			logging.UnaryServerInterceptor(l, logOpts...),
		),
		grpc.ChainStreamInterceptor(
			recovery.StreamServerInterceptor(recoverOpt),
			logging.StreamServerInterceptor(l, logOpts...),
			interceptors.NewStreamObserverInterceptor(),
		),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &Server{Server: srv, Health: hs, addr: cfg.GRPC.Addr, logger: logger}
}

// InterceptorLogger adapts slog to the go-grpc-middleware logging interface.
func InterceptorLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}

var Module = fx.Module("grpc-server",
	fx.Provide(NewServer),
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				var lc net.ListenConfig
				lis, err := lc.Listen(ctx, "tcp", s.addr)
				if err != nil {
					return err
				}
				s.logger.Info("GRPC_SERVER_LISTENING", "addr", lis.Addr().String())
				go func() {
					if err := s.Serve(lis); err != nil {
						s.logger.Error("GRPC_SERVER_FAILED", "err", err)
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				s.Health.Shutdown()

				done := make(chan struct{})
				go func() {
					s.GracefulStop()
					close(done)
				}()
				select {
				case <-done:
				case <-ctx.Done():
					// Streams outlive any drain deadline; cut them.
					s.Stop()
				}
				s.logger.Info("GRPC_SERVER_STOPPED")
				return nil
			},
		})
	}),
)
