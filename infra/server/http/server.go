package httpsrv

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"go.uber.org/fx"

	"github.com/shivay/dispatch-service/config"
)

type Server struct {
	*http.Server
	logger *slog.Logger
}

func NewServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		Server: &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		},
		logger: logger,
	}
}

// Serve starts accepting on an already bound listener.
func (s *Server) Serve(lis net.Listener) {
	s.logger.Info("HTTP_SERVER_LISTENING", "addr", lis.Addr().String())
	go func() {
		if err := s.Server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP_SERVER_FAILED", "err", err)
		}
	}()
}

var Module = fx.Module("http-server",
	fx.Provide(NewServer),
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				var lc net.ListenConfig
				lis, err := lc.Listen(ctx, "tcp", s.Addr)
				if err != nil {
					return err
				}
				s.Serve(lis)
				return nil
			},
			OnStop: func(ctx context.Context) error {
				// [DRAIN] Hijacked websockets are not tracked by Shutdown;
				// they end when the hub closes their connectors.
				err := s.Shutdown(ctx)
				s.logger.Info("HTTP_SERVER_STOPPED")
				return err
			},
		})
	}),
)
