package api

import (
	"context"
	"fmt"
	"net"

	"wagate/internal/config"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServer exposes grpc.health.v1 so orchestrators can check activation.
// Calls pass the logging and API-key interceptors.
type GRPCServer struct {
	server *grpc.Server
	lis    net.Listener
	log    zerolog.Logger
}

func NewGRPCServer(cfg *config.APIConfig, healthSrv *health.Server, logger *zerolog.Logger) (*GRPCServer, error) {
	addr := fmt.Sprintf(":%d", cfg.GRPC.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc listen %s: %w", addr, err)
	}
	return newGRPCServer(cfg, lis, healthSrv, logger), nil
}

func newGRPCServer(cfg *config.APIConfig, lis net.Listener, healthSrv *health.Server, logger *zerolog.Logger) *GRPCServer {
	auth := NewAuthInterceptor(cfg)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingUnaryInterceptor(logger), auth.Unary()))
	healthpb.RegisterHealthServer(srv, healthSrv)

	return &GRPCServer{
		server: srv,
		lis:    lis,
		log:    logger.With().Str("component", "grpc").Logger(),
	}
}

func (s *GRPCServer) Addr() string {
	return s.lis.Addr().String()
}

// Serve blocks until the server stops. A graceful stop returns nil.
func (s *GRPCServer) Serve() error {
	s.log.Info().Str("addr", s.Addr()).Msg("gRPC health service listening")
	return s.server.Serve(s.lis)
}

// Shutdown drains in-flight calls and forces the stop once ctx is done.
func (s *GRPCServer) Shutdown(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.log.Warn().Msg("gRPC drain interrupted, stopping now")
		s.server.Stop()
	}
}
