package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"MarginLedger/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server owns the gRPC listener (health and reflection) and the HTTP gateway mux.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	grpcAddr     string
	httpAddr     string
	health       *observability.HealthChecker
	log          zerolog.Logger
}

// Config holds listen addresses and request limits.
type Config struct {
	GRPCAddr       string
	HTTPAddr       string
	CommandTimeout time.Duration
}

// Deps holds everything the handlers read from or write to.
type Deps struct {
	Query   QueryReader
	Intake  CommandSubmitter
	Rebuild func(ctx context.Context) error // optional admin hook
	Health  *observability.HealthChecker
	Metrics *observability.Metrics
	Log     zerolog.Logger
}

// New creates the servers and registers every route. Nothing listens until Serve*.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Health == nil {
		deps.Health = observability.NewHealthChecker()
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	reflection.Register(grpcServer)

	mux := runtime.NewServeMux()
	h := &handlers{
		query:          deps.Query,
		intake:         deps.Intake,
		rebuild:        deps.Rebuild,
		commandTimeout: cfg.CommandTimeout,
		metrics:        deps.Metrics,
		log:            deps.Log.With().Str("component", "http").Logger(),
	}
	if err := h.register(mux, deps.Health); err != nil {
		return nil, fmt.Errorf("register routes: %w", err)
	}

	return &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		httpServer: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		grpcAddr: cfg.GRPCAddr,
		httpAddr: cfg.HTTPAddr,
		health:   deps.Health,
		log:      deps.Log.With().Str("component", "server").Logger(),
	}, nil
}

// Handler exposes the HTTP mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// SetServing flips both the gRPC health status and /readyz.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.health.SetReady(serving)
}

// ServeGRPC blocks until ctx is cancelled.
func (s *Server) ServeGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// ServeHTTP blocks until ctx is cancelled.
func (s *Server) ServeHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
