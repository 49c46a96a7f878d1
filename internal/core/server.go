package core

import (
	"casd/internal/cas"
	"casd/internal/engine"
	"casd/pkg/storage"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const (
	casServiceName  = "build.bazel.remote.execution.v2.ContentAddressableStorage"
	shutdownTimeout = 10 * time.Second
)

// Server owns the blob store and the gRPC and admin HTTP front-ends built on
// top of it. The store is opened once and shared by every request.
type Server struct {
	Config Config

	store    storage.Store
	backend  engine.Backend
	grpc     *grpc.Server
	health   *health.Server
	registry *prometheus.Registry
	metrics  *cas.Metrics
}

// NewServer validates cfg, opens the configured storage engine and registers
// the CAS, health and reflection services.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{Config: cfg, registry: prometheus.NewRegistry()}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s.store = cfg.Store
	if s.store == nil {
		backend, err := engine.Open(ctx, engine.Options{
			Engine:  cfg.Engine,
			DataDir: cfg.DataDir,
			S3:      cfg.S3,
		})
		if err != nil {
			return nil, fmt.Errorf("open %s storage: %w", cfg.Engine, err)
		}
		s.backend = backend
		s.store = backend
	}

	s.metrics = cas.NewMetrics(s.registry)
	grpcOpts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(cfg.MaxBatchBytes),
		grpc.ChainUnaryInterceptor(cas.UnaryServerInterceptor(s.metrics)),
		grpc.ChainStreamInterceptor(cas.StreamServerInterceptor(s.metrics)),
	}

	if cfg.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("load TLS key pair: %w", err)
		}
		grpcOpts = append(grpcOpts, grpc.Creds(credentials.NewTLS(&tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})))
	} else {
		slog.Debug("Serving gRPC without TLS because no certificate was provided")
	}

	s.grpc = grpc.NewServer(grpcOpts...)

	cas.NewServer(s.store,
		cas.WithBatchConcurrency(cfg.BatchConcurrency),
		cas.WithMetrics(s.metrics),
		cas.WithLogger(slog.Default().With("service", casServiceName)),
	).Register(s.grpc)

	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(casServiceName, healthpb.HealthCheckResponse_SERVING)

	slog.Info("Storage engine ready", "engine", s.engineName(), "data_dir", cfg.DataDir)
	return s, nil
}

// GRPCServer exposes the underlying gRPC server, mainly for tests that serve
// it on an in-memory listener.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpc
}

func (s *Server) engineName() string {
	if s.backend == nil {
		return "custom"
	}
	return s.Config.Engine
}

// Run listens on the configured addresses and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	grpcLis, err := net.Listen("tcp", s.Config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Config.ListenAddr, err)
	}

	var adminLis net.Listener
	if s.Config.AdminAddr != "" {
		adminLis, err = net.Listen("tcp", s.Config.AdminAddr)
		if err != nil {
			_ = grpcLis.Close()
			return fmt.Errorf("listen on %s: %w", s.Config.AdminAddr, err)
		}
	}

	return s.Serve(ctx, grpcLis, adminLis)
}

// Serve runs the gRPC server on grpcLis and, when adminLis is not nil, the
// admin HTTP server on adminLis. Both are shut down gracefully once ctx is
// done; the first serving error stops the other.
func (s *Server) Serve(ctx context.Context, grpcLis net.Listener, adminLis net.Listener) error {
	var httpServer *http.Server
	if adminLis != nil {
		httpServer = &http.Server{
			Handler:           s.Handler(),
			ReadHeaderTimeout: 20 * time.Second,
			ReadTimeout:       20 * time.Second,
			WriteTimeout:      20 * time.Second,
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return nil
	})

	eg.Go(func() error {
		slog.Info("Starting CAS gRPC server", "addr", grpcLis.Addr().String())
		if err := s.grpc.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	if httpServer != nil {
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})

		eg.Go(func() error {
			slog.Info("Starting admin HTTP server", "addr", adminLis.Addr().String())
			err := httpServer.Serve(adminLis)
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	return eg.Wait()
}

// Close releases the storage engine if the server opened it.
func (s *Server) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}
