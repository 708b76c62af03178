package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/runstr/exitfee-saga/internal/pkg/interceptors"
	"github.com/runstr/exitfee-saga/internal/pkg/telemetry"
	"github.com/runstr/exitfee-saga/internal/roster"
	rosterservice "github.com/runstr/exitfee-saga/internal/roster-service"
)

func main() {
	viper.AutomaticEnv()
	viper.SetDefault("ROSTER_LISTEN_ADDR", ":50061")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("OTEL_ENABLED", false)
	viper.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")

	logger := telemetry.InitLogger(viper.GetString("LOG_LEVEL"))
	if err := run(logger); err != nil {
		logger.Error("roster-service stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.SetupTracer(ctx, telemetry.TracerConfig{
		ServiceName: "roster-service",
		Endpoint:    viper.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Disabled:    !viper.GetBool("OTEL_ENABLED"),
	})
	if err != nil {
		return fmt.Errorf("setup tracer: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	addr := viper.GetString("ROSTER_LISTEN_ADDR")
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(interceptors.TraceServerInterceptor()),
	)
	roster.Register(grpcServer, rosterservice.NewServer(logger, rosterservice.DefaultTeams(), nil))

	healthServer := health.NewServer()
	healthServer.SetServingStatus(roster.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	go func() {
		<-ctx.Done()
		healthServer.Shutdown()
		grpcServer.GracefulStop()
	}()

	logger.Info("roster service gRPC running", "addr", addr)
	return grpcServer.Serve(lis)
}
