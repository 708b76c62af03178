// Package telemetry initialises logging and tracing for the binaries.
//
// SetupTracer wires the OpenTelemetry SDK to an OTLP gRPC exporter. Call it
// once at the top of main() and defer the returned shutdown function:
//
//	shutdown, err := telemetry.SetupTracer(ctx, telemetry.TracerConfig{ServiceName: "exitfee-service"})
//	if err != nil { ... }
//	defer shutdown(context.Background())
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ShutdownFunc must be called before the process exits to flush any
// buffered spans and close the exporter connection cleanly.
type ShutdownFunc func(ctx context.Context) error

// TracerConfig selects where spans go.
type TracerConfig struct {
	ServiceName string
	// Endpoint is the collector host:port; an http:// or https:// prefix is ignored.
	Endpoint    string
	Environment string
	// SampleRatio below 1 samples by trace ID; 0 or >= 1 samples everything.
	SampleRatio float64
	// Disabled installs only the propagators, leaving the no-op provider in place.
	Disabled bool
}

// SetupTracer initialises the global TracerProvider and TextMapPropagator.
func SetupTracer(ctx context.Context, cfg TracerConfig) (ShutdownFunc, error) {
	// ── 1. Propagators (needed even without export, for incoming traceparent) ─
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Disabled {
		return func(context.Context) error { return nil }, nil
	}

	endpoint := stripScheme(cfg.Endpoint)
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	// ── 2. OTLP gRPC exporter ────────────────────────────────────────────────
	conn, err := grpc.NewClient(
		endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to dial OTel Collector at %s: %w", endpoint, err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to create OTLP trace exporter: %w", err)
	}

	// ── 3. Resource ──────────────────────────────────────────────────────────
	env := cfg.Environment
	if env == "" {
		env = "local"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(env),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to build resource: %w", err)
	}

	// ── 4. TracerProvider with a batching span processor ─────────────────────
	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	shutdown := func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("telemetry: error shutting down TracerProvider: %w", err)
		}
		return conn.Close()
	}

	return shutdown, nil
}

// stripScheme removes "http://" or "https://" prefixes so the raw host:port
// string can be used directly with grpc.NewClient.
func stripScheme(endpoint string) string {
	for _, prefix := range []string{"http://", "https://"} {
		if rest, ok := strings.CutPrefix(endpoint, prefix); ok {
			return rest
		}
	}
	return endpoint
}
