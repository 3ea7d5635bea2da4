// Package telemetry bootstraps OpenTelemetry tracing and metrics for the
// daemon, adapted from the teacher's libs/go/core/otelinit package. All
// export is push-based OTLP over gRPC so the daemon never opens a listening
// port (it is stdio-only per spec §6).
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Shutdown stops all exporters started by Init. Safe to call even if some
// pieces were never started.
type Shutdown func(context.Context) error

// Init wires a tracer provider and a meter provider. Exporter init failures
// are logged and degrade to no-op providers rather than failing bootstrap:
// telemetry is observability, not a correctness dependency.
func Init(ctx context.Context, service string) Shutdown {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))

	traceShutdown := initTracer(ctx, endpoint, res)
	metricShutdown := initMeter(ctx, endpoint, res)

	return func(ctx context.Context) error {
		_ = traceShutdown(ctx)
		return metricShutdown(ctx)
	}
}

func initTracer(ctx context.Context, endpoint string, res *sdkresource.Resource) Shutdown {
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otel trace exporter init failed, tracing disabled", "error", err)
		return func(context.Context) error { return nil }
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

func initMeter(ctx context.Context, endpoint string, res *sdkresource.Resource) Shutdown {
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otel metric exporter init failed, metrics disabled", "error", err)
		return func(context.Context) error { return nil }
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	return mp.Shutdown
}
