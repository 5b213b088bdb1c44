// Package tracing installs the OpenTelemetry tracer provider used by the
// worker and API spans.
package tracing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ShutdownFunc flushes pending spans.
type ShutdownFunc func(context.Context) error

func noop(context.Context) error { return nil }

// Init sets the global tracer provider. When tracing is disabled or no
// endpoint is configured the global no-op provider stays in place.
func Init(ctx context.Context, cfg domain.TracingConfig, version string, logger *slog.Logger) (ShutdownFunc, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		logger.Info("tracing disabled")
		return noop, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "kestrel"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("tracing enabled",
		"endpoint", cfg.Endpoint,
		"sample_ratio", cfg.SampleRatio,
	)
	return tp.Shutdown, nil
}
