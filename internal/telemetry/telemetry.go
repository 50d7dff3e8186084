// Package telemetry sets up OpenTelemetry trace export. When telemetry is
// disabled the global provider stays a no-op and instrumented code costs
// nothing beyond span bookkeeping.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/nextlevelbuilder/flowgate/internal/config"
)

// Init configures the global trace provider from cfg. It returns a
// shutdown function that must be called on application exit; when
// telemetry is disabled the function is a no-op.
func Init(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	if !cfg.Telemetry.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	name := cfg.Telemetry.ServiceName
	if name == "" {
		name = "flowgate"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(name)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, err
	}

	opts := []otlptracehttp.Option{}
	if cfg.Telemetry.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Telemetry.Endpoint))
	}
	if cfg.Telemetry.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	slog.Info("telemetry enabled", "service", name, "endpoint", cfg.Telemetry.Endpoint)
	return tp.Shutdown, nil
}
