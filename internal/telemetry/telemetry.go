// Package telemetry wires OpenTelemetry tracing for the workflow nodes.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/davidahmann/quotegate/internal/config"
)

// Setup installs a global tracer provider exporting to cfg.OTLPEndpoint.
//
// Tracing is opt-in: with no endpoint Setup returns a no-op shutdown and
// leaves the global provider alone. The returned shutdown flushes pending
// spans and should be deferred by the caller.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if cfg.OTLPEndpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
	if err != nil {
		return noop, err
	}

	tp := NewProvider(sdktrace.WithBatcher(exporter), cfg.ServiceName)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

// NewProvider builds an always-sampling provider; tests pass a span
// recorder instead of an exporter.
func NewProvider(processor sdktrace.TracerProviderOption, name string) *sdktrace.TracerProvider {
	res := resource.NewSchemaless(attribute.String("service.name", serviceName(name)))
	return sdktrace.NewTracerProvider(
		processor,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
}

func serviceName(name string) string {
	if name == "" {
		return "quotegate"
	}
	return name
}
