// Package telemetry configures OpenTelemetry tracing for the engine.
// Spans use the `watchtower.` attribute prefix. Tracing is a no-op unless an
// OTLP endpoint is configured.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "watchtower/engine"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing stays disabled. Returns a shutdown
// function that must be called on exit.
func InitTraceProvider(ctx context.Context, endpoint, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("watchtower"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartRunSpan opens the parent span for one probe run.
func StartRunSpan(ctx context.Context, probeID, trigger string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "probe.run",
		trace.WithAttributes(
			attribute.String("watchtower.probe", probeID),
			attribute.String("watchtower.trigger", trigger),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndRunSpan enriches the run span with its outcome.
func EndRunSpan(span trace.Span, status string, alerts int) {
	span.SetAttributes(
		attribute.String("watchtower.run_status", status),
		attribute.Int("watchtower.alerts_emitted", alerts),
	)
	span.End()
}
