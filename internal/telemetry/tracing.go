// Package telemetry configures OpenTelemetry tracing for the platform.
//
// AI provider spans follow the OTel GenAI semantic conventions:
//   - gen_ai.system: the model provider
//   - gen_ai.request.model: the model name
//
// Custom span attributes use the `shiplens.` prefix.
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

const tracerName = "shiplens.io/platform"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP
// gRPC exporter. An empty endpoint disables tracing (noop provider).
// The returned shutdown function must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("shiplens"),
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

// --- Span helpers ---

// StartSyncSpan creates the parent span for a source sync.
func StartSyncSpan(ctx context.Context, tenant, sourceType, sourceID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "etl.sync",
		trace.WithAttributes(
			attribute.String("shiplens.tenant", tenant),
			attribute.String("shiplens.source_type", sourceType),
			attribute.String("shiplens.source_id", sourceID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartJobSpan creates the parent span for a queue job execution.
func StartJobSpan(ctx context.Context, task, targetID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "queue.job",
		trace.WithAttributes(
			attribute.String("shiplens.task", task),
			attribute.String("shiplens.target", targetID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartInsightSpan creates a child span for an AI provider call,
// following GenAI conventions.
func StartInsightSpan(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gen_ai.chat",
		trace.WithAttributes(
			attribute.String("gen_ai.system", provider),
			attribute.String("gen_ai.request.model", model),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records the outcome and closes the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(attribute.String("shiplens.error", err.Error()))
	}
	span.End()
}
