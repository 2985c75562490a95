// Copyright 2025 James Ross
package obs

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingOptions is the subset of config.TracingConfig tracing needs,
// kept free of a direct dependency on the config package.
type TracingOptions struct {
	Enabled          bool
	Endpoint         string
	Environment      string
	SamplingStrategy string
	SamplingRate     float64
	Insecure         bool
}

// MaybeInitTracing optionally initializes a global tracer provider with
// sampling and propagation.
func MaybeInitTracing(opts TracingOptions) (*sdktrace.TracerProvider, error) {
	if !opts.Enabled || opts.Endpoint == "" {
		return nil, nil
	}

	clientOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(clientOpts...))
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("canarypilot"),
		semconv.ServiceVersionKey.String("1.0.0"),
		semconv.HostNameKey.String(hostname),
		attribute.String("environment", opts.Environment),
	)

	var sampler sdktrace.Sampler
	switch opts.SamplingStrategy {
	case "always":
		sampler = sdktrace.AlwaysSample()
	case "never":
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(opts.SamplingRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// StartQuerySpan traces one QueryClient.Query call.
func StartQuerySpan(ctx context.Context, deploymentID, version string) (context.Context, trace.Span) {
	tracer := otel.Tracer("monitor")
	return tracer.Start(ctx, "queryclient.query",
		trace.WithAttributes(
			attribute.String("rollout.deployment_id", deploymentID),
			attribute.String("rollout.version", version),
		),
	)
}

// StartStoreSpan traces one Store write (snapshot save, transition
// append, score-snapshot append, or event append).
func StartStoreSpan(ctx context.Context, operation, deploymentID string) (context.Context, trace.Span) {
	tracer := otel.Tracer("store")
	return tracer.Start(ctx, "store."+operation,
		trace.WithAttributes(
			attribute.String("rollout.deployment_id", deploymentID),
			attribute.String("store.operation", operation),
		),
	)
}

// StartTransitionSpan traces a state-machine transition.
func StartTransitionSpan(ctx context.Context, deploymentID, from, to string) (context.Context, trace.Span) {
	tracer := otel.Tracer("rollout")
	return tracer.Start(ctx, "rollout.transition",
		trace.WithAttributes(
			attribute.String("rollout.deployment_id", deploymentID),
			attribute.String("rollout.from_state", from),
			attribute.String("rollout.to_state", to),
		),
	)
}

// RecordError records an error on the span if one exists in the context.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks the span as successful.
func SetSpanSuccess(ctx context.Context) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(codes.Ok, "success")
	}
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// AddSpanAttributes adds attributes to the current span.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// TracerShutdown gracefully shuts down the tracer provider.
func TracerShutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// KeyValue creates an attribute key-value pair for use in spans and events.
func KeyValue(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
