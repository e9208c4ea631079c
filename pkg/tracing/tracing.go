// Package tracing wires distributed tracing for task execution. Spans are
// exported to Jaeger; with tracing disabled every helper degrades to a
// no-op tracer.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Config holds tracing configuration
type Config struct {
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
	Enabled        bool    `json:"enabled"`
}

// DefaultConfig returns default tracing configuration
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "keel",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		JaegerEndpoint: "http://localhost:14268/api/traces",
		SamplingRate:   1.0,
		Enabled:        false,
	}
}

// Service manages the tracer provider lifecycle.
type Service struct {
	tracer   oteltrace.Tracer
	config   *Config
	provider *trace.TracerProvider
}

// NewService creates a tracing service. With Enabled false the returned
// service hands out no-op spans.
func NewService(config *Config) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Service{
			tracer: otel.Tracer("noop"),
			config: config,
		}, nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.JaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(config.SamplingRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Service{
		tracer:   tp.Tracer(config.ServiceName),
		config:   config,
		provider: tp,
	}, nil
}

// Shutdown flushes and stops the tracer provider.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.provider != nil {
		return s.provider.Shutdown(ctx)
	}
	return nil
}

// StartSpan starts a new span
func (s *Service) StartSpan(ctx context.Context, name string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	return s.tracer.Start(ctx, name, opts...)
}

// StartTaskSpan starts a span covering one task execution by a worker.
func (s *Service) StartTaskSpan(ctx context.Context, taskID, category, workerID string) (context.Context, oteltrace.Span) {
	return s.tracer.Start(ctx, fmt.Sprintf("task.%s", category),
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
		oteltrace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.category", category),
			attribute.String("worker.id", workerID),
		),
	)
}

// StartRetrySpan starts a span for one protected operation run under the
// retry engine.
func (s *Service) StartRetrySpan(ctx context.Context, category string) (context.Context, oteltrace.Span) {
	return s.tracer.Start(ctx, fmt.Sprintf("retry.%s", category),
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
		oteltrace.WithAttributes(
			attribute.String("retry.category", category),
		),
	)
}

// StartStoreSpan starts a span for durable store operations.
func (s *Service) StartStoreSpan(ctx context.Context, operation string) (context.Context, oteltrace.Span) {
	return s.tracer.Start(ctx, fmt.Sprintf("store.%s", operation),
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			semconv.DBSystemSqlite,
			semconv.DBOperationKey.String(operation),
		),
	)
}

// RecordError records an error on a span and marks it failed.
func (s *Service) RecordError(span oteltrace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// MarkOK marks a span as successful.
func (s *Service) MarkOK(span oteltrace.Span) {
	span.SetStatus(codes.Ok, "")
}
