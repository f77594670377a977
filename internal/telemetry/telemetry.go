// Package telemetry configures OpenTelemetry tracing. Spans cover job
// attempts and page fetches; the trace context travels with job-finished
// notifications so consumers can join the trace.
package telemetry

import (
	"context"
	"fmt"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

// Config controls tracing.
type Config struct {
	Enabled     bool
	ServiceName string
	Version     string
	// ProjectID enables export to Google Cloud Trace. Without it spans are
	// sampled but dropped unless an exporter is supplied with WithExporter.
	ProjectID   string
	SampleRatio float64
}

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(ctx context.Context) error

type options struct {
	exporter sdktrace.SpanExporter
}

// Option customizes Init.
type Option func(*options)

// WithExporter sends spans to exporter synchronously instead of Cloud Trace.
func WithExporter(exporter sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = exporter }
}

// Init installs the global propagator and, when enabled, a tracer provider.
func Init(ctx context.Context, cfg Config, logger *zap.Logger, opts ...Option) (ShutdownFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	)
	if !cfg.Enabled {
		logger.Info("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}
	switch {
	case o.exporter != nil:
		providerOpts = append(providerOpts, sdktrace.WithSyncer(o.exporter))
	case cfg.ProjectID != "":
		exporter, err := texporter.New(texporter.WithProjectID(cfg.ProjectID))
		if err != nil {
			return nil, fmt.Errorf("failed to create google trace exporter: %w", err)
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled",
		zap.String("service", cfg.ServiceName),
		zap.String("project", cfg.ProjectID),
		zap.Float64("sample_ratio", ratio),
	)
	return tp.Shutdown, nil
}
