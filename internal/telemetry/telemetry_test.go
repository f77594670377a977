package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

// Tests mutate the global tracer provider and run sequentially.

func TestInitDisabledInstallsPropagator(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	fields := otel.GetTextMapPropagator().Fields()
	require.Contains(t, fields, "traceparent")
	require.Contains(t, fields, "baggage")
}

func TestInitRecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	shutdown, err := Init(context.Background(), Config{
		Enabled:     true,
		ServiceName: "site-crawler-test",
		Version:     "test",
	}, nil, WithExporter(exporter))
	require.NoError(t, err)

	ctx, span := otel.Tracer("telemetry_test").Start(context.Background(), "job crawl")
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	span.End()

	require.NotEmpty(t, carrier.Get("traceparent"))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "job crawl", spans[0].Name)
	require.Equal(t, "site-crawler-test", serviceName(t, spans[0]))

	require.NoError(t, shutdown(context.Background()))
}

func serviceName(t *testing.T, span tracetest.SpanStub) string {
	t.Helper()
	for _, attr := range span.Resource.Attributes() {
		if attr.Key == "service.name" {
			return attr.Value.AsString()
		}
	}
	return ""
}
