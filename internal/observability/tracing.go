package observability

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

// tracingBatchSize and tracingBatchTimeout bound how long a span can sit
// in the exporter's queue before being flushed to Jaeger.
const (
	tracingBatchSize    = 512
	tracingBatchTimeout = 5 * time.Second
)

// InitTracing wires OpenTelemetry spans to a Jaeger collector named by
// OTEL_EXPORTER_JAEGER_ENDPOINT (e.g. http://localhost:14268/api/traces).
// With the endpoint unset, tracing is a deliberate no-op: syndrod must run
// standalone on a LAN with no collector present. The returned func flushes
// and shuts the provider down and should run on process exit.
func InitTracing(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	endpoint, enabled := os.LookupEnv("OTEL_EXPORTER_JAEGER_ENDPOINT")
	if !enabled || endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}

	provider := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithBatcher(exporter,
			trace.WithMaxExportBatchSize(tracingBatchSize),
			trace.WithBatchTimeout(tracingBatchTimeout),
		),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}
