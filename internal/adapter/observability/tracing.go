// Package observability provides the logging, metrics, and tracing setup
// shared by the worker and sidecar binaries.
package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/soundsidecar/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// SetupTracing installs a global OTLP/gRPC tracer provider when an endpoint
// is configured, and returns its shutdown func. With no endpoint tracing
// stays disabled and both return values are nil: repository and queue spans
// become no-ops rather than buffering unexported data.
//
// The W3C trace-context propagator is installed either way, so the queue
// workers and the streaming sidecar keep joining each other's traces even
// when only some of the binaries export.
func SetupTracing(cfg config.Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.OTLPEndpoint == "" {
		slog.Info("OTLP endpoint not set; tracing disabled")
		return nil, nil
	}

	ctx := context.Background()
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	// queue.prefix distinguishes deployments sharing one Redis (and one
	// collector); model.version ties a trace to the scorer build whose
	// embeddings/features it produced.
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.OTELServiceName),
		semconv.ServiceNamespaceKey.String("soundsidecar"),
		semconv.DeploymentEnvironmentKey.String(cfg.AppEnv),
		attribute.String("queue.prefix", cfg.QueuePrefix),
		attribute.String("model.version", cfg.ModelVersion),
	))
	if err != nil {
		return nil, err
	}

	// Sample everything outside prod; in prod keep 10% so batch-heavy
	// workers don't flood the collector with one span per job.
	ratio := 1.0
	if cfg.IsProd() {
		ratio = 0.1
	}

	// Batch-heavy workers emit spans in bursts when a batch lands, then go
	// quiet; a larger export batch with a longer flush interval rides those
	// bursts out instead of exporting mid-batch.
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter,
			trace.WithBatchTimeout(10*time.Second),
			trace.WithMaxExportBatchSize(512),
		),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	slog.Info("tracing configured",
		slog.String("endpoint", cfg.OTLPEndpoint),
		slog.Float64("sampling_ratio", ratio))
	return tp.Shutdown, nil
}
