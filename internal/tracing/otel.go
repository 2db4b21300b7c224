package tracing

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config selects where finished spans go.
type Config struct {
	ServiceName string
	// Exporter receives finished spans. Nil leaves the global no-op
	// provider in place; items still carry their own trace ids.
	Exporter sdktrace.SpanExporter
	// SampleRatio is the share of root spans kept. Zero keeps all.
	SampleRatio float64
}

var (
	providerMu sync.Mutex
	provider   *sdktrace.TracerProvider
)

// NewJSONExporter writes each finished span to w as one JSON document per line.
func NewJSONExporter(w io.Writer) (sdktrace.SpanExporter, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create span exporter: %w", err)
	}
	return exp, nil
}

// InitOpenTelemetry installs a batching tracer provider for cfg.Exporter as
// the global provider, replacing any provider installed before.
func InitOpenTelemetry(ctx context.Context, cfg Config) error {
	if cfg.Exporter == nil {
		return nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "aide"
	}
	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return fmt.Errorf("failed to build trace resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(cfg.Exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	)

	providerMu.Lock()
	old := provider
	provider = tp
	providerMu.Unlock()

	otel.SetTracerProvider(tp)
	if old != nil {
		return old.Shutdown(ctx)
	}
	return nil
}

// ShutdownOpenTelemetry flushes pending spans and puts the no-op provider back.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.Lock()
	tp := provider
	provider = nil
	providerMu.Unlock()
	if tp == nil {
		return nil
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
	return tp.Shutdown(ctx)
}

// StartSpan starts a span and records its trace id in ctx when none is set yet.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}
