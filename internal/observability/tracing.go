// Package observability sets up OpenTelemetry tracing for the supervisor loop.
package observability

import (
	"context"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "cubesat-fsw"

// InitTracingFromEnv installs a tracer provider selected by FSW_OTEL_EXPORTER
// ("none" by default, or "stdout") and returns its shutdown function.
func InitTracingFromEnv(service, boot string) (func(context.Context) error, error) {
	return InitTracing(strings.ToLower(strings.TrimSpace(os.Getenv("FSW_OTEL_EXPORTER"))), service, boot, os.Stdout)
}

// InitTracing installs a tracer provider for exporter, writing stdout spans to w.
func InitTracing(exporter, service, boot string, w io.Writer) (func(context.Context) error, error) {
	if exporter == "" || exporter == "none" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(service),
			attribute.String("fsw.boot", boot),
		),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartSpan starts a span on the kernel tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}
