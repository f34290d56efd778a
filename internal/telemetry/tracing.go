// Package telemetry wires Prometheus metrics and OpenTelemetry tracing.
package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/melih/mlflow-ami"

// Tracer returns the tracer used by the services. Until SetupTracing
// installs a provider it hands out no-op spans.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentation)
}

// SetupTracing installs a global tracer provider that writes spans to w.
// When disabled it leaves the no-op provider in place. The returned function
// flushes pending spans.
func SetupTracing(enabled bool, w io.Writer) (func(context.Context) error, error) {
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "mlflow-ami"),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
