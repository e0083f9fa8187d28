// Package tracing wires the OpenTelemetry tracer provider used by the REST
// client and the status server.
package tracing

import (
	"context"
	"crypto/tls"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// ServiceName is reported as service.name on every span.
const ServiceName = "session-chat"

// Options selects the collector and its transport security.
type Options struct {
	CollectorAddr string
	// Insecure uses a plaintext connection (local collectors).
	Insecure bool
	// SkipVerify keeps TLS but accepts any certificate. Development only.
	SkipVerify bool
}

// InitTracer installs a global tracer provider exporting to the OTLP collector.
// The caller owns Shutdown.
func InitTracer(ctx context.Context, serviceName string, opts Options) (*sdktrace.TracerProvider, error) {
	if opts.CollectorAddr == "" {
		return nil, fmt.Errorf("collector address is required")
	}

	creds := insecure.NewCredentials()
	if !opts.Insecure {
		creds = credentials.NewTLS(&tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: opts.SkipVerify, //nolint:gosec // opt-in for development collectors
		})
	}

	conn, err := grpc.NewClient(opts.CollectorAddr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client to collector: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	// W3C TraceContext so spans join the backend's traces.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}
