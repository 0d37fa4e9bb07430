// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
)

// otlpEndpointEnv enables the OTLP exporter. The exporter itself reads the
// standard OTEL_EXPORTER_OTLP_* variables.
const otlpEndpointEnv = "OTEL_EXPORTER_OTLP_ENDPOINT"

// setupTelemetry installs the global tracer provider and the W3C
// propagators.
//
// Description:
//
//	Exports over OTLP gRPC when OTEL_EXPORTER_OTLP_ENDPOINT is set, and to
//	stdoutW when it is non-nil. With neither, the global provider stays the
//	no-op default and only the propagators are installed.
//
// Outputs:
//
//	func(context.Context) error - Flushes and stops the exporters. Always
//	  non-nil.
//	error - Non-nil if an exporter cannot be created.
func setupTelemetry(ctx context.Context, serviceName string, stdoutW io.Writer) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	var opts []sdktrace.TracerProviderOption
	if endpoint := os.Getenv(otlpEndpointEnv); endpoint != "" {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithDialOption(grpc.WithUserAgent(serviceName+"-otlp")),
		)
		if err != nil {
			return nil, fmt.Errorf("setupTelemetry: otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
		slog.Info("tracing to OTLP collector", slog.String("endpoint", endpoint))
	}
	if stdoutW != nil {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(stdoutW), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("setupTelemetry: stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithSyncer(exp))
	}
	if len(opts) == 0 {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("setupTelemetry: resource: %w", err)
	}
	opts = append(opts, sdktrace.WithResource(res))

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
