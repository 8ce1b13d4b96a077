// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry initializes OpenTelemetry tracing and metrics for a
// stage process.
//
// Traces go to an OTLP collector over gRPC, to stdout, or nowhere.
// Metrics are exposed through the default Prometheus registry, which the
// stage's status server serves at /metrics together with the transport
// counters registered through promauto.
//
// The standard OTEL_TRACES_EXPORTER, OTEL_METRICS_EXPORTER and
// OTEL_EXPORTER_OTLP_ENDPOINT variables override the defaults.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	// ErrNilContext is returned when Init receives a nil context.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for an unsupported exporter name.
	ErrUnknownExporter = errors.New("telemetry: unknown exporter")
)

// Config controls telemetry behavior.
type Config struct {
	// ServiceName identifies the process in traces and metrics.
	ServiceName string `yaml:"service_name" json:"service_name"`

	// ServiceVersion is the version string of the binary.
	ServiceVersion string `yaml:"service_version" json:"service_version"`

	// Environment names the deployment (development, production).
	Environment string `yaml:"environment" json:"environment"`

	// TraceExporter is "otlp", "stdout" or "none".
	TraceExporter string `yaml:"trace_exporter" json:"trace_exporter" validate:"omitempty,oneof=otlp stdout none"`

	// MetricExporter is "prometheus", "stdout" or "none".
	MetricExporter string `yaml:"metric_exporter" json:"metric_exporter" validate:"omitempty,oneof=prometheus stdout none"`

	// OTLPEndpoint is the collector address for traces.
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`

	// OTLPInsecure disables TLS on the collector connection.
	OTLPInsecure bool `yaml:"otlp_insecure" json:"otlp_insecure"`
}

// DefaultConfig returns development defaults. Tracing is off unless
// OTEL_TRACES_EXPORTER selects an exporter.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "aleutian-pipeline",
		ServiceVersion: "1.0.0",
		Environment:    getEnvOr("ALEUTIAN_ENV", "development"),
		TraceExporter:  getEnvOr("OTEL_TRACES_EXPORTER", "none"),
		MetricExporter: getEnvOr("OTEL_METRICS_EXPORTER", "prometheus"),
		OTLPEndpoint:   getEnvOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
	}
}

// Init installs the global tracer and meter providers.
//
// Description:
//
//	After Init returns, otel.Tracer and otel.Meter used anywhere in the
//	process export through the configured backends.
//
// Inputs:
//
//	ctx - Must not be nil.
//	cfg - Telemetry configuration.
//	attrs - Extra resource attributes, e.g. the stage index and run ID.
//
// Outputs:
//
//	shutdown - Flushes and stops every provider. Must be called on exit.
//	error - ErrNilContext, ErrUnknownExporter or an exporter error.
//
// Thread Safety: Call once at process startup.
func Init(ctx context.Context, cfg Config, attrs ...attribute.KeyValue) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	var shutdownFuncs []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var errs []error
		for i := len(shutdownFuncs) - 1; i >= 0; i-- {
			if err := shutdownFuncs[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	base := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	}
	res := resource.NewWithAttributes("", append(base, attrs...)...)

	if cfg.TraceExporter != "" && cfg.TraceExporter != "none" {
		tp, closers, err := initTracer(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{}))
		shutdownFuncs = append(shutdownFuncs, closers...)
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
	}

	if cfg.MetricExporter != "" && cfg.MetricExporter != "none" {
		mp, err := initMeter(cfg, res)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("init meter: %w", err)
		}
		otel.SetMeterProvider(mp)
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
	}

	return shutdown, nil
}

func initTracer(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, []func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter
	var closers []func(context.Context) error

	switch cfg.TraceExporter {
	case "otlp":
		var dialOpts []grpc.DialOption
		if cfg.OTLPInsecure {
			dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		}
		conn, err := grpc.NewClient(cfg.OTLPEndpoint, dialOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to collector %s: %w", cfg.OTLPEndpoint, err)
		}
		closers = append(closers, func(context.Context) error { return conn.Close() })
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("create otlp exporter: %w", err)
		}

	case "stdout":
		var err error
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("create stdout exporter: %w", err)
		}

	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	return tp, closers, nil
}

func initMeter(cfg Config, res *resource.Resource) (*metric.MeterProvider, error) {
	switch cfg.MetricExporter {
	case "prometheus":
		// Registers with the default Prometheus registry served by MetricsHandler.
		exporter, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		return metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(exporter)), nil

	case "stdout":
		exporter, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		return metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(metric.NewPeriodicReader(exporter)),
		), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
	}
}

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// LoggerWithTrace adds trace_id and span_id to logger when ctx carries a
// recording span.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
