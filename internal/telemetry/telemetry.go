// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package telemetry wires up the OpenTelemetry SDK for the orchestrator:
// a shared meter, tracer and structured slog.Logger bridged through
// otelslog, plus stdout exporters suitable for local development.
package telemetry

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "go.opentelemetry.io/otel/icarus/orchestrator"

var (
	meter  metric.Meter
	logger *slog.Logger
	tracer trace.Tracer
)

// ShutdownFunc flushes and tears down the OTel providers on exit.
type ShutdownFunc func(context.Context) error

// Setup installs OTel meter/tracer/log providers with stdout exporters
// and returns a shutdown function, mirroring the teacher's
// SetupOTelSDK bootstrap in src/main.go / src/server.go.
func Setup(ctx context.Context) (ShutdownFunc, error) {
	var shutdownFuncs []func(context.Context) error

	shutdown := func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return shutdown, err
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
	)
	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return shutdown, err
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)
	shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	logExporter, err := stdoutlog.New()
	if err != nil {
		return shutdown, err
	}
	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)
	shutdownFuncs = append(shutdownFuncs, loggerProvider.Shutdown)

	meter = otel.Meter(instrumentationName)
	tracer = otel.Tracer(instrumentationName)
	logger = otelslog.NewLogger(instrumentationName, otelslog.WithLoggerProvider(loggerProvider))

	return shutdown, nil
}

// Logger returns the shared structured logger. Before Setup has been
// called it returns slog.Default(), so packages can log during early
// startup without crashing.
func Logger() *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// Log writes msg at level with structured attrs, the same call shape
// as the teacher's logging.Log helper.
func Log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	Logger().Log(ctx, level, msg, attrs...)
}

// Counter creates (or returns a cached) float64 counter instrument.
func Counter(name, description, unit string) (metric.Float64Counter, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	return meter.Float64Counter(name,
		metric.WithDescription(description),
		metric.WithUnit(unit))
}

// Gauge creates a float64 up-down counter used to publish a
// point-in-time value such as the current Sentinel level or the
// admission queue depth.
func Gauge(name, description, unit string) (metric.Float64UpDownCounter, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	return meter.Float64UpDownCounter(name,
		metric.WithDescription(description),
		metric.WithUnit(unit))
}

// StartSpan starts a new span under the shared tracer.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return tracer.Start(ctx, name)
}
