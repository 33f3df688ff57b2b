// Package observability sets up logging and OpenTelemetry export.
package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buildtall-systems/ticketstock/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ServiceName identifies this process in exported telemetry.
const ServiceName = "ticketstock"

const (
	tracesPath    = "/v1/traces"
	logsPath      = "/v1/logs"
	exportTimeout = 10 * time.Second
	maxQueueSize  = 2048
)

// Shutdown flushes and stops an exporter pipeline.
type Shutdown func(context.Context) error

func noopShutdown(context.Context) error { return nil }

func newResource(version string) (*resource.Resource, error) {
	// Schemaless so the merge never conflicts with the SDK default's schema URL.
	return resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(version),
		),
	)
}

func headers(cfg config.TelemetryConfig) map[string]string {
	if cfg.AuthHeader == "" {
		return nil
	}
	return map[string]string{"Authorization": cfg.AuthHeader}
}

// SetupTracingSDK installs the global propagator and, when an endpoint is
// configured, an OTLP/HTTP tracer provider. Without an endpoint spans stay on
// the no-op provider.
func SetupTracingSDK(ctx context.Context, cfg config.TelemetryConfig, version string) (Shutdown, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Endpoint == "" {
		return noopShutdown, nil
	}

	res, err := newResource(version)
	if err != nil {
		return noopShutdown, fmt.Errorf("creating resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithURLPath(tracesPath),
		otlptracehttp.WithHeaders(headers(cfg)),
	)
	if err != nil {
		return noopShutdown, fmt.Errorf("creating trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter,
			sdktrace.WithExportTimeout(exportTimeout),
			sdktrace.WithMaxQueueSize(maxQueueSize),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// SetupLoggingSDK installs a global OTLP/HTTP logger provider when an
// endpoint is configured. It reports whether log export is active.
func SetupLoggingSDK(ctx context.Context, cfg config.TelemetryConfig, version string) (Shutdown, bool, error) {
	if cfg.Endpoint == "" {
		return noopShutdown, false, nil
	}

	res, err := newResource(version)
	if err != nil {
		return noopShutdown, false, fmt.Errorf("creating resource: %w", err)
	}

	exporter, err := otlploghttp.New(ctx,
		otlploghttp.WithEndpoint(cfg.Endpoint),
		otlploghttp.WithURLPath(logsPath),
		otlploghttp.WithHeaders(headers(cfg)),
	)
	if err != nil {
		return noopShutdown, false, fmt.Errorf("creating log exporter: %w", err)
	}

	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter,
			sdklog.WithExportTimeout(exportTimeout),
			sdklog.WithMaxQueueSize(maxQueueSize),
		)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)
	return lp.Shutdown, true, nil
}

// Join combines shutdown funcs; every one runs even if an earlier one fails.
func Join(fns ...Shutdown) Shutdown {
	return func(ctx context.Context) error {
		var err error
		for _, fn := range fns {
			if fn != nil {
				err = errors.Join(err, fn(ctx))
			}
		}
		return err
	}
}
