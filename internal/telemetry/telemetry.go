// Package telemetry wires the global OpenTelemetry providers. Spans and
// metrics leave over OTLP/HTTP; with no collector endpoint configured the
// globals stay no-op and instrumented code costs nothing.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	// spanBatchTimeout bounds how long a finished span waits before export.
	// Decision runs are short; a smaller window keeps case traces close to
	// real time in the collector.
	spanBatchTimeout = 5 * time.Second

	// metricInterval is the periodic reader's export cadence. The outbox
	// depth gauge is the most latency-sensitive consumer.
	metricInterval = 15 * time.Second
)

// Shutdown flushes and stops the exporters Init started.
type Shutdown func(ctx context.Context) error

// Init installs tracer and meter providers exporting to the given OTLP/HTTP
// endpoint. An empty endpoint leaves the no-op globals in place and returns
// a Shutdown that does nothing. Call the returned Shutdown on exit so the
// last batch of spans is not dropped.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(spanBatchTimeout)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// W3C trace context and baggage, so a caller's traceparent header joins
	// its request to our case span and outgoing calls carry it onward.
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(metricInterval)),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		traceErr := tp.Shutdown(ctx)
		if metricErr := mp.Shutdown(ctx); traceErr == nil {
			return metricErr
		}
		return traceErr
	}, nil
}

// Meter returns a meter on the installed global provider. Instrumentation
// scope names follow the "sekisho/<package>" convention.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}
