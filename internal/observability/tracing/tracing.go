// Package tracing provides shared OTel tracer initialization for the daemon.
//
// Exporting is driven by the tracing section of the config file; the
// OTEL_EXPORTER_OTLP_ENDPOINT environment variable overrides it. With
// neither set a no-op tracer is used (zero overhead).
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "gobbyd"

var (
	initOnce       sync.Once
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

// Init configures the exporter from the daemon's tracing settings. The env
// var, when set, wins over the config and enables tracing on its own.
func Init(enabled bool, endpoint string) {
	initOnce.Do(func() {
		setup(resolveEndpoint(enabled, endpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")))
	})
}

// resolveEndpoint picks the exporter endpoint: env override first, then the
// configured endpoint when tracing is enabled, otherwise none.
func resolveEndpoint(enabled bool, cfgEndpoint, envEndpoint string) string {
	if envEndpoint != "" {
		return envEndpoint
	}
	if enabled {
		return cfgEndpoint
	}
	return ""
}

func setup(endpoint string) {
	if endpoint == "" {
		return
	}

	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		res = resource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer. Falls back to env-only initialization when
// Init was never called. No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	initOnce.Do(func() {
		setup(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	})
	return tracerProvider.Tracer(name)
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}
