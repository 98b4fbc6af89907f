package tracing

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"grok2api-go/internal/version"
)

var (
	initOnce       sync.Once
	tracerProvider *sdktrace.TracerProvider
	tracerName     = "grok2api-go"
)

// Attribute helpers shared by pool, refresh and upstream spans so dashboards
// can slice by the same keys everywhere.

// PoolAttr tags a span with the token pool it operates on.
func PoolAttr(name string) attribute.KeyValue { return attribute.String("token.pool", name) }

// ModelAttr tags a span with the upstream model being queried.
func ModelAttr(name string) attribute.KeyValue { return attribute.String("upstream.model", name) }

// CheckedAttr records how many cooling tokens a refresh cycle examined.
func CheckedAttr(n int) attribute.KeyValue { return attribute.Int("refresh.checked", n) }

// RecoveredAttr records how many tokens a refresh cycle brought back.
func RecoveredAttr(n int) attribute.KeyValue { return attribute.Int("refresh.recovered", n) }

// ExpiredAttr records how many tokens a refresh cycle gave up on.
func ExpiredAttr(n int) attribute.KeyValue { return attribute.Int("refresh.expired", n) }

// Init configures OpenTelemetry tracing when an OTLP endpoint is present in
// the environment. It returns a shutdown function to invoke during server
// shutdown; without an endpoint both Init and the shutdown are no-ops.
func Init(ctx context.Context) (func(context.Context) error, error) {
	var initErr error
	initOnce.Do(func() {
		endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
		if endpoint == "" {
			return
		}

		exporter, err := newExporter(ctx, endpoint)
		if err != nil {
			initErr = err
			return
		}
		res, err := newResource(ctx)
		if err != nil {
			initErr = err
			return
		}

		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter,
				sdktrace.WithBatchTimeout(5*time.Second),
			),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		otel.SetTextMapPropagator(propagation.TraceContext{})
	})

	if initErr != nil {
		return func(context.Context) error { return nil }, initErr
	}
	if tracerProvider == nil {
		return func(context.Context) error { return nil }, nil
	}
	return tracerProvider.Shutdown, nil
}

func newExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
	}
	insecureFlag := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"))
	if insecureFlag == "" || strings.EqualFold(insecureFlag, "true") || insecureFlag == "1" {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

func newResource(ctx context.Context) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", tracerName),
			attribute.String("service.version", version.Version),
			attribute.String("service.instance.id", hostname()),
		),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithFromEnv(),
	)
}

// Tracer returns a named tracer scoped under the service name.
func Tracer(component string) trace.Tracer {
	name := tracerName
	if strings.TrimSpace(component) != "" {
		name = name + "/" + component
	}
	return otel.Tracer(name)
}

// StartSpan is a convenience wrapper around Tracer(component).Start.
func StartSpan(ctx context.Context, component, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer(component).Start(ctx, spanName, opts...)
}

func hostname() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown"
}
