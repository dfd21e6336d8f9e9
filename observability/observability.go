package observability

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceName identifies the runtime in traces.
const DefaultServiceName = "mxpgo"

var (
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer = noop.NewTracerProvider().Tracer(DefaultServiceName)
)

// Config holds tracing configuration.
type Config struct {
	// ServiceName defaults to DefaultServiceName.
	ServiceName string

	// Enabled controls whether tracing is active.
	Enabled bool

	// ExporterType selects the exporter: "otlp", "stdout", or "none".
	ExporterType string

	// OTLPEndpoint is the OTLP/HTTP collector endpoint.
	OTLPEndpoint string

	// OTLPHeaders are added to every OTLP request.
	OTLPHeaders map[string]string
}

// InitFromEnv initializes tracing from the standard OpenTelemetry
// environment variables:
//   - OTEL_SERVICE_NAME
//   - OTEL_TRACES_ENABLED ("true"/"false", default true)
//   - OTEL_TRACES_EXPORTER ("otlp", "stdout", "none"; default "stdout")
//   - OTEL_EXPORTER_OTLP_ENDPOINT
//   - OTEL_EXPORTER_OTLP_HEADERS ("key1=value1,key2=value2")
func InitFromEnv() error {
	cfg := Config{
		ServiceName:  getEnv("OTEL_SERVICE_NAME", DefaultServiceName),
		Enabled:      getEnv("OTEL_TRACES_ENABLED", "true") == "true",
		ExporterType: getEnv("OTEL_TRACES_EXPORTER", "stdout"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:  parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
	}
	return Init(cfg)
}

// Init configures the global tracer provider.
func Init(cfg Config) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if !cfg.Enabled || cfg.ExporterType == "none" {
		tracer = noop.NewTracerProvider().Tracer(cfg.ServiceName)
		return nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.ExporterType {
	case "otlp":
		opts := []otlptracehttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		}
		if len(cfg.OTLPHeaders) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
		}
		exporter, err = otlptracehttp.New(context.Background(), opts...)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return fmt.Errorf("observability: unknown exporter type %q", cfg.ExporterType)
	}
	if err != nil {
		return fmt.Errorf("observability: create exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return fmt.Errorf("observability: build resource: %w", err)
	}

	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	tracer = tracerProvider.Tracer(cfg.ServiceName)
	return nil
}

// Tracer returns the runtime tracer. Safe to call before Init; spans are
// no-ops until tracing is configured.
func Tracer() trace.Tracer {
	return tracer
}

// Shutdown flushes and stops the tracer provider.
func Shutdown(ctx context.Context) error {
	if tracerProvider == nil {
		return nil
	}
	return tracerProvider.Shutdown(ctx)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseHeaders(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return headers
}
