// Package telemetry wires the OpenTelemetry tracer provider and the prompt span.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName is the canonical telemetry service name.
	ServiceName = "agentdeck"
	// DefaultEnvironment is used when no environment variable is configured.
	DefaultEnvironment = "dev"
	// BatchTimeout configures batch span processor flush interval.
	BatchTimeout = 5 * time.Second
	// BatchSize configures batch span processor max export batch size.
	BatchSize = 512
)

var (
	// ServiceVersion is set at build time via ldflags when available.
	ServiceVersion = "dev"

	exporterFactory = func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		certPath := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_CERTIFICATE"))
		if certPath != "" {
			tlsConfig, err := tlsConfigFromCertificate(certPath)
			if err != nil {
				return nil, err
			}
			opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsConfig))
		}
		return otlptracehttp.New(ctx, opts...)
	}
)

// Options configures Init.
type Options struct {
	// Endpoint is the OTLP HTTP collector URL. OTEL_EXPORTER_OTLP_ENDPOINT
	// takes precedence when set.
	Endpoint string
	// Console receives spans when the OTLP exporter cannot be built.
	// Defaults to os.Stderr.
	Console io.Writer
}

// Init configures OpenTelemetry with OTLP HTTP exporter, resource attributes, and batch processing.
//
// With no endpoint configured the global no-op tracer provider is left in
// place and the returned shutdown does nothing.
func Init(ctx context.Context, opts Options) (func(), error) {
	endpoint := ResolveEndpoint(opts.Endpoint)
	if endpoint == "" {
		return func() {}, nil
	}
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	exporter, err := exporterFactory(ctx, endpoint)
	if err != nil {
		fmt.Fprintf(
			console,
			"warning: OTLP exporter unavailable for %s (%v); falling back to console exporter\n",
			endpoint,
			err,
		)
		exporter = &stderrSpanExporter{out: console}
	}

	res, err := resource.New(
		ctx,
		resource.WithAttributes(
			attribute.String("service.name", ServiceName),
			attribute.String("service.version", resolveServiceVersion()),
			attribute.String("environment", resolveEnvironment()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(
			exporter,
			sdktrace.WithBatchTimeout(BatchTimeout),
			sdktrace.WithMaxExportBatchSize(BatchSize),
		),
	)
	otel.SetTracerProvider(provider)

	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), BatchTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				otel.Handle(err)
			}
		})
	}

	return shutdown, nil
}

// ResolveEndpoint applies environment precedence to the configured endpoint.
func ResolveEndpoint(configured string) string {
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	return strings.TrimSpace(configured)
}

func resolveEnvironment() string {
	for _, key := range []string{"AGENTDECK_ENV", "ENVIRONMENT", "ENV"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return strings.ToLower(value)
		}
	}
	return DefaultEnvironment
}

func resolveServiceVersion() string {
	version := strings.TrimSpace(ServiceVersion)
	if version == "" {
		return "dev"
	}
	return version
}

func tlsConfigFromCertificate(path string) (*tls.Config, error) {
	// #nosec G304 -- certificate path is explicitly provided by OTEL_EXPORTER_OTLP_CERTIFICATE configuration.
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read OTEL certificate %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(certPEM); !ok {
		return nil, fmt.Errorf("parse OTEL certificate %q: no certificates found", path)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}

type stderrSpanExporter struct {
	out io.Writer
}

func (e *stderrSpanExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e == nil || e.out == nil {
		return nil
	}
	for _, span := range spans {
		duration := span.EndTime().Sub(span.StartTime()).Round(time.Millisecond)
		if _, err := fmt.Fprintf(e.out, "[SPAN] %s %s %v\n", span.Name(), duration, span.Status().Code); err != nil {
			return err
		}
		for _, event := range span.Events() {
			if _, err := fmt.Fprintf(e.out, "  [EVENT] %s\n", event.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *stderrSpanExporter) Shutdown(_ context.Context) error {
	return nil
}

func setExporterFactoryForTest(factory func(context.Context, string) (sdktrace.SpanExporter, error)) func() {
	previous := exporterFactory
	exporterFactory = factory
	return func() {
		exporterFactory = previous
	}
}
