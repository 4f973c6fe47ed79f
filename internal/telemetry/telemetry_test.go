package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type fakeExporter struct {
	exported []sdktrace.ReadOnlySpan
	shutdown bool
}

func (f *fakeExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	f.exported = append(f.exported, spans...)
	return nil
}

func (f *fakeExporter) Shutdown(_ context.Context) error {
	f.shutdown = true
	return nil
}

func TestInitUsesEnvironmentEndpointAndResourceAttributes(t *testing.T) {
	originalVersion := ServiceVersion
	ServiceVersion = "v1.2.3-test"
	defer func() { ServiceVersion = originalVersion }()
	previous := otel.GetTracerProvider()
	defer otel.SetTracerProvider(previous)

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("AGENTDECK_ENV", "prod")

	fake := &fakeExporter{}
	capturedEndpoint := ""
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		capturedEndpoint = endpoint
		return fake, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), Options{Endpoint: "http://from-config:4318"})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}

	if capturedEndpoint != "http://collector:4318" {
		t.Fatalf("endpoint = %q, want collector endpoint", capturedEndpoint)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "startup")
	span.End()

	shutdown()
	if !fake.shutdown {
		t.Fatal("expected exporter shutdown on telemetry shutdown")
	}
	if len(fake.exported) == 0 {
		t.Fatal("expected at least one exported span")
	}

	attrs := fake.exported[0].Resource().Attributes()
	assertResourceAttribute(t, attrs, "service.name", ServiceName)
	assertResourceAttribute(t, attrs, "service.version", "v1.2.3-test")
	assertResourceAttribute(t, attrs, "environment", "prod")
}

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	called := false
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, _ string) (sdktrace.SpanExporter, error) {
		called = true
		return &fakeExporter{}, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), Options{})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	if shutdown == nil {
		t.Fatal("shutdown must never be nil on success")
	}
	shutdown()
	if called {
		t.Fatal("exporter built without an endpoint")
	}
}

func TestInitFallsBackToConsoleExporter(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	previous := otel.GetTracerProvider()
	defer otel.SetTracerProvider(previous)

	restoreFactory := setExporterFactoryForTest(func(_ context.Context, _ string) (sdktrace.SpanExporter, error) {
		return nil, errors.New("dial failed")
	})
	defer restoreFactory()

	console := &bytes.Buffer{}
	shutdown, err := Init(context.Background(), Options{Endpoint: "http://unreachable:4318", Console: console})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "session.prompt")
	span.End()
	shutdown()

	out := console.String()
	if !strings.Contains(out, "falling back to console exporter") {
		t.Fatalf("console = %q, want fallback warning", out)
	}
	if !strings.Contains(out, "[SPAN] session.prompt") {
		t.Fatalf("console = %q, want exported span line", out)
	}
}

func TestResolveEndpointPrecedence(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if got := ResolveEndpoint("  http://config:4318 "); got != "http://config:4318" {
		t.Fatalf("endpoint = %q, want config value", got)
	}
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://env:4318")
	if got := ResolveEndpoint("http://config:4318"); got != "http://env:4318" {
		t.Fatalf("endpoint = %q, want env value", got)
	}
}

func TestBatchConfigConstants(t *testing.T) {
	if BatchSize != 512 {
		t.Fatalf("BatchSize = %d, want 512", BatchSize)
	}
	if BatchTimeout != 5*time.Second {
		t.Fatalf("BatchTimeout = %s, want 5s", BatchTimeout)
	}
}

func assertResourceAttribute(t *testing.T, attrs []attribute.KeyValue, key, want string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != want {
				t.Fatalf("resource attr %s = %q, want %q", key, attr.Value.AsString(), want)
			}
			return
		}
	}
	t.Fatalf("resource attribute %q not found", key)
}

func TestResolveEnvironmentFallback(t *testing.T) {
	t.Setenv("AGENTDECK_ENV", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("ENV", "dev")

	if got := resolveEnvironment(); got != "dev" {
		t.Fatalf("environment = %q, want dev", got)
	}
}
