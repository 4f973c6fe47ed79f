package tracing

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartProcessRecordsRedactedCommand(t *testing.T) {
	spanRecorder := installSpanRecorder(t)

	_, span := StartProcess(context.Background(), ProcessRequest{
		Agent:  "claude",
		Binary: "claude",
		Args:   []string{"-p", "hello", "--api-key", "sk-live", "--auth-token=abc"},
		Dir:    "/tmp/work",
	})
	span.Stderr("warning: slow")
	span.Line()
	span.Line()
	span.End(0, false, nil)

	ended := findSpan(t, spanRecorder.Ended(), "backend.spawn")
	command := getStringAttr(ended.Attributes(), "command")
	if strings.Contains(command, "sk-live") || strings.Contains(command, "abc") {
		t.Fatalf("command leaked credential: %q", command)
	}
	if !strings.Contains(command, "--api-key <redacted>") {
		t.Fatalf("command = %q, want masked api key", command)
	}
	if got := getStringAttr(ended.Attributes(), "agent"); got != "claude" {
		t.Fatalf("agent = %q, want claude", got)
	}
	if got := getIntAttr(ended.Attributes(), "stdout_lines"); got != 2 {
		t.Fatalf("stdout_lines = %d, want 2", got)
	}
	if ended.Status().Code != codes.Ok {
		t.Fatalf("status = %v, want ok", ended.Status().Code)
	}
	if len(ended.Events()) != 1 || ended.Events()[0].Name != "process.stderr" {
		t.Fatalf("events = %#v, want one process.stderr", ended.Events())
	}
}

func TestProcessSpanEndMarksFailures(t *testing.T) {
	spanRecorder := installSpanRecorder(t)

	_, span := StartProcess(context.Background(), ProcessRequest{Agent: "codex", Binary: "codex"})
	span.End(2, false, errors.New("exit 2"))
	span.End(3, false, errors.New("ignored"))

	ended := findSpan(t, spanRecorder.Ended(), "backend.spawn")
	if ended.Status().Code != codes.Error {
		t.Fatalf("status = %v, want error", ended.Status().Code)
	}
	if got := getIntAttr(ended.Attributes(), "exit_code"); got != 2 {
		t.Fatalf("exit_code = %d, want 2", got)
	}
}

func TestResolveExitCode(t *testing.T) {
	t.Parallel()

	if got := ResolveExitCode(nil, nil); got != 0 {
		t.Fatalf("exit code = %d, want 0", got)
	}

	cmd := exec.Command("sh", "-c", "exit 7")
	err := cmd.Run()
	if got := ResolveExitCode(err, cmd.ProcessState); got != 7 {
		t.Fatalf("exit code = %d, want 7", got)
	}
	if got := ResolveExitCode(errors.New("boom"), nil); got != -1 {
		t.Fatalf("exit code = %d, want -1", got)
	}
}

func TestRedactArgsTruncatesLongValues(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 1000)
	got := RedactArgs([]string{"--message", long})
	if len(got[1]) != maxArgBytes {
		t.Fatalf("arg length = %d, want %d", len(got[1]), maxArgBytes)
	}
	if !strings.HasSuffix(got[1], "...[truncated]") {
		t.Fatalf("arg = %q, want truncation marker", got[1])
	}
}

func TestFormatCommandQuotesSpaces(t *testing.T) {
	t.Parallel()

	got := FormatCommand("opencode", []string{"run", "fix the bug", ""})
	if got != `opencode run "fix the bug"` {
		t.Fatalf("command = %q", got)
	}
}

func installSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	spanRecorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)

	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(previous)
	})

	return spanRecorder
}

func findSpan(t *testing.T, spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, span := range spans {
		if span.Name() == name {
			return span
		}
	}
	t.Fatalf("%s span not found in %d spans", name, len(spans))
	return nil
}

func getStringAttr(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}

func getIntAttr(attrs []attribute.KeyValue, key string) int {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return int(attr.Value.AsInt64())
		}
	}
	return 0
}
