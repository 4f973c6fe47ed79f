package tracing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxOutputEventBytes = 1024
	maxArgBytes         = 256
)

// ProcessRequest describes one vendor CLI invocation.
type ProcessRequest struct {
	Agent  string
	Binary string
	Args   []string
	Dir    string
}

// ProcessSpan tracks one backend.spawn span from start to exit.
type ProcessSpan struct {
	span    trace.Span
	started time.Time

	mu    sync.Mutex
	lines int
	ended bool
}

// StartProcess opens a backend.spawn span with redacted arguments.
func StartProcess(ctx context.Context, req ProcessRequest) (context.Context, *ProcessSpan) {
	if ctx == nil {
		ctx = context.Background()
	}
	spanCtx, span := otel.Tracer("agentdeck/tracing/process").Start(
		ctx,
		"backend.spawn",
		trace.WithAttributes(
			attribute.String("agent", strings.TrimSpace(req.Agent)),
			attribute.String("command", FormatCommand(req.Binary, RedactArgs(req.Args))),
			attribute.String("cwd", strings.TrimSpace(req.Dir)),
		),
	)
	return spanCtx, &ProcessSpan{span: span, started: time.Now()}
}

// Stderr records one stderr line as a span event.
func (p *ProcessSpan) Stderr(line string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return
	}
	p.span.AddEvent(
		"process.stderr",
		trace.WithAttributes(attribute.String("output", truncateOutput(line, maxOutputEventBytes))),
	)
}

// Line counts one stdout line.
func (p *ProcessSpan) Line() {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.lines++
	p.mu.Unlock()
}

// End closes the span with the process outcome.
func (p *ProcessSpan) End(exitCode int, cancelled bool, err error) {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return
	}
	p.ended = true
	lines := p.lines
	p.mu.Unlock()

	p.span.SetAttributes(
		attribute.Int("exit_code", exitCode),
		attribute.Bool("cancelled", cancelled),
		attribute.Int("stdout_lines", lines),
		attribute.Int64("duration_ms", time.Since(p.started).Milliseconds()),
	)
	if err != nil && !cancelled {
		p.span.RecordError(err)
		p.span.SetStatus(codes.Error, err.Error())
	} else {
		p.span.SetStatus(codes.Ok, "process exited")
	}
	p.span.End()
}

// ResolveExitCode extracts the exit code from a Wait error or process state.
// Signal deaths report -1.
func ResolveExitCode(waitErr error, state *os.ProcessState) int {
	if waitErr == nil && state == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if state != nil {
		return state.ExitCode()
	}
	return -1
}

func truncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}

// RedactArgs masks credential-looking arguments and truncates long ones.
func RedactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if strings.HasPrefix(trimmed, "-") && strings.Contains(trimmed, "=") {
			parts := strings.SplitN(trimmed, "=", 2)
			if SensitiveKey(strings.ToLower(parts[0])) {
				redacted = append(redacted, parts[0]+"=<redacted>")
				continue
			}
		}

		if strings.HasPrefix(trimmed, "-") && SensitiveKey(strings.ToLower(trimmed)) {
			maskNext = true
		}
		redacted = append(redacted, truncateOutput(trimmed, maxArgBytes))
	}

	return redacted
}

// SensitiveKey reports whether a flag or config key names a secret.
func SensitiveKey(value string) bool {
	for _, candidate := range []string{
		"token",
		"password",
		"passwd",
		"secret",
		"api-key",
		"apikey",
		"api_key",
		"auth",
		"bearer",
		"credential",
	} {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

// FormatCommand returns a deterministic command preview for traces/logs.
func FormatCommand(binary string, args []string) string {
	parts := append([]string{strings.TrimSpace(binary)}, args...)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.ContainsAny(part, " \t\n") {
			part = fmt.Sprintf("%q", part)
		}
		out = append(out, part)
	}
	return strings.Join(out, " ")
}
