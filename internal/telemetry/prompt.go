package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	openAITokenPattern     = regexp.MustCompile(`\bsk-[A-Za-z0-9]{10,}\b`)
)

// PromptRequest describes one prompt submitted to an agent session.
type PromptRequest struct {
	SessionID string
	Agent     string
	Model     string
	Prompt    string
	Source    string
}

// PromptSpan tracks one session.prompt span.
type PromptSpan struct {
	span      trace.Span
	startedAt time.Time

	mu          sync.Mutex
	toolCalls   int
	permissions int
	ended       bool
}

// PromptUsage is the token and cost delta attributed to one prompt.
type PromptUsage struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

type promptContextKey struct{}

// StartPrompt starts a session.prompt span and returns a context carrying the tracker.
// The prompt text itself is never recorded, only a hash of its redacted form.
func StartPrompt(ctx context.Context, req PromptRequest) (context.Context, *PromptSpan) {
	if ctx == nil {
		ctx = context.Background()
	}

	attrs := []attribute.KeyValue{
		attribute.String("session_id", normalizeOrUnknown(req.SessionID)),
		attribute.String("agent", normalizeOrUnknown(req.Agent)),
		attribute.Int("prompt_tokens_estimate", EstimateTokenCount(req.Prompt)),
		attribute.String("prompt_hash", hashPrompt(req.Prompt)),
	}
	if model := strings.TrimSpace(req.Model); model != "" {
		attrs = append(attrs, attribute.String("model", model))
	}
	if source := strings.TrimSpace(req.Source); source != "" {
		attrs = append(attrs, attribute.String("source", source))
	}

	spanCtx, span := otel.Tracer("agentdeck/telemetry/prompt").Start(
		ctx,
		"session.prompt",
		trace.WithAttributes(attrs...),
	)

	prompt := &PromptSpan{span: span, startedAt: time.Now()}
	return context.WithValue(spanCtx, promptContextKey{}, prompt), prompt
}

// PromptFromContext returns the prompt tracker if one exists on the context.
func PromptFromContext(ctx context.Context) *PromptSpan {
	if ctx == nil {
		return nil
	}
	prompt, ok := ctx.Value(promptContextKey{}).(*PromptSpan)
	if !ok {
		return nil
	}
	return prompt
}

// RecordToolCall adds a tool-call event to the active prompt span.
func (p *PromptSpan) RecordToolCall(toolName, callID string) {
	if p == nil || p.span == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return
	}
	p.toolCalls++

	p.span.AddEvent(
		"prompt.tool_call",
		trace.WithAttributes(
			attribute.String("tool_name", normalizeOrUnknown(toolName)),
			attribute.String("call_id", strings.TrimSpace(callID)),
		),
	)
}

// RecordPermission adds a permission decision event to the active prompt span.
func (p *PromptSpan) RecordPermission(requestID string, approved bool, source string) {
	if p == nil || p.span == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return
	}
	p.permissions++

	p.span.AddEvent(
		"prompt.permission",
		trace.WithAttributes(
			attribute.String("request_id", strings.TrimSpace(requestID)),
			attribute.Bool("approved", approved),
			attribute.String("source", normalizeOrUnknown(source)),
		),
	)
}

// End finalizes the span with latency, usage, and counts. Errors are
// redacted before they are attached.
func (p *PromptSpan) End(usage PromptUsage, err error) {
	if p == nil || p.span == nil {
		return
	}

	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return
	}
	p.ended = true
	toolCalls := p.toolCalls
	permissions := p.permissions
	p.mu.Unlock()

	durationMS := time.Since(p.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}

	p.span.SetAttributes(
		attribute.Int64("latency_ms", durationMS),
		attribute.Int("tool_calls_count", toolCalls),
		attribute.Int("permission_requests_count", permissions),
		attribute.Int64("input_tokens", usage.InputTokens),
		attribute.Int64("output_tokens", usage.OutputTokens),
		attribute.Int64("total_tokens", usage.InputTokens+usage.OutputTokens),
		attribute.Float64("cost_usd", usage.CostUSD),
	)

	if err != nil {
		p.span.AddEvent(
			"prompt.error",
			trace.WithAttributes(attribute.String("error_message", redactSecrets(err.Error()))),
		)
		p.span.SetStatus(codes.Error, redactSecrets(err.Error()))
	} else {
		p.span.SetStatus(codes.Ok, "prompt completed")
	}
	p.span.End()
}

// EstimateTokenCount estimates token count using a deterministic words-to-tokens heuristic.
func EstimateTokenCount(text string) int {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return 0
	}
	return (len(fields)*4 + 2) / 3
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(redactSecrets(prompt)))
	return hex.EncodeToString(sum[:])
}

func redactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = openAITokenPattern.ReplaceAllString(redacted, "<redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
