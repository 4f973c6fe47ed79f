// Package gemini adapts Gemini CLI (`gemini -p --output-format stream-json`).
package gemini

import (
	"regexp"
	"strings"

	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/agentdeck/agentdeck/internal/backend/cliproc"
	"github.com/tidwall/gjson"
)

const (
	AgentID       = "gemini"
	DisplayName   = "Gemini CLI"
	DefaultBinary = "gemini"
	CredentialEnv = "GEMINI_API_KEY"
)

var stderrErrorPattern = regexp.MustCompile(`(?i)^error\b|api key not valid|quota exceeded|resource_exhausted`)

var resultStatuses = cliproc.StatusTable{
	"success":   backend.StatusIdle,
	"completed": backend.StatusIdle,
	"error":     backend.StatusError,
	"failed":    backend.StatusError,
	"cancelled": backend.StatusStopped,
}

// Vendor implements cliproc.Vendor for Gemini CLI.
type Vendor struct{}

var _ cliproc.Vendor = Vendor{}

func (Vendor) Name() string          { return AgentID }
func (Vendor) DefaultBinary() string { return DefaultBinary }
func (Vendor) CredentialEnv() string { return CredentialEnv }

// BuildArgs returns: --output-format stream-json -p <prompt> --yolo [--model M] [--resume S] [extra...]
func (Vendor) BuildArgs(inv cliproc.Invocation) []string {
	args := []string{"--output-format", "stream-json", "-p", inv.Prompt, "--yolo"}
	if model := strings.TrimSpace(inv.Model); model != "" {
		args = append(args, "--model", model)
	}
	if token := strings.TrimSpace(inv.ResumeToken); token != "" {
		args = append(args, "--resume", token)
	}
	return append(args, inv.ExtraArgs...)
}

func (Vendor) StderrError(line string) bool {
	return stderrErrorPattern.MatchString(strings.TrimSpace(line))
}

// DecodeLine implements cliproc.Vendor.
func (Vendor) DecodeLine(line string) (cliproc.Decoded, bool) {
	event, ok := cliproc.JSONLine(line)
	if !ok {
		return cliproc.Decoded{}, false
	}

	var out cliproc.Decoded
	switch event.Get("type").String() {
	case "init":
		out.ResumeToken = event.Get("session_id").String()
	case "message":
		if event.Get("role").String() == "assistant" {
			if text := event.Get("content").String(); text != "" {
				out.Messages = append(out.Messages, backend.NewModelOutput(text))
			}
		}
	case "tool_use":
		name := event.Get("tool_name").String()
		callID := event.Get("tool_id").String()
		if name != "" && callID != "" {
			out.Messages = append(out.Messages, backend.NewToolCall(name, callID, cliproc.RawJSON(event.Get("parameters"))))
		}
	case "tool_result":
		if callID := event.Get("tool_id").String(); callID != "" {
			result := event.Get("output")
			if !result.Exists() {
				result = event.Get("error")
			}
			out.Messages = append(out.Messages, backend.NewToolResult("", callID, cliproc.RawJSON(result)))
		}
	case "error":
		detail := cliproc.FirstString(event, "message", "error.message")
		if detail == "" {
			detail = "unknown error"
		}
		if strings.EqualFold(event.Get("severity").String(), "warning") {
			return cliproc.Decoded{}, false
		}
		out.Messages = append(out.Messages, backend.NewStatus(backend.StatusError, detail))
	case "result":
		decodeResult(event, &out)
	}

	if len(out.Messages) == 0 && out.Usage == nil && out.ResumeToken == "" {
		return cliproc.Decoded{}, false
	}
	return out, true
}

func decodeResult(event gjson.Result, out *cliproc.Decoded) {
	raw := event.Get("status").String()
	status, known := resultStatuses.Map(raw)
	if !known {
		out.Unrecognized = raw
	}
	detail := ""
	if status == backend.StatusError {
		detail = cliproc.FirstString(event, "error.message", "error")
	}
	out.Messages = append(out.Messages, backend.NewStatus(status, detail))

	stats := event.Get("stats")
	if stats.Exists() {
		out.Usage = &backend.Usage{
			InputTokens:  stats.Get("input_tokens").Int(),
			OutputTokens: stats.Get("output_tokens").Int(),
		}
		out.Cumulative = true
	}
}
