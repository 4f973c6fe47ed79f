// Package claude adapts Claude Code's headless mode (`claude -p --output-format stream-json`).
package claude

import (
	"regexp"
	"strings"

	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/agentdeck/agentdeck/internal/backend/cliproc"
	"github.com/tidwall/gjson"
)

const (
	AgentID       = "claude"
	DisplayName   = "Claude Code"
	DefaultBinary = "claude"
	CredentialEnv = "ANTHROPIC_API_KEY"

	// DefaultPermissionMode lets the CLI apply edits without prompting.
	DefaultPermissionMode = "acceptEdits"
)

var stderrErrorPattern = regexp.MustCompile(`(?i)^error\b|api error|invalid api key|credit balance is too low|overloaded_error`)

// Vendor implements cliproc.Vendor for Claude Code.
type Vendor struct {
	// PermissionMode is passed as --permission-mode; empty uses DefaultPermissionMode.
	PermissionMode string
}

var _ cliproc.Vendor = Vendor{}

func (Vendor) Name() string          { return AgentID }
func (Vendor) DefaultBinary() string { return DefaultBinary }
func (Vendor) CredentialEnv() string { return CredentialEnv }

// BuildArgs returns:
// --output-format stream-json --verbose -p --permission-mode M [--model M] [--resume S] [extra...] -- <prompt>
func (v Vendor) BuildArgs(inv cliproc.Invocation) []string {
	mode := strings.TrimSpace(v.PermissionMode)
	if mode == "" {
		mode = DefaultPermissionMode
	}
	args := []string{
		"--output-format", "stream-json",
		"--verbose",
		"-p",
		"--permission-mode", mode,
	}
	if model := strings.TrimSpace(inv.Model); model != "" {
		args = append(args, "--model", model)
	}
	if token := strings.TrimSpace(inv.ResumeToken); token != "" {
		args = append(args, "--resume", token)
	}
	args = append(args, inv.ExtraArgs...)
	return append(args, "--", inv.Prompt)
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
	case "system":
		if event.Get("subtype").String() == "init" {
			out.ResumeToken = event.Get("session_id").String()
		}
	case "assistant":
		decodeAssistant(event, &out)
	case "user":
		decodeToolResults(event, &out)
	case "tool":
		decodeFlatToolResult(event, &out)
	case "result":
		decodeResult(event, &out)
	case "error":
		detail := cliproc.FirstString(event, "error.message", "message", "error")
		if detail == "" {
			detail = "unknown error"
		}
		out.Messages = append(out.Messages, backend.NewStatus(backend.StatusError, detail))
	}

	if len(out.Messages) == 0 && out.Usage == nil && out.ResumeToken == "" {
		return cliproc.Decoded{}, false
	}
	return out, true
}

func decodeAssistant(event gjson.Result, out *cliproc.Decoded) {
	content := event.Get("message.content")
	if !content.IsArray() {
		if text := cliproc.FirstString(event, "text", "content"); text != "" {
			out.Messages = append(out.Messages, backend.NewModelOutput(text))
		}
		return
	}
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			if text := block.Get("text").String(); text != "" {
				out.Messages = append(out.Messages, backend.NewModelOutput(text))
			}
		case "tool_use":
			name := block.Get("name").String()
			callID := block.Get("id").String()
			if name != "" && callID != "" {
				out.Messages = append(out.Messages, backend.NewToolCall(name, callID, cliproc.RawJSON(block.Get("input"))))
			}
		}
		return true
	})
}

func decodeToolResults(event gjson.Result, out *cliproc.Decoded) {
	event.Get("message.content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() != "tool_result" {
			return true
		}
		callID := block.Get("tool_use_id").String()
		if callID == "" {
			return true
		}
		out.Messages = append(out.Messages, backend.NewToolResult("", callID, cliproc.RawJSON(block.Get("content"))))
		return true
	})
}

func decodeFlatToolResult(event gjson.Result, out *cliproc.Decoded) {
	callID := cliproc.FirstString(event, "tool_use_id", "id")
	if callID == "" {
		return
	}
	out.Messages = append(out.Messages,
		backend.NewToolResult(event.Get("name").String(), callID, cliproc.RawJSON(event.Get("output"))),
	)
}

// result closes the turn and carries the run's cumulative usage.
func decodeResult(event gjson.Result, out *cliproc.Decoded) {
	if id := event.Get("session_id").String(); id != "" {
		out.ResumeToken = id
	}

	usage := event.Get("usage")
	cost := event.Get("total_cost_usd")
	if !cost.Exists() {
		cost = event.Get("cost_usd")
	}
	if usage.Exists() || cost.Exists() {
		out.Usage = &backend.Usage{
			InputTokens: usage.Get("input_tokens").Int() +
				usage.Get("cache_creation_input_tokens").Int() +
				usage.Get("cache_read_input_tokens").Int(),
			OutputTokens: usage.Get("output_tokens").Int(),
			CostUSD:      cost.Float(),
		}
		out.Cumulative = true
	}

	subtype := event.Get("subtype").String()
	if event.Get("is_error").Bool() || strings.HasPrefix(subtype, "error") {
		detail := cliproc.FirstString(event, "result", "subtype")
		out.Messages = append(out.Messages, backend.NewStatus(backend.StatusError, detail))
		return
	}
	out.Messages = append(out.Messages, backend.NewStatus(backend.StatusIdle, ""))
}
