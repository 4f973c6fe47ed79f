// Package codex adapts the Codex CLI (`codex exec --json`).
package codex

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/agentdeck/agentdeck/internal/backend/cliproc"
	"github.com/tidwall/gjson"
)

const (
	AgentID       = "codex"
	DisplayName   = "Codex"
	DefaultBinary = "codex"
	CredentialEnv = "OPENAI_API_KEY"

	toolShell      = "shell"
	toolFileChange = "file_change"
	toolWebSearch  = "web_search"
)

var (
	threadIDPattern    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	stderrErrorPattern = regexp.MustCompile(`(?i)^error\b|stream error|unauthorized|rate limit`)
)

// Vendor implements cliproc.Vendor for Codex.
type Vendor struct{}

var _ cliproc.Vendor = Vendor{}

func (Vendor) Name() string          { return AgentID }
func (Vendor) DefaultBinary() string { return DefaultBinary }
func (Vendor) CredentialEnv() string { return CredentialEnv }

// BuildArgs returns:
//
//	exec --json --full-auto --skip-git-repo-check [-m M] [extra...] -- <prompt>
//	exec resume --json --full-auto --skip-git-repo-check [-m M] [extra...] -- <thread> <prompt>
//
// The prompt is positional after "--" so prompt text is never parsed as flags.
func (Vendor) BuildArgs(inv cliproc.Invocation) []string {
	token := strings.TrimSpace(inv.ResumeToken)
	args := []string{"exec"}
	if token != "" {
		args = append(args, "resume")
	}
	args = append(args, "--json", "--full-auto", "--skip-git-repo-check")
	if model := strings.TrimSpace(inv.Model); model != "" {
		args = append(args, "-m", model)
	}
	args = append(args, inv.ExtraArgs...)
	args = append(args, "--")
	if token != "" {
		args = append(args, token)
	}
	return append(args, inv.Prompt)
}

func (Vendor) StderrError(line string) bool {
	return stderrErrorPattern.MatchString(strings.TrimSpace(line))
}

type eventDecoder func(event gjson.Result, out *cliproc.Decoded)

var decoders = map[string]eventDecoder{
	"thread.started": decodeThreadStarted,
	"item.started":   decodeItemStarted,
	"item.completed": decodeItemCompleted,
	"turn.completed": decodeTurnCompleted,
	"turn.failed":    decodeTurnFailed,
	"error":          decodeError,
}

// DecodeLine implements cliproc.Vendor.
func (Vendor) DecodeLine(line string) (cliproc.Decoded, bool) {
	event, ok := cliproc.JSONLine(line)
	if !ok {
		return cliproc.Decoded{}, false
	}
	decode, ok := decoders[event.Get("type").String()]
	if !ok {
		return cliproc.Decoded{}, false
	}
	var out cliproc.Decoded
	decode(event, &out)
	if len(out.Messages) == 0 && out.Usage == nil && out.ResumeToken == "" {
		return cliproc.Decoded{}, false
	}
	return out, true
}

func decodeThreadStarted(event gjson.Result, out *cliproc.Decoded) {
	if id := event.Get("thread_id").String(); threadIDPattern.MatchString(id) {
		out.ResumeToken = id
	}
}

func decodeItemStarted(event gjson.Result, out *cliproc.Decoded) {
	item := event.Get("item")
	id := item.Get("id").String()
	if id == "" {
		return
	}
	switch item.Get("type").String() {
	case "command_execution":
		out.Messages = append(out.Messages, backend.NewToolCall(toolShell, id, commandArgs(item)))
	case "mcp_tool_call":
		out.Messages = append(out.Messages, backend.NewToolCall(mcpToolName(item), id, cliproc.RawJSON(item.Get("arguments"))))
	}
}

func decodeItemCompleted(event gjson.Result, out *cliproc.Decoded) {
	item := event.Get("item")
	id := item.Get("id").String()

	switch item.Get("type").String() {
	case "agent_message":
		if text := item.Get("text").String(); text != "" {
			out.Messages = append(out.Messages, backend.NewModelOutput(text))
		}
	case "command_execution":
		if id == "" {
			return
		}
		result, _ := json.Marshal(map[string]any{
			"exit_code": item.Get("exit_code").Int(),
			"output":    item.Get("aggregated_output").String(),
		})
		out.Messages = append(out.Messages, backend.NewToolResult(toolShell, id, result))
	case "mcp_tool_call":
		if id == "" {
			return
		}
		result := item.Get("result")
		if !result.Exists() {
			result = item.Get("error")
		}
		out.Messages = append(out.Messages, backend.NewToolResult(mcpToolName(item), id, cliproc.RawJSON(result)))
	case "file_change":
		decodeFileChange(item, id, out)
	case "web_search":
		if id == "" {
			return
		}
		args, _ := json.Marshal(map[string]string{"query": item.Get("query").String()})
		out.Messages = append(out.Messages,
			backend.NewToolCall(toolWebSearch, id, args),
			backend.NewToolResult(toolWebSearch, id, nil),
		)
	case "error":
		if message := item.Get("message").String(); message != "" {
			out.Messages = append(out.Messages, backend.NewStatus(backend.StatusError, message))
		}
	}
}

// file_change items only appear once applied; each changed path becomes an fs-edit.
func decodeFileChange(item gjson.Result, id string, out *cliproc.Decoded) {
	changes := item.Get("changes")
	if id != "" {
		out.Messages = append(out.Messages,
			backend.NewToolCall(toolFileChange, id, cliproc.RawJSON(changes)),
			backend.NewToolResult(toolFileChange, id, cliproc.RawJSON(item.Get("status"))),
		)
	}
	changes.ForEach(func(_, change gjson.Result) bool {
		path := change.Get("path").String()
		if path == "" {
			return true
		}
		kind := change.Get("kind").String()
		if kind == "" {
			kind = "update"
		}
		out.Messages = append(out.Messages, backend.NewFSEdit(kind+" "+path, path))
		return true
	})
}

// turn.completed usage covers one turn; each exec runs one turn.
func decodeTurnCompleted(event gjson.Result, out *cliproc.Decoded) {
	usage := event.Get("usage")
	if !usage.Exists() {
		return
	}
	out.Usage = &backend.Usage{
		InputTokens:  usage.Get("input_tokens").Int(),
		OutputTokens: usage.Get("output_tokens").Int(),
	}
}

func decodeTurnFailed(event gjson.Result, out *cliproc.Decoded) {
	detail := cliproc.FirstString(event, "error.message", "message")
	if detail == "" {
		detail = "turn failed"
	}
	out.Messages = append(out.Messages, backend.NewStatus(backend.StatusError, detail))
}

func decodeError(event gjson.Result, out *cliproc.Decoded) {
	detail := cliproc.FirstString(event, "message", "error.message")
	if detail == "" {
		detail = "unknown error"
	}
	out.Messages = append(out.Messages, backend.NewStatus(backend.StatusError, detail))
}

func commandArgs(item gjson.Result) []byte {
	args, _ := json.Marshal(map[string]string{"command": item.Get("command").String()})
	return args
}

func mcpToolName(item gjson.Result) string {
	server := item.Get("server").String()
	tool := cliproc.FirstString(item, "tool", "name", "tool_name")
	switch {
	case server != "" && tool != "":
		return server + "." + tool
	case tool != "":
		return tool
	default:
		return "mcp_tool_call"
	}
}
