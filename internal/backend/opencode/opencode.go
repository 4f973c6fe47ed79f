// Package opencode adapts the OpenCode CLI (`opencode run --format json`).
package opencode

import (
	"regexp"
	"strings"

	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/agentdeck/agentdeck/internal/backend/cliproc"
	"github.com/tidwall/gjson"
)

const (
	// AgentID is the registry key.
	AgentID = "opencode"
	// DisplayName is shown in agent listings.
	DisplayName = "OpenCode"
	// DefaultBinary is looked up on PATH.
	DefaultBinary = "opencode"
)

var (
	sessionIDPattern   = regexp.MustCompile(`^ses_[a-zA-Z0-9]{20,40}$`)
	stderrErrorPattern = regexp.MustCompile(`(?i)^(error|fatal)\b|providermodelnotfound|unauthorized`)
)

var statuses = cliproc.StatusTable{
	"starting":  backend.StatusStarting,
	"running":   backend.StatusRunning,
	"busy":      backend.StatusRunning,
	"working":   backend.StatusRunning,
	"thinking":  backend.StatusRunning,
	"idle":      backend.StatusIdle,
	"complete":  backend.StatusIdle,
	"completed": backend.StatusIdle,
	"done":      backend.StatusIdle,
	"stopped":   backend.StatusStopped,
	"cancelled": backend.StatusStopped,
	"aborted":   backend.StatusStopped,
	"error":     backend.StatusError,
	"failed":    backend.StatusError,
}

// Vendor implements cliproc.Vendor for OpenCode.
type Vendor struct{}

var _ cliproc.Vendor = Vendor{}

func (Vendor) Name() string          { return AgentID }
func (Vendor) DefaultBinary() string { return DefaultBinary }

// OpenCode reads provider keys from its own auth store.
func (Vendor) CredentialEnv() string { return "" }

// BuildArgs returns: run --format json [--model M] [--session S] [extra...] -- <prompt>
func (Vendor) BuildArgs(inv cliproc.Invocation) []string {
	args := []string{"run", "--format", "json"}
	if model := strings.TrimSpace(inv.Model); model != "" {
		args = append(args, "--model", model)
	}
	if token := strings.TrimSpace(inv.ResumeToken); token != "" {
		args = append(args, "--session", token)
	}
	args = append(args, inv.ExtraArgs...)
	return append(args, "--", inv.Prompt)
}

func (Vendor) StderrError(line string) bool {
	return stderrErrorPattern.MatchString(strings.TrimSpace(line))
}

type eventDecoder func(event gjson.Result, out *cliproc.Decoded)

// Both the compact event vocabulary (assistant/tool_call/tool_result/status/
// session/cost) and the `run --format json` one (step_start/text/tool_use/
// step_finish/error) are accepted.
var decoders = map[string]eventDecoder{
	"assistant":   decodeAssistant,
	"text":        decodeText,
	"tool_call":   decodeToolCall,
	"tool_result": decodeToolResult,
	"tool_use":    decodeToolUse,
	"status":      decodeStatus,
	"session":     decodeSession,
	"cost":        decodeSession,
	"step_start":  decodeStepStart,
	"step_finish": decodeStepFinish,
	"error":       decodeError,
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

func decodeAssistant(event gjson.Result, out *cliproc.Decoded) {
	if text := event.Get("content").String(); text != "" {
		out.Messages = append(out.Messages, backend.NewModelOutput(text))
	}
}

func decodeText(event gjson.Result, out *cliproc.Decoded) {
	if text := event.Get("part.text").String(); text != "" {
		out.Messages = append(out.Messages, backend.NewModelOutput(text))
	}
}

func decodeToolCall(event gjson.Result, out *cliproc.Decoded) {
	name := cliproc.FirstString(event, "tool", "name")
	callID := cliproc.FirstString(event, "callId", "callID", "id")
	if name == "" || callID == "" {
		return
	}
	out.Messages = append(out.Messages, backend.NewToolCall(name, callID, cliproc.RawJSON(event.Get("args"))))
}

func decodeToolResult(event gjson.Result, out *cliproc.Decoded) {
	callID := cliproc.FirstString(event, "callId", "callID", "id")
	if callID == "" {
		return
	}
	name := cliproc.FirstString(event, "tool", "name")
	out.Messages = append(out.Messages, backend.NewToolResult(name, callID, cliproc.RawJSON(event.Get("result"))))
}

// tool_use is reported once the tool has finished and carries both sides.
func decodeToolUse(event gjson.Result, out *cliproc.Decoded) {
	part := event.Get("part")
	name := part.Get("tool").String()
	callID := cliproc.FirstString(part, "callID", "callId", "id")
	if name == "" || callID == "" {
		return
	}
	state := part.Get("state")
	out.Messages = append(out.Messages,
		backend.NewToolCall(name, callID, cliproc.RawJSON(state.Get("input"))),
	)
	switch state.Get("status").String() {
	case "pending", "running":
		return
	}
	out.Messages = append(out.Messages,
		backend.NewToolResult(name, callID, cliproc.RawJSON(state.Get("output"))),
	)
}

func decodeStatus(event gjson.Result, out *cliproc.Decoded) {
	raw := event.Get("status").String()
	status, known := statuses.Map(raw)
	if !known {
		out.Unrecognized = raw
	}
	out.Messages = append(out.Messages, backend.NewStatus(status, event.Get("detail").String()))
}

// session and cost events report running totals for the current run.
func decodeSession(event gjson.Result, out *cliproc.Decoded) {
	if id := cliproc.FirstString(event, "sessionId", "sessionID"); sessionIDPattern.MatchString(id) {
		out.ResumeToken = id
	}
	tokens := event.Get("tokens")
	cost := event.Get("cost")
	if !tokens.Exists() && !cost.Exists() {
		return
	}
	out.Usage = &backend.Usage{
		InputTokens:  tokens.Get("input").Int(),
		OutputTokens: tokens.Get("output").Int(),
		CostUSD:      cost.Float(),
	}
	out.Cumulative = true
}

func decodeStepStart(event gjson.Result, out *cliproc.Decoded) {
	if id := event.Get("sessionID").String(); sessionIDPattern.MatchString(id) {
		out.ResumeToken = id
	}
}

// step_finish usage is per step.
func decodeStepFinish(event gjson.Result, out *cliproc.Decoded) {
	part := event.Get("part")
	tokens := part.Get("tokens")
	if !tokens.Exists() && !part.Get("cost").Exists() {
		return
	}
	out.Usage = &backend.Usage{
		InputTokens:  tokens.Get("input").Int(),
		OutputTokens: tokens.Get("output").Int(),
		CostUSD:      part.Get("cost").Float(),
	}
}

func decodeError(event gjson.Result, out *cliproc.Decoded) {
	name := event.Get("error.name").String()
	message := cliproc.FirstString(event, "error.data.message", "error.message", "message")
	detail := strings.TrimSpace(strings.Join([]string{name, message}, ": "))
	detail = strings.Trim(detail, ": ")
	if detail == "" {
		detail = "unknown error"
	}
	out.Messages = append(out.Messages, backend.NewStatus(backend.StatusError, detail))
}
