package session

import (
	"sort"
	"strings"

	"github.com/agentdeck/agentdeck/internal/backend"
)

// Policy decides whether a tool call must be approved by a person before
// its events are forwarded.
type Policy interface {
	RequiresApproval(call backend.ToolCall) bool
}

// AllowAll never asks for approval.
type AllowAll struct{}

func (AllowAll) RequiresApproval(backend.ToolCall) bool { return false }

// ToolPolicy asks for approval of a fixed set of tool names. The name "*"
// matches every tool.
type ToolPolicy struct {
	tools map[string]struct{}
	all   bool
}

// NewToolPolicy builds a ToolPolicy. Names are matched case-insensitively.
func NewToolPolicy(tools ...string) ToolPolicy {
	policy := ToolPolicy{tools: map[string]struct{}{}}
	for _, tool := range tools {
		name := strings.ToLower(strings.TrimSpace(tool))
		switch name {
		case "":
		case "*":
			policy.all = true
		default:
			policy.tools[name] = struct{}{}
		}
	}
	return policy
}

func (p ToolPolicy) RequiresApproval(call backend.ToolCall) bool {
	if p.all {
		return true
	}
	_, ok := p.tools[strings.ToLower(strings.TrimSpace(call.ToolName))]
	return ok
}

// Tools returns the configured tool names, sorted.
func (p ToolPolicy) Tools() []string {
	out := make([]string, 0, len(p.tools)+1)
	if p.all {
		out = append(out, "*")
	}
	for tool := range p.tools {
		out = append(out, tool)
	}
	sort.Strings(out)
	return out
}

// PolicyFor returns AllowAll for an empty list and a ToolPolicy otherwise.
func PolicyFor(tools []string) Policy {
	policy := NewToolPolicy(tools...)
	if !policy.all && len(policy.tools) == 0 {
		return AllowAll{}
	}
	return policy
}
