package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentdeck/agentdeck/internal/backend"
)

func TestToolPolicyRequiresApproval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		tools  []string
		tool   string
		expect bool
	}{
		{name: "listed tool", tools: []string{"bash"}, tool: "bash", expect: true},
		{name: "case insensitive", tools: []string{" Bash "}, tool: "BASH", expect: true},
		{name: "unlisted tool", tools: []string{"bash"}, tool: "read", expect: false},
		{name: "wildcard", tools: []string{"*"}, tool: "anything", expect: true},
		{name: "blank names ignored", tools: []string{"", "  "}, tool: "bash", expect: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			policy := NewToolPolicy(tc.tools...)
			got := policy.RequiresApproval(backend.ToolCall{ToolName: tc.tool, CallID: "c"})
			if got != tc.expect {
				t.Fatalf("RequiresApproval(%q) = %v, want %v", tc.tool, got, tc.expect)
			}
		})
	}
}

func TestToolPolicyToolsSorted(t *testing.T) {
	t.Parallel()

	policy := NewToolPolicy("write", "Bash", "*", "edit")
	assert.Equal(t, []string{"*", "bash", "edit", "write"}, policy.Tools())
}

func TestPolicyFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, AllowAll{}, PolicyFor(nil))
	assert.Equal(t, AllowAll{}, PolicyFor([]string{" "}))
	assert.False(t, PolicyFor(nil).RequiresApproval(backend.ToolCall{ToolName: "bash"}))

	policy := PolicyFor([]string{"bash"})
	assert.True(t, policy.RequiresApproval(backend.ToolCall{ToolName: "bash"}))
	assert.False(t, policy.RequiresApproval(backend.ToolCall{ToolName: "read"}))
}
