package gemini

import (
	"testing"

	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/agentdeck/agentdeck/internal/backend/cliproc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{
		"--output-format", "stream-json", "-p", "explain", "--yolo", "--model", "gemini-2.5-pro", "--resume", "latest",
	}, Vendor{}.BuildArgs(cliproc.Invocation{Prompt: "explain", Model: "gemini-2.5-pro", ResumeToken: "latest"}))
}

func TestDecodeStream(t *testing.T) {
	t.Parallel()

	lines := []string{
		`{"type":"init","timestamp":"2025-10-10T12:00:00Z","session_id":"abc","model":"gemini-2.5-pro"}`,
		`{"type":"message","role":"user","content":"explain"}`,
		`{"type":"message","role":"assistant","content":"Looking","delta":true}`,
		`{"type":"tool_use","tool_name":"read_file","tool_id":"t1","parameters":{"absolute_path":"/a.go"}}`,
		`{"type":"tool_result","tool_id":"t1","status":"success","output":"package a"}`,
		`{"type":"error","severity":"warning","message":"retrying"}`,
		`{"type":"result","status":"success","stats":{"total_tokens":300,"input_tokens":250,"output_tokens":50}}`,
	}

	var resume string
	var kinds []backend.MessageType
	var usage *backend.Usage
	for _, line := range lines {
		out, ok := Vendor{}.DecodeLine(line)
		if !ok {
			continue
		}
		if out.ResumeToken != "" {
			resume = out.ResumeToken
		}
		if out.Usage != nil {
			usage = out.Usage
			assert.True(t, out.Cumulative)
		}
		for _, msg := range out.Messages {
			require.NoError(t, msg.Validate())
			kinds = append(kinds, msg.Type)
		}
	}

	assert.Equal(t, "abc", resume)
	assert.Equal(t, []backend.MessageType{
		backend.MessageModelOutput, backend.MessageToolCall, backend.MessageToolResult, backend.MessageStatus,
	}, kinds)
	require.NotNil(t, usage)
	assert.Equal(t, int64(250), usage.InputTokens)
	assert.Equal(t, int64(50), usage.OutputTokens)
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	out, ok := Vendor{}.DecodeLine(`{"type":"error","severity":"error","message":"quota exceeded"}`)
	require.True(t, ok)
	assert.Equal(t, backend.StatusError, out.Messages[0].Status.Status)
	assert.Equal(t, "quota exceeded", out.Messages[0].Status.Detail)

	out, ok = Vendor{}.DecodeLine(`{"type":"result","status":"error","error":{"type":"FatalError","message":"boom"}}`)
	require.True(t, ok)
	assert.Equal(t, backend.StatusError, out.Messages[0].Status.Status)
	assert.Equal(t, "boom", out.Messages[0].Status.Detail)

	out, ok = Vendor{}.DecodeLine(`{"type":"result","status":"partial"}`)
	require.True(t, ok)
	assert.Equal(t, backend.StatusRunning, out.Messages[0].Status.Status)
	assert.Equal(t, "partial", out.Unrecognized)
}
