package opencode

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/agentdeck/agentdeck/internal/backend/cliproc"
	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgs(t *testing.T) {
	t.Parallel()

	args := Vendor{}.BuildArgs(cliproc.Invocation{
		Prompt:      "fix the tests",
		Model:       "anthropic/claude-sonnet-4",
		ResumeToken: "ses_0123456789abcdefghij",
		ExtraArgs:   []string{"--agent", "build"},
	})
	assert.Equal(t, []string{
		"run", "--format", "json",
		"--model", "anthropic/claude-sonnet-4",
		"--session", "ses_0123456789abcdefghij",
		"--agent", "build",
		"--", "fix the tests",
	}, args)

	assert.Equal(t, []string{"run", "--format", "json", "--", "hi"}, Vendor{}.BuildArgs(cliproc.Invocation{Prompt: "hi"}))
	assert.Equal(t,
		[]string{"run", "--format", "json", "--", "--help me rename this flag"},
		Vendor{}.BuildArgs(cliproc.Invocation{Prompt: "--help me rename this flag"}))
}

func TestDecodeLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		line  string
		check func(t *testing.T, out cliproc.Decoded)
	}{
		{
			name: "assistant text",
			line: `{"type":"assistant","content":"Hello"}`,
			check: func(t *testing.T, out cliproc.Decoded) {
				require.Len(t, out.Messages, 1)
				assert.Equal(t, "Hello", out.Messages[0].ModelOutput.TextDelta)
			},
		},
		{
			name: "run text part",
			line: `{"type":"text","sessionID":"ses_x","part":{"type":"text","text":"Done."}}`,
			check: func(t *testing.T, out cliproc.Decoded) {
				require.Len(t, out.Messages, 1)
				assert.Equal(t, "Done.", out.Messages[0].ModelOutput.TextDelta)
			},
		},
		{
			name: "tool call",
			line: `{"type":"tool_call","tool":"bash","callId":"c1","args":{"command":"ls"}}`,
			check: func(t *testing.T, out cliproc.Decoded) {
				require.Len(t, out.Messages, 1)
				call := out.Messages[0].ToolCall
				assert.Equal(t, "bash", call.ToolName)
				assert.Equal(t, "c1", call.CallID)
				assert.JSONEq(t, `{"command":"ls"}`, string(call.Args))
			},
		},
		{
			name: "completed tool use carries both halves",
			line: `{"type":"tool_use","part":{"tool":"edit","callID":"c2","state":{"status":"completed","input":{"filePath":"a.go"},"output":"ok"}}}`,
			check: func(t *testing.T, out cliproc.Decoded) {
				require.Len(t, out.Messages, 2)
				assert.Equal(t, backend.MessageToolCall, out.Messages[0].Type)
				assert.Equal(t, backend.MessageToolResult, out.Messages[1].Type)
				assert.Equal(t, "c2", out.Messages[1].CallID())
			},
		},
		{
			name: "running tool use has no result yet",
			line: `{"type":"tool_use","part":{"tool":"bash","callID":"c3","state":{"status":"running","input":{}}}}`,
			check: func(t *testing.T, out cliproc.Decoded) {
				require.Len(t, out.Messages, 1)
				assert.Equal(t, backend.MessageToolCall, out.Messages[0].Type)
			},
		},
		{
			name: "complete status is idle",
			line: `{"type":"status","status":"complete"}`,
			check: func(t *testing.T, out cliproc.Decoded) {
				require.Len(t, out.Messages, 1)
				assert.Equal(t, backend.StatusIdle, out.Messages[0].Status.Status)
				assert.Empty(t, out.Unrecognized)
			},
		},
		{
			name: "unknown status is running",
			line: `{"type":"status","status":"compacting"}`,
			check: func(t *testing.T, out cliproc.Decoded) {
				assert.Equal(t, backend.StatusRunning, out.Messages[0].Status.Status)
				assert.Equal(t, "compacting", out.Unrecognized)
			},
		},
		{
			name: "session totals",
			line: `{"type":"session","sessionId":"ses_0123456789abcdefghij","tokens":{"input":120,"output":30},"cost":0.004}`,
			check: func(t *testing.T, out cliproc.Decoded) {
				assert.Equal(t, "ses_0123456789abcdefghij", out.ResumeToken)
				require.NotNil(t, out.Usage)
				assert.True(t, out.Cumulative)
				assert.Equal(t, int64(120), out.Usage.InputTokens)
				assert.InDelta(t, 0.004, out.Usage.CostUSD, 1e-9)
			},
		},
		{
			name: "step finish is a delta",
			line: `{"type":"step_finish","part":{"tokens":{"input":10,"output":4},"cost":0.001}}`,
			check: func(t *testing.T, out cliproc.Decoded) {
				require.NotNil(t, out.Usage)
				assert.False(t, out.Cumulative)
				assert.Equal(t, int64(4), out.Usage.OutputTokens)
			},
		},
		{
			name: "error event",
			line: `{"type":"error","error":{"name":"ProviderAuthError","data":{"message":"bad key"}}}`,
			check: func(t *testing.T, out cliproc.Decoded) {
				require.Len(t, out.Messages, 1)
				assert.Equal(t, backend.StatusError, out.Messages[0].Status.Status)
				assert.Equal(t, "ProviderAuthError: bad key", out.Messages[0].Status.Detail)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, ok := Vendor{}.DecodeLine(tt.line)
			require.True(t, ok)
			for _, msg := range out.Messages {
				require.NoError(t, msg.Validate())
			}
			tt.check(t, out)
		})
	}
}

func TestDecodeLineIgnoresNoise(t *testing.T) {
	t.Parallel()

	for _, line := range []string{
		"",
		"Loading config...",
		`{"type":"assistant"`,
		`{"type":"heartbeat"}`,
		`{"type":"tool_call","tool":"bash"}`,
		`{"type":"step_start","sessionID":"not-a-session"}`,
	} {
		_, ok := Vendor{}.DecodeLine(line)
		assert.False(t, ok, "line %q", line)
	}
}

func TestStderrError(t *testing.T) {
	t.Parallel()

	assert.True(t, Vendor{}.StderrError("Error: ProviderModelNotFoundError"))
	assert.True(t, Vendor{}.StderrError("401 Unauthorized"))
	assert.False(t, Vendor{}.StderrError("INFO  service=bus type=session.updated"))
}

func TestPromptScenario(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}

	script := `printf '{"type":"assistant","content":"Hel'; sleep 0.05; printf 'lo"}\n{"type":"status","status":"complete"}\n'`
	b, err := New(backend.Config{}, cliproc.WithCommandFactory(func(string, ...string) *exec.Cmd {
		return exec.Command("sh", "-c", script)
	}), cliproc.WithLogger(log.New(&strings.Builder{})))
	require.NoError(t, err)
	defer b.Dispose()

	var mu sync.Mutex
	var got []backend.Message
	b.OnMessage(func(msg backend.Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	id, err := b.StartSession(context.Background(), "")
	require.NoError(t, err)
	mu.Lock()
	got = nil
	mu.Unlock()

	require.NoError(t, b.SendPrompt(context.Background(), id, "hello"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, backend.StatusRunning, got[0].Status.Status)
	assert.Equal(t, "Hello", got[1].ModelOutput.TextDelta)
	assert.Equal(t, backend.StatusIdle, got[2].Status.Status)
}
