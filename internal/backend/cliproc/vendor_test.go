package cliproc

import (
	"errors"
	"strings"
	"testing"

	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestStatusTableDefaultsToRunning(t *testing.T) {
	t.Parallel()

	table := StatusTable{"done": backend.StatusIdle}
	status, known := table.Map(" DONE ")
	assert.True(t, known)
	assert.Equal(t, backend.StatusIdle, status)

	status, known = table.Map("meditating")
	assert.False(t, known)
	assert.Equal(t, backend.StatusRunning, status)
}

func TestJSONLine(t *testing.T) {
	t.Parallel()

	_, ok := JSONLine("Loading model...")
	assert.False(t, ok)
	_, ok = JSONLine(`{"type":`)
	assert.False(t, ok)
	_, ok = JSONLine(`["array"]`)
	assert.False(t, ok)

	event, ok := JSONLine(`  {"type":"text"}  `)
	require.True(t, ok)
	assert.Equal(t, "text", event.Get("type").String())
}

func TestRawJSONAndFirstString(t *testing.T) {
	t.Parallel()

	event := gjson.Parse(`{"args":{"a":1},"name":"","alt":" tool ","n":3}`)
	assert.JSONEq(t, `{"a":1}`, string(RawJSON(event.Get("args"))))
	assert.Nil(t, RawJSON(event.Get("missing")))
	assert.Equal(t, "3", string(RawJSON(event.Get("n"))))
	assert.Equal(t, "tool", FirstString(event, "name", "alt"))
	assert.Equal(t, "", FirstString(event, "missing"))
}

func TestEditedPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a.go", EditedPath([]byte(`{"file_path":"a.go","content":"x"}`)))
	assert.Equal(t, "b.go", EditedPath([]byte(`{"filePath":"b.go"}`)))
	assert.Equal(t, "c.ipynb", EditedPath([]byte(`{"notebook_path":"c.ipynb"}`)))
	assert.Equal(t, "", EditedPath([]byte(`{"command":"ls"}`)))
	assert.Equal(t, "", EditedPath([]byte(`not json`)))
	assert.Equal(t, "", EditedPath(nil))

	assert.True(t, IsFileMutationTool("Edit"))
	assert.True(t, IsFileMutationTool("apply_patch"))
	assert.False(t, IsFileMutationTool("bash"))
}

func TestRegisterRecordsAvailability(t *testing.T) {
	t.Parallel()

	registry := backend.NewRegistry()
	require.NoError(t, Register(registry, lineVendor{}, "Fake Agent", true, RegisterOptions{
		LookPath: func(file string) (string, error) { return "/opt/bin/" + file, nil },
	}))
	entry, ok := registry.Lookup("fake")
	require.True(t, ok)
	assert.True(t, entry.Available)
	assert.True(t, entry.Permissions)
	assert.Equal(t, "Fake Agent", entry.DisplayName)
	assert.Equal(t, "/opt/bin/fake-agent", entry.Path)

	created, err := registry.Create("fake", backend.FactoryOptions{})
	require.NoError(t, err)
	defer created.Dispose()
	_, isResponder := created.(backend.PermissionResponder)
	assert.True(t, isResponder)
	assert.Equal(t, "fake-agent", created.(*PermissiveBackend).binary)

	missing := backend.NewRegistry()
	require.NoError(t, Register(missing, lineVendor{}, "Fake Agent", false, RegisterOptions{
		Binary:   "custom-fake",
		LookPath: func(string) (string, error) { return "", errors.New("missing") },
	}))
	entry, _ = missing.Lookup("fake")
	assert.False(t, entry.Available)
	assert.False(t, entry.Permissions)
	assert.Equal(t, "custom-fake not found on PATH", entry.Reason)

	_, err = missing.Create("fake", backend.FactoryOptions{})
	require.ErrorIs(t, err, backend.ErrAgentUnavailable)
}

// lineVendor speaks a tiny JSON-lines dialect used only by these tests.
type lineVendor struct{}

func (lineVendor) Name() string          { return "fake" }
func (lineVendor) DefaultBinary() string { return "fake-agent" }
func (lineVendor) CredentialEnv() string { return "FAKE_AGENT_KEY" }

func (lineVendor) BuildArgs(inv Invocation) []string {
	args := []string{"--prompt", inv.Prompt}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	if inv.ResumeToken != "" {
		args = append(args, "--resume", inv.ResumeToken)
	}
	return append(args, inv.ExtraArgs...)
}

func (lineVendor) StderrError(line string) bool {
	return strings.HasPrefix(line, "FATAL")
}

func (lineVendor) DecodeLine(line string) (Decoded, bool) {
	event, ok := JSONLine(line)
	if !ok {
		return Decoded{}, false
	}
	var out Decoded
	switch event.Get("type").String() {
	case "text":
		out.Messages = append(out.Messages, backend.NewModelOutput(event.Get("text").String()))
	case "call":
		out.Messages = append(out.Messages, backend.NewToolCall(
			event.Get("name").String(), event.Get("id").String(), RawJSON(event.Get("args"))))
	case "result":
		out.Messages = append(out.Messages, backend.NewToolResult(
			event.Get("name").String(), event.Get("id").String(), RawJSON(event.Get("output"))))
	case "status":
		status, known := StatusTable{"done": backend.StatusIdle}.Map(event.Get("status").String())
		if !known {
			out.Unrecognized = event.Get("status").String()
		}
		out.Messages = append(out.Messages, backend.NewStatus(status, ""))
	case "usage":
		out.Usage = &backend.Usage{
			InputTokens:  event.Get("in").Int(),
			OutputTokens: event.Get("out").Int(),
			CostUSD:      event.Get("cost").Float(),
		}
		out.Cumulative = event.Get("cumulative").Bool()
	case "session":
		out.ResumeToken = event.Get("id").String()
	case "panic":
		panic("decoder bug")
	default:
		return Decoded{}, false
	}
	return out, true
}
