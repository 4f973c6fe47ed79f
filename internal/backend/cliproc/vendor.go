// Package cliproc runs line-oriented agent CLIs as subprocesses and exposes
// them through the backend.Backend contract. Vendor packages only describe
// argv construction and line decoding; process lifecycle, cancellation,
// token accounting and tool-call correlation live here.
package cliproc

import (
	"strings"

	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/tidwall/gjson"
)

// Invocation is everything a vendor needs to build one command line.
type Invocation struct {
	Prompt      string
	Model       string
	ResumeToken string
	ExtraArgs   []string
}

// Decoded is the result of decoding one output line.
type Decoded struct {
	Messages []backend.Message

	// Usage, when set, is either a per-step delta or, with Cumulative, the
	// running total for the current process.
	Usage      *backend.Usage
	Cumulative bool

	// ResumeToken is a vendor conversation id to continue on the next prompt.
	ResumeToken string

	// Unrecognized names a vendor status string that was mapped by default.
	Unrecognized string
}

// Vendor adapts one agent CLI.
type Vendor interface {
	// Name is the agent id used for registration, logs and metrics.
	Name() string
	// DefaultBinary is the executable looked up on PATH.
	DefaultBinary() string
	// BuildArgs returns argv (without the binary) in a deterministic order.
	BuildArgs(inv Invocation) []string
	// DecodeLine turns one stdout line into canonical output. ok=false means
	// the line carried nothing usable.
	DecodeLine(line string) (Decoded, bool)
	// StderrError reports whether a stderr line signals a vendor error.
	StderrError(line string) bool
	// CredentialEnv is the variable a bare credential value is exported as.
	CredentialEnv() string
}

// JSONLine returns the parsed object for a line that looks like JSON.
func JSONLine(line string) (gjson.Result, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") || !gjson.Valid(trimmed) {
		return gjson.Result{}, false
	}
	return gjson.Parse(trimmed), true
}

// StatusTable maps vendor status strings to canonical statuses.
type StatusTable map[string]backend.Status

// Map resolves raw. Unknown strings resolve to running and are reported back
// so the caller can log them.
func (t StatusTable) Map(raw string) (backend.Status, bool) {
	status, ok := t[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return backend.StatusRunning, false
	}
	return status, true
}

// RawJSON returns the raw JSON text of r, or nil when r does not exist.
func RawJSON(r gjson.Result) []byte {
	if !r.Exists() {
		return nil
	}
	if r.Raw != "" {
		return []byte(r.Raw)
	}
	return []byte(`"` + r.String() + `"`)
}

// FirstString returns the first non-empty string among paths of r.
func FirstString(r gjson.Result, paths ...string) string {
	for _, path := range paths {
		if value := strings.TrimSpace(r.Get(path).String()); value != "" {
			return value
		}
	}
	return ""
}

var fileMutationTools = map[string]struct{}{
	"edit":                        {},
	"write":                       {},
	"patch":                       {},
	"multiedit":                   {},
	"apply_patch":                 {},
	"write_file":                  {},
	"replace":                     {},
	"str_replace":                 {},
	"str_replace_based_edit_tool": {},
	"notebookedit":                {},
	"create_file":                 {},
}

// IsFileMutationTool reports whether toolName edits files.
func IsFileMutationTool(toolName string) bool {
	_, ok := fileMutationTools[strings.ToLower(strings.TrimSpace(toolName))]
	return ok
}

// EditedPath extracts the target path from tool arguments.
func EditedPath(args []byte) string {
	if len(args) == 0 || !gjson.ValidBytes(args) {
		return ""
	}
	return FirstString(gjson.ParseBytes(args), "file_path", "filePath", "path", "absolute_path", "filename", "notebook_path")
}
