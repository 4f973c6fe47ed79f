package approver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

const maxArgsShown = 160

// StartTerminal answers gate requests from input, prompting on output,
// until ctx is cancelled. A blank or unreadable answer denies.
func StartTerminal(ctx context.Context, gate *Gate, input io.Reader, output io.Writer) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if gate == nil || input == nil || output == nil {
			return
		}
		reader := bufio.NewReader(input)
		for {
			select {
			case <-ctx.Done():
				return
			case request := <-gate.Requests():
				answer, ok := askTerminal(gate, reader, output, request)
				if !ok {
					continue
				}
				if err := gate.Respond(request, answer); err != nil {
					writef(output, "could not answer %s: %v\n", request.ID, err)
				}
			}
		}
	}()
	return done
}

func askTerminal(gate *Gate, reader *bufio.Reader, output io.Writer, request Request) (Answer, bool) {
	if gate.Always(request.ToolName) {
		return Answer{Verdict: VerdictApprove, Reason: "always allowed at terminal"}, true
	}
	if expired(gate, request) {
		writef(output, "permission request %s for %s expired\n", request.ID, request.ToolName)
		return Answer{}, false
	}

	renderPermissionPrompt(output, request)
	switch strings.ToLower(strings.TrimSpace(readLine(reader))) {
	case "y", "yes":
		return Answer{Verdict: VerdictApprove}, true
	case "a", "always":
		return Answer{Verdict: VerdictAlways}, true
	default:
		return Answer{Verdict: VerdictDeny, Reason: "denied at terminal"}, true
	}
}

func expired(gate *Gate, request Request) bool {
	return !request.Deadline.IsZero() && gate.now().After(request.Deadline)
}

func renderPermissionPrompt(output io.Writer, request Request) {
	writef(output, "Allow %s?", request.ToolName)
	if args := compactArgs(request.Args); args != "" {
		writef(output, " %s", args)
	}
	write(output, "\n[y]es, [a]lways for this tool, [N]o > ")
}

func compactArgs(raw []byte) string {
	text := strings.Join(strings.Fields(string(raw)), " ")
	if len(text) > maxArgsShown {
		return text[:maxArgsShown-3] + "..."
	}
	return text
}

func readLine(reader *bufio.Reader) string {
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	return strings.TrimRight(line, "\r\n")
}

func write(output io.Writer, text string) {
	_, _ = io.WriteString(output, text)
}

func writef(output io.Writer, format string, values ...any) {
	_, _ = fmt.Fprintf(output, format, values...)
}
