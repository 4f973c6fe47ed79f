package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/relay"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/state"
)

const (
	colorAccent  = "#FF9966"
	colorInfo    = "#9999CC"
	colorOK      = "#33FF33"
	colorCaution = "#FFCC00"
	colorAlert   = "#FF3333"
	colorMuted   = "#52526A"

	iconDone    = "✓"
	iconFailed  = "✗"
	iconAlert   = "⚠"
	iconRunning = "▸"
	iconEdit    = "✎"

	maxArgsPreview = 120
)

type displayStyles struct {
	tool   lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	fail   lipgloss.Style
	muted  lipgloss.Style
	accent lipgloss.Style
}

func newDisplayStyles(out io.Writer) displayStyles {
	renderer := lipgloss.NewRenderer(out)
	return displayStyles{
		tool:   renderer.NewStyle().Foreground(lipgloss.Color(colorInfo)).Bold(true),
		ok:     renderer.NewStyle().Foreground(lipgloss.Color(colorOK)),
		warn:   renderer.NewStyle().Foreground(lipgloss.Color(colorCaution)).Bold(true),
		fail:   renderer.NewStyle().Foreground(lipgloss.Color(colorAlert)).Bold(true),
		muted:  renderer.NewStyle().Foreground(lipgloss.Color(colorMuted)),
		accent: renderer.NewStyle().Foreground(lipgloss.Color(colorAccent)),
	}
}

// display renders bus events for a terminal, or as JSON lines.
type display struct {
	out     io.Writer
	json    bool
	encoder *json.Encoder
	styles  displayStyles

	mu      sync.Mutex
	midLine bool
}

type jsonRecord struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	Severity  string    `json:"severity,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

type runSummary struct {
	Agent       string             `json:"agent"`
	SessionID   string             `json:"sessionId"`
	State       string             `json:"state"`
	Detail      string             `json:"detail,omitempty"`
	Stats       backend.TokenCount `json:"stats"`
	Decisions   int                `json:"decisions"`
	ResumeToken string             `json:"resumeToken,omitempty"`
}

func newDisplay(out io.Writer, jsonMode bool) *display {
	return &display{
		out:     out,
		json:    jsonMode,
		encoder: json.NewEncoder(out),
		styles:  newDisplayStyles(out),
	}
}

func (d *display) handle(event events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.json {
		d.encode(jsonRecord{
			Type:      event.Type,
			Timestamp: event.Timestamp,
			SessionID: event.SessionID,
			Agent:     event.Agent,
			Severity:  event.Severity,
			Payload:   event.Payload,
		})
		return
	}

	switch payload := event.Payload.(type) {
	case backend.Message:
		d.renderMessage(payload)
	case session.Status:
		d.renderStatus(payload)
	case relay.PermissionRequest:
		d.line(fmt.Sprintf("%s %s %s",
			d.styles.warn.Render(iconAlert+" approval needed"),
			payload.ToolName,
			d.styles.muted.Render("("+payload.ID+")"),
		))
	case session.Decision:
		verdict := d.styles.ok.Render(iconDone + " approved")
		if !payload.Approved {
			verdict = d.styles.fail.Render(iconFailed + " denied")
		}
		d.line(fmt.Sprintf("%s %s %s", verdict, payload.ToolName, d.styles.muted.Render("by "+payload.Source)))
	case relay.PeerKind:
		verb := "connected"
		if event.Type == events.EventTypePeerDisconnected {
			verb = "disconnected"
		}
		d.line(d.styles.muted.Render(fmt.Sprintf("%s %s", payload, verb)))
	case int:
		if event.Type == events.EventTypeOutboxReplayed {
			d.line(d.styles.muted.Render(fmt.Sprintf("replayed %d queued events", payload)))
		}
	}
}

func (d *display) renderMessage(msg backend.Message) {
	switch msg.Type {
	case backend.MessageModelOutput:
		text := msg.ModelOutput.TextDelta
		if text == "" {
			return
		}
		_, _ = io.WriteString(d.out, text)
		d.midLine = !strings.HasSuffix(text, "\n")
	case backend.MessageToolCall:
		call := msg.ToolCall
		d.line(fmt.Sprintf("%s %s", d.styles.tool.Render(iconRunning+" "+call.ToolName), d.styles.muted.Render(preview(call.Args))))
	case backend.MessageToolResult:
		d.line(d.styles.ok.Render(iconDone + " " + msg.ToolResult.ToolName))
	case backend.MessageFSEdit:
		edit := msg.FSEdit
		d.line(fmt.Sprintf("%s %s", d.styles.accent.Render(iconEdit+" "+edit.Path), d.styles.muted.Render(edit.Description)))
	}
}

func (d *display) renderStatus(status session.Status) {
	if status.State != state.Error {
		return
	}
	detail := status.Detail
	if detail == "" {
		detail = "agent failed"
	}
	d.line(d.styles.fail.Render(iconFailed + " " + detail))
}

func (d *display) summary(summary runSummary) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.json {
		d.encode(jsonRecord{Type: "Summary", Timestamp: time.Now().UTC(), SessionID: summary.SessionID, Agent: summary.Agent, Payload: summary})
		return
	}

	stats := summary.Stats
	d.line(d.styles.muted.Render(fmt.Sprintf(
		"%s · %s · %d in / %d out tokens · $%.4f",
		summary.Agent,
		summary.State,
		stats.InputTokens,
		stats.OutputTokens,
		stats.CostUSD,
	)))
	if summary.ResumeToken != "" {
		d.line(d.styles.muted.Render("resume with --resume " + summary.ResumeToken))
	}
}

func (d *display) encode(record jsonRecord) {
	if err := d.encoder.Encode(record); err != nil {
		_, _ = fmt.Fprintf(d.out, "{\"type\":\"EncodeError\",\"error\":%q}\n", err.Error())
	}
}

// line writes s on its own line, closing any streamed model text first.
func (d *display) line(s string) {
	if d.midLine {
		_, _ = io.WriteString(d.out, "\n")
		d.midLine = false
	}
	_, _ = io.WriteString(d.out, s+"\n")
}

func preview(raw []byte) string {
	text := strings.Join(strings.Fields(string(raw)), " ")
	if len(text) > maxArgsPreview {
		return text[:maxArgsPreview-3] + "..."
	}
	return text
}

func renderAgents(out io.Writer, entries []backend.Entry, defaultAgent string) error {
	styles := newDisplayStyles(out)
	for _, entry := range entries {
		marker := " "
		if entry.ID == defaultAgent {
			marker = "*"
		}
		name := entry.DisplayName
		if name == "" {
			name = entry.ID
		}

		availability := styles.ok.Render(iconDone+" available") + " " + styles.muted.Render(entry.Path)
		if !entry.Available {
			availability = styles.fail.Render(iconFailed+" unavailable") + " " + styles.muted.Render(entry.Reason)
		}
		permissions := ""
		if entry.Permissions {
			permissions = " " + styles.accent.Render("[permissions]")
		}

		if _, err := fmt.Fprintf(out, "%s %-10s %-14s %s%s\n", marker, entry.ID, name, availability, permissions); err != nil {
			return fmt.Errorf("write agent list: %w", err)
		}
	}
	return nil
}
