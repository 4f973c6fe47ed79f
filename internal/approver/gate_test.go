package approver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/agentdeck/agentdeck/internal/relay"
)

type host struct {
	channel   *relay.LocalChannel
	decisions chan relay.PermissionDecision
}

func newHost(t *testing.T) *host {
	t.Helper()
	h := &host{
		channel:   relay.NewLocalChannel(log.New(io.Discard)),
		decisions: make(chan relay.PermissionDecision, 8),
	}
	t.Cleanup(h.channel.OnEvent(func(event relay.Event) {
		if event.Kind == relay.EventPermissionDecision {
			h.decisions <- *event.Decision
		}
	}))
	return h
}

func (h *host) ask(t *testing.T, id, tool string, deadline time.Time) {
	t.Helper()
	err := h.channel.Send(context.Background(), relay.PermissionRequested("sess-1", relay.PermissionRequest{
		ID:       id,
		ToolName: tool,
		Args:     json.RawMessage(`{"command": "go test ./..."}`),
		Deadline: deadline,
	}))
	if err != nil {
		t.Fatalf("send request %s: %v", id, err)
	}
}

func (h *host) next(t *testing.T) relay.PermissionDecision {
	t.Helper()
	select {
	case decision := <-h.decisions:
		return decision
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a decision")
		return relay.PermissionDecision{}
	}
}

func startGate(t *testing.T, h *host, input string) (*Gate, *bytes.Buffer) {
	t.Helper()
	gate := NewGate(h.channel, WithLogger(log.New(io.Discard)))
	gate.Attach()
	t.Cleanup(gate.Detach)

	output := &bytes.Buffer{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	StartTerminal(ctx, gate, bytes.NewBufferString(input), output)
	return gate, output
}

func TestAttachBringsDesktopPeerOnline(t *testing.T) {
	h := newHost(t)
	gate := NewGate(h.channel)
	gate.Attach()
	if !h.channel.IsPeerOnline(relay.PeerDesktop) {
		t.Fatal("desktop peer should be online after Attach")
	}
	gate.Detach()
	if h.channel.IsPeerOnline(relay.PeerDesktop) {
		t.Fatal("desktop peer should be offline after Detach")
	}
}

func TestTerminalApprovesOnYes(t *testing.T) {
	h := newHost(t)
	gate, output := startGate(t, h, "y\n")

	h.ask(t, "call-1", "bash", time.Now().Add(time.Minute))
	decision := h.next(t)

	if decision.ID != "call-1" || !decision.Approved {
		t.Fatalf("decision = %+v, want approved call-1", decision)
	}
	if !strings.Contains(output.String(), `Allow bash? {"command": "go test ./..."}`) {
		t.Fatalf("prompt = %q", output.String())
	}
	history := gate.History()
	if len(history) != 1 || history[0].Answer.Verdict != VerdictApprove || history[0].Request.SessionID != "sess-1" {
		t.Fatalf("history = %+v", history)
	}
}

func TestTerminalDeniesOnBlankAnswer(t *testing.T) {
	h := newHost(t)
	startGate(t, h, "\n")

	h.ask(t, "call-2", "write", time.Time{})
	decision := h.next(t)

	if decision.Approved {
		t.Fatalf("decision = %+v, want denied", decision)
	}
	if decision.Reason != "denied at terminal" {
		t.Fatalf("reason = %q", decision.Reason)
	}
}

func TestAlwaysApprovesLaterCallsWithoutPrompting(t *testing.T) {
	h := newHost(t)
	gate, output := startGate(t, h, "a\n")

	h.ask(t, "call-3", "Bash", time.Time{})
	if decision := h.next(t); !decision.Approved {
		t.Fatalf("first decision = %+v, want approved", decision)
	}
	if !gate.Always("bash") {
		t.Fatal("bash should be always-allowed")
	}

	h.ask(t, "call-4", "bash", time.Time{})
	decision := h.next(t)
	if decision.ID != "call-4" || !decision.Approved {
		t.Fatalf("second decision = %+v, want approved call-4", decision)
	}
	if got := strings.Count(output.String(), "Allow "); got != 1 {
		t.Fatalf("prompt count = %d, want 1", got)
	}

	history := gate.History()
	if len(history) != 2 || history[0].Automatic || !history[1].Automatic {
		t.Fatalf("history = %+v", history)
	}
}

func TestExpiredRequestIsSkipped(t *testing.T) {
	h := newHost(t)
	_, output := startGate(t, h, "y\n")

	h.ask(t, "call-5", "bash", time.Now().Add(-time.Second))
	h.ask(t, "call-6", "bash", time.Now().Add(time.Minute))

	decision := h.next(t)
	if decision.ID != "call-6" || !decision.Approved {
		t.Fatalf("decision = %+v, want approved call-6", decision)
	}
	if !strings.Contains(output.String(), "permission request call-5 for bash expired") {
		t.Fatalf("output = %q", output.String())
	}
}

func TestIgnoresNonPermissionEvents(t *testing.T) {
	h := newHost(t)
	gate := NewGate(h.channel)
	gate.Attach()
	t.Cleanup(gate.Detach)

	if err := h.channel.Send(context.Background(), relay.StatusChanged("sess-1", "running", "")); err != nil {
		t.Fatalf("send status: %v", err)
	}
	select {
	case request := <-gate.Requests():
		t.Fatalf("unexpected request %+v", request)
	default:
	}
}

func TestRespondRejectsInvalidVerdict(t *testing.T) {
	h := newHost(t)
	gate := NewGate(h.channel)
	err := gate.Respond(Request{PermissionRequest: relay.PermissionRequest{ID: "x", ToolName: "bash"}}, Answer{Verdict: "maybe"})
	if err == nil {
		t.Fatal("expected invalid verdict error")
	}
}

func TestTerminalStopsOnCancel(t *testing.T) {
	h := newHost(t)
	gate := NewGate(h.channel)
	ctx, cancel := context.WithCancel(context.Background())
	done := StartTerminal(ctx, gate, bytes.NewBufferString(""), &bytes.Buffer{})
	cancel()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected terminal prompter to stop after cancel")
	}
}
