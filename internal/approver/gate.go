// Package approver answers permission requests from a human at the host,
// acting as the desktop peer of a relay.LocalChannel.
package approver

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/agentdeck/agentdeck/internal/relay"
)

const defaultGateBuffer = 16

// Verdict is the human answer to one permission request.
type Verdict string

const (
	// VerdictApprove lets this one tool call proceed.
	VerdictApprove Verdict = "approve"
	// VerdictDeny rejects the tool call.
	VerdictDeny Verdict = "deny"
	// VerdictAlways approves the call and every later call of the same tool.
	VerdictAlways Verdict = "always"
)

// Answer is a verdict with an optional reason shown to the agent host.
type Answer struct {
	Verdict Verdict
	Reason  string
}

// Request is a permission request together with the session that raised it.
type Request struct {
	SessionID string
	relay.PermissionRequest
}

// Record captures one request and how it was answered.
type Record struct {
	Request    Request
	Answer     Answer
	Automatic  bool
	AskedAt    time.Time
	AnsweredAt time.Time
}

// Gate queues permission requests sent to the desktop peer and delivers
// the answers back to the host.
type Gate struct {
	channel  *relay.LocalChannel
	logger   *log.Logger
	requests chan Request
	now      func() time.Time

	mu      sync.Mutex
	always  map[string]bool
	asked   map[string]time.Time
	history []Record
}

// Option customizes a Gate.
type Option func(*Gate)

// WithBufferSize bounds the number of unanswered requests held for the prompter.
func WithBufferSize(size int) Option {
	return func(g *Gate) {
		if size > 0 {
			g.requests = make(chan Request, size)
		}
	}
}

// WithLogger sets the logger used for dropped requests.
func WithLogger(logger *log.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGate builds a gate over channel. Call Attach to start receiving requests.
func NewGate(channel *relay.LocalChannel, options ...Option) *Gate {
	g := &Gate{
		channel:  channel,
		logger:   log.Default(),
		requests: make(chan Request, defaultGateBuffer),
		now:      time.Now,
		always:   map[string]bool{},
		asked:    map[string]time.Time{},
	}
	for _, option := range options {
		if option != nil {
			option(g)
		}
	}
	return g
}

// Attach connects the gate as the desktop peer.
func (g *Gate) Attach() {
	g.channel.OnPeerReceive(g.receive)
	g.channel.Connect(relay.PeerDesktop)
}

// Detach disconnects the desktop peer. Queued requests are left to time out.
func (g *Gate) Detach() {
	g.channel.Disconnect(relay.PeerDesktop)
	g.channel.OnPeerReceive(nil)
}

// Requests exposes requests waiting for a human answer.
func (g *Gate) Requests() <-chan Request {
	return g.requests
}

// Always reports whether tool was approved for the rest of the session.
func (g *Gate) Always(tool string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.always[normalizeTool(tool)]
}

// Respond delivers answer for request to the host.
func (g *Gate) Respond(request Request, answer Answer) error {
	return g.respond(request, answer, false)
}

// History returns a copy of every answered request.
func (g *Gate) History() []Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	history := make([]Record, len(g.history))
	copy(history, g.history)
	return history
}

// receive runs on the host's send path and must not block.
func (g *Gate) receive(event relay.Event) {
	if event.Kind != relay.EventPermissionRequest || event.Permission == nil {
		return
	}
	request := Request{SessionID: event.SessionID, PermissionRequest: *event.Permission}

	g.mu.Lock()
	g.asked[request.ID] = g.now().UTC()
	g.mu.Unlock()

	if g.Always(request.ToolName) {
		if err := g.respond(request, Answer{Verdict: VerdictApprove, Reason: "always allowed at terminal"}, true); err != nil {
			g.logger.Warn("auto-approve failed", "request_id", request.ID, "err", err)
		}
		return
	}

	select {
	case g.requests <- request:
	default:
		g.logger.Warn("permission prompt queue full; request will time out", "request_id", request.ID, "tool", request.ToolName)
	}
}

func (g *Gate) respond(request Request, answer Answer, automatic bool) error {
	if strings.TrimSpace(request.ID) == "" {
		return errors.New("request id is required")
	}
	normalized, err := normalizeAnswer(answer)
	if err != nil {
		return err
	}

	approved := normalized.Verdict != VerdictDeny
	g.mu.Lock()
	if normalized.Verdict == VerdictAlways {
		g.always[normalizeTool(request.ToolName)] = true
	}
	askedAt := g.asked[request.ID]
	delete(g.asked, request.ID)
	g.history = append(g.history, Record{
		Request:    request,
		Answer:     normalized,
		Automatic:  automatic,
		AskedAt:    askedAt,
		AnsweredAt: g.now().UTC(),
	})
	g.mu.Unlock()

	return g.channel.Deliver(relay.PermissionDecided(request.SessionID, request.ID, approved, normalized.Reason))
}

func normalizeAnswer(answer Answer) (Answer, error) {
	answer.Reason = strings.TrimSpace(answer.Reason)
	switch Verdict(strings.ToLower(strings.TrimSpace(string(answer.Verdict)))) {
	case VerdictApprove:
		answer.Verdict = VerdictApprove
	case VerdictDeny:
		answer.Verdict = VerdictDeny
	case VerdictAlways:
		answer.Verdict = VerdictAlways
	default:
		return Answer{}, fmt.Errorf("invalid verdict %q", answer.Verdict)
	}
	return answer, nil
}

func normalizeTool(tool string) string {
	return strings.ToLower(strings.TrimSpace(tool))
}
