package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/metrics"
	"github.com/agentdeck/agentdeck/internal/relay"
	"github.com/agentdeck/agentdeck/internal/telemetry/invariants"
)

// Decision sources.
const (
	SourceRemote    = "remote"
	SourceLocal     = "local"
	SourceTimeout   = "timeout"
	SourceCancelled = "cancelled"
	SourceStopped   = "stopped"
)

// ErrUnknownRequest is returned when a decision names no pending request.
var ErrUnknownRequest = errors.New("no pending permission request")

// Decision records how one permission request was resolved.
type Decision struct {
	RequestID string    `json:"requestId"`
	ToolName  string    `json:"toolName"`
	Approved  bool      `json:"approved"`
	Source    string    `json:"source"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decidedAt"`
}

type pendingRequest struct {
	request relay.PermissionRequest
	held    []backend.Message
	timer   *time.Timer
}

// Decide resolves a pending permission request from the host side.
func (o *Orchestrator) Decide(requestID string, approved bool) error {
	o.mu.Lock()
	stopped := o.stopped
	o.mu.Unlock()
	if stopped {
		return ErrSessionStopped
	}
	return o.resolve(strings.TrimSpace(requestID), approved, SourceLocal, "")
}

// Decisions returns the resolved permission requests in decision order.
func (o *Orchestrator) Decisions() []Decision {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Decision, len(o.decisions))
	copy(out, o.decisions)
	return out
}

// Pending returns the ids of requests still waiting for a decision, oldest first.
func (o *Orchestrator) Pending() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.pendingOrder...)
}

// openRequestLocked holds msg and asks the peer to approve its tool call.
func (o *Orchestrator) openRequestLocked(msg backend.Message) {
	call := msg.ToolCall
	id := call.CallID
	request := relay.PermissionRequest{
		ID:       id,
		ToolName: call.ToolName,
		Args:     call.Args,
		Deadline: time.Now().UTC().Add(o.permissionTimeout),
	}
	pending := &pendingRequest{
		request: request,
		held:    []backend.Message{msg},
	}
	pending.timer = time.AfterFunc(o.permissionTimeout, func() { o.expire(id) })
	o.pending[id] = pending
	o.pendingOrder = append(o.pendingOrder, id)

	o.logger.Info("permission requested", "request_id", id, "tool", call.ToolName)
	o.push(relay.PermissionRequested(o.id, request), events.EventTypePermissionRequested, request, events.SeverityWarn)
}

// latestPendingLocked returns the most recently opened pending request id.
func (o *Orchestrator) latestPendingLocked() string {
	if len(o.pendingOrder) == 0 {
		return ""
	}
	return o.pendingOrder[len(o.pendingOrder)-1]
}

func (o *Orchestrator) expire(requestID string) {
	timeout := &backend.TimeoutError{Op: "permission round trip", After: o.permissionTimeout}
	err := o.resolve(requestID, false, SourceTimeout, timeout.Error())
	if err != nil && !errors.Is(err, ErrUnknownRequest) {
		o.logger.Debug("permission timeout not applied", "request_id", requestID, "err", err)
	}
}

// resolve applies a decision: held events are flushed on approval and
// dropped on denial, and the backend hears about it either way.
func (o *Orchestrator) resolve(requestID string, approved bool, source, reason string) error {
	o.mu.Lock()
	pending, ok := o.pending[requestID]
	if !ok {
		o.mu.Unlock()
		invariants.CheckPermissionRequestPending(context.Background(), "session.permission.resolve", requestID, false)
		return fmt.Errorf("%w: %q", ErrUnknownRequest, requestID)
	}
	o.recordDecisionLocked(pending, approved, source, reason)
	if approved {
		for _, held := range pending.held {
			o.forwardLocked(held)
		}
	}
	responder := o.responder
	if responder == nil {
		o.forwardLocked(backend.NewPermissionResponse(requestID, approved))
	}
	cancel := !approved && o.cancelOnDeny && source != SourceCancelled && source != SourceStopped
	sessionID := o.backendSession
	span := o.span
	o.mu.Unlock()

	o.logger.Info("permission decided", "request_id", requestID, "approved", approved, "source", source, "held", len(pending.held))
	span.RecordPermission(requestID, approved, source)
	metrics.RecordPermissionDecision(o.agent, approved, source)
	if responder != nil {
		if err := responder.RespondToPermission(context.Background(), requestID, approved); err != nil {
			o.logger.Warn("backend rejected permission decision", "request_id", requestID, "err", err)
		}
	}
	o.flush()

	if cancel {
		o.prompts.add()
		go func() {
			defer o.prompts.done()
			if err := o.backend.Cancel(context.Background(), sessionID); err != nil {
				o.logger.Debug("cancel after denial failed", "err", err)
			}
		}()
	}
	return nil
}

// recordDecisionLocked removes pending from the table and appends to history.
func (o *Orchestrator) recordDecisionLocked(pending *pendingRequest, approved bool, source, reason string) Decision {
	id := pending.request.ID
	pending.timer.Stop()
	delete(o.pending, id)
	for i, existing := range o.pendingOrder {
		if existing == id {
			o.pendingOrder = append(o.pendingOrder[:i:i], o.pendingOrder[i+1:]...)
			break
		}
	}
	o.decided[id] = approved

	decision := Decision{
		RequestID: id,
		ToolName:  pending.request.ToolName,
		Approved:  approved,
		Source:    source,
		Reason:    reason,
		DecidedAt: time.Now().UTC(),
	}
	o.decisions = append(o.decisions, decision)

	severity := events.SeverityInfo
	if !approved {
		severity = events.SeverityWarn
	}
	o.push(relay.PermissionDecided(o.id, id, approved, reason), events.EventTypePermissionDecided, decision, severity)
	return decision
}

// denyAllLocked resolves every pending request as denied without
// forwarding held events or answering the backend.
func (o *Orchestrator) denyAllLocked(source, reason string) []Decision {
	ids := append([]string(nil), o.pendingOrder...)
	out := make([]Decision, 0, len(ids))
	for _, id := range ids {
		out = append(out, o.recordDecisionLocked(o.pending[id], false, source, reason))
	}
	return out
}
