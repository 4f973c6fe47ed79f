// Package relay carries session events between the host running an agent and
// a remote peer (typically a phone). Transport is abstracted behind Channel.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentdeck/agentdeck/internal/backend"
)

// PeerKind names the device class on the other end of a channel.
type PeerKind string

const (
	PeerMobile  PeerKind = "mobile"
	PeerDesktop PeerKind = "desktop"
)

// EventKind identifies the payload carried by an Event.
type EventKind string

const (
	// EventAgentMessage forwards one canonical backend message.
	EventAgentMessage EventKind = "agent-message"
	// EventPermissionRequest asks the peer to approve a tool call.
	EventPermissionRequest EventKind = "permission-request"
	// EventPermissionDecision answers a permission request.
	EventPermissionDecision EventKind = "permission-decision"
	// EventPeerConnected and EventPeerDisconnected report peer presence.
	EventPeerConnected    EventKind = "peer-connected"
	EventPeerDisconnected EventKind = "peer-disconnected"
	// EventSessionStatus reports an orchestrator lifecycle change.
	EventSessionStatus EventKind = "session-status"
	// EventSessionStats carries aggregate token/cost totals.
	EventSessionStats EventKind = "session-stats"
	// EventPrompt submits a prompt from the peer.
	EventPrompt EventKind = "prompt"
)

// ErrPeerOffline is returned by Send when no peer is connected.
var ErrPeerOffline = errors.New("relay peer offline")

// Event is the unit exchanged over a Channel. Exactly one payload matching
// Kind is set; presence events carry only Peer.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"sessionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Peer      PeerKind  `json:"peer,omitempty"`

	Message    *backend.Message    `json:"message,omitempty"`
	Permission *PermissionRequest  `json:"permission,omitempty"`
	Decision   *PermissionDecision `json:"decision,omitempty"`
	Status     *SessionStatus      `json:"status,omitempty"`
	Stats      *backend.TokenCount `json:"stats,omitempty"`
	Prompt     *Prompt             `json:"prompt,omitempty"`
}

// PermissionRequest asks whether a tool call may proceed.
type PermissionRequest struct {
	ID       string          `json:"id"`
	ToolName string          `json:"toolName"`
	Args     json.RawMessage `json:"args,omitempty"`
	Deadline time.Time       `json:"deadline"`
}

// PermissionDecision answers the request with the same ID.
type PermissionDecision struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// SessionStatus is an orchestrator lifecycle state with optional detail.
type SessionStatus struct {
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// Prompt is text submitted from the peer.
type Prompt struct {
	Text string `json:"text"`
}

// Validate reports whether the payload matches Kind.
func (e Event) Validate() error {
	var ok bool
	switch e.Kind {
	case EventAgentMessage:
		ok = e.Message != nil
	case EventPermissionRequest:
		ok = e.Permission != nil && e.Permission.ID != ""
	case EventPermissionDecision:
		ok = e.Decision != nil && e.Decision.ID != ""
	case EventPeerConnected, EventPeerDisconnected:
		ok = e.Peer != ""
	case EventSessionStatus:
		ok = e.Status != nil && e.Status.State != ""
	case EventSessionStats:
		ok = e.Stats != nil
	case EventPrompt:
		ok = e.Prompt != nil && e.Prompt.Text != ""
	default:
		return fmt.Errorf("unknown relay event kind %q", e.Kind)
	}
	if !ok {
		return fmt.Errorf("relay event %q is missing its payload", e.Kind)
	}
	return nil
}

func stamp(event Event) Event {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return event
}

// AgentMessage wraps a backend message for the peer.
func AgentMessage(sessionID string, msg backend.Message) Event {
	return stamp(Event{Kind: EventAgentMessage, SessionID: sessionID, Message: &msg})
}

// PermissionRequested builds a permission-request event.
func PermissionRequested(sessionID string, req PermissionRequest) Event {
	return stamp(Event{Kind: EventPermissionRequest, SessionID: sessionID, Permission: &req})
}

// PermissionDecided builds a permission-decision event.
func PermissionDecided(sessionID, id string, approved bool, reason string) Event {
	return stamp(Event{
		Kind:      EventPermissionDecision,
		SessionID: sessionID,
		Decision:  &PermissionDecision{ID: id, Approved: approved, Reason: reason},
	})
}

// StatusChanged builds a session-status event.
func StatusChanged(sessionID, state, detail string) Event {
	return stamp(Event{Kind: EventSessionStatus, SessionID: sessionID, Status: &SessionStatus{State: state, Detail: detail}})
}

// StatsUpdated builds a session-stats event.
func StatsUpdated(sessionID string, stats backend.TokenCount) Event {
	return stamp(Event{Kind: EventSessionStats, SessionID: sessionID, Stats: &stats})
}

// PromptSubmitted builds a prompt event.
func PromptSubmitted(sessionID, text string) Event {
	return stamp(Event{Kind: EventPrompt, SessionID: sessionID, Prompt: &Prompt{Text: text}})
}

// PeerPresence builds a peer-connected or peer-disconnected event.
func PeerPresence(peer PeerKind, online bool) Event {
	kind := EventPeerDisconnected
	if online {
		kind = EventPeerConnected
	}
	return stamp(Event{Kind: kind, Peer: peer})
}
