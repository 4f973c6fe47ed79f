package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies the variant carried by a Message.
type MessageType string

const (
	// MessageModelOutput carries an incremental chunk of model text.
	MessageModelOutput MessageType = "model-output"
	// MessageToolCall announces a tool invocation by the agent.
	MessageToolCall MessageType = "tool-call"
	// MessageToolResult carries the outcome of an announced tool call.
	MessageToolResult MessageType = "tool-result"
	// MessageFSEdit reports a file mutation performed by a tool.
	MessageFSEdit MessageType = "fs-edit"
	// MessageStatus reports a lifecycle status change.
	MessageStatus MessageType = "status"
	// MessageTokenCount carries a full token/cost snapshot for the session.
	MessageTokenCount MessageType = "token-count"
	// MessagePermissionResponse reports a decision on a permission request.
	MessagePermissionResponse MessageType = "permission-response"
)

// Status is the canonical lifecycle status of a backend session.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusIdle     Status = "idle"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Valid reports whether s is one of the canonical statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusIdle, StatusStopped, StatusError:
		return true
	default:
		return false
	}
}

// Message is the canonical, vendor-neutral event emitted by every backend.
// Exactly one payload pointer is set and it matches Type.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`

	ModelOutput        *ModelOutput        `json:"modelOutput,omitempty"`
	ToolCall           *ToolCall           `json:"toolCall,omitempty"`
	ToolResult         *ToolResult         `json:"toolResult,omitempty"`
	FSEdit             *FSEdit             `json:"fsEdit,omitempty"`
	Status             *StatusChange       `json:"status,omitempty"`
	TokenCount         *TokenCount         `json:"tokenCount,omitempty"`
	PermissionResponse *PermissionResponse `json:"permissionResponse,omitempty"`
}

type ModelOutput struct {
	TextDelta string `json:"textDelta"`
}

type ToolCall struct {
	ToolName string          `json:"toolName"`
	Args     json.RawMessage `json:"args,omitempty"`
	CallID   string          `json:"callId"`
}

type ToolResult struct {
	ToolName string          `json:"toolName"`
	Result   json.RawMessage `json:"result,omitempty"`
	CallID   string          `json:"callId"`
}

type FSEdit struct {
	Description string `json:"description"`
	Path        string `json:"path,omitempty"`
}

type StatusChange struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// TokenCount is always a full cumulative snapshot, never a delta.
type TokenCount struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	TotalTokens  int64   `json:"totalTokens"`
	CostUSD      float64 `json:"costUsd"`
}

type PermissionResponse struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
}

func now() time.Time {
	return time.Now().UTC()
}

// NewModelOutput builds a model-output message.
func NewModelOutput(text string) Message {
	return Message{Type: MessageModelOutput, Timestamp: now(), ModelOutput: &ModelOutput{TextDelta: text}}
}

// NewToolCall builds a tool-call message.
func NewToolCall(toolName, callID string, args json.RawMessage) Message {
	return Message{
		Type:      MessageToolCall,
		Timestamp: now(),
		ToolCall:  &ToolCall{ToolName: toolName, Args: cloneRaw(args), CallID: callID},
	}
}

// NewToolResult builds a tool-result message.
func NewToolResult(toolName, callID string, result json.RawMessage) Message {
	return Message{
		Type:       MessageToolResult,
		Timestamp:  now(),
		ToolResult: &ToolResult{ToolName: toolName, Result: cloneRaw(result), CallID: callID},
	}
}

// NewFSEdit builds an fs-edit message.
func NewFSEdit(description, path string) Message {
	return Message{Type: MessageFSEdit, Timestamp: now(), FSEdit: &FSEdit{Description: description, Path: path}}
}

// NewStatus builds a status message.
func NewStatus(status Status, detail string) Message {
	return Message{Type: MessageStatus, Timestamp: now(), Status: &StatusChange{Status: status, Detail: detail}}
}

// NewTokenCount builds a token-count message from a snapshot.
func NewTokenCount(snapshot TokenCount) Message {
	snapshot.TotalTokens = snapshot.InputTokens + snapshot.OutputTokens
	return Message{Type: MessageTokenCount, Timestamp: now(), TokenCount: &snapshot}
}

// NewPermissionResponse builds a permission-response message.
func NewPermissionResponse(id string, approved bool) Message {
	return Message{
		Type:               MessagePermissionResponse,
		Timestamp:          now(),
		PermissionResponse: &PermissionResponse{ID: id, Approved: approved},
	}
}

// Validate reports whether the payload matches the declared type.
func (m Message) Validate() error {
	set := 0
	for _, present := range []bool{
		m.ModelOutput != nil,
		m.ToolCall != nil,
		m.ToolResult != nil,
		m.FSEdit != nil,
		m.Status != nil,
		m.TokenCount != nil,
		m.PermissionResponse != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("message %q carries %d payloads, want 1", m.Type, set)
	}

	var ok bool
	switch m.Type {
	case MessageModelOutput:
		ok = m.ModelOutput != nil
	case MessageToolCall:
		ok = m.ToolCall != nil && m.ToolCall.CallID != "" && m.ToolCall.ToolName != ""
	case MessageToolResult:
		ok = m.ToolResult != nil && m.ToolResult.CallID != ""
	case MessageFSEdit:
		ok = m.FSEdit != nil
	case MessageStatus:
		ok = m.Status != nil && m.Status.Status.Valid()
	case MessageTokenCount:
		ok = m.TokenCount != nil
	case MessagePermissionResponse:
		ok = m.PermissionResponse != nil && m.PermissionResponse.ID != ""
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if !ok {
		return errors.New("message payload does not match type " + string(m.Type))
	}
	return nil
}

// CallID returns the tool call id for tool-call and tool-result messages.
func (m Message) CallID() string {
	switch {
	case m.ToolCall != nil:
		return m.ToolCall.CallID
	case m.ToolResult != nil:
		return m.ToolResult.CallID
	default:
		return ""
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
