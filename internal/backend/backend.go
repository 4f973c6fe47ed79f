package backend

import (
	"context"
	"time"
)

const (
	// DefaultResponseTimeout bounds WaitForResponseComplete when no timeout is given.
	DefaultResponseTimeout = 120 * time.Second
	// DefaultGracePeriod is the window between SIGTERM and SIGKILL on Cancel.
	DefaultGracePeriod = 3 * time.Second
)

// SessionID identifies one logical conversation with a backend.
type SessionID string

// Handler receives canonical messages. Handlers are invoked one at a time in
// delivery order and must not block on backend operations.
type Handler func(Message)

// HandlerID identifies a registered Handler for OffMessage.
type HandlerID uint64

// Backend drives one vendor agent CLI and translates its output into Messages.
type Backend interface {
	OnMessage(handler Handler) HandlerID
	OffMessage(id HandlerID)

	// StartSession creates a new session id and resets per-session counters.
	// A non-empty initial prompt is submitted immediately; the call returns
	// once the vendor process is running.
	StartSession(ctx context.Context, initialPrompt string) (SessionID, error)

	// SendPrompt spawns the vendor CLI for one prompt and blocks until it exits.
	SendPrompt(ctx context.Context, id SessionID, prompt string) error

	// Cancel terminates the in-flight prompt, if any, and always ends idle.
	Cancel(ctx context.Context, id SessionID) error

	// WaitForResponseComplete blocks until no vendor process is running.
	WaitForResponseComplete(ctx context.Context, timeout time.Duration) error

	// Dispose kills any process and makes the backend permanently unusable.
	Dispose() error
}

// PermissionResponder is implemented by backends that can answer tool
// permission requests. Callers discover it with a type assertion.
type PermissionResponder interface {
	RespondToPermission(ctx context.Context, requestID string, approved bool) error
}

// Credential is injected into the vendor process environment.
type Credential struct {
	EnvVar string
	Value  string
}

// Config is fixed for the lifetime of one backend instance.
type Config struct {
	WorkDir     string
	Model       string
	ResumeToken string
	Binary      string
	Env         map[string]string
	ExtraArgs   []string
	Credential  *Credential
}

// Clone returns a deep copy so later caller mutations cannot leak in.
func (c Config) Clone() Config {
	out := c
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for key, value := range c.Env {
			out.Env[key] = value
		}
	}
	if c.ExtraArgs != nil {
		out.ExtraArgs = append([]string(nil), c.ExtraArgs...)
	}
	if c.Credential != nil {
		credential := *c.Credential
		out.Credential = &credential
	}
	return out
}
