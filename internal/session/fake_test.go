package session

import (
	"context"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/agentdeck/agentdeck/internal/relay"
)

// promptScript runs inside SendPrompt. cancelled closes on Cancel or Dispose.
type promptScript func(f *fakeBackend, prompt string, cancelled <-chan struct{}) error

// fakeBackend emits scripted messages synchronously from SendPrompt.
type fakeBackend struct {
	emitter *backend.Emitter
	script  promptScript

	mu        sync.Mutex
	sessionID backend.SessionID
	prompts   []string
	cancels   int
	disposed  bool
	cancelCh  chan struct{}
}

var _ backend.Backend = (*fakeBackend)(nil)

func newFakeBackend(script promptScript) *fakeBackend {
	return &fakeBackend{emitter: backend.NewEmitter(nil), script: script}
}

func (f *fakeBackend) Agent() string { return "fake" }

func (f *fakeBackend) OnMessage(handler backend.Handler) backend.HandlerID {
	return f.emitter.Subscribe(handler)
}

func (f *fakeBackend) OffMessage(id backend.HandlerID) {
	f.emitter.Unsubscribe(id)
}

func (f *fakeBackend) StartSession(_ context.Context, _ string) (backend.SessionID, error) {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return "", backend.ErrDisposed
	}
	f.sessionID = "backend-session"
	id := f.sessionID
	f.mu.Unlock()

	f.emit(backend.NewStatus(backend.StatusStarting, ""))
	f.emit(backend.NewStatus(backend.StatusIdle, ""))
	return id, nil
}

func (f *fakeBackend) SendPrompt(_ context.Context, id backend.SessionID, prompt string) error {
	f.mu.Lock()
	switch {
	case f.disposed:
		f.mu.Unlock()
		return backend.ErrDisposed
	case id != f.sessionID:
		f.mu.Unlock()
		return backend.ErrInvalidSession
	}
	f.prompts = append(f.prompts, prompt)
	f.cancelCh = make(chan struct{})
	cancelled := f.cancelCh
	script := f.script
	f.mu.Unlock()

	f.emit(backend.NewStatus(backend.StatusRunning, ""))
	var err error
	if script != nil {
		err = script(f, prompt, cancelled)
	}
	if err == nil {
		f.emit(backend.NewStatus(backend.StatusIdle, ""))
	}
	return err
}

func (f *fakeBackend) Cancel(_ context.Context, id backend.SessionID) error {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return backend.ErrDisposed
	}
	if id != f.sessionID {
		f.mu.Unlock()
		return backend.ErrInvalidSession
	}
	f.cancels++
	f.closeCancelLocked()
	f.mu.Unlock()

	f.emit(backend.NewStatus(backend.StatusIdle, ""))
	return nil
}

func (f *fakeBackend) WaitForResponseComplete(context.Context, time.Duration) error {
	return nil
}

func (f *fakeBackend) Dispose() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disposed {
		return nil
	}
	f.disposed = true
	f.closeCancelLocked()
	f.emitter.Clear()
	return nil
}

func (f *fakeBackend) closeCancelLocked() {
	if f.cancelCh != nil {
		close(f.cancelCh)
		f.cancelCh = nil
	}
}

func (f *fakeBackend) emit(msg backend.Message) {
	f.emitter.Emit(msg)
}

func (f *fakeBackend) promptList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

func (f *fakeBackend) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func (f *fakeBackend) isDisposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

// permissiveBackend answers permission decisions itself.
type permissiveBackend struct {
	*fakeBackend

	mu        sync.Mutex
	responses []backend.PermissionResponse
}

var _ backend.PermissionResponder = (*permissiveBackend)(nil)

func (p *permissiveBackend) RespondToPermission(_ context.Context, requestID string, approved bool) error {
	p.mu.Lock()
	p.responses = append(p.responses, backend.PermissionResponse{ID: requestID, Approved: approved})
	p.mu.Unlock()
	p.emit(backend.NewPermissionResponse(requestID, approved))
	return nil
}

func (p *permissiveBackend) responseList() []backend.PermissionResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]backend.PermissionResponse(nil), p.responses...)
}

func sentKinds(events []relay.Event) []relay.EventKind {
	out := make([]relay.EventKind, 0, len(events))
	for _, event := range events {
		out = append(out, event.Kind)
	}
	return out
}

func sentStates(events []relay.Event) []string {
	var out []string
	for _, event := range events {
		if event.Kind == relay.EventSessionStatus {
			out = append(out, event.Status.State)
		}
	}
	return out
}

func sentMessages(events []relay.Event) []backend.Message {
	var out []backend.Message
	for _, event := range events {
		if event.Kind == relay.EventAgentMessage {
			out = append(out, *event.Message)
		}
	}
	return out
}

func messageTypes(messages []backend.Message) []backend.MessageType {
	out := make([]backend.MessageType, 0, len(messages))
	for _, msg := range messages {
		out = append(out, msg.Type)
	}
	return out
}
