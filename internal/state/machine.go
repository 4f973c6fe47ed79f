package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is a session lifecycle state.
type State string

const (
	Created  State = "created"
	Starting State = "starting"
	Running  State = "running"
	Idle     State = "idle"
	Stopped  State = "stopped"
	Error    State = "error"
)

var allowedTransitions = map[State]map[State]struct{}{
	Created: {
		Starting: {},
		Error:    {},
		Stopped:  {},
	},
	Starting: {
		Running: {},
		Idle:    {},
		Error:   {},
		Stopped: {},
	},
	Running: {
		Idle:    {},
		Error:   {},
		Stopped: {},
	},
	Idle: {
		Running: {},
		Error:   {},
		Stopped: {},
	},
	// A vendor may report an error mid-run and still finish the prompt.
	Error: {
		Running: {},
		Idle:    {},
		Stopped: {},
	},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Stopped
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithClock overrides the transition timestamp source.
func WithClock(now func() time.Time) Option {
	return func(machine *Machine) {
		if now != nil {
			machine.now = now
		}
	}
}

// WithObserver registers a callback invoked after every accepted transition.
func WithObserver(observer func(TransitionRecord)) Option {
	return func(machine *Machine) {
		if observer != nil {
			machine.observers = append(machine.observers, observer)
		}
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	SessionID string
	FromState State
	ToState   State
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	SessionID string
	FromState State
	ToState   State
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for session lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition session %q from %q to %q: %s",
		e.SessionID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine tracks one session's lifecycle and validates every transition.
type Machine struct {
	sessionID string
	tracer    trace.Tracer
	now       func() time.Time
	observers []func(TransitionRecord)

	mu      sync.Mutex
	current State
	history []TransitionRecord
}

// NewMachine builds a machine in the created state.
func NewMachine(sessionID string, options ...Option) (*Machine, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id must not be empty")
	}

	machine := &Machine{
		sessionID: sessionID,
		tracer:    otel.Tracer("agentdeck/state"),
		now:       time.Now,
		current:   Created,
		history:   []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}

	return machine, nil
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition moves the session to toState. A transition to the current
// state is a no-op and is not recorded.
func (m *Machine) Transition(ctx context.Context, toState State, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	fromState := m.current
	if fromState == toState {
		m.mu.Unlock()
		return nil
	}

	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)
	ctx, span := m.tracer.Start(ctx, "session.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()
	span.SetAttributes(
		attribute.String("session_id", m.sessionID),
		attribute.String("from_state", string(fromState)),
		attribute.String("to_state", string(toState)),
		attribute.String("reason", normalizedReason),
	)

	if !isAllowed(fromState, toState) {
		m.mu.Unlock()
		invariants.CheckStateTransitionLegal(
			ctx,
			"state.machine.transition",
			m.sessionID,
			string(fromState),
			string(toState),
			false,
		)
		err := &IllegalTransitionError{
			SessionID: m.sessionID,
			FromState: fromState,
			ToState:   toState,
			Reason:    "illegal transition for session lifecycle",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		SessionID: m.sessionID,
		FromState: fromState,
		ToState:   toState,
		Reason:    normalizedReason,
		Timestamp: m.now().UTC(),
	}
	m.current = toState
	m.history = append(m.history, record)
	observers := m.observers
	m.mu.Unlock()

	for _, observer := range observers {
		observer(record)
	}
	span.SetStatus(codes.Ok, "state transition applied")
	return nil
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// Allowed reports whether fromState may move to toState.
func Allowed(fromState, toState State) bool {
	return isAllowed(fromState, toState)
}

func isAllowed(fromState, toState State) bool {
	nextStates, ok := allowedTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}
