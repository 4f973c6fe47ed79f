package state

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTransitionFollowsSessionLifecycle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		sequence []State
	}{
		{
			name:     "prompt at start",
			sequence: []State{Starting, Running, Idle, Running, Idle, Stopped},
		},
		{
			name:     "idle start",
			sequence: []State{Starting, Idle, Running, Idle},
		},
		{
			name:     "restart after error",
			sequence: []State{Starting, Running, Error, Running, Idle, Stopped},
		},
		{
			name:     "recover to idle after reported error",
			sequence: []State{Starting, Running, Error, Idle, Running, Idle},
		},
		{
			name:     "stop before start",
			sequence: []State{Stopped},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			machine, err := NewMachine("s-1")
			if err != nil {
				t.Fatalf("new machine: %v", err)
			}

			for _, next := range tt.sequence {
				from := machine.Current()
				if err := machine.Transition(context.Background(), next, "transition"); err != nil {
					t.Fatalf("transition %s -> %s: %v", from, next, err)
				}
			}

			if got := machine.Current(); got != tt.sequence[len(tt.sequence)-1] {
				t.Fatalf("current = %s, want %s", got, tt.sequence[len(tt.sequence)-1])
			}
			if len(machine.History()) != len(tt.sequence) {
				t.Fatalf("history length = %d, want %d", len(machine.History()), len(tt.sequence))
			}
		})
	}
}

func TestTransitionRejectsIllegalTransitionWithTypedError(t *testing.T) {
	t.Parallel()

	machine, err := NewMachine("s-42")
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	if err := machine.Transition(context.Background(), Stopped, "stop"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	err = machine.Transition(context.Background(), Running, "prompt after stop")
	if err == nil {
		t.Fatal("expected illegal transition error, got nil")
	}

	var illegalErr *IllegalTransitionError
	if !errors.As(err, &illegalErr) {
		t.Fatalf("error = %T, want *IllegalTransitionError", err)
	}
	if !errors.Is(err, &IllegalTransitionError{}) {
		t.Fatalf("errors.Is(%v, IllegalTransitionError{}) = false, want true", err)
	}
	if illegalErr.SessionID != "s-42" {
		t.Fatalf("session id = %s, want s-42", illegalErr.SessionID)
	}
	if illegalErr.FromState != Stopped || illegalErr.ToState != Running {
		t.Fatalf("illegal transition = %s -> %s", illegalErr.FromState, illegalErr.ToState)
	}
	if !strings.Contains(err.Error(), "illegal transition for session lifecycle") {
		t.Fatalf("error text missing reason: %v", err)
	}
	if machine.Current() != Stopped {
		t.Fatalf("current = %s after rejected transition, want stopped", machine.Current())
	}
}

func TestCreatedCannotSkipStarting(t *testing.T) {
	t.Parallel()

	for _, next := range []State{Running, Idle} {
		if Allowed(Created, next) {
			t.Fatalf("created -> %s allowed", next)
		}
	}
	if !Allowed(Error, Idle) {
		t.Fatal("error -> idle rejected")
	}
	if !Stopped.Terminal() || Idle.Terminal() {
		t.Fatal("terminal states misreported")
	}
}

func TestSameStateTransitionIsNoop(t *testing.T) {
	t.Parallel()

	machine, err := NewMachine("s-1")
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	if err := machine.Transition(context.Background(), Created, "again"); err != nil {
		t.Fatalf("no-op transition: %v", err)
	}
	if len(machine.History()) != 0 {
		t.Fatalf("history length = %d, want 0", len(machine.History()))
	}
}

func TestTransitionRecordsTimestampAndReason(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 2, 11, 5, 0, 0, 0, time.UTC)
	var observed []TransitionRecord
	machine, err := NewMachine(
		"s-1",
		WithClock(func() time.Time { return fixed }),
		WithObserver(func(record TransitionRecord) { observed = append(observed, record) }),
	)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	if err := machine.Transition(context.Background(), Starting, " session start "); err != nil {
		t.Fatalf("transition: %v", err)
	}

	history := machine.History()
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	record := history[0]
	if record.Timestamp != fixed {
		t.Fatalf("timestamp = %s, want %s", record.Timestamp, fixed)
	}
	if record.Reason != "session start" {
		t.Fatalf("reason = %q, want %q", record.Reason, "session start")
	}
	if record.FromState != Created || record.ToState != Starting {
		t.Fatalf("record = %+v", record)
	}
	if len(observed) != 1 || observed[0] != record {
		t.Fatalf("observed = %+v, want %+v", observed, record)
	}
}

func TestNewMachineRequiresSessionID(t *testing.T) {
	t.Parallel()

	if _, err := NewMachine("  "); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func TestTransitionCreatesSpanWithRequiredAttributes(t *testing.T) {
	t.Parallel()

	spanRecorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
	})

	machine, err := NewMachine("s-7", WithTracer(provider.Tracer("state-test")))
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	if err := machine.Transition(context.Background(), Starting, "start requested"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	span := findTransitionSpan(t, spanRecorder.Ended())
	attrs := attributesToMap(span.Attributes())

	if got := attrs["session_id"]; got != "s-7" {
		t.Fatalf("session_id = %q, want %q", got, "s-7")
	}
	if got := attrs["from_state"]; got != string(Created) {
		t.Fatalf("from_state = %q, want %q", got, Created)
	}
	if got := attrs["to_state"]; got != string(Starting) {
		t.Fatalf("to_state = %q, want %q", got, Starting)
	}
	if got := attrs["reason"]; got != "start requested" {
		t.Fatalf("reason = %q, want %q", got, "start requested")
	}
	if _, ok := attrs["duration_ms"]; !ok {
		t.Fatal("duration_ms attribute missing")
	}
	if span.Status().Code != codes.Ok {
		t.Fatalf("status code = %v, want %v", span.Status().Code, codes.Ok)
	}
}

func TestTransitionRecordsErrorsAndUsesParentContext(t *testing.T) {
	t.Parallel()

	spanRecorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
	})

	tracer := provider.Tracer("state-test")
	machine, err := NewMachine("s-9", WithTracer(tracer))
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	parentCtx, parentSpan := tracer.Start(context.Background(), "parent")
	err = machine.Transition(parentCtx, Idle, "skip starting")
	parentSpan.End()

	if err == nil {
		t.Fatal("expected transition error, got nil")
	}

	transitionSpan := findTransitionSpan(t, spanRecorder.Ended())
	if transitionSpan.Parent().SpanID() != parentSpan.SpanContext().SpanID() {
		t.Fatalf(
			"transition span parent = %s, want %s",
			transitionSpan.Parent().SpanID(),
			parentSpan.SpanContext().SpanID(),
		)
	}
	if transitionSpan.Status().Code != codes.Error {
		t.Fatalf("status code = %v, want %v", transitionSpan.Status().Code, codes.Error)
	}
	if len(transitionSpan.Events()) == 0 {
		t.Fatal("expected at least one event recorded on error span")
	}
}

func findTransitionSpan(t *testing.T, spans []sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, span := range spans {
		if span.Name() == "session.transition" {
			return span
		}
	}
	t.Fatalf("session.transition span not found in %d spans", len(spans))
	return nil
}

func attributesToMap(attrs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, attr := range attrs {
		out[string(attr.Key)] = attr.Value.Emit()
	}
	return out
}
