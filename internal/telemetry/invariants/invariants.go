package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantToolResultCorrelated requires every tool result to follow its tool call.
	InvariantToolResultCorrelated = "tool_result_correlated"
	// InvariantTokenCountersMonotonic requires session token and cost totals never to decrease.
	InvariantTokenCountersMonotonic = "token_counters_monotonic"
	// InvariantPermissionRequestPending requires decisions to answer an outstanding request.
	InvariantPermissionRequestPending = "permission_request_pending"
	// InvariantStateTransitionLegal requires lifecycle transitions to follow the session state machine.
	InvariantStateTransitionLegal = "state_transition_legal"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	StackTrace    string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation telemetry event on the active span.
// If the context has no active span, a short synthetic span is created for observability.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}
	if stack := strings.TrimSpace(details.StackTrace); stack != "" {
		attrs = append(attrs, attribute.String("stack_trace", stack))
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	tracedCtx, temporarySpan := otel.Tracer("agentdeck/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
	_ = tracedCtx
}

// CheckToolResultCorrelated validates the tool_result_correlated invariant.
func CheckToolResultCorrelated(ctx context.Context, whereDetected, agent, callID string, correlated bool) bool {
	if correlated {
		return true
	}
	InvariantViolation(ctx, InvariantToolResultCorrelated, SeverityWarn, ViolationDetails{
		WhatInvariant: "tool result follows a tool call with the same call id",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("no tool call recorded for call_id=%s", firstNonEmpty(callID, "<empty>")),
		Additional: map[string]string{
			"agent":   agent,
			"call_id": callID,
		},
	})
	return false
}

// CheckTokenCountersMonotonic validates the token_counters_monotonic invariant.
func CheckTokenCountersMonotonic(ctx context.Context, whereDetected string, previousTotal, currentTotal int64, previousCost, currentCost float64) bool {
	if currentTotal >= previousTotal && currentCost >= previousCost {
		return true
	}
	InvariantViolation(ctx, InvariantTokenCountersMonotonic, SeverityError, ViolationDetails{
		WhatInvariant: "session token and cost totals are non-decreasing",
		WhereDetected: whereDetected,
		WhyViolated: fmt.Sprintf(
			"total_tokens %d -> %d, cost_usd %.6f -> %.6f",
			previousTotal, currentTotal, previousCost, currentCost,
		),
		Additional: map[string]string{
			"previous_total": fmt.Sprintf("%d", previousTotal),
			"current_total":  fmt.Sprintf("%d", currentTotal),
		},
	})
	return false
}

// CheckPermissionRequestPending validates the permission_request_pending invariant.
func CheckPermissionRequestPending(ctx context.Context, whereDetected, requestID string, pending bool) bool {
	if pending {
		return true
	}
	InvariantViolation(ctx, InvariantPermissionRequestPending, SeverityWarn, ViolationDetails{
		WhatInvariant: "permission decision answers an outstanding request",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("request %s is unknown or already decided", firstNonEmpty(requestID, "<empty>")),
		Additional: map[string]string{
			"request_id": requestID,
		},
	})
	return false
}

// CheckStateTransitionLegal validates the state_transition_legal invariant.
func CheckStateTransitionLegal(
	ctx context.Context,
	whereDetected string,
	sessionID string,
	fromState string,
	toState string,
	legal bool,
) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantStateTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "session state machine transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for session=%s from=%s to=%s", sessionID, fromState, toState),
		Additional: map[string]string{
			"session_id":  strings.TrimSpace(sessionID),
			"from_state":  strings.TrimSpace(fromState),
			"to_state":    strings.TrimSpace(toState),
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityError:
		return SeverityError
	default:
		return SeverityError
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
