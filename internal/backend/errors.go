package backend

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrDisposed is returned by every operation after Dispose.
	ErrDisposed = errors.New("backend disposed")
	// ErrInvalidSession is returned when the supplied session id is not the active one.
	ErrInvalidSession = errors.New("invalid session id")
	// ErrBusy is returned when a prompt is submitted while another is running.
	ErrBusy = errors.New("prompt already in flight")
	// ErrCancelled is returned by SendPrompt when the prompt was cancelled.
	ErrCancelled = errors.New("prompt cancelled")
	// ErrTimeout matches any *TimeoutError.
	ErrTimeout = errors.New("timed out")
	// ErrAgentUnavailable is returned when a registered agent cannot run here.
	ErrAgentUnavailable = errors.New("agent not available")
)

// ProcessSpawnError reports that the vendor binary could not be started.
type ProcessSpawnError struct {
	Binary string
	Err    error
}

func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Binary, e.Err)
}

func (e *ProcessSpawnError) Unwrap() error {
	return e.Err
}

// VendorExitError reports a non-zero exit of the vendor CLI.
type VendorExitError struct {
	Agent string
	Code  int
	Err   error
}

func (e *VendorExitError) Error() string {
	if e.Agent == "" {
		return fmt.Sprintf("vendor process exited with code %d", e.Code)
	}
	return fmt.Sprintf("%s exited with code %d", e.Agent, e.Code)
}

func (e *VendorExitError) Unwrap() error {
	return e.Err
}

// ExitCode extracts the vendor exit code from err, if any.
func ExitCode(err error) (int, bool) {
	var exitErr *VendorExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}

// TimeoutError reports an explicit wait that ran out.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// Is enables errors.Is(err, ErrTimeout).
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// UnknownAgentError reports an agent id that was never registered.
type UnknownAgentError struct {
	ID    string
	Known []string
}

func (e *UnknownAgentError) Error() string {
	known := append([]string(nil), e.Known...)
	sort.Strings(known)
	if len(known) == 0 {
		return fmt.Sprintf("unknown agent %q", e.ID)
	}
	return fmt.Sprintf("unknown agent %q (known: %s)", e.ID, strings.Join(known, ", "))
}

// ConstructionError reports a registered factory that failed to build a backend.
type ConstructionError struct {
	ID  string
	Err error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("construct agent %q: %v", e.ID, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}
