package cliproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/agentdeck/agentdeck/internal/metrics"
	"github.com/agentdeck/agentdeck/internal/telemetry/invariants"
	"github.com/agentdeck/agentdeck/internal/tracing"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	// DefaultWaitDelay bounds how long output pipes are drained after exit.
	DefaultWaitDelay = 2 * time.Second

	maxLoggedLineBytes = 512
)

// CommandFactory builds the command for one prompt. Tests substitute it to
// run scripted stand-ins for vendor binaries.
type CommandFactory func(name string, args ...string) *exec.Cmd

// Option configures a Backend.
type Option func(*Backend)

// WithCommandFactory replaces exec.Command.
func WithCommandFactory(factory CommandFactory) Option {
	return func(b *Backend) {
		if factory != nil {
			b.newCommand = factory
		}
	}
}

// WithGracePeriod sets the SIGTERM to SIGKILL window used by Cancel.
func WithGracePeriod(grace time.Duration) Option {
	return func(b *Backend) {
		if grace > 0 {
			b.grace = grace
		}
	}
}

// WithWaitDelay bounds output draining after the process exits.
func WithWaitDelay(delay time.Duration) Option {
	return func(b *Backend) {
		if delay > 0 {
			b.waitDelay = delay
		}
	}
}

// WithLogger sets the logger; the agent name is attached to every record.
func WithLogger(logger *log.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Backend implements backend.Backend for any Vendor.
type Backend struct {
	vendor     Vendor
	cfg        backend.Config
	binary     string
	logger     *log.Logger
	emitter    *backend.Emitter
	meter      backend.Meter
	grace      time.Duration
	waitDelay  time.Duration
	newCommand CommandFactory

	mu          sync.Mutex
	sessionID   backend.SessionID
	resumeToken string
	disposed    bool
	active      *run
	calls       map[string]toolCallRecord
}

var _ backend.Backend = (*Backend)(nil)

type toolCallRecord struct {
	name string
	args []byte
}

// run is one vendor process serving one prompt.
type run struct {
	started time.Time
	done    chan struct{}
	err     error
	ctx     context.Context
	span    *tracing.ProcessSpan

	cancelled atomic.Bool
	status    atomic.Value

	// cmd and killTimer are guarded by Backend.mu.
	cmd       *exec.Cmd
	killTimer *time.Timer

	stdout backend.LineBuffer
	stderr backend.LineBuffer
}

func (r *run) lastStatus() backend.Status {
	status, _ := r.status.Load().(backend.Status)
	return status
}

// New builds a backend for vendor. cfg is copied.
func New(vendor Vendor, cfg backend.Config, options ...Option) (*Backend, error) {
	if vendor == nil {
		return nil, errors.New("vendor is required")
	}
	cfg = cfg.Clone()

	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = vendor.DefaultBinary()
	}
	if binary == "" {
		return nil, fmt.Errorf("%s: binary is required", vendor.Name())
	}

	b := &Backend{
		vendor:     vendor,
		cfg:        cfg,
		binary:     binary,
		logger:     log.Default(),
		grace:      backend.DefaultGracePeriod,
		waitDelay:  DefaultWaitDelay,
		newCommand: exec.Command,
		calls:      map[string]toolCallRecord{},
	}
	for _, option := range options {
		if option != nil {
			option(b)
		}
	}
	b.logger = b.logger.With("agent", vendor.Name())
	b.emitter = backend.NewEmitter(b.logger)
	return b, nil
}

// Agent returns the vendor name.
func (b *Backend) Agent() string {
	return b.vendor.Name()
}

// OnMessage subscribes handler. It returns 0 after Dispose.
func (b *Backend) OnMessage(handler backend.Handler) backend.HandlerID {
	b.mu.Lock()
	disposed := b.disposed
	b.mu.Unlock()
	if disposed {
		return 0
	}
	return b.emitter.Subscribe(handler)
}

// OffMessage unsubscribes the handler with id.
func (b *Backend) OffMessage(id backend.HandlerID) {
	b.emitter.Unsubscribe(id)
}

// StartSession implements backend.Backend.
func (b *Backend) StartSession(ctx context.Context, initialPrompt string) (backend.SessionID, error) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return "", backend.ErrDisposed
	}
	if b.active != nil {
		b.mu.Unlock()
		return "", backend.ErrBusy
	}
	id := backend.SessionID(uuid.NewString())
	b.sessionID = id
	b.resumeToken = b.cfg.ResumeToken
	b.calls = map[string]toolCallRecord{}
	b.mu.Unlock()

	b.meter.Reset()
	b.logger.Debug("session started", "session_id", id)
	b.emitter.Emit(backend.NewStatus(backend.StatusStarting, ""))

	if strings.TrimSpace(initialPrompt) == "" {
		b.emitter.Emit(backend.NewStatus(backend.StatusIdle, ""))
		return id, nil
	}
	if _, err := b.begin(ctx, id, initialPrompt); err != nil {
		return id, err
	}
	return id, nil
}

// SendPrompt implements backend.Backend.
func (b *Backend) SendPrompt(ctx context.Context, id backend.SessionID, prompt string) error {
	r, err := b.begin(ctx, id, prompt)
	if err != nil {
		return err
	}

	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		b.mu.Lock()
		r.cancelled.Store(true)
		b.terminateLocked(r)
		b.mu.Unlock()
		<-r.done
		b.emitter.Emit(backend.NewStatus(backend.StatusIdle, ""))
		return fmt.Errorf("%w: %w", backend.ErrCancelled, ctx.Err())
	}
}

// Cancel implements backend.Backend.
func (b *Backend) Cancel(ctx context.Context, id backend.SessionID) error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return backend.ErrDisposed
	}
	if err := b.checkSessionLocked(id); err != nil {
		b.mu.Unlock()
		return err
	}
	r := b.active
	if r != nil {
		r.cancelled.Store(true)
		b.terminateLocked(r)
	}
	b.mu.Unlock()

	var err error
	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	b.emitter.Emit(backend.NewStatus(backend.StatusIdle, ""))
	return err
}

// WaitForResponseComplete implements backend.Backend.
func (b *Backend) WaitForResponseComplete(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = backend.DefaultResponseTimeout
	}
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return backend.ErrDisposed
	}
	r := b.active
	b.mu.Unlock()
	if r == nil {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return nil
	case <-timer.C:
		return &backend.TimeoutError{Op: "wait for response", After: timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispose implements backend.Backend.
func (b *Backend) Dispose() error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil
	}
	b.disposed = true
	r := b.active
	if r != nil {
		r.cancelled.Store(true)
		if r.killTimer != nil {
			r.killTimer.Stop()
		}
		if r.cmd != nil {
			if err := killProcess(r.cmd); err != nil {
				b.logger.Debug("kill vendor process", "err", err)
			}
		}
	}
	b.mu.Unlock()

	if r != nil {
		select {
		case <-r.done:
		case <-time.After(b.grace + b.waitDelay):
			b.logger.Warn("vendor process still running after dispose")
		}
	}
	b.emitter.Emit(backend.NewStatus(backend.StatusStopped, ""))
	b.emitter.Clear()
	return nil
}

// ResumeToken returns the vendor conversation id captured for this session.
func (b *Backend) ResumeToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resumeToken
}

// Usage returns the session's token/cost snapshot.
func (b *Backend) Usage() backend.TokenCount {
	return b.meter.Snapshot()
}

func (b *Backend) checkSessionLocked(id backend.SessionID) error {
	if b.sessionID == "" || id != b.sessionID {
		return fmt.Errorf("%w: %q", backend.ErrInvalidSession, id)
	}
	return nil
}

// begin validates the request, emits running and spawns the vendor process.
func (b *Backend) begin(ctx context.Context, id backend.SessionID, prompt string) (*run, error) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil, backend.ErrDisposed
	}
	if err := b.checkSessionLocked(id); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if strings.TrimSpace(prompt) == "" {
		b.mu.Unlock()
		return nil, errors.New("prompt must not be empty")
	}
	if b.active != nil {
		b.mu.Unlock()
		return nil, backend.ErrBusy
	}
	inv := Invocation{
		Prompt:      prompt,
		Model:       b.cfg.Model,
		ResumeToken: b.resumeToken,
		ExtraArgs:   append([]string(nil), b.cfg.ExtraArgs...),
	}
	r := &run{started: time.Now(), done: make(chan struct{})}
	r.status.Store(backend.StatusRunning)
	b.active = r
	b.mu.Unlock()

	b.emitter.Emit(backend.NewStatus(backend.StatusRunning, ""))

	args := b.vendor.BuildArgs(inv)
	r.ctx, r.span = tracing.StartProcess(ctx, tracing.ProcessRequest{
		Agent:  b.vendor.Name(),
		Binary: b.binary,
		Args:   args,
		Dir:    b.cfg.WorkDir,
	})

	cmd := b.newCommand(b.binary, args...)
	cmd.Dir = b.cfg.WorkDir
	cmd.Env = b.environ()
	cmd.Stdout = lineWriter{buf: &r.stdout, handle: func(line string) { b.handleLine(r, line) }}
	cmd.Stderr = lineWriter{buf: &r.stderr, handle: func(line string) { b.handleStderr(r, line) }}
	cmd.WaitDelay = b.waitDelay
	configureProcess(cmd)

	stdin, err := cmd.StdinPipe()
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		return nil, b.failSpawn(r, err)
	}
	_ = stdin.Close()

	metrics.RecordProcessStart(b.vendor.Name())
	b.logger.Debug(
		"vendor process started",
		"pid", cmd.Process.Pid,
		"command", tracing.FormatCommand(b.binary, tracing.RedactArgs(args)),
	)

	b.mu.Lock()
	r.cmd = cmd
	switch {
	case b.disposed:
		if err := killProcess(cmd); err != nil {
			b.logger.Debug("kill vendor process", "err", err)
		}
	case r.cancelled.Load():
		b.terminateLocked(r)
	}
	b.mu.Unlock()

	go b.wait(r)
	return r, nil
}

func (b *Backend) failSpawn(r *run, err error) error {
	spawnErr := &backend.ProcessSpawnError{Binary: b.binary, Err: err}

	b.mu.Lock()
	if b.active == r {
		b.active = nil
	}
	b.mu.Unlock()

	r.err = spawnErr
	r.span.End(-1, false, spawnErr)
	metrics.RecordSpawnFailure(b.vendor.Name())
	b.logger.Error("spawn vendor process", "binary", b.binary, "err", err)
	b.emitter.Emit(backend.NewStatus(backend.StatusError, spawnErr.Error()))
	close(r.done)
	return spawnErr
}

// terminateLocked sends SIGTERM and arms the kill timer for r. The timer
// only ever targets r's own process and is stopped when r exits.
func (b *Backend) terminateLocked(r *run) {
	if r.cmd == nil || r.cmd.Process == nil {
		return
	}
	if err := terminateProcess(r.cmd); err != nil {
		b.logger.Debug("terminate vendor process", "err", err)
	}
	if r.killTimer != nil {
		return
	}
	cmd := r.cmd
	r.killTimer = time.AfterFunc(b.grace, func() {
		select {
		case <-r.done:
			return
		default:
		}
		b.logger.Warn("vendor process ignored SIGTERM; killing", "pid", cmd.Process.Pid, "grace", b.grace)
		if err := killProcess(cmd); err != nil {
			b.logger.Debug("kill vendor process", "err", err)
		}
	})
}

func (b *Backend) wait(r *run) {
	waitErr := r.cmd.Wait()
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		b.logger.Debug("vendor output still open after exit; pipes closed")
		waitErr = nil
		if state := r.cmd.ProcessState; state != nil && !state.Success() {
			waitErr = fmt.Errorf("exit status %d", state.ExitCode())
		}
	}
	if rest, ok := r.stdout.Flush(); ok {
		b.handleLine(r, rest)
	}
	if rest, ok := r.stderr.Flush(); ok {
		b.handleStderr(r, rest)
	}

	exitCode := tracing.ResolveExitCode(waitErr, r.cmd.ProcessState)
	if waitErr == nil {
		exitCode = 0
	}
	cancelled := r.cancelled.Load()

	b.mu.Lock()
	if r.killTimer != nil {
		r.killTimer.Stop()
	}
	if b.active == r {
		b.active = nil
	}
	b.mu.Unlock()
	b.meter.EndRun()

	outcome := "ok"
	switch {
	case cancelled:
		outcome = "cancelled"
		r.err = backend.ErrCancelled
	case waitErr == nil:
		if r.lastStatus() != backend.StatusIdle {
			b.emitter.Emit(backend.NewStatus(backend.StatusIdle, ""))
		}
	default:
		outcome = "error"
		r.err = &backend.VendorExitError{Agent: b.vendor.Name(), Code: exitCode, Err: waitErr}
		b.logger.Warn("vendor process failed", "exit_code", exitCode, "err", waitErr)
		b.emitter.Emit(backend.NewStatus(backend.StatusError, fmt.Sprintf("exit code %d", exitCode)))
	}

	r.span.End(exitCode, cancelled, r.err)
	metrics.RecordProcessExit(b.vendor.Name(), outcome, exitCode, time.Since(r.started).Seconds())
	b.logger.Debug("vendor process exited", "exit_code", exitCode, "outcome", outcome)
	close(r.done)
}

func (b *Backend) handleLine(r *run, line string) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("decode vendor line panicked", "panic", recovered, "line", truncate(line))
			metrics.RecordDroppedLine(b.vendor.Name(), "panic")
		}
	}()

	if strings.TrimSpace(line) == "" {
		return
	}
	r.span.Line()

	decoded, ok := b.vendor.DecodeLine(line)
	if !ok {
		b.logger.Debug("ignoring vendor output line", "line", truncate(line))
		metrics.RecordDroppedLine(b.vendor.Name(), "unparsed")
		return
	}
	if decoded.Unrecognized != "" {
		b.logger.Debug("unrecognized vendor status; treating as running", "status", decoded.Unrecognized)
	}
	if token := strings.TrimSpace(decoded.ResumeToken); token != "" {
		b.mu.Lock()
		b.resumeToken = token
		b.mu.Unlock()
	}
	for _, msg := range decoded.Messages {
		b.publish(r, msg)
	}
	if decoded.Usage != nil {
		var snapshot backend.TokenCount
		if decoded.Cumulative {
			snapshot = b.meter.Observe(*decoded.Usage)
		} else {
			snapshot = b.meter.Add(*decoded.Usage)
		}
		b.emitter.Emit(backend.NewTokenCount(snapshot))
	}
}

// publish applies the tool-call ledger before emitting msg: a call is emitted
// once per call id, and results are only forwarded for calls that were
// announced earlier in the session.
func (b *Backend) publish(r *run, msg backend.Message) {
	switch msg.Type {
	case backend.MessageToolCall:
		call := msg.ToolCall
		if call == nil || call.CallID == "" || call.ToolName == "" {
			b.logger.Debug("dropping tool call without name or id")
			return
		}
		b.mu.Lock()
		_, seen := b.calls[call.CallID]
		b.calls[call.CallID] = toolCallRecord{name: call.ToolName, args: call.Args}
		b.mu.Unlock()
		// Vendors re-announce a call as it progresses; the ledger keeps the
		// latest args but the call is only emitted once.
		if seen {
			b.logger.Debug("tool call already announced", "call_id", call.CallID)
			return
		}
	case backend.MessageToolResult:
		result := msg.ToolResult
		if result == nil {
			return
		}
		b.mu.Lock()
		record, ok := b.calls[result.CallID]
		b.mu.Unlock()
		if !invariants.CheckToolResultCorrelated(r.ctx, "cliproc.publish", b.vendor.Name(), result.CallID, ok) {
			b.logger.Debug("dropping tool result without matching call", "call_id", result.CallID)
			metrics.RecordDroppedLine(b.vendor.Name(), "orphan_result")
			return
		}
		if result.ToolName == "" {
			named := *result
			named.ToolName = record.name
			msg.ToolResult = &named
		}
		b.emitter.Emit(msg)
		if IsFileMutationTool(record.name) {
			if path := EditedPath(record.args); path != "" {
				b.emitter.Emit(backend.NewFSEdit(record.name+" "+path, path))
			}
		}
		return
	case backend.MessageStatus:
		if msg.Status != nil {
			r.status.Store(msg.Status.Status)
		}
	}
	b.emitter.Emit(msg)
}

func (b *Backend) handleStderr(r *run, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	b.logger.Debug("vendor stderr", "line", truncate(line))
	r.span.Stderr(line)
	if b.vendor.StderrError(line) {
		r.status.Store(backend.StatusError)
		b.emitter.Emit(backend.NewStatus(backend.StatusError, line))
	}
}

// environ layers config overrides and the credential over the parent env.
func (b *Backend) environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(b.cfg.Env))
	for key := range b.cfg.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+b.cfg.Env[key])
	}
	if credential := b.cfg.Credential; credential != nil && credential.Value != "" {
		name := strings.TrimSpace(credential.EnvVar)
		if name == "" {
			name = b.vendor.CredentialEnv()
		}
		if name != "" {
			env = append(env, name+"="+credential.Value)
		}
	}
	return env
}

type lineWriter struct {
	buf    *backend.LineBuffer
	handle func(string)
}

func (w lineWriter) Write(p []byte) (int, error) {
	for _, line := range w.buf.Feed(p) {
		w.handle(line)
	}
	return len(p), nil
}

func truncate(line string) string {
	if len(line) <= maxLoggedLineBytes {
		return line
	}
	return line[:maxLoggedLineBytes] + "...[truncated]"
}
