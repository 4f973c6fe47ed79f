// Package session binds one agent backend to one user-facing session. It
// keeps aggregate token/cost totals, drives the session lifecycle state
// machine, mediates tool permission requests with a remote approver, and
// queues outbound events while the remote peer is offline.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/metrics"
	"github.com/agentdeck/agentdeck/internal/relay"
	"github.com/agentdeck/agentdeck/internal/state"
	"github.com/agentdeck/agentdeck/internal/telemetry"
	"github.com/agentdeck/agentdeck/internal/telemetry/invariants"
)

// DefaultPermissionTimeout bounds a permission round trip when none is configured.
const DefaultPermissionTimeout = 60 * time.Second

var (
	// ErrSessionStopped is returned by every operation after Stop.
	ErrSessionStopped = errors.New("session stopped")
	// ErrNotStarted is returned by prompt operations before Start.
	ErrNotStarted = errors.New("session not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrEmptyPrompt is returned for a blank prompt.
	ErrEmptyPrompt = errors.New("prompt must not be empty")
)

// Options configures an Orchestrator.
type Options struct {
	// Agent labels logs, spans and metrics. Defaults to the backend's own
	// agent id when it exposes one.
	Agent string
	Model string
	// Channel links the session to a remote peer. Nil runs without one.
	Channel relay.Channel
	// Bus receives orchestrator events for local consumers such as the CLI.
	Bus               events.Bus
	Policy            Policy
	PermissionTimeout time.Duration
	// CancelOnDeny cancels the in-flight prompt when a request is denied.
	CancelOnDeny bool
	OutboxSize   int
	Logger       *log.Logger
}

// Status is the session lifecycle state with the reason for the last change.
type Status struct {
	State  state.State `json:"state"`
	Detail string      `json:"detail,omitempty"`
	Since  time.Time   `json:"since"`
}

// Orchestrator owns one backend for the lifetime of one session.
type Orchestrator struct {
	id                string
	backend           backend.Backend
	responder         backend.PermissionResponder
	agent             string
	model             string
	channel           relay.Channel
	bus               events.Bus
	policy            Policy
	permissionTimeout time.Duration
	cancelOnDeny      bool
	logger            *log.Logger
	machine           *state.Machine
	outbox            *relay.Outbox
	createdAt         time.Time

	handlerID   backend.HandlerID
	unsubscribe func()
	prompts     inflight
	queue       outboundQueue

	mu             sync.Mutex
	started        bool
	stopped        bool
	prompting      bool
	backendSession backend.SessionID
	base           backend.TokenCount
	current        backend.TokenCount
	mobile         bool
	pending        map[string]*pendingRequest
	pendingOrder   []string
	decided        map[string]bool
	decisions      []Decision
	span           *telemetry.PromptSpan
}

type agentNamer interface {
	Agent() string
}

// New wires an orchestrator to b. The orchestrator subscribes to b and to
// the channel immediately; call Stop to release both.
func New(b backend.Backend, opts Options) (*Orchestrator, error) {
	if b == nil {
		return nil, errors.New("session backend must not be nil")
	}

	agent := strings.TrimSpace(opts.Agent)
	if named, ok := b.(agentNamer); ok && agent == "" {
		agent = named.Agent()
	}
	if agent == "" {
		agent = "unknown"
	}
	policy := opts.Policy
	if policy == nil {
		policy = AllowAll{}
	}
	timeout := opts.PermissionTimeout
	if timeout <= 0 {
		timeout = DefaultPermissionTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	id := uuid.NewString()
	o := &Orchestrator{
		id:                id,
		backend:           b,
		agent:             agent,
		model:             strings.TrimSpace(opts.Model),
		channel:           opts.Channel,
		bus:               opts.Bus,
		policy:            policy,
		permissionTimeout: timeout,
		cancelOnDeny:      opts.CancelOnDeny,
		logger:            logger.With("session_id", id, "agent", agent),
		outbox:            relay.NewOutbox(opts.OutboxSize),
		createdAt:         time.Now().UTC(),
		pending:           map[string]*pendingRequest{},
		decided:           map[string]bool{},
	}
	if responder, ok := b.(backend.PermissionResponder); ok {
		o.responder = responder
	}

	machine, err := state.NewMachine(id, state.WithObserver(o.onTransition))
	if err != nil {
		return nil, err
	}
	o.machine = machine

	o.handlerID = b.OnMessage(o.handleMessage)
	if o.channel != nil {
		o.mobile = o.channel.IsPeerOnline(relay.PeerMobile)
		o.unsubscribe = o.channel.OnEvent(o.handleRemote)
	}
	return o, nil
}

// SessionID returns the orchestrator's session id, used on relay events.
func (o *Orchestrator) SessionID() string {
	return o.id
}

// BackendSessionID returns the id issued by the backend on Start.
func (o *Orchestrator) BackendSessionID() backend.SessionID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.backendSession
}

// Agent returns the agent label.
func (o *Orchestrator) Agent() string {
	return o.agent
}

// Start opens the backend session. A non-empty prompt is submitted in the
// background; use Wait to block until it finishes.
func (o *Orchestrator) Start(ctx context.Context, prompt string) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrSessionStopped
	}
	if o.machine.Current() != state.Created {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	err := o.machine.Transition(ctx, state.Starting, "start requested")
	o.mu.Unlock()
	if err != nil {
		return err
	}
	o.flush()

	metrics.RecordSessionStart(o.agent)
	id, err := o.backend.StartSession(ctx, "")
	o.mu.Lock()
	o.started = true
	o.backendSession = id
	o.mu.Unlock()
	if err != nil {
		o.fail(fmt.Errorf("start session: %w", err))
		return err
	}
	o.logger.Info("session started", "backend_session", id)

	if strings.TrimSpace(prompt) != "" {
		o.submitAsync(prompt, SourceLocal)
	}
	return nil
}

// Prompt submits text to the agent and blocks until the agent finishes.
func (o *Orchestrator) Prompt(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyPrompt
	}
	o.prompts.add()
	defer o.prompts.done()
	return o.runPrompt(ctx, text, SourceLocal)
}

// Cancel stops the in-flight prompt. Pending permission requests are denied.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrSessionStopped
	}
	if !o.started {
		o.mu.Unlock()
		return ErrNotStarted
	}
	id := o.backendSession
	pending := append([]string(nil), o.pendingOrder...)
	o.mu.Unlock()

	for _, requestID := range pending {
		if err := o.resolve(requestID, false, SourceCancelled, "prompt cancelled"); err != nil && !errors.Is(err, ErrUnknownRequest) {
			o.logger.Debug("deny on cancel failed", "request_id", requestID, "err", err)
		}
	}
	return o.backend.Cancel(ctx, id)
}

// Wait blocks until no prompt is in flight. A non-positive timeout uses
// backend.DefaultResponseTimeout.
func (o *Orchestrator) Wait(ctx context.Context, timeout time.Duration) error {
	o.mu.Lock()
	stopped := o.stopped
	o.mu.Unlock()
	if stopped {
		return ErrSessionStopped
	}
	if timeout <= 0 {
		timeout = backend.DefaultResponseTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-o.prompts.idle():
		return nil
	case <-timer.C:
		return &backend.TimeoutError{Op: "session wait", After: timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop disposes the backend, denies pending permission requests, and ends
// the session. Every later call fails with ErrSessionStopped.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrSessionStopped
	}
	o.stopped = true
	started := o.started
	denied := o.denyAllLocked(SourceStopped, "session stopped")
	o.mu.Unlock()

	for _, decision := range denied {
		metrics.RecordPermissionDecision(o.agent, false, decision.Source)
	}
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
	o.backend.OffMessage(o.handlerID)
	disposeErr := o.backend.Dispose()

	select {
	case <-o.prompts.idle():
	case <-ctx.Done():
		o.logger.Warn("stop did not wait for in-flight prompts", "err", ctx.Err())
	}

	if err := o.machine.Transition(ctx, state.Stopped, "session stopped"); err != nil {
		o.logger.Warn("stop transition rejected", "err", err)
	}
	if started {
		stats := o.Stats()
		metrics.RecordSessionEnd(o.agent, stats.InputTokens, stats.OutputTokens, stats.CostUSD)
	}
	o.flush()
	o.logger.Info("session stopped")

	if disposeErr != nil {
		return fmt.Errorf("dispose backend: %w", disposeErr)
	}
	return nil
}

// Status returns the current lifecycle state and the reason it was entered.
func (o *Orchestrator) Status() Status {
	current := o.machine.Current()
	history := o.machine.History()
	if len(history) == 0 {
		return Status{State: current, Since: o.createdAt}
	}
	last := history[len(history)-1]
	return Status{State: current, Detail: last.Reason, Since: last.Timestamp}
}

// History returns every lifecycle transition so far.
func (o *Orchestrator) History() []state.TransitionRecord {
	return o.machine.History()
}

// Stats returns token and cost totals for the whole session.
func (o *Orchestrator) Stats() backend.TokenCount {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statsLocked()
}

// MobileConnected reports whether a mobile peer is online.
func (o *Orchestrator) MobileConnected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mobile
}

// Outbox exposes the queue of relay events awaiting a peer.
func (o *Orchestrator) Outbox() relay.OutboxStats {
	return o.outbox.Stats()
}

func (o *Orchestrator) runPrompt(ctx context.Context, text, source string) error {
	o.mu.Lock()
	switch {
	case o.stopped:
		o.mu.Unlock()
		return ErrSessionStopped
	case !o.started || o.backendSession == "":
		o.mu.Unlock()
		return ErrNotStarted
	case o.prompting:
		o.mu.Unlock()
		return backend.ErrBusy
	}
	o.prompting = true
	id := o.backendSession
	before := o.statsLocked()
	ctx, span := telemetry.StartPrompt(ctx, telemetry.PromptRequest{
		SessionID: o.id,
		Agent:     o.agent,
		Model:     o.model,
		Prompt:    text,
		Source:    source,
	})
	o.span = span
	o.mu.Unlock()

	o.logger.Debug("prompt submitted", "source", source)
	err := o.backend.SendPrompt(ctx, id, text)

	o.mu.Lock()
	o.prompting = false
	o.span = nil
	after := o.statsLocked()
	o.mu.Unlock()

	span.End(telemetry.PromptUsage{
		InputTokens:  after.InputTokens - before.InputTokens,
		OutputTokens: after.OutputTokens - before.OutputTokens,
		CostUSD:      after.CostUSD - before.CostUSD,
	}, err)
	if err != nil && isSessionFailure(err) {
		o.fail(err)
	}
	return err
}

func (o *Orchestrator) submitAsync(text, source string) {
	o.prompts.add()
	go func() {
		defer o.prompts.done()
		if err := o.runPrompt(context.Background(), text, source); err != nil {
			o.logger.Warn("prompt failed", "source", source, "err", err)
		}
	}()
}

// fail moves the session to error with err as the detail.
func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	if o.stopped || o.machine.Current() == state.Error {
		o.mu.Unlock()
		return
	}
	transitionErr := o.machine.Transition(context.Background(), state.Error, err.Error())
	o.mu.Unlock()

	if transitionErr != nil {
		o.logger.Warn("error transition rejected", "err", transitionErr)
	}
	o.flush()
}

func isSessionFailure(err error) bool {
	switch {
	case errors.Is(err, backend.ErrBusy),
		errors.Is(err, backend.ErrCancelled),
		errors.Is(err, backend.ErrInvalidSession),
		errors.Is(err, backend.ErrDisposed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

// handleMessage routes one backend message. It runs on the backend's
// delivery goroutine and never blocks on the backend.
func (o *Orchestrator) handleMessage(msg backend.Message) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	switch msg.Type {
	case backend.MessageStatus:
		o.applyStatusLocked(*msg.Status)
	case backend.MessageTokenCount:
		o.applyStatsLocked(*msg.TokenCount)
	case backend.MessageToolCall:
		o.routeToolCallLocked(msg)
	case backend.MessageToolResult:
		o.routeHeldLocked(msg, msg.CallID())
	case backend.MessageFSEdit:
		o.routeHeldLocked(msg, o.latestPendingLocked())
	default:
		o.forwardLocked(msg)
	}
	o.mu.Unlock()
	o.flush()
}

func (o *Orchestrator) applyStatusLocked(change backend.StatusChange) {
	var target state.State
	switch change.Status {
	case backend.StatusStarting:
		target = state.Starting
	case backend.StatusRunning:
		target = state.Running
	case backend.StatusIdle:
		target = state.Idle
	case backend.StatusError:
		target = state.Error
	default:
		return
	}
	reason := change.Detail
	if reason == "" {
		reason = "backend " + string(change.Status)
	}
	if err := o.machine.Transition(context.Background(), target, reason); err != nil {
		o.logger.Debug("ignoring backend status", "status", change.Status, "err", err)
	}
}

func (o *Orchestrator) applyStatsLocked(snapshot backend.TokenCount) {
	previous := o.statsLocked()
	// A backend session restart resets the backend's own counters.
	if snapshot.TotalTokens < o.current.TotalTokens || snapshot.CostUSD < o.current.CostUSD {
		o.base = sumCounts(o.base, o.current)
	}
	o.current = snapshot
	current := o.statsLocked()
	invariants.CheckTokenCountersMonotonic(
		context.Background(),
		"session.stats",
		previous.TotalTokens,
		current.TotalTokens,
		previous.CostUSD,
		current.CostUSD,
	)
	o.push(relay.StatsUpdated(o.id, current), events.EventTypeSessionStats, current, events.SeverityInfo)
}

func (o *Orchestrator) statsLocked() backend.TokenCount {
	return sumCounts(o.base, o.current)
}

func sumCounts(a, b backend.TokenCount) backend.TokenCount {
	out := backend.TokenCount{
		InputTokens:  a.InputTokens + b.InputTokens,
		OutputTokens: a.OutputTokens + b.OutputTokens,
		CostUSD:      a.CostUSD + b.CostUSD,
	}
	out.TotalTokens = out.InputTokens + out.OutputTokens
	return out
}

func (o *Orchestrator) routeToolCallLocked(msg backend.Message) {
	call := msg.ToolCall
	o.span.RecordToolCall(call.ToolName, call.CallID)

	id := call.CallID
	if pending, ok := o.pending[id]; ok {
		pending.held = append(pending.held, msg)
		return
	}
	if approved, ok := o.decided[id]; ok {
		if approved {
			o.forwardLocked(msg)
		}
		return
	}
	if id == "" || !o.policy.RequiresApproval(*call) {
		o.forwardLocked(msg)
		return
	}
	o.openRequestLocked(msg)
}

// routeHeldLocked holds msg behind the pending request id, drops it when
// id was denied, and forwards it otherwise.
func (o *Orchestrator) routeHeldLocked(msg backend.Message, id string) {
	if id != "" {
		if pending, ok := o.pending[id]; ok {
			pending.held = append(pending.held, msg)
			return
		}
		if approved, ok := o.decided[id]; ok && !approved {
			return
		}
	}
	o.forwardLocked(msg)
}

func (o *Orchestrator) forwardLocked(msg backend.Message) {
	o.push(relay.AgentMessage(o.id, msg), events.EventTypeAgentMessage, msg, events.SeverityInfo)
}

func (o *Orchestrator) onTransition(record state.TransitionRecord) {
	severity := events.SeverityInfo
	if record.ToState == state.Error {
		severity = events.SeverityError
	}
	status := Status{State: record.ToState, Detail: record.Reason, Since: record.Timestamp}
	o.push(
		relay.StatusChanged(o.id, string(record.ToState), record.Reason),
		events.EventTypeSessionStatus,
		status,
		severity,
	)
}

// handleRemote handles events arriving from the peer.
func (o *Orchestrator) handleRemote(event relay.Event) {
	o.mu.Lock()
	stopped := o.stopped
	o.mu.Unlock()
	if stopped {
		return
	}

	switch event.Kind {
	case relay.EventPermissionDecision:
		decision := event.Decision
		if decision == nil {
			return
		}
		if err := o.resolve(decision.ID, decision.Approved, SourceRemote, decision.Reason); err != nil {
			o.logger.Warn("remote decision ignored", "request_id", decision.ID, "err", err)
		}
	case relay.EventPrompt:
		if event.Prompt == nil || strings.TrimSpace(event.Prompt.Text) == "" {
			return
		}
		o.logger.Info("remote prompt received")
		o.submitAsync(event.Prompt.Text, SourceRemote)
	case relay.EventPeerConnected:
		o.peerChanged(event.Peer, true)
	case relay.EventPeerDisconnected:
		o.peerChanged(event.Peer, false)
	default:
		o.logger.Debug("ignoring relay event", "kind", event.Kind)
	}
}

func (o *Orchestrator) peerChanged(peer relay.PeerKind, online bool) {
	o.mu.Lock()
	if peer == relay.PeerMobile {
		o.mobile = online
	}
	busType := events.EventTypePeerDisconnected
	severity := events.SeverityWarn
	if online {
		busType = events.EventTypePeerConnected
		severity = events.SeverityInfo
	}
	o.queue.push(outbound{bus: o.busEvent(busType, peer, severity)})

	var replay []relay.Event
	if online {
		replay = o.outbox.Drain()
	}
	for i := range replay {
		event := replay[i]
		o.queue.push(outbound{relay: &event})
	}
	if len(replay) > 0 {
		o.queue.push(outbound{bus: o.busEvent(events.EventTypeOutboxReplayed, len(replay), events.SeverityInfo)})
	}
	o.mu.Unlock()

	o.logger.Info("relay peer changed", "peer", peer, "online", online, "replayed", len(replay))
	o.flush()
}

// inflight counts running prompts and exposes a channel closed when none are.
type inflight struct {
	mu     sync.Mutex
	count  int
	idleCh chan struct{}
}

func (f *inflight) add() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.count == 0 {
		f.idleCh = make(chan struct{})
	}
	f.count++
}

func (f *inflight) done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count--
	if f.count == 0 {
		close(f.idleCh)
	}
}

func (f *inflight) idle() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.count == 0 {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return f.idleCh
}
