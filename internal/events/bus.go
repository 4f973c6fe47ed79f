package events

import (
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultBufferSize is the default per-subscriber channel capacity.
	DefaultBufferSize = 100

	// EventTypeSessionStatus identifies session lifecycle transitions.
	EventTypeSessionStatus = "SessionStatus"
	// EventTypeAgentMessage identifies canonical backend messages forwarded by a session.
	EventTypeAgentMessage = "AgentMessage"
	// EventTypeSessionStats identifies aggregate token/cost updates.
	EventTypeSessionStats = "SessionStats"
	// EventTypePermissionRequested identifies tool calls held for approval.
	EventTypePermissionRequested = "PermissionRequested"
	// EventTypePermissionDecided identifies resolved permission requests.
	EventTypePermissionDecided = "PermissionDecided"
	// EventTypePeerConnected identifies a remote peer coming online.
	EventTypePeerConnected = "PeerConnected"
	// EventTypePeerDisconnected identifies a remote peer going offline.
	EventTypePeerDisconnected = "PeerDisconnected"
	// EventTypeOutboxReplayed identifies queued relay events flushed on reconnect.
	EventTypeOutboxReplayed = "OutboxReplayed"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

// Event is the normalized message delivered through the in-process event bus.
type Event struct {
	Type      string
	Timestamp time.Time
	SessionID string
	Agent     string
	Payload   any
	Severity  string
}

// Handler consumes a published event.
type Handler func(Event)

// Logger captures warning logs for dropped events.
type Logger interface {
	Printf(format string, args ...any)
}

// Bus defines event subscription and publish behavior.
type Bus interface {
	Subscribe(eventType string, handler Handler)
	SubscribeAll(handler Handler)
	Publish(event Event)
	Close()
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize configures per-subscriber channel capacity.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger configures log sink used for dropped-event warnings.
func WithLogger(logger Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus is a thread-safe in-process pub/sub bus backed by buffered channels.
type InMemoryBus struct {
	mu             sync.RWMutex
	bufferSize     int
	logger         Logger
	typedSubs      map[string][]*subscriber
	wildcardSubs   []*subscriber
	nextSubscriber uint64
	closed         bool
	consumers      sync.WaitGroup
}

type subscriber struct {
	id uint64
	ch chan Event
}

// New creates an in-memory event bus with optional configuration.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize:   DefaultBufferSize,
		logger:       log.Default(),
		typedSubs:    make(map[string][]*subscriber),
		wildcardSubs: make([]*subscriber, 0),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" || handler == nil {
		return
	}
	sub := b.newSubscriber()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.typedSubs[normalizedType] = append(b.typedSubs[normalizedType], sub)
	b.startConsumer(sub, handler)
}

// SubscribeAll registers a handler that receives every published event.
func (b *InMemoryBus) SubscribeAll(handler Handler) {
	if handler == nil {
		return
	}
	sub := b.newSubscriber()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.wildcardSubs = append(b.wildcardSubs, sub)
	b.startConsumer(sub, handler)
}

// Publish delivers an event to typed subscribers and wildcard subscribers.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	eventType := strings.TrimSpace(event.Type)
	for _, sub := range b.typedSubs[eventType] {
		b.deliver(sub, event)
	}
	for _, sub := range b.wildcardSubs {
		b.deliver(sub, event)
	}
}

// Close stops accepting events and waits until every subscriber has handled
// the events already queued for it.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.typedSubs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	for _, sub := range b.wildcardSubs {
		close(sub.ch)
	}
	b.mu.Unlock()

	b.consumers.Wait()
}

func (b *InMemoryBus) deliver(sub *subscriber, event Event) {
	select {
	case sub.ch <- event:
	default:
		b.logger.Printf(
			"events: dropping event for subscriber=%d type=%s session_id=%s agent=%s",
			sub.id,
			event.Type,
			event.SessionID,
			event.Agent,
		)
	}
}

func (b *InMemoryBus) newSubscriber() *subscriber {
	b.mu.Lock()
	b.nextSubscriber++
	id := b.nextSubscriber
	b.mu.Unlock()

	return &subscriber{
		id: id,
		ch: make(chan Event, b.bufferSize),
	}
}

func (b *InMemoryBus) startConsumer(sub *subscriber, handler Handler) {
	b.consumers.Add(1)
	go func() {
		defer b.consumers.Done()
		for event := range sub.ch {
			handler(event)
		}
	}()
}
