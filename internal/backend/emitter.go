package backend

import (
	"sync"

	"github.com/charmbracelet/log"
)

// Emitter fans Messages out to subscribed handlers.
//
// Delivery is serialized: at most one handler runs at a time and messages are
// handed over in Emit order. A handler that emits re-entrantly queues its
// message behind the one being delivered instead of deadlocking.
type Emitter struct {
	logger *log.Logger

	mu       sync.Mutex
	nextID   HandlerID
	handlers []subscription

	queueMu  sync.Mutex
	queue    []Message
	draining bool
}

type subscription struct {
	id      HandlerID
	handler Handler
}

// NewEmitter creates an emitter that logs handler panics to logger.
func NewEmitter(logger *log.Logger) *Emitter {
	if logger == nil {
		logger = log.Default()
	}
	return &Emitter{logger: logger}
}

// Subscribe registers handler and returns its id. A nil handler is ignored.
func (e *Emitter) Subscribe(handler Handler) HandlerID {
	if handler == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.handlers = append(e.handlers, subscription{id: e.nextID, handler: handler})
	return e.nextID
}

// Unsubscribe removes the handler with id. Unknown ids are ignored.
func (e *Emitter) Unsubscribe(id HandlerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, sub := range e.handlers {
		if sub.id == id {
			e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
			return
		}
	}
}

// Clear drops every subscriber.
func (e *Emitter) Clear() {
	e.mu.Lock()
	e.handlers = nil
	e.mu.Unlock()
}

// Len reports the number of subscribers.
func (e *Emitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}

// Emit delivers msg to every subscriber.
func (e *Emitter) Emit(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now()
	}

	e.queueMu.Lock()
	e.queue = append(e.queue, msg)
	if e.draining {
		e.queueMu.Unlock()
		return
	}
	e.draining = true
	for len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		e.queueMu.Unlock()
		e.dispatch(next)
		e.queueMu.Lock()
	}
	e.queue = nil
	e.draining = false
	e.queueMu.Unlock()
}

func (e *Emitter) dispatch(msg Message) {
	e.mu.Lock()
	handlers := make([]subscription, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.Unlock()

	for _, sub := range handlers {
		e.invoke(sub, msg)
	}
}

func (e *Emitter) invoke(sub subscription, msg Message) {
	defer func() {
		if recovered := recover(); recovered != nil {
			e.logger.Error("message handler panicked", "handler_id", sub.id, "message_type", msg.Type, "panic", recovered)
		}
	}()
	sub.handler(msg)
}
