package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/metrics"
)

// DefaultOutboxSize bounds the events held while the peer is offline.
const DefaultOutboxSize = 500

// QueuedEvent is an Event with its position in the outbox.
type QueuedEvent struct {
	Index    int       `json:"index"`
	QueuedAt time.Time `json:"queuedAt"`
	Event    Event     `json:"event"`
}

// Outbox is a bounded FIFO of events awaiting delivery. When full, the
// oldest event is dropped. Indices increase monotonically across drops and
// drains so a peer can resume with After.
type Outbox struct {
	mu         sync.RWMutex
	events     []QueuedEvent
	maxSize    int
	startIndex int
	dropped    int64
}

// OutboxStats describes the outbox contents.
type OutboxStats struct {
	CurrentSize int   `json:"currentSize"`
	MaxSize     int   `json:"maxSize"`
	StartIndex  int   `json:"startIndex"`
	LastIndex   int   `json:"lastIndex"`
	Dropped     int64 `json:"dropped"`
}

// NewOutbox returns an outbox holding at most maxSize events.
func NewOutbox(maxSize int) *Outbox {
	if maxSize <= 0 {
		maxSize = DefaultOutboxSize
	}
	return &Outbox{
		events:  make([]QueuedEvent, 0, maxSize),
		maxSize: maxSize,
	}
}

// Push queues event and returns its index.
func (o *Outbox) Push(event Event) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	index := o.startIndex + len(o.events)
	if len(o.events) >= o.maxSize {
		o.events = o.events[1:]
		o.startIndex++
		o.dropped++
		metrics.RecordOutboxDrop()
	}
	o.events = append(o.events, QueuedEvent{Index: index, QueuedAt: time.Now(), Event: event})
	return index
}

// Drain removes and returns every queued event in order.
func (o *Outbox) Drain() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Event, len(o.events))
	for i, queued := range o.events {
		out[i] = queued.Event
	}
	o.startIndex += len(o.events)
	o.events = make([]QueuedEvent, 0, o.maxSize)
	return out
}

// After returns queued events with an index greater than index. index=-1
// returns everything. An error reports that the requested range was dropped.
func (o *Outbox) After(index int) ([]QueuedEvent, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if index == -1 {
		out := make([]QueuedEvent, len(o.events))
		copy(out, o.events)
		return out, nil
	}
	if index < o.startIndex-1 {
		return nil, fmt.Errorf("events before index %d have been dropped (oldest available: %d)", index, o.startIndex)
	}

	start := max(index-o.startIndex+1, 0)
	if start >= len(o.events) {
		return []QueuedEvent{}, nil
	}
	out := make([]QueuedEvent, len(o.events)-start)
	copy(out, o.events[start:])
	return out, nil
}

// Len returns the number of queued events.
func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.events)
}

// Dropped returns how many events were discarded due to overflow.
func (o *Outbox) Dropped() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.dropped
}

// Stats returns a snapshot of the outbox.
func (o *Outbox) Stats() OutboxStats {
	o.mu.RLock()
	defer o.mu.RUnlock()

	lastIndex := -1
	if len(o.events) > 0 {
		lastIndex = o.startIndex + len(o.events) - 1
	}
	return OutboxStats{
		CurrentSize: len(o.events),
		MaxSize:     o.maxSize,
		StartIndex:  o.startIndex,
		LastIndex:   lastIndex,
		Dropped:     o.dropped,
	}
}
