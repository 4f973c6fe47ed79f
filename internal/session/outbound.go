package session

import (
	"context"
	"errors"
	"sync"

	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/relay"
)

// outbound is one queued delivery to the relay, the bus, or both.
type outbound struct {
	relay *relay.Event
	bus   *events.Event
}

// outboundQueue fixes delivery order at push time. Whichever goroutine
// finds the queue idle drains it; pushes made while draining, including
// re-entrant ones from a channel callback, are picked up by that drainer.
type outboundQueue struct {
	mu       sync.Mutex
	items    []outbound
	draining bool
}

func (q *outboundQueue) push(items ...outbound) {
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.mu.Unlock()
}

func (o *Orchestrator) push(event relay.Event, busType string, payload any, severity string) {
	o.queue.push(outbound{relay: &event, bus: o.busEvent(busType, payload, severity)})
}

func (o *Orchestrator) busEvent(eventType string, payload any, severity string) *events.Event {
	return &events.Event{
		Type:      eventType,
		SessionID: o.id,
		Agent:     o.agent,
		Payload:   payload,
		Severity:  severity,
	}
}

// flush delivers queued items in order unless another goroutine already is.
func (o *Orchestrator) flush() {
	q := &o.queue
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	for len(q.items) > 0 {
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		o.deliver(item)
		q.mu.Lock()
	}
	q.draining = false
	q.mu.Unlock()
}

func (o *Orchestrator) deliver(item outbound) {
	if item.bus != nil && o.bus != nil {
		o.bus.Publish(*item.bus)
	}
	if item.relay != nil {
		o.sendRelay(*item.relay)
	}
}

// sendRelay sends event to the peer, queueing it in the outbox when the
// peer is offline.
func (o *Orchestrator) sendRelay(event relay.Event) {
	if o.channel == nil {
		return
	}
	err := o.channel.Send(context.Background(), event)
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrPeerOffline):
		o.outbox.Push(event)
	default:
		o.logger.Warn("relay send failed", "kind", event.Kind, "err", err)
	}
}
