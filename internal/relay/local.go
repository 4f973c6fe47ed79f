package relay

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
)

// maxSentHistory bounds the events a LocalChannel remembers for Sent.
const maxSentHistory = 512

// LocalChannel is an in-process Channel. The host side uses the Channel
// methods; the peer side is driven with Connect, Disconnect, Deliver and
// OnPeerReceive.
type LocalChannel struct {
	logger *log.Logger

	mu          sync.Mutex
	online      map[PeerKind]bool
	handlers    map[uint64]Handler
	order       []uint64
	nextID      uint64
	sent        []Event
	peerHandler Handler
}

var _ Channel = (*LocalChannel)(nil)

// NewLocalChannel returns a channel with no peer connected.
func NewLocalChannel(logger *log.Logger) *LocalChannel {
	if logger == nil {
		logger = log.Default()
	}
	return &LocalChannel{
		logger:   logger,
		online:   map[PeerKind]bool{},
		handlers: map[uint64]Handler{},
	}
}

// Send implements Channel.
func (c *LocalChannel) Send(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return err
	}
	event = stamp(event)

	c.mu.Lock()
	if !c.anyOnlineLocked() {
		c.mu.Unlock()
		return ErrPeerOffline
	}
	if len(c.sent) == maxSentHistory {
		n := copy(c.sent, c.sent[1:])
		c.sent = c.sent[:n]
	}
	c.sent = append(c.sent, event)
	peer := c.peerHandler
	c.mu.Unlock()

	if peer != nil {
		peer(event)
	}
	return nil
}

// OnEvent implements Channel.
func (c *LocalChannel) OnEvent(handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[id] = handler
	c.order = append(c.order, id)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
		for i, existing := range c.order {
			if existing == id {
				c.order = append(c.order[:i:i], c.order[i+1:]...)
				break
			}
		}
	}
}

// IsPeerOnline implements Channel.
func (c *LocalChannel) IsPeerOnline(kind PeerKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online[kind]
}

// Connect marks a peer of kind online and announces it to the host.
func (c *LocalChannel) Connect(kind PeerKind) {
	c.mu.Lock()
	already := c.online[kind]
	c.online[kind] = true
	c.mu.Unlock()
	if already {
		return
	}
	c.logger.Debug("relay peer connected", "peer", kind)
	c.dispatch(PeerPresence(kind, true))
}

// Disconnect marks a peer of kind offline and announces it to the host.
func (c *LocalChannel) Disconnect(kind PeerKind) {
	c.mu.Lock()
	was := c.online[kind]
	delete(c.online, kind)
	c.mu.Unlock()
	if !was {
		return
	}
	c.logger.Debug("relay peer disconnected", "peer", kind)
	c.dispatch(PeerPresence(kind, false))
}

// Deliver hands an event from the peer to the host's handlers.
func (c *LocalChannel) Deliver(event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	c.dispatch(stamp(event))
	return nil
}

// OnPeerReceive sets the peer-side receiver for events sent by the host.
func (c *LocalChannel) OnPeerReceive(handler Handler) {
	c.mu.Lock()
	c.peerHandler = handler
	c.mu.Unlock()
}

// Sent returns the most recent events delivered to the peer, oldest first.
func (c *LocalChannel) Sent() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *LocalChannel) anyOnlineLocked() bool {
	for _, online := range c.online {
		if online {
			return true
		}
	}
	return false
}

func (c *LocalChannel) dispatch(event Event) {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.order))
	for _, id := range c.order {
		handlers = append(handlers, c.handlers[id])
	}
	c.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}
