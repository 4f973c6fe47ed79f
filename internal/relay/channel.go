package relay

import "context"

// Handler receives events arriving from the peer side of a Channel.
type Handler func(Event)

// Channel is a bidirectional link to a remote peer.
type Channel interface {
	// Send delivers event to the peer. It returns ErrPeerOffline when no peer
	// is connected; callers queue the event and replay it on reconnect.
	Send(ctx context.Context, event Event) error
	// OnEvent registers handler for inbound events and returns a function
	// that removes it.
	OnEvent(handler Handler) (unsubscribe func())
	// IsPeerOnline reports whether a peer of kind is connected.
	IsPeerOnline(kind PeerKind) bool
}
