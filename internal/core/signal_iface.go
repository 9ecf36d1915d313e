// Package core declares the interfaces the session controller is wired
// with. Adapters own their transport resources and must release them.
package core

import (
	"context"
	"encoding/json"
)

// Handler receives the raw payload of one signaling event.
type Handler func(data json.RawMessage)

// SignalChannel abstracts the persistent push connection to the hub.
//
// Delivery order from a single sender is preserved; nothing is guaranteed
// across senders. Send failures mean "not delivered"; the channel never
// retries on the caller's behalf.
type SignalChannel interface {
	// Connect dials the hub. On handshake failure it returns the error;
	// after a successful first connect it keeps redialing with backoff
	// until ctx is cancelled or Close is called.
	Connect(ctx context.Context) error

	// Send marshals payload and writes one envelope. Returns
	// domain.ErrNotConnected while the channel is down.
	Send(event string, payload any) error

	// Subscribe registers a handler for event; multiple handlers per
	// event are allowed. The returned cancel removes the handler.
	Subscribe(event string, h Handler) (cancel func())

	// Connected reports the current connect state.
	Connected() bool

	// StateChanges delivers connect-state flips (true = connected).
	// Peer links are not torn down on disconnect; the controller treats
	// binding assumptions as stale until the next snapshot.
	StateChanges() <-chan bool

	Close()
}
