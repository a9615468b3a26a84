package modhost

import "context"

// Transport connects an EventBus to a distributed channel. Implementations
// deliver remote events through the receive callback handed to Start and
// must suppress this node's own messages so a forwarded event is never
// re-delivered locally.
type Transport interface {
	// Start connects the transport and begins delivering remote events
	// through receive. The callback must not be invoked after Stop
	// returns.
	Start(ctx context.Context, receive func(Event)) error
	// Stop disconnects, bounded by ctx.
	Stop(ctx context.Context) error
	// Forward publishes a locally-originated event to the channel. An
	// error means the event was delivered locally only.
	Forward(ctx context.Context, event Event) error
}
