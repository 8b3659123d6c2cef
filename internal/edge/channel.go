package edge

import "github.com/postmesh/lattice/internal/wire"

// Channel is a multiplexed link to a single edge router. One channel
// carries many logical connections, distinguished by the ConnID header.
//
// Implementations deliver completion and reply callbacks on the engine
// loop, and hand inbound messages to Context.DispatchInbound on the loop.
type Channel interface {
	// ID identifies the channel for logging.
	ID() uint32

	// Ingress returns the router address this channel is connected to.
	Ingress() string

	// Send transmits a message. done, if non-nil, is invoked on the
	// engine loop once the message has been handed to the transport (nil
	// error) or the transmission failed.
	Send(msg *wire.Message, done func(error))

	// SendForReply transmits a message and registers a one-shot reply
	// handler, matched by the peer's ReplyFor header against the
	// channel-assigned sequence of msg.
	SendForReply(msg *wire.Message, reply func(*wire.Message))

	// Closed reports whether the channel is down. The engine uses it to
	// revalidate cached channels whose close notification has not
	// landed yet.
	Closed() bool

	// Close tears the channel down. In-flight sends fail.
	Close() error
}
