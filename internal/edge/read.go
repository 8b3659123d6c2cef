package edge

import (
	"io"

	"github.com/postmesh/lattice/internal/crypto"
	"github.com/postmesh/lattice/internal/logging"
	"github.com/postmesh/lattice/internal/wire"
)

// flushChunkSize bounds a single delivery to the application.
const flushChunkSize = 16 * 1024

// onInboundData handles a Data message: the peer's stream header while
// the receive key is staged, sealed payloads afterwards, or plain copies
// on unencrypted connections. A FIN flag marks the peer's half-close.
func (c *Conn) onInboundData(msg *wire.Message) {
	if c.State() == StateClosed || c.finRecv {
		c.log.Warn("inbound data on closed connection")
		return
	}

	if c.encrypted {
		if c.rxKey != nil {
			// First message is expected to be the peer's stream header.
			pull, err := crypto.InitPull(c.rxKey, msg.Body)
			if err != nil {
				c.log.Error("failed to process crypto header", logging.KeyError, err)
				c.cryptoFatal()
				return
			}
			c.cryptIn = pull
			crypto.ZeroKey(c.rxKey)
			c.rxKey = nil
		} else if c.cryptIn == nil {
			c.log.Error("data before crypto establishment")
			c.cryptoFatal()
			return
		} else if len(msg.Body) > 0 {
			plain, _, err := c.cryptIn.Pull(msg.Body)
			if err != nil {
				c.log.Error("failed to decrypt message", logging.KeyError, err)
				c.cryptoFatal()
				return
			}
			if len(plain) > 0 {
				c.inbound.Append(plain)
				c.ctx.metrics.RecordBytesDown(len(plain))
			}
		}
	} else if len(msg.Body) > 0 {
		plain := make([]byte, len(msg.Body))
		copy(plain, msg.Body)
		c.inbound.Append(plain)
		c.ctx.metrics.RecordBytesDown(len(plain))
	}

	if flags, ok := msg.Uint32Header(wire.HeaderFlags); ok && flags&wire.FlagFIN != 0 {
		c.finRecv = true
	}

	c.flusher.Wake()
}

// flushToClient drains the inbound buffer into the data callback in
// bounded chunks. A partial consume pushes the tail back and reschedules;
// once the peer's FIN has drained, EOF is delivered exactly once.
func (c *Conn) flushToClient() {
	if c.State() == StateClosed || c.dataCB == nil {
		return
	}

	for c.inbound.Available() > 0 {
		chunk := c.inbound.Next(flushChunkSize)
		consumed := c.dataCB(c, chunk, nil)
		if consumed < 0 {
			c.log.Warn("client indicated error accepting data",
				logging.KeyCount, consumed)
		} else if consumed < len(chunk) {
			c.inbound.PushBack(chunk[consumed:])
			c.log.Debug("client stalled",
				logging.KeyCount, c.inbound.Available())
			c.ctx.metrics.FlushStalls.Inc()
			c.flusher.Wake()
			return
		}
	}

	if c.finRecv && !c.eofDelivered {
		c.eofDelivered = true
		c.dataCB(c, nil, io.EOF)
	}
}

// onPeerClosed handles a StateClosed message outside the Edge-Connect
// exchange: the peer has released the connection.
func (c *Conn) onPeerClosed(msg *wire.Message) {
	if c.State() == StateClosed {
		return
	}
	c.log.Debug("peer closed connection")
	c.setState(StateClosed)
	if c.dataCB != nil && !c.eofDelivered {
		c.eofDelivered = true
		c.dataCB(c, nil, ErrConnClosed)
	}
	c.reap()
}
