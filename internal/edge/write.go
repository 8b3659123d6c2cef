package edge

import (
	"github.com/postmesh/lattice/internal/crypto"
	"github.com/postmesh/lattice/internal/logging"
	"github.com/postmesh/lattice/internal/runloop"
	"github.com/postmesh/lattice/internal/wire"
)

// writeRequest is one outgoing data unit: the payload, an optional
// completion callback with its per-write timer, and a back-reference to
// the connection. Clearing conn is the orphan sentinel that resolves the
// race between the timer firing and the send completing.
type writeRequest struct {
	conn  *Conn
	buf   []byte
	len   int
	cb    WriteCallback
	timer *runloop.Timer
}

// Write sends data on the connection. It may be called from any
// goroutine; the work is handed to the engine loop. cb, if non-nil, is
// invoked on the loop with the number of bytes acknowledged and arms a
// per-write timer bound to the connection's timeout. The caller must not
// modify buf until cb runs.
func (c *Conn) Write(buf []byte, cb WriteCallback) error {
	wr := &writeRequest{conn: c, buf: buf, len: len(buf), cb: cb}
	c.writeReqs.Add(1)
	return c.ctx.loop.Post(wr.dispatch)
}

// dispatch runs on the loop: reject on a closed connection, arm the
// timer, seal if the connection is encrypted, and hand the message to
// the channel.
func (wr *writeRequest) dispatch() {
	c := wr.conn

	if c.State() == StateClosed {
		c.log.Warn("got write request for closed connection")
		c.writeReqs.Add(-1)
		if wr.cb != nil {
			wr.cb(c, 0, ErrConnClosed)
		}
		return
	}

	if wr.cb != nil {
		wr.timer = c.ctx.loop.AfterFunc(c.timeout, wr.onTimeout)
	}

	if c.encrypted {
		sealed, err := c.cryptOut.Push(wr.buf, crypto.TagMessage)
		if err != nil {
			c.log.Error("failed to seal payload", logging.KeyError, err)
			if wr.timer != nil {
				wr.timer.Stop()
				wr.timer = nil
			}
			c.writeReqs.Add(-1)
			c.cryptoFatal()
			if wr.cb != nil {
				wr.cb(c, 0, ErrCryptoFail)
			}
			return
		}
		c.sendMessage(wire.ContentTypeData, sealed, wr)
	} else {
		c.sendMessage(wire.ContentTypeData, wr.buf, wr)
	}
	c.ctx.metrics.RecordBytesUp(wr.len)
}

// onWriteCompleted resolves a write once the channel reports the send's
// fate. An orphaned request (timer already fired) is dropped without
// touching the connection's accounting again.
func (c *Conn) onWriteCompleted(wr *writeRequest, err error) {
	if wr.conn == nil {
		c.log.Debug("write completed for timed out or closed connection")
		return
	}

	if wr.timer != nil {
		wr.timer.Stop()
		wr.timer = nil
	}

	if wr.cb != nil {
		n := 0
		if err == nil {
			n = wr.len
		} else {
			c.setState(StateClosed)
		}
		wr.cb(c, n, err)
	}

	c.writeReqs.Add(-1)

	if c.writeReqs.Load() == 0 && c.State() == StateCloseWrite {
		c.sendFIN()
	}
	c.reap()
}

// onTimeout abandons a write whose send never completed in time. The
// request is orphaned so the eventual completion is a no-op.
func (wr *writeRequest) onTimeout() {
	c := wr.conn
	if c == nil {
		return
	}

	c.writeReqs.Add(-1)
	wr.timer = nil
	wr.conn = nil
	c.ctx.metrics.WriteTimeouts.Inc()

	if c.State() != StateClosed {
		c.setState(StateClosed)
		wr.cb(c, 0, ErrTimeout)
	}
	c.reap()
}
