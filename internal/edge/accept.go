package edge

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	"github.com/postmesh/lattice/internal/logging"
	"github.com/postmesh/lattice/internal/wire"
)

// onInboundDial handles a Dial offered on a hosting connection: a child
// connection is carved out in the Accepting state, server-side crypto is
// derived from the hosting pair and the dialer's key, and the client is
// offered to the application. The application completes with Accept or
// discards with Close.
func (c *Conn) onInboundDial(msg *wire.Message) {
	if c.State() != StateBound {
		c.log.Warn("dial request on non-hosting connection", logging.KeyState, c.State())
		return
	}

	child := c.ctx.NewConn(nil)
	child.parent = c
	child.dialReqSeq = msg.Sequence
	child.channel = c.channel
	child.encrypted = c.encrypted
	child.setState(StateAccepting)

	if err := child.establishCrypto(msg); err != nil {
		child.log.Error("rejecting dial", logging.KeyError, err)
		reply := wire.NewMessage(wire.ContentTypeDialFailed, nil)
		reply.PutUint32Header(wire.HeaderConnID, c.id)
		reply.PutUint32Header(wire.HeaderReplyFor, uint32(msg.Sequence))
		c.channel.Send(reply, nil)

		child.setState(StateClosed)
		child.reap()
		return
	}

	c.clientCB(c, child, nil)
}

// Accept completes an offered client connection: the child joins the
// parent's channel and the dialer is told with DialSuccess naming the
// child's connection id. connCB fires once the router confirms.
func (c *Conn) Accept(connCB ConnCallback, dataCB DataCallback) error {
	if c.State() != StateAccepting || c.parent == nil {
		return ErrInvalidState
	}
	c.dataCB = dataCB

	return c.ctx.loop.Post(func() {
		ch := c.parent.channel
		c.channel = ch
		c.ctx.registerConn(c)

		c.log.Debug("accepting client", "parent_conn_id", c.parent.id)

		msg := wire.NewMessage(wire.ContentTypeDialSuccess, encodeConnID(c.id))
		msg.PutUint32Header(wire.HeaderConnID, c.parent.id)
		msg.PutUint32Header(wire.HeaderSeq, 0)
		msg.PutUint32Header(wire.HeaderReplyFor, uint32(c.dialReqSeq))

		a := &connAttempt{
			conn:        c,
			sessionType: "Accept",
			channel:     ch,
			chanTries:   1,
			cb:          connCB,
			registered:  true,
			started:     time.Now(),
			log:         c.log.With(logging.KeyAttempt, uuid.NewString()),
		}
		c.ctx.attempts++

		ch.SendForReply(msg, a.connectReply)
	})
}

// encodeConnID renders a connection id as the little-endian body of a
// DialSuccess message.
func encodeConnID(id uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, id)
	return buf
}
