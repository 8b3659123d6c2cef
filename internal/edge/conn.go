// Package edge implements the client engine: connection establishment
// across a race of candidate edge routers, the per-connection state
// machine with half-close semantics, and the encrypted data plane.
//
// The engine is single-threaded: every state transition, buffer mutation,
// and application callback runs on the context's loop goroutine. Conn.Write
// is the only public operation that may be called from any goroutine; the
// others hand their work to the loop as well, so none of them block.
package edge

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/postmesh/lattice/internal/buffer"
	"github.com/postmesh/lattice/internal/crypto"
	"github.com/postmesh/lattice/internal/logging"
	"github.com/postmesh/lattice/internal/runloop"
	"github.com/postmesh/lattice/internal/wire"
)

// State is a connection's position in its lifecycle.
type State int32

const (
	StateInitial State = iota
	StateConnecting
	StateBinding
	StateAccepting
	StateConnected
	StateBound
	StateCloseWrite
	StateTimedout
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateConnecting:
		return "CONNECTING"
	case StateBinding:
		return "BINDING"
	case StateAccepting:
		return "ACCEPTING"
	case StateConnected:
		return "CONNECTED"
	case StateBound:
		return "BOUND"
	case StateCloseWrite:
		return "CLOSE_WRITE"
	case StateTimedout:
		return "TIMEDOUT"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ConnCallback reports the outcome of a dial, bind, or accept.
type ConnCallback func(conn *Conn, err error)

// DataCallback delivers inbound bytes and returns how many were consumed.
// Returning less than len(data) signals backpressure; the unconsumed tail
// is redelivered on the next flush. A nil data slice carries io.EOF after
// the peer's half-close has drained, or a terminal error.
type DataCallback func(conn *Conn, data []byte, err error) int

// WriteCallback reports a write's completion with the number of bytes
// acknowledged, or an error.
type WriteCallback func(conn *Conn, n int, err error)

// ClientCallback offers an inbound dial on a hosting connection. The
// application accepts the client connection with Accept or discards it
// with Close.
type ClientCallback func(host *Conn, client *Conn, err error)

// Conn is one logical connection through the mesh. All fields other than
// state and writeReqs are confined to the engine loop.
type Conn struct {
	id  uint32
	ctx *Context
	log *slog.Logger

	state     atomic.Int32
	channel   Channel
	writeReqs atomic.Int32

	// edgeMsgSeq numbers outbound messages on this connection, starting
	// at 0 for the first message after the Edge-Connect exchange.
	edgeMsgSeq uint32

	encrypted bool
	haveKeys  bool
	pk, sk    [crypto.KeySize]byte
	rxKey     *[crypto.KeySize]byte
	txKey     *[crypto.KeySize]byte
	cryptIn   *crypto.RecvStream
	cryptOut  *crypto.SendStream

	inbound *buffer.Buffer
	flusher *runloop.Waker

	dataCB   DataCallback
	clientCB ClientCallback

	timeout time.Duration

	finSent      bool
	finRecv      bool
	eofDelivered bool
	reaped       bool

	// Hosting side: parent is the bound connection a client arrived on;
	// dialReqSeq is the channel sequence of the Dial being replied to.
	parent     *Conn
	dialReqSeq int32

	token   string
	appData any
}

// ID returns the locally unique connection id.
func (c *Conn) ID() uint32 {
	return c.id
}

// State returns the connection's current state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
	c.log.Log(nil, slog.LevelDebug-4, "state transition", logging.KeyState, s)
}

// AppData returns the application context handed to NewConn.
func (c *Conn) AppData() any {
	return c.appData
}

// Parent returns the hosting connection for an accepted client, or nil.
func (c *Conn) Parent() *Conn {
	return c.parent
}

// SetTimeout overrides the connect and per-write timeout for this
// connection. Must be called before Dial or Bind.
func (c *Conn) SetTimeout(d time.Duration) {
	c.timeout = d
}

// String returns a debug representation.
func (c *Conn) String() string {
	return fmt.Sprintf("Conn{id=%d, state=%s}", c.id, c.State())
}

// sendMessage transmits a message for this connection on its channel,
// stamping the ConnID and the next edge message sequence. Completion is
// routed through onWriteCompleted with wr.
func (c *Conn) sendMessage(contentType uint32, body []byte, wr *writeRequest) {
	msg := wire.NewMessage(contentType, body)
	msg.PutUint32Header(wire.HeaderConnID, c.id)
	msg.PutUint32Header(wire.HeaderSeq, c.edgeMsgSeq)
	c.edgeMsgSeq++

	c.channel.Send(msg, func(err error) {
		c.onWriteCompleted(wr, err)
	})
}

// sendFIN emits the half-close marker: an empty Data message flagged FIN,
// using the next sequence after the last data message.
func (c *Conn) sendFIN() {
	if c.finSent {
		return
	}
	c.finSent = true

	msg := wire.NewMessage(wire.ContentTypeData, nil)
	msg.PutUint32Header(wire.HeaderConnID, c.id)
	msg.PutUint32Header(wire.HeaderSeq, c.edgeMsgSeq)
	msg.PutUint32Header(wire.HeaderFlags, wire.FlagFIN)
	c.edgeMsgSeq++

	c.log.Debug("sending FIN")
	c.channel.Send(msg, func(err error) {
		if err != nil {
			c.log.Debug("FIN send failed", logging.KeyError, err)
		}
	})
}

// CloseWrite half-closes the connection: no more writes will be issued,
// the read side stays open. Idempotent. If writes are in flight the FIN
// goes out after the last one completes.
func (c *Conn) CloseWrite() error {
	return c.ctx.loop.Post(c.closeWriteOnLoop)
}

func (c *Conn) closeWriteOnLoop() {
	if c.finSent || c.State() == StateClosed {
		return
	}
	c.setState(StateCloseWrite)
	if c.writeReqs.Load() == 0 {
		c.sendFIN()
	}
}

// Close initiates a full disconnect. The peer is told with a StateClosed
// message when the connection is in a state that has peer-side resources.
func (c *Conn) Close() error {
	return c.ctx.loop.Post(c.disconnectOnLoop)
}

func (c *Conn) disconnect() {
	c.ctx.loop.Post(c.disconnectOnLoop)
}

func (c *Conn) disconnectOnLoop() {
	switch c.State() {
	case StateBound, StateAccepting, StateConnected, StateCloseWrite:
		wr := &writeRequest{
			conn: c,
			cb: func(conn *Conn, n int, err error) {
				conn.setState(StateClosed)
			},
		}
		c.writeReqs.Add(1)
		c.sendMessage(wire.ContentTypeStateClosed, nil, wr)
	default:
		c.log.Debug("cannot send StateClosed", logging.KeyState, c.State())
		c.reap()
	}
}

// reap removes the connection once it is Closed with no writes draining.
// Safe to call opportunistically; returns true when the connection was
// removed.
func (c *Conn) reap() bool {
	if c.reaped || c.State() != StateClosed || c.writeReqs.Load() != 0 {
		return false
	}
	c.reaped = true

	c.log.Debug("removing connection")
	c.ctx.removeConn(c)
	if c.flusher != nil {
		c.flusher.Cancel()
	}
	if n := c.inbound.Available(); n > 0 {
		c.log.Warn("dumping undelivered data",
			logging.KeyCount, humanize.IBytes(uint64(n)))
	}
	c.ctx.metrics.RecordConnClose()
	return true
}
