// Package channel implements the edge-router channel: a multiplexed,
// framed link over TLS, WebSocket, or QUIC that carries many logical
// connections. Outbound messages are sequenced per channel; replies are
// correlated back to their request through the ReplyFor header.
package channel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/postmesh/lattice/internal/logging"
	"github.com/postmesh/lattice/internal/runloop"
	"github.com/postmesh/lattice/internal/wire"
)

// ErrChannelClosed is reported to senders once the channel is down.
var ErrChannelClosed = errors.New("channel closed")

// sendQueueDepth bounds queued outbound messages per channel.
const sendQueueDepth = 256

// Dispatch hands an inbound, non-reply message to its owner, keyed by
// the ConnID header. Invoked on the engine loop.
type Dispatch func(ch *Channel, connID uint32, msg *wire.Message)

var channelIDs atomic.Uint32

type outbound struct {
	msg  *wire.Message
	done func(error)
}

// Channel is one link to an edge router.
type Channel struct {
	id       uint32
	ingress  string
	rw       io.ReadWriteCloser
	loop     *runloop.Loop
	dispatch Dispatch
	onClose  func(*Channel)
	log      *slog.Logger

	seq   atomic.Int32
	sendQ chan *outbound

	mu      sync.Mutex
	waiters map[int32]func(*wire.Message)
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
}

// New wraps an established transport in a channel and starts its read
// and write loops. dispatch and all callbacks run on loop. onClose, if
// non-nil, fires once when the channel goes down for any reason, from
// whichever goroutine noticed; the engine uses it to evict the channel
// from its map.
func New(rw io.ReadWriteCloser, ingress string, loop *runloop.Loop, dispatch Dispatch, onClose func(*Channel), log *slog.Logger) *Channel {
	if log == nil {
		log = logging.NopLogger()
	}
	c := &Channel{
		id:       channelIDs.Add(1),
		ingress:  ingress,
		rw:       rw,
		loop:     loop,
		dispatch: dispatch,
		onClose:  onClose,
		sendQ:    make(chan *outbound, sendQueueDepth),
		waiters:  make(map[int32]func(*wire.Message)),
		done:     make(chan struct{}),
	}
	c.log = log.With(logging.KeyChannelID, c.id, logging.KeyIngress, ingress)

	go c.readLoop()
	go c.writeLoop()
	return c
}

// ID identifies the channel for logging.
func (c *Channel) ID() uint32 { return c.id }

// Ingress returns the router address this channel is connected to.
func (c *Channel) Ingress() string { return c.ingress }

// Send transmits a message. done, if non-nil, runs on the engine loop
// once the message has been written or the channel has failed.
func (c *Channel) Send(msg *wire.Message, done func(error)) {
	msg.Sequence = c.seq.Add(1)
	c.enqueue(&outbound{msg: msg, done: done})
}

// SendForReply transmits a message and registers a one-shot handler for
// the peer's reply, matched by ReplyFor against the assigned sequence.
func (c *Channel) SendForReply(msg *wire.Message, reply func(*wire.Message)) {
	seq := c.seq.Add(1)
	msg.Sequence = seq

	c.mu.Lock()
	closed := c.closed
	if !closed {
		c.waiters[seq] = reply
	}
	c.mu.Unlock()
	if closed {
		c.log.Debug("send_for_reply on closed channel")
		return
	}

	c.enqueue(&outbound{msg: msg, done: func(err error) {
		if err == nil {
			return
		}
		// The request never made it out; the reply will not come.
		c.mu.Lock()
		delete(c.waiters, seq)
		c.mu.Unlock()
	}})
}

func (c *Channel) enqueue(out *outbound) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.complete(out, ErrChannelClosed)
		return
	}

	select {
	case c.sendQ <- out:
	case <-c.done:
		c.complete(out, ErrChannelClosed)
	}
}

// complete posts a send completion onto the engine loop.
func (c *Channel) complete(out *outbound, err error) {
	if out.done == nil {
		return
	}
	done := out.done
	c.loop.Post(func() { done(err) })
}

func (c *Channel) writeLoop() {
	w := wire.NewMessageWriter(c.rw)
	for {
		select {
		case out := <-c.sendQ:
			err := w.Write(out.msg)
			c.complete(out, err)
			if err != nil {
				c.log.Error("write failed", logging.KeyError, err)
				c.Close()
				return
			}
		case <-c.done:
			c.drainSendQ()
			return
		}
	}
}

func (c *Channel) drainSendQ() {
	for {
		select {
		case out := <-c.sendQ:
			c.complete(out, ErrChannelClosed)
		default:
			return
		}
	}
}

func (c *Channel) readLoop() {
	r := wire.NewMessageReader(c.rw)
	for {
		msg, err := r.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.Closed() {
				c.log.Error("read failed", logging.KeyError, err)
			}
			c.Close()
			return
		}
		c.route(msg)
	}
}

// route matches replies to their waiters and hands everything else to
// the dispatcher by connection id.
func (c *Channel) route(msg *wire.Message) {
	if replyFor, ok := msg.Uint32Header(wire.HeaderReplyFor); ok {
		c.mu.Lock()
		reply, found := c.waiters[int32(replyFor)]
		if found {
			delete(c.waiters, int32(replyFor))
		}
		c.mu.Unlock()

		if found {
			c.loop.Post(func() { reply(msg) })
			return
		}
		c.log.Debug("reply with no waiter", logging.KeySeq, replyFor)
		return
	}

	connID, ok := msg.Uint32Header(wire.HeaderConnID)
	if !ok {
		c.log.Warn("inbound message without ConnID",
			"content_type", wire.ContentTypeName(msg.ContentType))
		return
	}
	c.loop.Post(func() { c.dispatch(c, connID, msg) })
}

// Closed reports whether the channel is down.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears the channel down. Queued sends fail; unanswered reply
// waiters are dropped.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		dropped := len(c.waiters)
		c.waiters = make(map[int32]func(*wire.Message))
		c.mu.Unlock()

		if dropped > 0 {
			c.log.Warn("dropping unanswered replies", logging.KeyCount, dropped)
		}
		close(c.done)
		err = c.rw.Close()

		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return err
}

// String returns a debug representation.
func (c *Channel) String() string {
	return fmt.Sprintf("Channel{id=%d, ingress=%s}", c.id, c.ingress)
}
