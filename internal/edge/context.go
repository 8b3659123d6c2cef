package edge

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/postmesh/lattice/internal/buffer"
	"github.com/postmesh/lattice/internal/events"
	"github.com/postmesh/lattice/internal/logging"
	"github.com/postmesh/lattice/internal/metrics"
	"github.com/postmesh/lattice/internal/model"
	"github.com/postmesh/lattice/internal/runloop"
	"github.com/postmesh/lattice/internal/wire"
)

// Controller is the slice of the controller API the engine consumes.
// A nil result with a nil error means the resource is not available to
// this identity.
type Controller interface {
	GetService(ctx context.Context, name string) (*model.Service, error)
	CreateSession(ctx context.Context, svc *model.Service, sessionType string) (*model.Session, error)
}

// ChannelDialer opens a channel to an edge router ingress address. It is
// called from its own goroutine and may block; the engine absorbs the
// result back onto the loop.
type ChannelDialer func(ctx context.Context, ingress string, ectx *Context) (Channel, error)

// Options configures a Context.
type Options struct {
	Controller  Controller
	DialChannel ChannelDialer

	// ConnectTimeout bounds each connect race and each in-flight write.
	ConnectTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Events  *events.Dispatcher
}

// chanEntry tracks one ingress address in the channel map: either an
// established channel or a dial in flight with callbacks parked on it.
type chanEntry struct {
	ch      Channel
	pending []func(Channel, error)
}

// Context owns the engine loop and all process-wide engine state: the
// channel map keyed by ingress address, the service and session caches,
// and the connection list. All maps are loop-confined.
type Context struct {
	loop    *runloop.Loop
	ctrl    Controller
	dialer  ChannelDialer
	timeout time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics
	events  *events.Dispatcher

	services map[string]*model.Service // by service name
	sessions map[string]*model.Session // by service id
	channels map[string]*chanEntry     // by ingress address
	conns    map[uint32]*Conn

	connSeq atomic.Uint32

	// attempts counts live connect attempts, for introspection and tests.
	attempts int

	closed context.Context
	cancel context.CancelFunc
}

// NewContext creates a context and starts its engine loop.
func NewContext(opts Options) *Context {
	log := opts.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Default()
	}
	ev := opts.Events
	if ev == nil {
		ev = events.NewDispatcher()
	}
	timeout := opts.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	closed, cancel := context.WithCancel(context.Background())
	c := &Context{
		loop:     runloop.New(),
		ctrl:     opts.Controller,
		dialer:   opts.DialChannel,
		timeout:  timeout,
		log:      log,
		metrics:  m,
		events:   ev,
		services: make(map[string]*model.Service),
		sessions: make(map[string]*model.Session),
		channels: make(map[string]*chanEntry),
		conns:    make(map[uint32]*Conn),
		closed:   closed,
		cancel:   cancel,
	}
	c.loop.Start()
	return c
}

// Loop exposes the engine loop so transports can deliver their
// callbacks on it.
func (c *Context) Loop() *runloop.Loop {
	return c.loop
}

// Shutdown stops the engine loop. Connections are not torn down
// gracefully; callers should Close them first.
func (c *Context) Shutdown() {
	c.cancel()
	c.loop.Stop()
}

// Subscribe registers an event handler; events are delivered on the
// engine loop.
func (c *Context) Subscribe(mask events.Type, h events.Handler) {
	c.loop.Post(func() {
		c.events.Subscribe(mask, h)
	})
}

// NewConn allocates a connection in the Initial state. appData is handed
// back through Conn.AppData.
func (c *Context) NewConn(appData any) *Conn {
	conn := &Conn{
		id:      c.connSeq.Add(1),
		ctx:     c,
		timeout: c.timeout,
		inbound: buffer.New(),
		appData: appData,
	}
	conn.state.Store(int32(StateInitial))
	conn.log = c.log.With(logging.KeyConnID, conn.id)
	conn.flusher = c.loop.NewWaker(conn.flushToClient)
	c.metrics.RecordConnOpen()
	return conn
}

// registerConn adds a connection to the context's connection list; the
// channel dispatches inbound messages to it by id from then on.
func (c *Context) registerConn(conn *Conn) {
	c.conns[conn.id] = conn
}

func (c *Context) removeConn(conn *Conn) {
	delete(c.conns, conn.id)
}

// DispatchInbound routes one inbound message from a channel to its
// connection. Channels call this on the engine loop.
//
// A message for a connection this context no longer knows means the peer
// still holds state for it (for example data arriving for a connection
// that has already been reaped); it is answered with StateClosed to
// release that state. Replies never arrive here: the channel matches
// them to their waiters and drops those that have none.
func (c *Context) DispatchInbound(ch Channel, connID uint32, msg *wire.Message) {
	conn, ok := c.conns[connID]
	if !ok {
		c.log.Debug("message for unknown connection",
			logging.KeyConnID, connID,
			"content_type", wire.ContentTypeName(msg.ContentType))
		if msg.ContentType != wire.ContentTypeStateClosed {
			closeMsg := wire.NewMessage(wire.ContentTypeStateClosed, nil)
			closeMsg.PutUint32Header(wire.HeaderConnID, connID)
			ch.Send(closeMsg, nil)
		}
		return
	}

	switch msg.ContentType {
	case wire.ContentTypeData:
		conn.onInboundData(msg)
	case wire.ContentTypeDial:
		conn.onInboundDial(msg)
	case wire.ContentTypeStateClosed:
		conn.onPeerClosed(msg)
	default:
		conn.log.Warn("unexpected content type",
			"content_type", wire.ContentTypeName(msg.ContentType))
	}
}

// errChannelDied reports a channel that closed between its dial
// completing and the engine adopting it.
var errChannelDied = errors.New("channel closed before adoption")

// acquireChannel hands cb an established channel for ingress, opening one
// if needed. Runs on the loop; cb is always invoked from a later loop
// task, never synchronously. A channel whose dial fails is evicted from
// the map before cb sees the error, and a cached channel that has died
// is evicted and redialed rather than handed out.
func (c *Context) acquireChannel(ingress string, cb func(Channel, error)) {
	entry, ok := c.channels[ingress]
	if ok && entry.ch != nil && entry.ch.Closed() {
		// The close notification has not landed yet; do not hand out a
		// dead channel.
		c.evictChannel(ingress, events.RouterDisconnected)
		entry, ok = nil, false
	}
	if ok {
		if entry.ch != nil {
			ch := entry.ch
			c.loop.Post(func() { cb(ch, nil) })
			return
		}
		entry.pending = append(entry.pending, cb)
		return
	}

	entry = &chanEntry{pending: []func(Channel, error){cb}}
	c.channels[ingress] = entry

	go func() {
		ch, err := c.dialer(c.closed, ingress, c)
		c.loop.Post(func() {
			pending := entry.pending
			entry.pending = nil
			switch {
			case err != nil:
				c.log.Error("channel failed to connect",
					logging.KeyIngress, ingress, logging.KeyError, err)
				c.metrics.RecordChannelConnect("error")
				c.evictChannel(ingress, events.RouterUnavailable)
			case ch.Closed():
				c.log.Error("channel closed during connect",
					logging.KeyIngress, ingress)
				ch, err = nil, errChannelDied
				c.metrics.RecordChannelConnect("error")
				c.evictChannel(ingress, events.RouterUnavailable)
			default:
				entry.ch = ch
				c.metrics.RecordChannelConnect("ok")
				c.events.EmitRouter(events.RouterConnected, "", ingress)
			}
			for _, pcb := range pending {
				pcb(ch, err)
			}
		})
	}()
}

// ChannelClosed notifies the engine that an established channel died.
// Transports call this from their own goroutines; the eviction runs on
// the loop. A notification for a channel that has already been replaced
// in the map is a no-op.
func (c *Context) ChannelClosed(ch Channel) {
	c.loop.Post(func() {
		entry, ok := c.channels[ch.Ingress()]
		if !ok || entry.ch != ch {
			return
		}
		c.log.Warn("channel closed", logging.KeyIngress, ch.Ingress())
		c.evictChannel(ch.Ingress(), events.RouterDisconnected)
	})
}

// evictChannel drops an ingress from the channel map so the next attempt
// redials. The channel itself is shared and left to its owner to close.
func (c *Context) evictChannel(ingress string, status events.RouterStatus) {
	entry, ok := c.channels[ingress]
	if !ok {
		return
	}
	delete(c.channels, ingress)
	if entry.ch != nil {
		c.metrics.RecordChannelClose()
	}
	c.metrics.RecordChannelEvict()
	c.events.EmitRouter(status, "", ingress)
}

// cacheService stores a resolved service and announces it. Two attempts
// resolving the same unknown service can both land here; a differing
// second copy is a change.
func (c *Context) cacheService(svc *model.Service) {
	prev, known := c.services[svc.Name]
	c.services[svc.Name] = svc
	switch {
	case !known:
		c.events.EmitServiceAdded(svc.Name)
	case serviceChanged(prev, svc):
		c.events.EmitServiceChanged(svc.Name)
	}
}

func serviceChanged(a, b *model.Service) bool {
	return a.ID != b.ID ||
		a.EncryptionRequired != b.EncryptionRequired ||
		a.Hostable != b.Hostable ||
		a.PermFlags != b.PermFlags
}

// dropService invalidates a cached service whose grant the controller
// has revoked, along with its session, so the next attempt re-resolves.
func (c *Context) dropService(svc *model.Service) {
	if _, ok := c.services[svc.Name]; !ok {
		return
	}
	delete(c.services, svc.Name)
	delete(c.sessions, svc.ID)
	c.events.EmitServiceRemoved(svc.Name)
}
