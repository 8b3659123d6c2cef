package edge

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/postmesh/lattice/internal/logging"
	"github.com/postmesh/lattice/internal/model"
	"github.com/postmesh/lattice/internal/runloop"
	"github.com/postmesh/lattice/internal/wire"
)

// connAttempt drives one connection's establishment: service and session
// resolution, then a race across the session's candidate edge routers.
// The attempt lives until its last outstanding router try resolves.
type connAttempt struct {
	conn        *Conn
	serviceName string
	sessionType string
	service     *model.Service

	// channel is the adopted winner; nil until some router completes
	// first. chanTries counts outstanding router callbacks plus, once a
	// winner is adopted, its pending Edge-Connect reply.
	channel   Channel
	chanTries int

	cb         ConnCallback
	timer      *runloop.Timer
	failed     bool
	registered bool
	started    time.Time

	log *slog.Logger
}

// Dial connects to a named service. conn must be in the Initial state.
// connCB reports the outcome exactly once; dataCB receives inbound bytes
// once the connection reaches Connected.
func (c *Conn) Dial(serviceName string, connCB ConnCallback, dataCB DataCallback) error {
	if !c.state.CompareAndSwap(int32(StateInitial), int32(StateConnecting)) {
		return ErrInvalidState
	}
	c.dataCB = dataCB

	a := c.ctx.newAttempt(c, serviceName, model.SessionDial, connCB)
	return c.ctx.loop.Post(a.start)
}

// Bind advertises this identity as a host for a named service. listenCB
// reports the outcome of the bind; clientCB is offered each inbound dial.
func (c *Conn) Bind(serviceName string, listenCB ConnCallback, clientCB ClientCallback) error {
	if !c.state.CompareAndSwap(int32(StateInitial), int32(StateBinding)) {
		return ErrInvalidState
	}
	c.clientCB = clientCB

	a := c.ctx.newAttempt(c, serviceName, model.SessionBind, listenCB)
	return c.ctx.loop.Post(a.start)
}

func (c *Context) newAttempt(conn *Conn, serviceName, sessionType string, cb ConnCallback) *connAttempt {
	return &connAttempt{
		conn:        conn,
		serviceName: serviceName,
		sessionType: sessionType,
		cb:          cb,
		started:     time.Now(),
		log: conn.log.With(
			logging.KeyService, serviceName,
			logging.KeyAttempt, uuid.NewString()),
	}
}

// start runs on the loop. It resumes itself after each resolution step
// until service and session are in hand, then launches the router race.
func (a *connAttempt) start() {
	ctx := a.conn.ctx
	if !a.registered {
		a.registered = true
		ctx.attempts++
	}

	if a.service == nil {
		if svc, ok := ctx.services[a.serviceName]; ok {
			a.service = svc
		} else {
			a.log.Debug("service not loaded yet, requesting it")
			go a.fetchService()
			return
		}
	}

	if !a.permitted() {
		a.log.Warn("identity lacks permission", "session_type", a.sessionType)
		a.fail(ErrInvalidState)
		return
	}

	session, ok := ctx.sessions[a.service.ID]
	if !ok || session.Type != a.sessionType {
		a.log.Debug("requesting session", "session_type", a.sessionType)
		go a.fetchSession()
		return
	}

	a.log.Debug("starting connection", logging.KeySessionID, session.ID)
	a.timer = ctx.loop.AfterFunc(a.conn.timeout, a.onConnectTimeout)
	a.race(session)
}

// permitted checks the folded permission flags against the session type.
func (a *connAttempt) permitted() bool {
	switch a.sessionType {
	case model.SessionDial:
		return a.service.CanDial()
	case model.SessionBind:
		return a.service.CanBind()
	default:
		return false
	}
}

// fetchService runs off-loop and posts its result back.
func (a *connAttempt) fetchService() {
	ctx := a.conn.ctx
	svc, err := ctx.ctrl.GetService(ctx.closed, a.serviceName)
	ctx.loop.Post(func() {
		if err != nil {
			a.log.Error("failed to load service", logging.KeyError, err)
		}
		if svc == nil {
			a.fail(ErrServiceUnavailable)
			return
		}
		a.log.Info("got service", "service_id", svc.ID)
		ctx.cacheService(svc)
		a.service = svc
		a.start()
	})
}

// fetchSession runs off-loop and posts its result back.
func (a *connAttempt) fetchSession() {
	ctx := a.conn.ctx
	session, err := ctx.ctrl.CreateSession(ctx.closed, a.service, a.sessionType)
	ctx.loop.Post(func() {
		if err != nil {
			a.log.Error("failed to load session", logging.KeyError, err)
		}
		if session == nil {
			if err == nil {
				// The controller refused the grant outright; the cached
				// service entry is stale.
				ctx.dropService(a.service)
			}
			a.fail(ErrServiceUnavailable)
			return
		}
		a.log.Info("got session", logging.KeySessionID, session.ID)
		session.ServiceID = a.service.ID
		ctx.sessions[session.ServiceID] = session
		a.start()
	})
}

// fail finishes a resolution-stage attempt: the connection closes and the
// application hears the reason.
func (a *connAttempt) fail(err error) {
	a.conn.setState(StateClosed)
	a.finish(err)
	a.destroy()
}

// finish invokes the application callback and records metrics.
func (a *connAttempt) finish(err error) {
	if a.sessionType == model.SessionBind {
		a.conn.ctx.metrics.RecordBind(resultLabel(err))
	} else {
		a.conn.ctx.metrics.RecordDial(resultLabel(err), time.Since(a.started).Seconds())
	}
	a.cb(a.conn, err)
}

// race opens a channel to every candidate edge router in the session.
// First connect completion wins; the rest are ignored.
func (a *connAttempt) race(session *model.Session) {
	ctx := a.conn.ctx
	a.conn.token = session.Token

	for _, gw := range session.Gateways {
		if gw == nil {
			continue
		}
		a.chanTries++
		ingress := gw.Ingress()
		a.log.Debug("connecting to edge router",
			"router", gw.Name, logging.KeyIngress, ingress)
		ctx.acquireChannel(ingress, func(ch Channel, err error) {
			a.onChannelConnected(ingress, ch, err)
		})
	}

	if a.chanTries == 0 {
		// Session with no routers; nothing can ever call back.
		a.conn.setState(StateClosed)
		a.finish(ErrGatewayUnavailable)
		a.destroy()
	}
}

// onChannelConnected resolves one router try. The first success is
// adopted; later results and failures only account for the try.
func (a *connAttempt) onChannelConnected(ingress string, ch Channel, err error) {
	a.chanTries--

	if a.channel != nil {
		a.log.Debug("already using another channel")
	} else if err != nil {
		// The context evicted the entry before reporting; nothing more
		// to do for this candidate.
		a.log.Debug("edge router candidate failed", logging.KeyIngress, ingress)
	} else if a.failed {
		a.log.Debug("request already timed out or closed")
	} else {
		a.log.Debug("channel connected", logging.KeyIngress, ingress)
		a.channel = ch
		a.conn.channel = ch
		a.chanTries++ // the pending Edge-Connect reply
		a.startEdgeConnect()
	}

	if a.chanTries == 0 {
		if !a.failed && a.channel == nil {
			a.conn.setState(StateClosed)
			a.finish(ErrGatewayUnavailable)
		}
		a.destroy()
	}
}

// onConnectTimeout fires once per attempt if the race outlives the
// connection's timeout. Late router callbacks after this are absorbed.
func (a *connAttempt) onConnectTimeout() {
	conn := a.conn
	if conn.State() == StateConnecting {
		a.log.Warn("connection timed out")
		conn.setState(StateTimedout)
		a.failed = true
		a.finish(ErrTimeout)
	} else {
		a.log.Error("timeout in unexpected state", logging.KeyState, conn.State())
	}
	a.timer = nil
}

// startEdgeConnect issues the Edge-Connect exchange on the adopted
// channel: content type by state, session token as body, and a
// speculative ephemeral key on dials in case the host requires
// encryption.
func (a *connAttempt) startEdgeConnect() {
	conn := a.conn

	var contentType uint32
	switch conn.State() {
	case StateBinding:
		contentType = wire.ContentTypeBind
	case StateConnecting:
		contentType = wire.ContentTypeConnect
	case StateClosed:
		a.log.Warn("channel did not connect in time")
		return
	default:
		a.log.Error("connection in unexpected state", logging.KeyState, conn.State())
		return
	}

	conn.ctx.registerConn(conn)

	msg := wire.NewMessage(contentType, []byte(conn.token))
	msg.PutUint32Header(wire.HeaderConnID, conn.id)
	msg.PutUint32Header(wire.HeaderSeq, 0)

	if a.service.EncryptionRequired || contentType == wire.ContentTypeConnect {
		conn.encrypted = a.service.EncryptionRequired
		if err := conn.generateKeys(); err != nil {
			a.log.Error("failed to generate key pair", logging.KeyError, err)
			conn.setState(StateClosed)
			a.failed = true
			a.finish(ErrCryptoFail)
			return
		}
		msg.PutBytesHeader(wire.HeaderPublicKey, conn.pk[:])
	}

	a.channel.SendForReply(msg, a.connectReply)
}

// connectReply handles the router's answer to the Edge-Connect exchange
// and drives the FSM to its terminal state.
func (a *connAttempt) connectReply(msg *wire.Message) {
	conn := a.conn
	a.chanTries--

	if a.timer != nil {
		a.timer.Stop()
	}

	switch msg.ContentType {
	case wire.ContentTypeStateClosed:
		prev := conn.State()
		a.log.Error("edge connect refused",
			"reason", string(msg.Body), logging.KeyState, prev)
		conn.setState(StateClosed)
		if prev != StateTimedout && prev != StateClosed {
			// A timed out or closed attempt has already reported.
			a.finish(ErrConnClosed)
		}
		a.failed = true

	case wire.ContentTypeStateConnected:
		switch conn.State() {
		case StateConnecting:
			err := conn.establishCrypto(msg)
			if err == nil && conn.encrypted {
				conn.sendCryptoHeader()
			}
			if err == nil {
				conn.setState(StateConnected)
			} else {
				conn.setState(StateClosed)
			}
			a.finish(err)
		case StateBinding:
			a.log.Debug("bound")
			conn.setState(StateBound)
			a.finish(nil)
		case StateAccepting:
			if conn.encrypted {
				conn.sendCryptoHeader()
			}
			conn.setState(StateConnected)
			a.finish(nil)
		case StateClosed, StateTimedout:
			a.log.Warn("connect reply for closed or timed out connection")
			conn.disconnect()
		}

	default:
		a.log.Warn("unexpected content type",
			"content_type", wire.ContentTypeName(msg.ContentType))
		conn.disconnect()
	}

	if a.chanTries == 0 {
		a.destroy()
	}
}

// destroy releases the attempt once the last router try has resolved.
func (a *connAttempt) destroy() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if a.registered {
		a.registered = false
		a.conn.ctx.attempts--
	}
	a.log.Debug("attempt destroyed")
}
