package edge

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/postmesh/lattice/internal/events"
	"github.com/postmesh/lattice/internal/model"
	"github.com/postmesh/lattice/internal/wire"
)

func dialService(name string, encrypted bool) *model.Service {
	return &model.Service{
		ID:                 "svc-" + name,
		Name:               name,
		Permissions:        []string{model.SessionDial, model.SessionBind},
		EncryptionRequired: encrypted,
	}
}

// dialToConnected drives a plaintext dial to Connected over router R1 and
// returns the connection, the winning channel, and the data recorder.
func dialToConnected(t *testing.T, te *testEngine) (*Conn, *fakeChannel, *dataRecorder) {
	t.Helper()

	svc := dialService("Azure-Ping", false)
	session := twoRouterSession("tok-1")
	session.Gateways = session.Gateways[:1]
	te.seed(svc, session)

	conn := te.ctx.NewConn(nil)
	result := &connResult{}
	data := &dataRecorder{}
	if err := conn.Dial("Azure-Ping", result.cb, data.cb); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	var ch *fakeChannel
	waitFor(t, "edge connect request", func() bool {
		ch = te.channelFor("tls://r1.example.com:3022")
		return ch != nil && len(ch.take()) > 0
	})

	ch.reply(t, 0, stateConnectedReply(nil))

	calls, err := result.snapshot()
	if calls != 1 || err != nil {
		t.Fatalf("dial result = (%d, %v), want (1, nil)", calls, err)
	}
	if conn.State() != StateConnected {
		t.Fatalf("state = %s, want CONNECTED", conn.State())
	}
	return conn, ch, data
}

func TestDial_RaceWinnerAdopted(t *testing.T) {
	te := newTestEngine(t)

	svc := dialService("Azure-Ping", false)
	te.seed(svc, twoRouterSession("tok-1"))

	// R2 stalls until released; R1 completes first.
	r2Hold := make(chan struct{})
	te.router("tls://r2.example.com:3022", &routerBehavior{hold: r2Hold})

	conn := te.ctx.NewConn(nil)
	result := &connResult{}
	if err := conn.Dial("Azure-Ping", result.cb, (&dataRecorder{}).cb); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	var r1 *fakeChannel
	waitFor(t, "edge connect on R1", func() bool {
		r1 = te.channelFor("tls://r1.example.com:3022")
		return r1 != nil && len(r1.take()) > 0
	})

	// The Edge-Connect request carries the session token and conn id.
	sent := r1.take()[0]
	if sent.msg.ContentType != wire.ContentTypeConnect {
		t.Errorf("content = %s, want Connect", wire.ContentTypeName(sent.msg.ContentType))
	}
	if string(sent.msg.Body) != "tok-1" {
		t.Errorf("body = %q, want session token", sent.msg.Body)
	}
	if id, _ := sent.msg.Uint32Header(wire.HeaderConnID); id != conn.ID() {
		t.Errorf("ConnID header = %d, want %d", id, conn.ID())
	}

	r1.reply(t, 0, stateConnectedReply(nil))

	calls, err := result.snapshot()
	if calls != 1 || err != nil {
		t.Fatalf("conn_cb = (%d, %v), want exactly one OK", calls, err)
	}
	if conn.State() != StateConnected {
		t.Errorf("state = %s, want CONNECTED", conn.State())
	}

	// R2 completes 5ms later; the loser must not displace the winner.
	time.Sleep(5 * time.Millisecond)
	close(r2Hold)

	waitFor(t, "attempt destroyed", func() bool { return te.attempts() == 0 })

	var adopted Channel
	te.onLoop(func() { adopted = conn.channel })
	if adopted != r1 {
		t.Error("adopted channel is not the race winner")
	}
	if calls, _ := result.snapshot(); calls != 1 {
		t.Errorf("conn_cb called %d times after loser resolved", calls)
	}
}

func TestDial_Timeout(t *testing.T) {
	te := newTestEngine(t)

	svc := dialService("Azure-Ping", false)
	te.seed(svc, twoRouterSession("tok-1"))

	r1Hold := make(chan struct{})
	r2Hold := make(chan struct{})
	te.router("tls://r1.example.com:3022", &routerBehavior{hold: r1Hold})
	te.router("tls://r2.example.com:3022", &routerBehavior{hold: r2Hold})

	conn := te.ctx.NewConn(nil)
	conn.SetTimeout(20 * time.Millisecond)
	result := &connResult{}
	if err := conn.Dial("Azure-Ping", result.cb, (&dataRecorder{}).cb); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	waitFor(t, "timeout delivery", func() bool {
		calls, _ := result.snapshot()
		return calls == 1
	})
	if _, err := result.snapshot(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if conn.State() != StateTimedout {
		t.Errorf("state = %s, want TIMEDOUT", conn.State())
	}

	// Late router successes are absorbed silently.
	close(r1Hold)
	close(r2Hold)
	waitFor(t, "attempt destroyed", func() bool { return te.attempts() == 0 })

	if calls, _ := result.snapshot(); calls != 1 {
		t.Errorf("conn_cb called %d times, late callbacks must be absorbed", calls)
	}
	var adopted Channel
	te.onLoop(func() { adopted = conn.channel })
	if adopted != nil {
		t.Error("timed out attempt adopted a channel")
	}
}

func TestDial_GatewayUnavailable(t *testing.T) {
	te := newTestEngine(t)

	svc := dialService("Azure-Ping", false)
	te.seed(svc, twoRouterSession("tok-1"))

	te.router("tls://r1.example.com:3022", &routerBehavior{err: fmt.Errorf("connection refused")})
	te.router("tls://r2.example.com:3022", &routerBehavior{err: fmt.Errorf("connection refused")})

	conn := te.ctx.NewConn(nil)
	result := &connResult{}
	if err := conn.Dial("Azure-Ping", result.cb, (&dataRecorder{}).cb); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	waitFor(t, "gateway unavailable", func() bool {
		calls, _ := result.snapshot()
		return calls == 1
	})
	if _, err := result.snapshot(); !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("err = %v, want ErrGatewayUnavailable", err)
	}
	if conn.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", conn.State())
	}
	waitFor(t, "attempt destroyed", func() bool { return te.attempts() == 0 })

	// Failed channels are evicted from the shared map.
	var entries int
	te.onLoop(func() { entries = len(te.ctx.channels) })
	if entries != 0 {
		t.Errorf("channel map holds %d entries after hard failures", entries)
	}
}

func TestDial_ServiceUnavailable(t *testing.T) {
	te := newTestEngine(t)
	// Controller knows nothing.

	conn := te.ctx.NewConn(nil)
	result := &connResult{}
	if err := conn.Dial("ghost", result.cb, (&dataRecorder{}).cb); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	waitFor(t, "service unavailable", func() bool {
		calls, _ := result.snapshot()
		return calls == 1
	})
	if _, err := result.snapshot(); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("err = %v, want ErrServiceUnavailable", err)
	}
	if conn.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", conn.State())
	}
}

func TestDial_ResolvesThroughController(t *testing.T) {
	te := newTestEngine(t)

	svc := dialService("Azure-Ping", false)
	svc.FoldPermissions()
	session := twoRouterSession("tok-ctrl")
	session.Gateways = session.Gateways[:1]
	te.ctrl.services["Azure-Ping"] = svc
	te.ctrl.sessions[svc.ID] = session

	conn := te.ctx.NewConn(nil)
	result := &connResult{}
	if err := conn.Dial("Azure-Ping", result.cb, (&dataRecorder{}).cb); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	var ch *fakeChannel
	waitFor(t, "edge connect request", func() bool {
		ch = te.channelFor("tls://r1.example.com:3022")
		return ch != nil && len(ch.take()) > 0
	})
	if got := string(ch.take()[0].msg.Body); got != "tok-ctrl" {
		t.Errorf("token = %q, want controller-issued token", got)
	}

	// Both results are cached for the next dial.
	var cachedSvc, cachedSess bool
	te.onLoop(func() {
		_, cachedSvc = te.ctx.services["Azure-Ping"]
		_, cachedSess = te.ctx.sessions[svc.ID]
	})
	if !cachedSvc || !cachedSess {
		t.Error("service/session not cached after resolution")
	}
}

func TestDial_InvalidState(t *testing.T) {
	te := newTestEngine(t)
	conn, _, _ := dialToConnected(t, te)

	if err := conn.Dial("Azure-Ping", (&connResult{}).cb, nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Dial = %v, want ErrInvalidState", err)
	}
}

func TestDial_PermissionDenied(t *testing.T) {
	te := newTestEngine(t)

	svc := &model.Service{
		ID:          "svc-bindonly",
		Name:        "bind-only",
		Permissions: []string{model.SessionBind},
	}
	te.seed(svc, nil)

	conn := te.ctx.NewConn(nil)
	result := &connResult{}
	if err := conn.Dial("bind-only", result.cb, (&dataRecorder{}).cb); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	waitFor(t, "permission rejection", func() bool {
		calls, _ := result.snapshot()
		return calls == 1
	})
	if _, err := result.snapshot(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestDial_PeerRefuses(t *testing.T) {
	te := newTestEngine(t)

	svc := dialService("Azure-Ping", false)
	session := twoRouterSession("tok-1")
	session.Gateways = session.Gateways[:1]
	te.seed(svc, session)

	conn := te.ctx.NewConn(nil)
	result := &connResult{}
	if err := conn.Dial("Azure-Ping", result.cb, (&dataRecorder{}).cb); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	var ch *fakeChannel
	waitFor(t, "edge connect request", func() bool {
		ch = te.channelFor("tls://r1.example.com:3022")
		return ch != nil && len(ch.take()) > 0
	})

	refusal := wire.NewMessage(wire.ContentTypeStateClosed, []byte("no terminators"))
	ch.reply(t, 0, refusal)

	calls, err := result.snapshot()
	if calls != 1 || !errors.Is(err, ErrConnClosed) {
		t.Fatalf("result = (%d, %v), want one ErrConnClosed", calls, err)
	}
	if conn.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", conn.State())
	}
	waitFor(t, "attempt destroyed", func() bool { return te.attempts() == 0 })
}

func TestBind_ReachesBound(t *testing.T) {
	te := newTestEngine(t)

	svc := dialService("echo-host", false)
	session := twoRouterSession("tok-bind")
	session.Type = model.SessionBind
	session.Gateways = session.Gateways[:1]
	te.seed(svc, session)

	conn := te.ctx.NewConn(nil)
	result := &connResult{}
	if err := conn.Bind("echo-host", result.cb, nil); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	var ch *fakeChannel
	waitFor(t, "bind request", func() bool {
		ch = te.channelFor("tls://r1.example.com:3022")
		return ch != nil && len(ch.take()) > 0
	})
	sent := ch.take()[0]
	if sent.msg.ContentType != wire.ContentTypeBind {
		t.Errorf("content = %s, want Bind", wire.ContentTypeName(sent.msg.ContentType))
	}
	// A plaintext bind does not advertise a public key.
	if _, ok := sent.msg.BytesHeader(wire.HeaderPublicKey); ok {
		t.Error("plaintext bind carried a PublicKey header")
	}

	ch.reply(t, 0, stateConnectedReply(nil))

	calls, err := result.snapshot()
	if calls != 1 || err != nil {
		t.Fatalf("bind result = (%d, %v)", calls, err)
	}
	if conn.State() != StateBound {
		t.Errorf("state = %s, want BOUND", conn.State())
	}
}

func TestDispatch_UnknownConnAnsweredWithStateClosed(t *testing.T) {
	te := newTestEngine(t)
	_, ch, _ := dialToConnected(t, te)

	before := len(ch.take())
	te.onLoop(func() {
		te.ctx.DispatchInbound(ch, 9999, dataMessage(9999, []byte("late"), false))
	})

	sent := ch.take()
	if len(sent) != before+1 {
		t.Fatalf("expected one StateClosed response, got %d new sends", len(sent)-before)
	}
	last := sent[len(sent)-1].msg
	if last.ContentType != wire.ContentTypeStateClosed {
		t.Errorf("response = %s, want StateClosed", wire.ContentTypeName(last.ContentType))
	}
	if id, _ := last.Uint32Header(wire.HeaderConnID); id != 9999 {
		t.Errorf("response ConnID = %d, want 9999", id)
	}
}

func TestClose_SendsStateClosedAndReaps(t *testing.T) {
	te := newTestEngine(t)
	conn, ch, _ := dialToConnected(t, te)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	te.ctx.loop.Barrier()

	sent := ch.take()
	last := sent[len(sent)-1]
	if last.msg.ContentType != wire.ContentTypeStateClosed {
		t.Fatalf("last send = %s, want StateClosed", wire.ContentTypeName(last.msg.ContentType))
	}

	ch.completeSends(t, nil)

	if conn.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", conn.State())
	}
	if n := te.connCount(); n != 0 {
		t.Errorf("connection list holds %d entries after reap", n)
	}
}

func TestChannelClosed_EvictsAndRedials(t *testing.T) {
	te := newTestEngine(t)
	_, ch, _ := dialToConnected(t, te)

	var mu sync.Mutex
	var statuses []events.RouterStatus
	te.ctx.Subscribe(events.RouterEventType, func(e *events.Event) {
		mu.Lock()
		statuses = append(statuses, e.Router.Status)
		mu.Unlock()
	})
	te.ctx.loop.Barrier()

	// The transport notices the dead link and reports it.
	te.ctx.ChannelClosed(ch)
	te.ctx.loop.Barrier()

	var entries int
	te.onLoop(func() { entries = len(te.ctx.channels) })
	if entries != 0 {
		t.Fatalf("channel map holds %d entries after close notification", entries)
	}
	mu.Lock()
	if len(statuses) != 1 || statuses[0] != events.RouterDisconnected {
		t.Errorf("router events = %v, want one DISCONNECTED", statuses)
	}
	mu.Unlock()

	// A stale notification for the already-evicted channel is a no-op.
	te.ctx.ChannelClosed(ch)
	te.ctx.loop.Barrier()

	// The next dial to the same ingress redials instead of reusing the
	// dead channel.
	conn2 := te.ctx.NewConn(nil)
	result := &connResult{}
	if err := conn2.Dial("Azure-Ping", result.cb, (&dataRecorder{}).cb); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	var ch2 *fakeChannel
	waitFor(t, "fresh channel dialed", func() bool {
		ch2 = te.channelFor("tls://r1.example.com:3022")
		return ch2 != nil && ch2 != ch && len(ch2.take()) > 0
	})
	ch2.reply(t, 0, stateConnectedReply(nil))

	calls, err := result.snapshot()
	if calls != 1 || err != nil {
		t.Fatalf("redial result = (%d, %v), want (1, nil)", calls, err)
	}
	if conn2.State() != StateConnected {
		t.Errorf("state = %s, want CONNECTED", conn2.State())
	}
}

func TestAcquire_RevalidatesDeadCachedChannel(t *testing.T) {
	te := newTestEngine(t)
	_, ch, _ := dialToConnected(t, te)

	// The channel dies without its close notification having landed.
	ch.Close()

	conn2 := te.ctx.NewConn(nil)
	result := &connResult{}
	if err := conn2.Dial("Azure-Ping", result.cb, (&dataRecorder{}).cb); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	var ch2 *fakeChannel
	waitFor(t, "replacement channel", func() bool {
		ch2 = te.channelFor("tls://r1.example.com:3022")
		return ch2 != nil && ch2 != ch && len(ch2.take()) > 0
	})
	ch2.reply(t, 0, stateConnectedReply(nil))

	if calls, err := result.snapshot(); calls != 1 || err != nil {
		t.Fatalf("dial result = (%d, %v), want (1, nil)", calls, err)
	}
	if ch.Closed() != true || ch2.Closed() {
		t.Error("revalidation reused the dead channel")
	}
}

func TestSessionRefused_DropsServiceFromCache(t *testing.T) {
	te := newTestEngine(t)

	// Service resolves but the controller refuses every session grant.
	svc := dialService("revoked", false)
	svc.FoldPermissions()
	te.ctrl.services["revoked"] = svc

	var mu sync.Mutex
	var removed []string
	te.ctx.Subscribe(events.ServiceEventType, func(e *events.Event) {
		mu.Lock()
		removed = append(removed, e.Service.Removed...)
		mu.Unlock()
	})
	te.ctx.loop.Barrier()

	conn := te.ctx.NewConn(nil)
	result := &connResult{}
	if err := conn.Dial("revoked", result.cb, (&dataRecorder{}).cb); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	waitFor(t, "service unavailable", func() bool {
		calls, _ := result.snapshot()
		return calls == 1
	})
	if _, err := result.snapshot(); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("err = %v, want ErrServiceUnavailable", err)
	}

	// The stale grant is gone from the cache and announced as removed.
	var cached bool
	te.onLoop(func() { _, cached = te.ctx.services["revoked"] })
	if cached {
		t.Error("revoked service still cached")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(removed) != 1 || removed[0] != "revoked" {
		t.Errorf("removed events = %v, want [revoked]", removed)
	}
}
