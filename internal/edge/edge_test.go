package edge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postmesh/lattice/internal/metrics"
	"github.com/postmesh/lattice/internal/model"
	"github.com/postmesh/lattice/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// Test doubles
// ============================================================================

// fakeController serves canned services and sessions.
type fakeController struct {
	mu       sync.Mutex
	services map[string]*model.Service
	sessions map[string]*model.Session // by service id
}

func newFakeController() *fakeController {
	return &fakeController{
		services: make(map[string]*model.Service),
		sessions: make(map[string]*model.Session),
	}
}

func (f *fakeController) GetService(_ context.Context, name string) (*model.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.services[name], nil
}

func (f *fakeController) CreateSession(_ context.Context, svc *model.Service, sessionType string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[svc.ID]
	if s == nil || s.Type != sessionType {
		return nil, nil
	}
	return s, nil
}

// sentMessage records one outbound message on a fake channel.
type sentMessage struct {
	msg   *wire.Message
	done  func(error)
	reply func(*wire.Message)
}

// fakeChannel records sends and lets tests resolve them by hand on the
// engine loop.
type fakeChannel struct {
	id      uint32
	ingress string
	eng     *testEngine
	closed  atomic.Bool

	mu   sync.Mutex
	seq  int32
	sent []*sentMessage
}

func (f *fakeChannel) ID() uint32      { return f.id }
func (f *fakeChannel) Ingress() string { return f.ingress }
func (f *fakeChannel) Closed() bool    { return f.closed.Load() }

func (f *fakeChannel) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeChannel) Send(msg *wire.Message, done func(error)) {
	f.mu.Lock()
	f.seq++
	msg.Sequence = f.seq
	f.sent = append(f.sent, &sentMessage{msg: msg, done: done})
	f.mu.Unlock()
}

func (f *fakeChannel) SendForReply(msg *wire.Message, reply func(*wire.Message)) {
	f.mu.Lock()
	f.seq++
	msg.Sequence = f.seq
	f.sent = append(f.sent, &sentMessage{msg: msg, reply: reply})
	f.mu.Unlock()
}

// take returns the recorded sends.
func (f *fakeChannel) take() []*sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// completeSends invokes pending done callbacks on the loop and clears
// them so a later call does not complete the same send twice.
func (f *fakeChannel) completeSends(t *testing.T, err error) {
	t.Helper()
	f.mu.Lock()
	var dones []func(error)
	for _, s := range f.sent {
		if s.done != nil {
			dones = append(dones, s.done)
			s.done = nil
		}
	}
	f.mu.Unlock()

	f.eng.ctx.loop.Post(func() {
		for _, done := range dones {
			done(err)
		}
	})
	f.eng.ctx.loop.Barrier()
}

// reply resolves the pending SendForReply at index i on the loop.
func (f *fakeChannel) reply(t *testing.T, i int, msg *wire.Message) {
	t.Helper()
	sent := f.take()
	if i >= len(sent) || sent[i].reply == nil {
		t.Fatalf("no pending reply at send index %d (have %d sends)", i, len(sent))
	}
	f.eng.ctx.loop.Post(func() { sent[i].reply(msg) })
	f.eng.ctx.loop.Barrier()
}

// routerBehavior controls how a fake router's channel dial resolves.
type routerBehavior struct {
	err  error
	hold chan struct{} // dial blocks until closed, when non-nil
}

// testEngine bundles a context with scripted routers.
type testEngine struct {
	ctx  *Context
	ctrl *fakeController

	mu       sync.Mutex
	routers  map[string]*routerBehavior
	channels map[string]*fakeChannel
	nextChan uint32
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	te := &testEngine{
		ctrl:     newFakeController(),
		routers:  make(map[string]*routerBehavior),
		channels: make(map[string]*fakeChannel),
	}
	te.ctx = NewContext(Options{
		Controller:     te.ctrl,
		DialChannel:    te.dialChannel,
		ConnectTimeout: 2 * time.Second,
		Metrics:        metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	})
	t.Cleanup(te.ctx.Shutdown)
	return te
}

func (te *testEngine) dialChannel(ctx context.Context, ingress string, _ *Context) (Channel, error) {
	te.mu.Lock()
	rb := te.routers[ingress]
	te.mu.Unlock()

	if rb != nil && rb.hold != nil {
		select {
		case <-rb.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if rb != nil && rb.err != nil {
		return nil, rb.err
	}

	te.mu.Lock()
	defer te.mu.Unlock()
	te.nextChan++
	ch := &fakeChannel{id: te.nextChan, ingress: ingress, eng: te}
	te.channels[ingress] = ch
	return ch, nil
}

// router scripts the behavior of one ingress address.
func (te *testEngine) router(ingress string, rb *routerBehavior) {
	te.mu.Lock()
	te.routers[ingress] = rb
	te.mu.Unlock()
}

// channelFor returns the fake channel dialed for ingress, if any.
func (te *testEngine) channelFor(ingress string) *fakeChannel {
	te.mu.Lock()
	defer te.mu.Unlock()
	return te.channels[ingress]
}

// seed installs a service and a session directly into the caches.
func (te *testEngine) seed(svc *model.Service, session *model.Session) {
	svc.FoldPermissions()
	done := make(chan struct{})
	te.ctx.loop.Post(func() {
		te.ctx.services[svc.Name] = svc
		if session != nil {
			session.ServiceID = svc.ID
			te.ctx.sessions[svc.ID] = session
		}
		close(done)
	})
	<-done
}

// onLoop runs fn on the engine loop and waits for it.
func (te *testEngine) onLoop(fn func()) {
	done := make(chan struct{})
	te.ctx.loop.Post(func() {
		fn()
		close(done)
	})
	<-done
}

// attempts reads the live attempt count.
func (te *testEngine) attempts() int {
	var n int
	te.onLoop(func() { n = te.ctx.attempts })
	return n
}

// connCount reads the registered connection count.
func (te *testEngine) connCount() int {
	var n int
	te.onLoop(func() { n = len(te.ctx.conns) })
	return n
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// connResult captures a ConnCallback outcome.
type connResult struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *connResult) cb(_ *Conn, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.err = err
}

func (r *connResult) snapshot() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, r.err
}

// dataRecorder captures DataCallback deliveries.
type dataRecorder struct {
	mu        sync.Mutex
	chunks    [][]byte
	errs      []error
	consumeFn func(call int, data []byte) int
}

func (d *dataRecorder) cb(_ *Conn, data []byte, err error) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.errs = append(d.errs, err)
		return 0
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	call := len(d.chunks)
	d.chunks = append(d.chunks, buf)
	if d.consumeFn != nil {
		return d.consumeFn(call, data)
	}
	return len(data)
}

func (d *dataRecorder) snapshot() ([][]byte, []error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	chunks := make([][]byte, len(d.chunks))
	copy(chunks, d.chunks)
	errs := make([]error, len(d.errs))
	copy(errs, d.errs)
	return chunks, errs
}

// twoRouterSession builds the standard two-candidate session fixture.
func twoRouterSession(token string) *model.Session {
	s := &model.Session{
		ID:    "sess-1",
		Token: token,
		Type:  model.SessionDial,
	}
	for i, name := range []string{"R1", "R2"} {
		er := &model.EdgeRouter{Name: name}
		er.URLs.TLS = fmt.Sprintf("tls://r%d.example.com:3022", i+1)
		s.Gateways = append(s.Gateways, er)
	}
	return s
}

// stateConnectedReply builds the router's success reply.
func stateConnectedReply(peerKey []byte) *wire.Message {
	msg := wire.NewMessage(wire.ContentTypeStateConnected, nil)
	if peerKey != nil {
		msg.PutBytesHeader(wire.HeaderPublicKey, peerKey)
	}
	return msg
}

// dataMessage builds an inbound Data message for a connection.
func dataMessage(connID uint32, body []byte, fin bool) *wire.Message {
	msg := wire.NewMessage(wire.ContentTypeData, body)
	msg.PutUint32Header(wire.HeaderConnID, connID)
	if fin {
		msg.PutUint32Header(wire.HeaderFlags, wire.FlagFIN)
	}
	return msg
}
