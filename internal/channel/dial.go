package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/postmesh/lattice/internal/edge"
	"github.com/postmesh/lattice/internal/runloop"
	"github.com/postmesh/lattice/internal/wire"
	"github.com/quic-go/quic-go"
	"nhooyr.io/websocket"
)

// Transport defaults.
const (
	// ALPNProtocol identifies the edge protocol on TLS and QUIC links.
	ALPNProtocol = "lattice-edge/1"

	DefaultConnectTimeout  = 10 * time.Second
	DefaultMaxIdleTimeout  = 60 * time.Second
	DefaultKeepAlivePeriod = 30 * time.Second

	wsReadLimit = 16 * 1024 * 1024
)

// Config carries the transport settings shared by all channels.
type Config struct {
	// TLS is the identity and trust configuration presented to routers.
	TLS *tls.Config

	// ConnectTimeout bounds the transport dial.
	ConnectTimeout time.Duration

	Logger *slog.Logger
}

// Dialer adapts channel dialing to the engine's ChannelDialer hook:
// inbound messages are fed to the context's dispatcher on its loop, and
// a channel that dies is reported back so the context evicts it.
func Dialer(cfg Config) edge.ChannelDialer {
	return func(ctx context.Context, ingress string, ectx *edge.Context) (edge.Channel, error) {
		dispatch := func(ch *Channel, connID uint32, msg *wire.Message) {
			ectx.DispatchInbound(ch, connID, msg)
		}
		onClose := func(ch *Channel) {
			ectx.ChannelClosed(ch)
		}
		return Dial(ctx, ingress, cfg, ectx.Loop(), dispatch, onClose)
	}
}

// Dial connects to an edge router ingress address and wraps the link in
// a channel. The scheme selects the transport: tls:// (default), wss://,
// or quic://.
func Dial(ctx context.Context, ingress string, cfg Config, loop *runloop.Loop, dispatch Dispatch, onClose func(*Channel)) (*Channel, error) {
	u, err := url.Parse(ingress)
	if err != nil {
		return nil, fmt.Errorf("parse ingress %q: %w", ingress, err)
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rw io.ReadWriteCloser
	switch u.Scheme {
	case "tls", "":
		rw, err = dialTLS(ctx, u.Host, cfg)
	case "wss":
		rw, err = dialWS(ctx, ingress, cfg)
	case "quic":
		rw, err = dialQUIC(ctx, u.Host, cfg)
	default:
		return nil, fmt.Errorf("unsupported ingress scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	return New(rw, ingress, loop, dispatch, onClose, cfg.Logger), nil
}

// dialTLS opens a plain TLS link to the router.
func dialTLS(ctx context.Context, host string, cfg Config) (io.ReadWriteCloser, error) {
	d := &tls.Dialer{Config: tlsConfig(cfg)}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("tls dial failed: %w", err)
	}
	return conn, nil
}

// dialWS opens a WebSocket link, framed as binary messages over the
// socket's net.Conn adapter.
func dialWS(ctx context.Context, ingress string, cfg Config) (io.ReadWriteCloser, error) {
	u, _ := url.Parse(ingress)
	u.Scheme = "wss"

	wsConn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{ALPNProtocol},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	wsConn.SetReadLimit(wsReadLimit)

	return websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary), nil
}

// dialQUIC opens a QUIC session and a single bidirectional stream that
// carries the channel's frames.
func dialQUIC(ctx context.Context, host string, cfg Config) (io.ReadWriteCloser, error) {
	tlsConf := tlsConfig(cfg)
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPNProtocol}
	}

	conn, err := quic.DialAddr(ctx, host, tlsConf, &quic.Config{
		MaxIdleTimeout:  DefaultMaxIdleTimeout,
		KeepAlivePeriod: DefaultKeepAlivePeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("quic dial failed: %w", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("quic stream failed: %w", err)
	}

	return &quicStream{Stream: stream, conn: conn}, nil
}

func tlsConfig(cfg Config) *tls.Config {
	if cfg.TLS != nil {
		return cfg.TLS.Clone()
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

// quicStream binds a stream's lifetime to its session.
type quicStream struct {
	quic.Stream
	conn quic.Connection
}

func (s *quicStream) Close() error {
	err := s.Stream.Close()
	s.conn.CloseWithError(0, "channel closed")
	return err
}
