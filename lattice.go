// Package lattice is the client SDK for the Lattice overlay mesh: dial
// or host named services reachable through a network of edge routers.
//
// A Client owns one engine context. Connections are created from it,
// then dialed or bound:
//
//	client, _ := lattice.New(cfg)
//	conn := client.NewConn(nil)
//	conn.Dial("my-service", onConnect, onData)
//
// All callbacks run on the engine loop; they must not block.
package lattice

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/postmesh/lattice/internal/channel"
	"github.com/postmesh/lattice/internal/config"
	"github.com/postmesh/lattice/internal/controller"
	"github.com/postmesh/lattice/internal/edge"
	"github.com/postmesh/lattice/internal/events"
	"github.com/postmesh/lattice/internal/logging"
	"github.com/postmesh/lattice/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Re-exported engine types; see the edge package for their contracts.
type (
	Conn           = edge.Conn
	ConnCallback   = edge.ConnCallback
	DataCallback   = edge.DataCallback
	WriteCallback  = edge.WriteCallback
	ClientCallback = edge.ClientCallback
	Event          = events.Event
	EventType      = events.Type
)

// Engine error values.
var (
	ErrTimeout            = edge.ErrTimeout
	ErrGatewayUnavailable = edge.ErrGatewayUnavailable
	ErrServiceUnavailable = edge.ErrServiceUnavailable
	ErrConnClosed         = edge.ErrConnClosed
	ErrInvalidState       = edge.ErrInvalidState
	ErrCryptoFail         = edge.ErrCryptoFail
)

// Event type masks.
const (
	ContextEvents = events.ContextEventType
	RouterEvents  = events.RouterEventType
	ServiceEvents = events.ServiceEventType
)

// Client is an initialized SDK instance.
type Client struct {
	cfg  *config.Config
	ctx  *edge.Context
	ctrl *controller.Client
	log  *slog.Logger

	metricsSrv *http.Server
}

// New builds a client from configuration: logger, controller client,
// channel transports, and the engine context.
func New(cfg *config.Config) (*Client, error) {
	log := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	tlsCfg, err := identityTLS(cfg)
	if err != nil {
		return nil, err
	}

	ctrl, err := controller.New(controller.Options{
		BaseURL:           cfg.Controller.URL,
		TLS:               tlsCfg,
		Timeout:           cfg.Controller.Timeout,
		RequestsPerSecond: cfg.Controller.RequestsPerSecond,
		Logger:            log,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:  cfg,
		ctrl: ctrl,
		log:  log,
	}
	c.ctx = edge.NewContext(edge.Options{
		Controller: ctrl,
		DialChannel: channel.Dialer(channel.Config{
			TLS:    tlsCfg,
			Logger: log,
		}),
		ConnectTimeout: cfg.Dial.ConnectTimeout,
		Logger:         log,
	})

	if cfg.Metrics.Listen != "" {
		c.metricsSrv = &http.Server{
			Addr:    cfg.Metrics.Listen,
			Handler: promhttp.Handler(),
		}
		go func() {
			if err := c.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics endpoint failed", logging.KeyError, err)
			}
		}()
	}

	return c, nil
}

// identityTLS assembles the client TLS identity from config.
func identityTLS(cfg *config.Config) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.Identity.CA != "" {
		pem, err := os.ReadFile(cfg.Identity.CA)
		if err != nil {
			return nil, fmt.Errorf("read ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", cfg.Identity.CA)
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.Identity.Cert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Identity.Cert, cfg.Identity.Key)
		if err != nil {
			return nil, fmt.Errorf("load identity: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

// NewConn allocates a connection in the Initial state.
func (c *Client) NewConn(appData any) *Conn {
	return c.ctx.NewConn(appData)
}

// Subscribe registers an event handler for the masked event types.
func (c *Client) Subscribe(mask EventType, h func(*Event)) {
	c.ctx.Subscribe(mask, h)
}

// Metrics returns the engine metrics instance.
func (c *Client) Metrics() *metrics.Metrics {
	return metrics.Default()
}

// Close shuts the client down.
func (c *Client) Close() error {
	if c.metricsSrv != nil {
		c.metricsSrv.Close()
	}
	c.ctx.Shutdown()
	return c.ctrl.Close()
}
