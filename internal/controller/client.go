// Package controller implements the HTTP client for the mesh controller:
// service lookup and session issuance. The engine treats it as a plain
// request/response dependency; a nil result with a nil error means the
// controller does not know the resource.
package controller

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/postmesh/lattice/internal/logging"
	"github.com/postmesh/lattice/internal/model"
	"golang.org/x/time/rate"
)

// Options configures a Client.
type Options struct {
	// BaseURL is the controller API root, e.g. "https://ctrl.example.com".
	BaseURL string

	// TLS is the client TLS configuration (identity certificate, CA pool).
	TLS *tls.Config

	// Timeout bounds each request. Defaults to 10s.
	Timeout time.Duration

	// RequestsPerSecond throttles API calls. Zero disables throttling.
	RequestsPerSecond float64

	Logger *slog.Logger
}

// Client talks to the mesh controller.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *slog.Logger
}

// New creates a controller client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse controller url: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	log := opts.Logger
	if log == nil {
		log = logging.NopLogger()
	}

	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: opts.TLS,
			},
		},
		limiter: limiter,
		log:     log,
	}, nil
}

// GetService looks a service up by name. Returns (nil, nil) if the
// controller does not offer the service to this identity.
func (c *Client) GetService(ctx context.Context, name string) (*model.Service, error) {
	var svc *model.Service
	err := c.getJSON(ctx, "/services/"+url.PathEscape(name), &svc)
	if err == errNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	svc.FoldPermissions()
	return svc, nil
}

// CreateSession asks the controller for a session of the given type for a
// service. Returns (nil, nil) if the controller refuses the grant.
func (c *Client) CreateSession(ctx context.Context, svc *model.Service, sessionType string) (*model.Session, error) {
	body, err := json.Marshal(map[string]string{
		"serviceId": svc.ID,
		"type":      sessionType,
	})
	if err != nil {
		return nil, fmt.Errorf("encode session request: %w", err)
	}

	var session *model.Session
	err = c.postJSON(ctx, "/sessions", body, &session)
	if err == errNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	session.ServiceID = svc.ID
	return session, nil
}

var errNotFound = fmt.Errorf("not found")

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) endpoint(path string) string {
	u := *c.baseURL
	u.Path, _ = url.JoinPath(u.Path, path)
	return u.String()
}

func (c *Client) do(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("controller request failed: %w", err)
	}
	defer resp.Body.Close()

	c.log.Debug("controller request",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		logging.KeyDuration, time.Since(start))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode >= 300:
		return fmt.Errorf("controller returned status %d for %s", resp.StatusCode, req.URL.Path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
