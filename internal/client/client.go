// Package client implements the client role: connect a transport, establish
// the session, request the configured port forwards, and optionally couple a
// child process to the session lifetime.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/postalsys/wirepost/internal/authz"
	"github.com/postalsys/wirepost/internal/config"
	"github.com/postalsys/wirepost/internal/keys"
	"github.com/postalsys/wirepost/internal/logging"
	"github.com/postalsys/wirepost/internal/metrics"
	"github.com/postalsys/wirepost/internal/procbridge"
	"github.com/postalsys/wirepost/internal/session"
	"github.com/postalsys/wirepost/internal/transport"
	"github.com/postalsys/wirepost/internal/tunnel"
)

// Client drives one client-role connection and its forwards.
type Client struct {
	cfg      *config.Config
	password string
	logger   *slog.Logger
	metrics  *metrics.Metrics
	registry *session.Registry

	mu     sync.Mutex
	tr     transport.Transport
	sess   *session.ClientSession
	mgr    *tunnel.Manager
	bridge *procbridge.Bridge
	closed bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics attaches a metrics instance.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = mx }
}

// WithPassword enables password authentication for the session handshake.
func WithPassword(password string) Option {
	return func(c *Client) { c.password = password }
}

// New creates a client from cfg.
func New(cfg *config.Config, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.registry = session.NewRegistry(c.logger)
	return c
}

// Session returns the live session, nil before Connect.
func (c *Client) Session() *session.ClientSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// Tunnels returns the live tunnels.
func (c *Client) Tunnels() []*tunnel.Tunnel {
	c.mu.Lock()
	mgr := c.mgr
	c.mu.Unlock()
	if mgr == nil {
		return nil
	}
	return mgr.Tunnels()
}

// Connect dials the configured server, runs the session handshake, and binds
// every configured forward. A forward that fails to bind tears the whole
// connection down.
func (c *Client) Connect(ctx context.Context) error {
	url := c.cfg.Client.ServerURL
	if url == "" {
		return fmt.Errorf("no server URL configured")
	}

	tr, err := transport.New(transport.Type(c.cfg.Client.Transport))
	if err != nil {
		return err
	}

	conn, err := tr.Dial(ctx, url, transport.DialOptions{
		Timeout: c.cfg.Client.ConnectTimeout,
		Logger:  c.logger,
	})
	if err != nil {
		tr.Close()
		if c.metrics != nil {
			c.metrics.SessionErrors.WithLabelValues("dial").Inc()
		}
		return fmt.Errorf("connect to %s: %w", url, err)
	}

	var hostKey ssh.PublicKey
	if c.cfg.Client.ServerKeyFile != "" {
		hostKey, err = keys.LoadPublic(c.cfg.Client.ServerKeyFile)
		if err != nil {
			conn.Close()
			tr.Close()
			return fmt.Errorf("load pinned server key: %w", err)
		}
	}

	sess, err := session.NewClient(conn, url, session.ClientOptions{
		User:     c.cfg.Client.Username,
		Password: c.password,
		HostKey:  hostKey,
		Algorithms: session.AlgorithmConfig{
			KeyExchanges: c.cfg.Session.KeyExchanges,
			HostKeys:     c.cfg.Session.HostKeys,
			Ciphers:      c.cfg.Session.Ciphers,
		},
		Logger: c.logger,
	})
	if err != nil {
		tr.Close()
		if c.metrics != nil {
			c.metrics.SessionErrors.WithLabelValues("handshake").Inc()
		}
		return err
	}

	c.registry.Register(url, sess.Session)
	if c.metrics != nil {
		c.metrics.SessionsActive.Inc()
		c.metrics.SessionsTotal.WithLabelValues("client").Inc()
	}

	c.logger.Info("session established",
		logging.KeySessionKey, url,
		logging.KeyPrincipal, sess.Principal())

	mgr := tunnel.NewManager(authz.PrincipalPolicy{},
		tunnel.WithLogger(c.logger),
		tunnel.WithMetrics(c.metrics))

	c.mu.Lock()
	c.tr = tr
	c.sess = sess
	c.mgr = mgr
	c.mu.Unlock()

	for _, spec := range c.cfg.Forwards {
		fwd := tunnel.Forward{
			LocalHost:  spec.LocalHost,
			LocalPort:  spec.LocalPort,
			RemoteHost: spec.RemoteHost,
			RemotePort: spec.RemotePort,
		}
		t, err := mgr.RequestForward(ctx, sess, sess.Principal(), fwd)
		if err != nil {
			c.teardown(fmt.Sprintf("forward %s failed", spec.LocalAddr()))
			return fmt.Errorf("forward %s -> %s: %w", spec.LocalAddr(), spec.RemoteAddr(), err)
		}
		c.logger.Info("forward established",
			logging.KeyTunnelID, t.ID(),
			logging.KeyLocalAddr, t.BoundAddr(),
			logging.KeyRemoteAddr, spec.RemoteAddr())
	}

	if c.cfg.Exec.Command != "" {
		bridge, err := procbridge.Spawn(ctx, c.cfg.Exec.Command, c.cfg.Exec.Args, procbridge.Options{
			Registry:    c.registry,
			SessionKeys: []string{url},
			Dir:         c.cfg.Exec.Dir,
			Logger:      c.logger,
			Metrics:     c.metrics,
		})
		if err != nil {
			c.teardown("exec spawn failed")
			return fmt.Errorf("spawn %s: %w", c.cfg.Exec.Command, err)
		}
		c.mu.Lock()
		c.bridge = bridge
		c.mu.Unlock()
	}

	return nil
}

// Wait blocks until the session ends. With an exec workload configured the
// process exit drives the shutdown and its error is returned; otherwise the
// session's terminal error is.
func (c *Client) Wait() error {
	c.mu.Lock()
	sess := c.sess
	bridge := c.bridge
	c.mu.Unlock()

	if sess == nil {
		return fmt.Errorf("not connected")
	}

	if bridge != nil {
		select {
		case <-bridge.Done():
			// Teardown already cascaded through the registry.
			err := bridge.Wait()
			c.Close()
			return err
		case <-sess.Done():
			bridge.Stop()
			c.Close()
			return sess.Wait()
		}
	}

	<-sess.Done()
	c.Close()
	return sess.Wait()
}

// Close disconnects the session and releases every forward. Idempotent.
func (c *Client) Close() {
	c.teardown("client closed")
}

func (c *Client) teardown(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	tr := c.tr
	sess := c.sess
	mgr := c.mgr
	bridge := c.bridge
	c.mu.Unlock()

	if bridge != nil {
		bridge.Stop()
	}
	if mgr != nil {
		mgr.Close()
	}
	if sess != nil {
		c.registry.Remove(sess.Key())
		sess.Close(reason)
		sess.Dispose()
		if c.metrics != nil {
			c.metrics.SessionsActive.Dec()
		}
	}
	if tr != nil {
		tr.Close()
	}
}
