// Package server implements the server role: accept transport connections,
// run the session handshake, and serve authorized forwarding channels by
// dialing local TCP targets.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/postalsys/wirepost/internal/authz"
	"github.com/postalsys/wirepost/internal/config"
	"github.com/postalsys/wirepost/internal/faults"
	"github.com/postalsys/wirepost/internal/logging"
	"github.com/postalsys/wirepost/internal/metrics"
	"github.com/postalsys/wirepost/internal/recovery"
	"github.com/postalsys/wirepost/internal/session"
	"github.com/postalsys/wirepost/internal/transport"
	"github.com/postalsys/wirepost/internal/tunnel"
)

// forwardChannelType is the channel type carrying TCP forwards (RFC 4254
// section 7.2).
const forwardChannelType = "direct-tcpip"

// directTCPIPMsg is the "direct-tcpip" channel open payload.
type directTCPIPMsg struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

// Server accepts transport connections and serves their sessions.
type Server struct {
	cfg      *config.Config
	hostKey  ssh.Signer
	policy   authz.Policy
	registry *session.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	tr       transport.Transport
	listener transport.Listener

	mu     sync.Mutex
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics attaches a metrics instance.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = mx }
}

// WithPolicy overrides the authorization policy. The default requires a
// non-empty principal.
func WithPolicy(p authz.Policy) Option {
	return func(s *Server) { s.policy = p }
}

// New creates a server from cfg. hostKey identifies this endpoint to
// connecting clients.
func New(cfg *config.Config, hostKey ssh.Signer, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		hostKey: hostKey,
		policy:  authz.PrincipalPolicy{},
		logger:  logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry = session.NewRegistry(s.logger)
	return s
}

// Addr returns the bound listener address. Valid after Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Registry exposes the live sessions.
func (s *Server) Registry() *session.Registry { return s.registry }

// Start binds the transport listener and begins accepting connections.
func (s *Server) Start() error {
	tr, err := transport.New(transport.Type(s.cfg.Server.Transport))
	if err != nil {
		return err
	}

	ln, err := tr.Listen(s.cfg.Server.Address, transport.ListenOptions{
		Path:           s.cfg.Server.Path,
		MaxConnections: s.cfg.Limits.MaxConnections,
		AcceptRate:     s.cfg.Limits.AcceptRate,
		AcceptBurst:    s.cfg.Limits.AcceptBurst,
		Logger:         s.logger,
	})
	if err != nil {
		tr.Close()
		return fmt.Errorf("listen on %s: %w", s.cfg.Server.Address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.tr = tr
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("server listening",
		logging.KeyTransport, s.cfg.Server.Transport,
		logging.KeyAddress, ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)

	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln transport.Listener) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "server.acceptLoop")

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("accept failed", logging.KeyError, err)
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer recovery.RecoverWithLog(s.logger, "server.handleConn")
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn runs one session: handshake, register, serve forwarding
// channels until the session ends.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	key := conn.RemoteAddr().String()

	sess, err := session.NewServer(conn, key, session.ServerOptions{
		HostKey: s.hostKey,
		Algorithms: session.AlgorithmConfig{
			KeyExchanges: s.cfg.Session.KeyExchanges,
			HostKeys:     s.cfg.Session.HostKeys,
			Ciphers:      s.cfg.Session.Ciphers,
		},
		Logger: s.logger,
	})
	if err != nil {
		s.logger.Warn("session handshake failed",
			logging.KeyRemoteAddr, key,
			logging.KeyError, err)
		if s.metrics != nil {
			s.metrics.SessionErrors.WithLabelValues("handshake").Inc()
		}
		return
	}

	s.registry.Register(key, sess.Session)
	if s.metrics != nil {
		s.metrics.SessionsActive.Inc()
		s.metrics.SessionsTotal.WithLabelValues("server").Inc()
	}

	s.logger.Info("session established",
		logging.KeySessionKey, key,
		logging.KeyPrincipal, sess.Principal())

	mgr := tunnel.NewManager(s.policy,
		tunnel.WithLogger(s.logger),
		tunnel.WithMetrics(s.metrics))

	defer func() {
		mgr.Close()
		s.registry.Remove(key)
		sess.Dispose()
		if s.metrics != nil {
			s.metrics.SessionsActive.Dec()
		}
		s.logger.Info("session ended", logging.KeySessionKey, key)
	}()

	for {
		select {
		case newChan, ok := <-sess.Channels():
			if !ok {
				return
			}
			s.handleChannel(ctx, sess, mgr, newChan)
		case <-sess.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// handleChannel evaluates one channel open request. Non-forwarding channel
// types are rejected; forwards run through the authorization policy before
// any local socket is dialed.
func (s *Server) handleChannel(ctx context.Context, sess *session.ServerSession, mgr *tunnel.Manager, newChan ssh.NewChannel) {
	if newChan.ChannelType() != forwardChannelType {
		newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
		return
	}

	var msg directTCPIPMsg
	if err := ssh.Unmarshal(newChan.ExtraData(), &msg); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "malformed forward request")
		return
	}

	req := authz.ForwardRequest{
		Host:      msg.DestAddr,
		Port:      int(msg.DestPort),
		Principal: sess.Principal(),
	}

	t, target, err := mgr.HandleIncoming(ctx, req)
	if err != nil {
		if errors.Is(err, faults.ErrTunnelDenied) {
			newChan.Reject(ssh.Prohibited, "forward not permitted")
		} else {
			newChan.Reject(ssh.ConnectionFailed, err.Error())
		}
		return
	}

	channel, reqs, err := newChan.Accept()
	if err != nil {
		target.Close()
		s.logger.Warn("channel accept failed",
			logging.KeyTunnelID, t.ID(),
			logging.KeyError, err)
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer recovery.RecoverWithLog(s.logger, "server.channelRequests")
		ssh.DiscardRequests(reqs)
	}()
	go func() {
		defer s.wg.Done()
		defer recovery.RecoverWithLog(s.logger, "server.relay")
		mgr.Relay(t, newChannelConn(channel, sess), target)
	}()
}

// Shutdown stops accepting, closes every session, and waits for in-flight
// relays to drain or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	ln := s.listener
	tr := s.tr
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		ln.Close()
	}
	s.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if tr != nil {
		tr.Close()
	}
	return err
}
