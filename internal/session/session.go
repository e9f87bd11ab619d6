// Package session wraps the secure session protocol library and tracks live
// sessions per connection identifier.
//
// The protocol itself (handshake, key exchange, encryption, channel
// multiplexing, authentication plumbing) is golang.org/x/crypto/ssh; this
// package only drives its lifecycle over an adapted transport stream.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/postalsys/wirepost/internal/faults"
	"github.com/postalsys/wirepost/internal/logging"
	"github.com/postalsys/wirepost/internal/recovery"
)

// principalExtension is the permissions extension key carrying the resolved
// principal.
const principalExtension = "wirepost-principal"

// AlgorithmConfig carries ordered algorithm preferences for the session
// library. Empty lists keep the library defaults.
type AlgorithmConfig struct {
	KeyExchanges []string
	HostKeys     []string
	Ciphers      []string
}

func (c AlgorithmConfig) apply(cfg *ssh.Config) {
	if len(c.KeyExchanges) > 0 {
		cfg.KeyExchanges = c.KeyExchanges
	}
	if len(c.Ciphers) > 0 {
		cfg.Ciphers = c.Ciphers
	}
}

// Session is one live protocol session bound to a transport stream. It is
// shared by the client and server roles; role-specific behavior lives on
// ClientSession and ServerSession.
type Session struct {
	key       string
	conn      ssh.Conn
	transport net.Conn
	principal string
	logger    *slog.Logger

	closeOnce sync.Once
	closeErr  error

	done    chan struct{}
	waitErr error
}

func newSession(key string, conn ssh.Conn, transport net.Conn, principal string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Session{
		key:       key,
		conn:      conn,
		transport: transport,
		principal: principal,
		logger:    logger,
		done:      make(chan struct{}),
	}
	go func() {
		defer recovery.RecoverWithLog(logger, "session.wait")
		s.waitErr = conn.Wait()
		close(s.done)
	}()
	return s
}

// Key returns the connection identifier this session is registered under.
func (s *Session) Key() string { return s.key }

// Principal returns the authenticated identity attached to the session,
// empty when none resolved.
func (s *Session) Principal() string { return s.principal }

// Conn exposes the underlying protocol connection.
func (s *Session) Conn() ssh.Conn { return s.conn }

// Close performs an application-initiated disconnect. Idempotent; later
// calls return the first result.
func (s *Session) Close(reason string) error {
	s.closeOnce.Do(func() {
		s.logger.Debug("closing session",
			logging.KeySessionKey, s.key,
			"reason", reason)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Dispose closes the session and its transport stream without a reason.
// Never fails.
func (s *Session) Dispose() {
	_ = s.Close("")
	if s.transport != nil {
		_ = s.transport.Close()
	}
}

// Done is closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends and returns its terminal error.
func (s *Session) Wait() error {
	<-s.done
	return s.waitErr
}

// ClientSession is the client role of a session.
type ClientSession struct {
	*Session
	client *ssh.Client
}

// ClientOptions configures NewClient.
type ClientOptions struct {
	// User is the identity to authenticate as.
	User string

	// Password enables password authentication when non-empty; otherwise
	// the client relies on the server's permissive stub accepting the
	// "none" method.
	Password string

	// HostKey pins the server's public key. When nil the host identity is
	// not verified (the transport already pinned the endpoint).
	HostKey ssh.PublicKey

	Algorithms AlgorithmConfig
	Logger     *slog.Logger
}

// NewClient runs the protocol handshake over the adapted transport stream
// and authenticates. key is the connection identifier (the server URI) the
// session will be registered under; it doubles as the session's principal
// source: the authenticated username becomes the principal.
func NewClient(transportConn net.Conn, key string, opts ClientOptions) (*ClientSession, error) {
	cfg := &ssh.ClientConfig{
		User:            opts.User,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	if opts.HostKey != nil {
		cfg.HostKeyCallback = ssh.FixedHostKey(opts.HostKey)
	}
	if len(opts.Algorithms.HostKeys) > 0 {
		cfg.HostKeyAlgorithms = opts.Algorithms.HostKeys
	}
	opts.Algorithms.apply(&cfg.Config)
	if opts.Password != "" {
		cfg.Auth = append(cfg.Auth, ssh.Password(opts.Password))
	}

	conn, chans, reqs, err := ssh.NewClientConn(transportConn, key, cfg)
	if err != nil {
		transportConn.Close()
		return nil, fmt.Errorf("session handshake failed: %w", err)
	}

	client := ssh.NewClient(conn, chans, reqs)

	return &ClientSession{
		Session: newSession(key, conn, transportConn, opts.User, opts.Logger),
		client:  client,
	}, nil
}

// DialRemote opens a forwarding channel to host:port through the session.
// Rejections map onto the tunnel error taxonomy: administrative refusals are
// faults.ErrTunnelDenied, connect failures are faults.TunnelBindError.
func (s *ClientSession) DialRemote(host string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := s.client.Dial("tcp", addr)
	if err != nil {
		var oce *ssh.OpenChannelError
		if errors.As(err, &oce) {
			switch oce.Reason {
			case ssh.Prohibited, ssh.UnknownChannelType:
				return nil, fmt.Errorf("%w: %s", faults.ErrTunnelDenied, oce.Message)
			default:
				return nil, &faults.TunnelBindError{Addr: addr, Err: err}
			}
		}
		return nil, &faults.TunnelBindError{Addr: addr, Err: err}
	}
	return conn, nil
}

// ServerSession is the server role of a session.
type ServerSession struct {
	*Session
	channels <-chan ssh.NewChannel
}

// ServerOptions configures NewServer.
type ServerOptions struct {
	HostKey    ssh.Signer
	Algorithms AlgorithmConfig
	Logger     *slog.Logger
}

// NewServer runs the server side of the protocol handshake over the adapted
// transport stream. Authentication is a stub that approves every client and
// records the claimed username as the principal; AuthorizationPolicy gates
// what that principal may do.
func NewServer(transportConn net.Conn, key string, opts ServerOptions) (*ServerSession, error) {
	cfg := &ssh.ServerConfig{
		NoClientAuth: true,
		PasswordCallback: func(meta ssh.ConnMetadata, _ []byte) (*ssh.Permissions, error) {
			return stubPermissions(meta), nil
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, _ ssh.PublicKey) (*ssh.Permissions, error) {
			return stubPermissions(meta), nil
		},
	}
	opts.Algorithms.apply(&cfg.Config)
	cfg.AddHostKey(opts.HostKey)

	conn, chans, reqs, err := ssh.NewServerConn(transportConn, cfg)
	if err != nil {
		transportConn.Close()
		return nil, fmt.Errorf("session handshake failed: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	// Global requests (keepalives etc.) are not part of this service.
	go func() {
		defer recovery.RecoverWithLog(logger, "session.discardRequests")
		ssh.DiscardRequests(reqs)
	}()

	principal := conn.User()
	if conn.Permissions != nil && conn.Permissions.Extensions[principalExtension] != "" {
		principal = conn.Permissions.Extensions[principalExtension]
	}

	return &ServerSession{
		Session:  newSession(key, conn.Conn, transportConn, principal, logger),
		channels: chans,
	}, nil
}

// Channels returns the stream of incoming channel open requests.
func (s *ServerSession) Channels() <-chan ssh.NewChannel { return s.channels }

func stubPermissions(meta ssh.ConnMetadata) *ssh.Permissions {
	return &ssh.Permissions{
		Extensions: map[string]string{
			principalExtension: meta.User(),
		},
	}
}
