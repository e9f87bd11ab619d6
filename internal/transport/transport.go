// Package transport provides the message-oriented transports that carry
// Wirepost sessions: WebSocket (discrete binary frames bridged through the
// stream adapter) and QUIC (a native byte stream).
package transport

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"
)

// Subprotocol is negotiated on every transport connection. For WebSocket it
// is the subprotocol header value, for QUIC the ALPN identifier.
const Subprotocol = "ssh"

// Type identifies the transport protocol.
type Type string

const (
	TypeWebSocket Type = "ws"
	TypeQUIC      Type = "quic"
)

// Transport creates and accepts session-carrying connections. Every
// connection is surfaced as a net.Conn ready for the session layer.
type Transport interface {
	// Dial connects to a remote endpoint.
	Dial(ctx context.Context, addr string, opts DialOptions) (net.Conn, error)

	// Listen creates a listener for incoming connections.
	Listen(addr string, opts ListenOptions) (Listener, error)

	// Type returns the transport type identifier.
	Type() Type

	// Close shuts down the transport and its listeners.
	Close() error
}

// Listener accepts incoming connections.
type Listener interface {
	// Accept waits for and returns the next connection.
	Accept(ctx context.Context) (net.Conn, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}

// DialOptions contains options for dialing.
type DialOptions struct {
	// Timeout bounds connection establishment. Exceeding it fails the dial
	// with faults.ErrConnectionTimeout.
	Timeout time.Duration

	// TLSConfig overrides the transport's TLS settings (QUIC, wss URLs).
	TLSConfig *tls.Config

	// Path is the HTTP path for WebSocket dials given a bare host:port.
	Path string

	// Logger for transport diagnostics.
	Logger *slog.Logger
}

// ListenOptions contains options for creating a listener.
type ListenOptions struct {
	// TLSConfig for the listener. WebSocket listeners accept plaintext when
	// nil (the session layer provides confidentiality); QUIC listeners
	// generate a self-signed certificate when nil.
	TLSConfig *tls.Config

	// Path is the HTTP path for WebSocket upgrades.
	Path string

	// MaxConnections caps concurrent transport connections (0 = unlimited).
	MaxConnections int

	// AcceptRate limits accepted connections per second (0 = unlimited).
	AcceptRate float64

	// AcceptBurst is the burst size for AcceptRate.
	AcceptBurst int

	// Logger for transport diagnostics.
	Logger *slog.Logger
}

// New returns the transport implementation for typ.
func New(typ Type) (Transport, error) {
	switch typ {
	case TypeWebSocket:
		return NewWebSocketTransport(), nil
	case TypeQUIC:
		return NewQUICTransport(), nil
	default:
		return nil, &UnknownTypeError{Type: typ}
	}
}

// UnknownTypeError reports an unrecognized transport type.
type UnknownTypeError struct {
	Type Type
}

func (e *UnknownTypeError) Error() string {
	return "unknown transport type: " + string(e.Type)
}
