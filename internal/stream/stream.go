// Package stream adapts a message-oriented transport connection to the
// ordered byte-stream contract (net.Conn) consumed by the session layer.
package stream

import (
	"context"
	"net"
)

// Kind identifies the framing of a received transport message.
type Kind int

const (
	// KindBinary is a binary message carrying protocol data.
	KindBinary Kind = iota
	// KindText is a text message. The adapter ignores these.
	KindText
)

// MessageConn is a duplex channel of discrete messages. Implementations live
// in internal/transport; the adapter holds a non-owning reference for its
// lifetime.
//
// Receive returns the next message in receipt order. When the peer closes the
// connection gracefully Receive returns io.EOF; an abnormal close returns a
// *faults.CloseError carrying the numeric close code; any other failure is
// returned unmodified.
type MessageConn interface {
	Receive(ctx context.Context) (Kind, []byte, error)

	// Send enqueues one binary message. It returns once the message is
	// handed to the transport, not once it is delivered.
	Send(ctx context.Context, p []byte) error

	// Close closes the transport. Code 0 requests a graceful close; any
	// other value is sent as an abnormal close code with the given reason.
	Close(code int, reason string) error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}
