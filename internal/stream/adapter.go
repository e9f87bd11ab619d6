package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/wirepost/internal/faults"
	"github.com/postalsys/wirepost/internal/logging"
)

// DefaultAbnormalCode is sent when a close cause carries no structured code.
// 1011 is the WebSocket "internal error" status.
const DefaultAbnormalCode = 1011

// Adapter wraps exactly one MessageConn as a net.Conn. Messages are delivered
// to readers in receipt order with their byte content intact; the adapter
// never coalesces or re-fragments messages beyond what the caller's buffer
// requires. Only binary messages carry data; any other message kind is
// dropped.
//
// The adapter is single-writer: concurrent uncoordinated writers must be
// serialized by the caller, which the session layer already guarantees.
type Adapter struct {
	conn   MessageConn
	logger *slog.Logger

	disposed atomic.Bool

	// readMu serializes readers; buf holds the unread remainder of the last
	// received message.
	readMu sync.Mutex
	buf    []byte

	// termMu guards the terminal error observed by readers after closure.
	termMu  sync.Mutex
	termErr error

	deadlineMu    sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time

	onClosed func(err error)
}

var _ net.Conn = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// WithCloseHandler registers a notification fired exactly once when the
// adapter closes. It runs before the terminal error becomes observable to
// readers, carrying the close cause (nil for graceful closure).
func WithCloseHandler(fn func(err error)) Option {
	return func(a *Adapter) { a.onClosed = fn }
}

// NewAdapter wraps conn. The adapter does not own the transport connection;
// it closes it on Close/Dispose but never dials or re-establishes it.
func NewAdapter(conn MessageConn, opts ...Option) *Adapter {
	a := &Adapter{
		conn:   conn,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Read delivers received binary messages in order. A graceful peer close
// yields io.EOF; an abnormal close yields the *faults.CloseError carrying the
// observed code; transport failures are wrapped in *faults.TransportError
// preserving the original error identity.
func (a *Adapter) Read(p []byte) (int, error) {
	a.readMu.Lock()
	defer a.readMu.Unlock()

	if a.disposed.Load() {
		return 0, a.terminalError()
	}

	if len(a.buf) > 0 {
		n := copy(p, a.buf)
		a.buf = a.buf[n:]
		return n, nil
	}

	ctx, cancel := a.readContext()
	defer cancel()

	for {
		kind, data, err := a.conn.Receive(ctx)
		if err != nil {
			// A receive failure caused by our own closure reports the close
			// cause rather than the transport-level symptom.
			if a.disposed.Load() && !errors.Is(err, context.DeadlineExceeded) {
				return 0, a.terminalError()
			}
			return 0, a.mapReceiveError(err)
		}

		// Inbound data racing a dispose is inert: dropped, not delivered.
		if a.disposed.Load() {
			a.logger.Debug("dropping message received after disposal", "bytes", len(data))
			return 0, a.terminalError()
		}

		if kind != KindBinary {
			a.logger.Debug("ignoring non-binary message", "kind", int(kind))
			continue
		}
		if len(data) == 0 {
			continue
		}

		n := copy(p, data)
		if n < len(data) {
			a.buf = data[n:]
		}
		return n, nil
	}
}

// Write sends p as a single binary message. It fails with
// faults.ErrObjectDisposed after disposal and faults.ErrInvalidArgument for
// an empty buffer, and returns once the message is enqueued on the transport.
func (a *Adapter) Write(p []byte) (int, error) {
	if a.disposed.Load() {
		return 0, faults.ErrObjectDisposed
	}
	if len(p) == 0 {
		return 0, faults.ErrInvalidArgument
	}

	ctx, cancel := a.writeContext()
	defer cancel()

	if err := a.conn.Send(ctx, p); err != nil {
		return 0, &faults.TransportError{Err: err}
	}
	return len(p), nil
}

// Close performs a graceful shutdown. Equivalent to CloseWithCause(nil).
func (a *Adapter) Close() error {
	return a.CloseWithCause(nil)
}

// CloseWithCause closes the transport. A nil cause requests a graceful close;
// otherwise the close is abnormal, carrying the cause's structured code (or
// DefaultAbnormalCode) and its message as the reason.
//
// Ordering: the adapter is marked disposed, the closed notification fires
// with the cause, then the terminal error (the cause, or a generic stream
// closed error) becomes observable to readers.
func (a *Adapter) CloseWithCause(cause error) error {
	if a.disposed.Swap(true) {
		return faults.ErrObjectDisposed
	}

	code := 0
	reason := ""
	if cause != nil {
		code = DefaultAbnormalCode
		var ce *faults.CloseError
		if errors.As(cause, &ce) && ce.Code != 0 {
			code = ce.Code
		}
		reason = cause.Error()
	}

	// The terminal error is recorded before the transport closes so a reader
	// unblocked by the closure observes the cause, not a transport failure.
	if a.onClosed != nil {
		a.onClosed(cause)
	}
	term := cause
	if term == nil {
		term = errors.New("stream closed")
	}
	a.setTerminalError(term)

	return a.conn.Close(code, reason)
}

// Dispose is idempotent and never fails. If the adapter is not already
// disposed it closes the transport with no reason.
func (a *Adapter) Dispose() {
	if a.disposed.Swap(true) {
		return
	}

	if a.onClosed != nil {
		a.onClosed(nil)
	}
	a.setTerminalError(faults.ErrObjectDisposed)

	if err := a.conn.Close(0, ""); err != nil {
		a.logger.Debug("transport close during dispose", logging.KeyError, err)
	}
}

// Disposed reports whether the adapter has been disposed.
func (a *Adapter) Disposed() bool {
	return a.disposed.Load()
}

// LocalAddr returns the transport's local address.
func (a *Adapter) LocalAddr() net.Addr { return a.conn.LocalAddr() }

// RemoteAddr returns the transport's remote address.
func (a *Adapter) RemoteAddr() net.Addr { return a.conn.RemoteAddr() }

// SetDeadline implements net.Conn.
func (a *Adapter) SetDeadline(t time.Time) error {
	a.deadlineMu.Lock()
	a.readDeadline = t
	a.writeDeadline = t
	a.deadlineMu.Unlock()
	return nil
}

// SetReadDeadline implements net.Conn.
func (a *Adapter) SetReadDeadline(t time.Time) error {
	a.deadlineMu.Lock()
	a.readDeadline = t
	a.deadlineMu.Unlock()
	return nil
}

// SetWriteDeadline implements net.Conn.
func (a *Adapter) SetWriteDeadline(t time.Time) error {
	a.deadlineMu.Lock()
	a.writeDeadline = t
	a.deadlineMu.Unlock()
	return nil
}

func (a *Adapter) readContext() (context.Context, context.CancelFunc) {
	a.deadlineMu.Lock()
	d := a.readDeadline
	a.deadlineMu.Unlock()
	if d.IsZero() {
		return context.Background(), func() {}
	}
	return context.WithDeadline(context.Background(), d)
}

func (a *Adapter) writeContext() (context.Context, context.CancelFunc) {
	a.deadlineMu.Lock()
	d := a.writeDeadline
	a.deadlineMu.Unlock()
	if d.IsZero() {
		return context.Background(), func() {}
	}
	return context.WithDeadline(context.Background(), d)
}

// mapReceiveError classifies a receive failure: graceful close passes through
// as io.EOF, an abnormal close keeps its structured code, anything else is a
// transport error preserving the original identity.
func (a *Adapter) mapReceiveError(err error) error {
	if errors.Is(err, io.EOF) {
		a.setTerminalError(io.EOF)
		return io.EOF
	}
	var ce *faults.CloseError
	if errors.As(err, &ce) {
		a.setTerminalError(ce)
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	te := &faults.TransportError{Err: err}
	a.setTerminalError(te)
	return te
}

func (a *Adapter) setTerminalError(err error) {
	a.termMu.Lock()
	if a.termErr == nil {
		a.termErr = err
	}
	a.termMu.Unlock()
}

func (a *Adapter) terminalError() error {
	a.termMu.Lock()
	defer a.termMu.Unlock()
	if a.termErr != nil {
		return a.termErr
	}
	return faults.ErrObjectDisposed
}
