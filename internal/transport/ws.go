package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/postalsys/wirepost/internal/faults"
	"github.com/postalsys/wirepost/internal/logging"
	"github.com/postalsys/wirepost/internal/recovery"
	"github.com/postalsys/wirepost/internal/stream"
)

// WebSocket transport constants
const (
	wsDefaultPath      = "/"
	wsDefaultReadLimit = 16 * 1024 * 1024 // 16 MB max message size
	wsMaxCloseReason   = 123              // close frame payload limit minus the status code
)

// WebSocketTransport implements Transport over WebSocket. A WebSocket carries
// discrete binary messages, not bytes, so every connection is wrapped in a
// stream.Adapter before it reaches the session layer.
type WebSocketTransport struct {
	mu        sync.Mutex
	listeners []*WebSocketListener
	closed    bool
}

// NewWebSocketTransport creates a new WebSocket transport.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{}
}

// Type returns the transport type.
func (t *WebSocketTransport) Type() Type {
	return TypeWebSocket
}

// Dial connects to a remote endpoint using WebSocket and negotiates the
// session subprotocol.
func (t *WebSocketTransport) Dial(ctx context.Context, addr string, opts DialOptions) (net.Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	wsURL := parseWebSocketURL(addr, opts.Path)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	dialOpts := &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	}
	if opts.TLSConfig != nil {
		dialOpts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: opts.TLSConfig},
		}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, dialOpts)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s did not reach open state within %s",
				faults.ErrConnectionTimeout, wsURL, opts.Timeout)
		}
		return nil, fmt.Errorf("WebSocket dial failed: %w", err)
	}

	if proto := conn.Subprotocol(); proto != Subprotocol {
		conn.Close(websocket.StatusPolicyViolation, "subprotocol not negotiated")
		return nil, fmt.Errorf("server did not negotiate subprotocol %q (got %q)", Subprotocol, proto)
	}

	conn.SetReadLimit(wsDefaultReadLimit)

	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	mc := newWSMessageConn(conn, wsAddr(wsURL))
	return stream.NewAdapter(mc, stream.WithLogger(logger)), nil
}

// Listen creates a WebSocket listener. Plaintext is accepted when no TLS
// config is given; the session layer supplies its own confidentiality.
func (t *WebSocketTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}

	path := opts.Path
	if path == "" {
		path = wsDefaultPath
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	listener := &WebSocketListener{
		addr:    addr,
		path:    path,
		opts:    opts,
		logger:  logger,
		connCh:  make(chan net.Conn, 16),
		closeCh: make(chan struct{}),
	}
	if opts.AcceptRate > 0 {
		burst := opts.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		listener.limiter = rate.NewLimiter(rate.Limit(opts.AcceptRate), burst)
	}

	if err := listener.start(); err != nil {
		return nil, err
	}

	t.listeners = append(t.listeners, listener)
	return listener, nil
}

// Close shuts down the transport and all listeners.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var lastErr error
	for _, l := range t.listeners {
		if err := l.Close(); err != nil {
			lastErr = err
		}
	}
	t.listeners = nil

	return lastErr
}

// WebSocketListener implements Listener for WebSocket.
type WebSocketListener struct {
	addr    string
	path    string
	opts    ListenOptions
	logger  *slog.Logger
	server  *http.Server
	netLn   net.Listener
	limiter *rate.Limiter
	connCh  chan net.Conn
	closeCh chan struct{}
	closed  atomic.Bool
}

// start initializes the HTTP server.
func (l *WebSocketListener) start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleWebSocket)

	l.server = &http.Server{
		Addr:      l.addr,
		Handler:   mux,
		TLSConfig: l.opts.TLSConfig,
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}
	if l.opts.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, l.opts.MaxConnections)
	}
	l.netLn = ln

	go func() {
		defer recovery.RecoverWithLog(l.logger, "transport.WebSocketListener.serve")
		if l.opts.TLSConfig != nil {
			l.server.ServeTLS(ln, "", "")
		} else {
			l.server.Serve(ln)
		}
	}()

	return nil
}

// handleWebSocket handles incoming WebSocket upgrade requests.
func (l *WebSocketListener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	if l.limiter != nil && !l.limiter.Allow() {
		http.Error(w, "accept rate exceeded", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return
	}

	if conn.Subprotocol() != Subprotocol {
		conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return
	}

	conn.SetReadLimit(wsDefaultReadLimit)

	mc := newWSMessageConn(conn, wsAddr(r.RemoteAddr))
	adapted := stream.NewAdapter(mc, stream.WithLogger(l.logger))

	select {
	case l.connCh <- adapted:
	case <-l.closeCh:
		conn.Close(websocket.StatusGoingAway, "server closed")
	}
}

// Accept waits for and returns the next WebSocket connection.
func (l *WebSocketListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, fmt.Errorf("listener closed")
	}
}

// Addr returns the listener's address.
func (l *WebSocketListener) Addr() net.Addr {
	if l.netLn != nil {
		return l.netLn.Addr()
	}
	return nil
}

// Close stops the listener.
func (l *WebSocketListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}

	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if l.server != nil {
		return l.server.Shutdown(ctx)
	}
	return nil
}

// wsMessageConn exposes a websocket.Conn through the stream.MessageConn
// contract, mapping close statuses onto the adapter's error taxonomy.
type wsMessageConn struct {
	conn       *websocket.Conn
	remoteAddr net.Addr
}

func newWSMessageConn(conn *websocket.Conn, remote net.Addr) *wsMessageConn {
	return &wsMessageConn{conn: conn, remoteAddr: remote}
}

func (c *wsMessageConn) Receive(ctx context.Context) (stream.Kind, []byte, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return 0, nil, mapWSReadError(err)
	}
	if typ == websocket.MessageBinary {
		return stream.KindBinary, data, nil
	}
	return stream.KindText, data, nil
}

func (c *wsMessageConn) Send(ctx context.Context, p []byte) error {
	return c.conn.Write(ctx, websocket.MessageBinary, p)
}

func (c *wsMessageConn) Close(code int, reason string) error {
	if len(reason) > wsMaxCloseReason {
		reason = reason[:wsMaxCloseReason]
	}
	status := websocket.StatusNormalClosure
	if code != 0 {
		status = websocket.StatusCode(code)
	}
	return c.conn.Close(status, reason)
}

func (c *wsMessageConn) LocalAddr() net.Addr { return wsAddr("") }

func (c *wsMessageConn) RemoteAddr() net.Addr { return c.remoteAddr }

// mapWSReadError classifies a WebSocket read failure. A normal close frame
// (or a bare EOF with no close frame) is a clean end of stream; any other
// close status keeps its numeric code; everything else passes through.
func mapWSReadError(err error) error {
	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure:
		return io.EOF
	case status != -1:
		return &faults.CloseError{Code: int(status), Reason: err.Error()}
	case errors.Is(err, io.EOF):
		return io.EOF
	default:
		return err
	}
}

// wsAddr is a net.Addr for a WebSocket endpoint.
type wsAddr string

func (a wsAddr) Network() string { return "websocket" }
func (a wsAddr) String() string  { return string(a) }

// parseWebSocketURL turns an address into a WebSocket URL. Bare host:port
// addresses become plaintext ws:// URLs with the given path.
func parseWebSocketURL(addr, path string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	if path == "" {
		path = wsDefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("ws://%s%s", addr, path)
}
