package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/wirepost/internal/authz"
	"github.com/postalsys/wirepost/internal/faults"
	"github.com/postalsys/wirepost/internal/logging"
	"github.com/postalsys/wirepost/internal/metrics"
	"github.com/postalsys/wirepost/internal/recovery"
)

// RemoteDialer opens a forwarding channel to a remote endpoint through the
// owning session. The client session implements this.
type RemoteDialer interface {
	DialRemote(host string, port int) (net.Conn, error)
}

// Manager drives the tunnels of one session end-to-end. A failure on one
// tunnel closes only that tunnel; the others keep running.
type Manager struct {
	policy    authz.Policy
	logger    *slog.Logger
	metrics   *metrics.Metrics
	localDial func(ctx context.Context, network, addr string) (net.Conn, error)

	mu      sync.Mutex
	tunnels map[uint64]*Tunnel
	nextID  atomic.Uint64
	closed  bool

	wg sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics attaches a metrics instance.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// WithLocalDialer overrides how local TCP targets are dialed (server role).
func WithLocalDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(m *Manager) { m.localDial = dial }
}

// NewManager creates a tunnel manager gated by policy.
func NewManager(policy authz.Policy, opts ...Option) *Manager {
	var dialer net.Dialer
	m := &Manager{
		policy:    policy,
		logger:    logging.NopLogger(),
		localDial: dialer.DialContext,
		tunnels:   make(map[uint64]*Tunnel),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RequestForward initiates an outbound (client role) forward: authorize,
// bind the local TCP listener, then bridge each accepted connection to the
// remote endpoint through dialer. Returns once the local endpoint is bound.
//
// Denial by policy returns faults.ErrTunnelDenied without binding a socket;
// a bind failure returns *faults.TunnelBindError. Both leave the tunnel
// closed.
func (m *Manager) RequestForward(ctx context.Context, dialer RemoteDialer, principal string, fwd Forward) (*Tunnel, error) {
	t, err := m.newTunnel(fwd.LocalAddr(), fwd.RemoteAddr())
	if err != nil {
		return nil, err
	}

	req := authz.ForwardRequest{
		Host:      fwd.RemoteHost,
		Port:      fwd.RemotePort,
		Principal: principal,
	}
	if !m.policy.Authorize(req) {
		m.closeTunnel(t, faults.ErrTunnelDenied)
		if m.metrics != nil {
			m.metrics.TunnelsDenied.Inc()
		}
		return nil, fmt.Errorf("%w: forward to %s", faults.ErrTunnelDenied, fwd.RemoteAddr())
	}
	t.advance(StateAuthorized)

	ln, err := net.Listen("tcp", fwd.LocalAddr())
	if err != nil {
		bindErr := &faults.TunnelBindError{Addr: fwd.LocalAddr(), Err: err}
		m.closeTunnel(t, bindErr)
		return nil, bindErr
	}
	t.setListener(ln)
	t.advance(StateBound)

	m.logger.Info("forward bound",
		logging.KeyTunnelID, t.ID(),
		logging.KeyLocalAddr, ln.Addr().String(),
		logging.KeyRemoteAddr, fwd.RemoteAddr())

	m.wg.Add(1)
	go m.acceptLoop(t, ln, dialer, fwd)

	return t, nil
}

// acceptLoop bridges each accepted local connection to the remote endpoint.
func (m *Manager) acceptLoop(t *Tunnel, ln net.Listener, dialer RemoteDialer, fwd Forward) {
	defer m.wg.Done()
	defer recovery.RecoverWithLog(m.logger, "tunnel.Manager.acceptLoop")

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed with the tunnel.
			if t.State() != StateClosed {
				m.closeTunnel(t, &faults.TransportError{Err: err})
			}
			return
		}

		m.wg.Add(1)
		go func(local net.Conn) {
			defer m.wg.Done()
			defer recovery.RecoverWithLog(m.logger, "tunnel.Manager.bridgeConn")

			remote, err := dialer.DialRemote(fwd.RemoteHost, fwd.RemotePort)
			if err != nil {
				local.Close()
				m.logger.Warn("remote endpoint unavailable",
					logging.KeyTunnelID, t.ID(),
					logging.KeyRemoteAddr, fwd.RemoteAddr(),
					logging.KeyError, err)
				m.closeTunnel(t, err)
				return
			}
			m.relayConns(t, local, remote)
		}(conn)
	}
}

// HandleIncoming evaluates an inbound (server role) forward request. On
// approval it dials the requested local TCP target and returns it Bound,
// ready for Relay; the caller accepts the session channel. On denial the
// tunnel goes Requested → Closed directly and no socket is ever bound.
func (m *Manager) HandleIncoming(ctx context.Context, req authz.ForwardRequest) (*Tunnel, net.Conn, error) {
	target := net.JoinHostPort(req.Host, fmt.Sprintf("%d", req.Port))
	t, err := m.newTunnel(target, "")
	if err != nil {
		return nil, nil, err
	}

	if !m.policy.Authorize(req) {
		m.closeTunnel(t, faults.ErrTunnelDenied)
		if m.metrics != nil {
			m.metrics.TunnelsDenied.Inc()
		}
		m.logger.Info("forward request denied",
			logging.KeyTunnelID, t.ID(),
			logging.KeyAddress, target,
			logging.KeyPrincipal, req.Principal)
		return t, nil, fmt.Errorf("%w: forward to %s", faults.ErrTunnelDenied, target)
	}
	t.advance(StateAuthorized)

	conn, err := m.localDial(ctx, "tcp", target)
	if err != nil {
		bindErr := &faults.TunnelBindError{Addr: target, Err: err}
		m.closeTunnel(t, bindErr)
		return t, nil, bindErr
	}
	t.advance(StateBound)

	m.logger.Debug("forward target bound",
		logging.KeyTunnelID, t.ID(),
		logging.KeyAddress, target,
		logging.KeyPrincipal, req.Principal)

	return t, conn, nil
}

// Relay bridges channel and target until either side closes, then tears the
// tunnel down. It blocks; server callers run it on the channel's goroutine.
func (m *Manager) Relay(t *Tunnel, channel, target net.Conn) {
	m.relayConns(t, channel, target)
}

// halfCloser is implemented by connections that support half-close.
type halfCloser interface {
	CloseWrite() error
}

// relayConns copies data bidirectionally between a and b, flipping the
// tunnel to Streaming on the first byte and closing it when both directions
// drain.
func (m *Manager) relayConns(t *Tunnel, a, b net.Conn) {
	if !t.trackConn(a) || !t.trackConn(b) {
		a.Close()
		b.Close()
		return
	}
	defer func() {
		t.untrackConn(a)
		t.untrackConn(b)
		a.Close()
		b.Close()
	}()

	start := time.Now()

	var wg sync.WaitGroup
	wg.Add(2)

	// a -> b
	go func() {
		defer wg.Done()
		defer recovery.RecoverWithLog(m.logger, "tunnel.Manager.relayOut")
		n, _ := copyCounted(b, a, t)
		t.bytesOut.Add(n)
		if hc, ok := b.(halfCloser); ok {
			hc.CloseWrite()
		}
	}()

	// b -> a
	go func() {
		defer wg.Done()
		defer recovery.RecoverWithLog(m.logger, "tunnel.Manager.relayIn")
		n, _ := copyCounted(a, b, t)
		t.bytesIn.Add(n)
		if hc, ok := a.(halfCloser); ok {
			hc.CloseWrite()
		}
	}()

	wg.Wait()

	if m.metrics != nil {
		m.metrics.BytesRelayed.WithLabelValues("out").Add(float64(t.BytesSent()))
		m.metrics.BytesRelayed.WithLabelValues("in").Add(float64(t.BytesReceived()))
	}

	m.closeTunnel(t, nil)

	m.logger.Info("tunnel closed",
		logging.KeyTunnelID, t.ID(),
		"sent", humanize.Bytes(uint64(t.BytesSent())),
		"received", humanize.Bytes(uint64(t.BytesReceived())),
		logging.KeyDuration, time.Since(start).Round(time.Millisecond))
}

// copyCounted copies src to dst, marking the tunnel Streaming on the first
// byte.
func copyCounted(dst net.Conn, src net.Conn, t *Tunnel) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			t.markStreaming()
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// Tunnels returns the live tunnels.
func (m *Manager) Tunnels() []*Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		out = append(out, t)
	}
	return out
}

// Close tears down every tunnel and waits for relays to finish. Forward
// requests arriving after Close fail with faults.ErrObjectDisposed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.wg.Wait()
		return
	}
	m.closed = true
	victims := make([]*Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		victims = append(victims, t)
	}
	m.mu.Unlock()

	for _, t := range victims {
		m.closeTunnel(t, nil)
	}
	m.wg.Wait()
}

func (m *Manager) newTunnel(localAddr, remoteAddr string) (*Tunnel, error) {
	t := newTunnel(m.nextID.Add(1), localAddr, remoteAddr)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, faults.ErrObjectDisposed
	}
	m.tunnels[t.id] = t
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.TunnelsTotal.Inc()
		m.metrics.TunnelsActive.Inc()
	}
	return t, nil
}

func (m *Manager) closeTunnel(t *Tunnel, cause error) {
	m.mu.Lock()
	_, live := m.tunnels[t.id]
	delete(m.tunnels, t.id)
	m.mu.Unlock()

	t.Close(cause)

	if live && m.metrics != nil {
		m.metrics.TunnelsActive.Dec()
		if cause != nil && !errors.Is(cause, faults.ErrTunnelDenied) {
			m.metrics.TunnelFailures.WithLabelValues(failureKind(cause)).Inc()
		}
	}
}

func failureKind(err error) string {
	var bindErr *faults.TunnelBindError
	switch {
	case errors.As(err, &bindErr):
		return "bind"
	default:
		return "io"
	}
}
