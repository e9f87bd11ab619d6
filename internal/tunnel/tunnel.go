// Package tunnel drives TCP port-forwarding tunnels over an established
// session: request, authorize, bind an endpoint, relay, tear down.
package tunnel

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
)

// State is a tunnel's lifecycle position. Transitions move strictly forward;
// StateClosed is terminal and reachable directly from StateRequested on
// denial or bind failure.
type State int32

const (
	// StateRequested: a forward request has arrived or been initiated but
	// not yet evaluated.
	StateRequested State = iota
	// StateAuthorized: the authorization policy approved the request.
	StateAuthorized
	// StateBound: the local or remote TCP endpoint has been established.
	StateBound
	// StateStreaming: at least one byte has flowed in either direction.
	StateStreaming
	// StateClosed: terminal. No transitions leave it.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateAuthorized:
		return "authorized"
	case StateBound:
		return "bound"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Forward describes one forwarding relationship.
type Forward struct {
	LocalHost  string
	LocalPort  int
	RemoteHost string
	RemotePort int
}

// LocalAddr returns the local host:port of the forward.
func (f Forward) LocalAddr() string {
	return net.JoinHostPort(f.LocalHost, strconv.Itoa(f.LocalPort))
}

// RemoteAddr returns the remote host:port of the forward.
func (f Forward) RemoteAddr() string {
	return net.JoinHostPort(f.RemoteHost, strconv.Itoa(f.RemotePort))
}

// Tunnel is one forwarding relationship and its lifecycle state.
type Tunnel struct {
	id         uint64
	localAddr  string
	remoteAddr string

	state atomic.Int32

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closeErr error
	closed   bool

	bytesOut atomic.Int64
	bytesIn  atomic.Int64
}

func newTunnel(id uint64, localAddr, remoteAddr string) *Tunnel {
	t := &Tunnel{
		id:         id,
		localAddr:  localAddr,
		remoteAddr: remoteAddr,
		conns:      make(map[net.Conn]struct{}),
	}
	t.state.Store(int32(StateRequested))
	return t
}

// ID returns the tunnel identifier.
func (t *Tunnel) ID() uint64 { return t.id }

// LocalAddr returns the tunnel's local endpoint address.
func (t *Tunnel) LocalAddr() string { return t.localAddr }

// RemoteAddr returns the tunnel's remote endpoint address.
func (t *Tunnel) RemoteAddr() string { return t.remoteAddr }

// State returns the current lifecycle state.
func (t *Tunnel) State() State {
	return State(t.state.Load())
}

// BytesSent returns the bytes relayed toward the remote endpoint.
func (t *Tunnel) BytesSent() int64 { return t.bytesOut.Load() }

// BytesReceived returns the bytes relayed toward the local endpoint.
func (t *Tunnel) BytesReceived() int64 { return t.bytesIn.Load() }

// advance moves the tunnel forward to next. It returns false when the tunnel
// is already closed or the transition would move backward.
func (t *Tunnel) advance(next State) bool {
	for {
		cur := t.state.Load()
		if State(cur) == StateClosed || int32(next) <= cur {
			return false
		}
		if t.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// markStreaming records the first relayed byte.
func (t *Tunnel) markStreaming() {
	t.advance(StateStreaming)
}

// Err returns the error that closed the tunnel, if any.
func (t *Tunnel) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeErr
}

// Close tears the tunnel down: listener and active connections are closed
// and the state becomes StateClosed. Safe to call from any state and
// idempotent; the first recorded cause wins.
func (t *Tunnel) Close(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.closeErr = cause
	ln := t.listener
	conns := make([]net.Conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	t.advance(StateClosed)

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
}

func (t *Tunnel) setListener(ln net.Listener) {
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()
}

// BoundAddr returns the bound listener address, or the requested local
// address before binding. Forwards requested on port 0 get their real port
// only after the bind.
func (t *Tunnel) BoundAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.localAddr
}

func (t *Tunnel) trackConn(c net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *Tunnel) untrackConn(c net.Conn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}
