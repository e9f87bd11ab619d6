package server

import (
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/postalsys/wirepost/internal/session"
)

// channelConn presents a session channel as a net.Conn so the tunnel relay
// can treat both sides uniformly. Deadlines are not supported by the channel
// layer and are accepted as no-ops.
type channelConn struct {
	ch         ssh.Channel
	localAddr  net.Addr
	remoteAddr net.Addr
}

func newChannelConn(ch ssh.Channel, sess *session.ServerSession) *channelConn {
	return &channelConn{
		ch:         ch,
		localAddr:  sess.Conn().LocalAddr(),
		remoteAddr: sess.Conn().RemoteAddr(),
	}
}

func (c *channelConn) Read(p []byte) (int, error)  { return c.ch.Read(p) }
func (c *channelConn) Write(p []byte) (int, error) { return c.ch.Write(p) }
func (c *channelConn) Close() error                { return c.ch.Close() }

// CloseWrite half-closes the channel so the peer sees EOF while its own data
// can still drain.
func (c *channelConn) CloseWrite() error { return c.ch.CloseWrite() }

func (c *channelConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *channelConn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *channelConn) SetDeadline(time.Time) error      { return nil }
func (c *channelConn) SetReadDeadline(time.Time) error  { return nil }
func (c *channelConn) SetWriteDeadline(time.Time) error { return nil }
