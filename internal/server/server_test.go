package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/postalsys/wirepost/internal/authz"
	"github.com/postalsys/wirepost/internal/client"
	"github.com/postalsys/wirepost/internal/config"
	"github.com/postalsys/wirepost/internal/faults"
	"github.com/postalsys/wirepost/internal/keys"
	"github.com/postalsys/wirepost/internal/tunnel"
)

func startEcho(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen failed: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(c)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln
}

func startServer(t *testing.T, opts ...Option) (*Server, ssh.Signer) {
	t.Helper()
	hostKey, err := keys.Generate()
	if err != nil {
		t.Fatalf("host key generation failed: %v", err)
	}

	cfg := config.Default()
	cfg.Server.Address = "127.0.0.1:0"

	srv := New(cfg, hostKey, opts...)
	if err := srv.Start(); err != nil {
		t.Fatalf("server start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv, hostKey
}

func connectClient(t *testing.T, srv *Server, forwards []config.ForwardSpec) *client.Client {
	t.Helper()
	cfg := config.Default()
	cfg.Client.ServerURL = fmt.Sprintf("ws://%s/", srv.Addr())
	cfg.Client.Username = "alice"
	cfg.Forwards = forwards

	cl := client.New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := cl.Connect(ctx); err != nil {
		t.Fatalf("client connect failed: %v", err)
	}
	t.Cleanup(cl.Close)
	return cl
}

func TestForwardEndToEnd(t *testing.T) {
	echo := startEcho(t)
	echoPort := echo.Addr().(*net.TCPAddr).Port

	srv, _ := startServer(t)
	cl := connectClient(t, srv, []config.ForwardSpec{{
		LocalHost:  "127.0.0.1",
		LocalPort:  0,
		RemoteHost: "127.0.0.1",
		RemotePort: echoPort,
	}})

	tunnels := cl.Tunnels()
	if len(tunnels) != 1 {
		t.Fatalf("expected 1 tunnel, got %d", len(tunnels))
	}

	conn, err := net.Dial("tcp", tunnels[0].BoundAddr())
	if err != nil {
		t.Fatalf("dial forward endpoint failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("PING")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf) != "PING" {
		t.Errorf("expected echoed PING, got %q", buf)
	}

	if tunnels[0].State() != tunnel.StateStreaming {
		t.Errorf("expected streaming tunnel, got %s", tunnels[0].State())
	}
	if srv.Registry().Len() != 1 {
		t.Errorf("expected 1 registered session, got %d", srv.Registry().Len())
	}
}

func TestForwardDeniedByPolicy(t *testing.T) {
	echo := startEcho(t)
	echoPort := echo.Addr().(*net.TCPAddr).Port

	srv, _ := startServer(t, WithPolicy(authz.DenyAllPolicy{}))
	cl := connectClient(t, srv, []config.ForwardSpec{{
		LocalHost:  "127.0.0.1",
		LocalPort:  0,
		RemoteHost: "127.0.0.1",
		RemotePort: echoPort,
	}})

	// The local endpoint binds eagerly; denial surfaces when a connection
	// actually tries to cross the session.
	tunnels := cl.Tunnels()
	if len(tunnels) != 1 {
		t.Fatalf("expected 1 tunnel, got %d", len(tunnels))
	}

	conn, err := net.Dial("tcp", tunnels[0].BoundAddr())
	if err != nil {
		t.Fatalf("dial forward endpoint failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected the denied connection to be closed")
	}

	deadline := time.Now().Add(5 * time.Second)
	for tunnels[0].State() != tunnel.StateClosed {
		if time.Now().After(deadline) {
			t.Fatal("denied tunnel never closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !errors.Is(tunnels[0].Err(), faults.ErrTunnelDenied) {
		t.Errorf("expected ErrTunnelDenied close cause, got %v", tunnels[0].Err())
	}
}

func TestUnsupportedChannelTypeRejected(t *testing.T) {
	srv, _ := startServer(t)
	cl := connectClient(t, srv, nil)

	_, _, err := cl.Session().Conn().OpenChannel("bogus-type", nil)
	var oce *ssh.OpenChannelError
	if !errors.As(err, &oce) {
		t.Fatalf("expected OpenChannelError, got %v", err)
	}
	if oce.Reason != ssh.UnknownChannelType {
		t.Errorf("expected UnknownChannelType, got %v", oce.Reason)
	}
}

func TestHostKeyPinning(t *testing.T) {
	srv, hostKey := startServer(t)

	writeKey := func(signer ssh.Signer) string {
		path := filepath.Join(t.TempDir(), "server_key.pub")
		if err := os.WriteFile(path, ssh.MarshalAuthorizedKey(signer.PublicKey()), 0o644); err != nil {
			t.Fatalf("write key failed: %v", err)
		}
		return path
	}

	cfg := config.Default()
	cfg.Client.ServerURL = fmt.Sprintf("ws://%s/", srv.Addr())
	cfg.Client.Username = "alice"
	cfg.Client.ServerKeyFile = writeKey(hostKey)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cl := client.New(cfg)
	if err := cl.Connect(ctx); err != nil {
		t.Fatalf("connect with pinned key failed: %v", err)
	}
	cl.Close()

	wrong, err := keys.Generate()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	cfg.Client.ServerKeyFile = writeKey(wrong)

	if err := client.New(cfg).Connect(ctx); err == nil {
		t.Error("expected handshake failure with a mismatched pinned key")
	}
}

func TestServerShutdownClosesSessions(t *testing.T) {
	srv, _ := startServer(t)
	cl := connectClient(t, srv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	select {
	case <-cl.Session().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client session did not end after server shutdown")
	}
	if srv.Registry().Len() != 0 {
		t.Errorf("expected empty registry after shutdown, got %d", srv.Registry().Len())
	}
}
