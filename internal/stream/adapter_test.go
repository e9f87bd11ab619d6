package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/wirepost/internal/faults"
)

// message is one inbound frame queued on a mockMessageConn.
type message struct {
	kind Kind
	data []byte
	err  error
}

// mockMessageConn is a scriptable MessageConn for testing.
type mockMessageConn struct {
	mu       sync.Mutex
	inbound  chan message
	sent     [][]byte
	sendErr  error
	closes   []closeCall
	closeErr error

	// recvErrOnClose, when set, makes a blocked Receive fail with this error
	// once Close runs, like a real transport read interrupted by closure.
	recvErrOnClose error
	closedCh       chan struct{}
	closeOnce      sync.Once
}

type closeCall struct {
	code   int
	reason string
}

func newMockMessageConn() *mockMessageConn {
	return &mockMessageConn{
		inbound:  make(chan message, 64),
		closedCh: make(chan struct{}),
	}
}

func (m *mockMessageConn) Receive(ctx context.Context) (Kind, []byte, error) {
	if m.recvErrOnClose != nil {
		select {
		case msg := <-m.inbound:
			return msg.kind, msg.data, msg.err
		case <-m.closedCh:
			return 0, nil, m.recvErrOnClose
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}
	}
	select {
	case msg := <-m.inbound:
		return msg.kind, msg.data, msg.err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (m *mockMessageConn) Send(ctx context.Context, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	m.sent = append(m.sent, buf)
	return nil
}

func (m *mockMessageConn) Close(code int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes = append(m.closes, closeCall{code, reason})
	m.closeOnce.Do(func() { close(m.closedCh) })
	return m.closeErr
}

func (m *mockMessageConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
}

func (m *mockMessageConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2}
}

func (m *mockMessageConn) push(kind Kind, data []byte) {
	m.inbound <- message{kind: kind, data: data}
}

func (m *mockMessageConn) pushErr(err error) {
	m.inbound <- message{err: err}
}

func (m *mockMessageConn) sentMessages() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

func (m *mockMessageConn) closeCalls() []closeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]closeCall(nil), m.closes...)
}

func TestAdapter_ReadPreservesOrderAndContent(t *testing.T) {
	mc := newMockMessageConn()
	a := NewAdapter(mc)

	payloads := [][]byte{
		[]byte("first"),
		[]byte("second message"),
		{0x00, 0x01, 0x02, 0xff},
	}
	for _, p := range payloads {
		mc.push(KindBinary, p)
	}
	mc.pushErr(io.EOF)

	got, err := io.ReadAll(a)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}

	want := bytes.Join(payloads, nil)
	if !bytes.Equal(got, want) {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestAdapter_ReadSmallBufferKeepsRemainder(t *testing.T) {
	mc := newMockMessageConn()
	a := NewAdapter(mc)

	mc.push(KindBinary, []byte("abcdef"))

	buf := make([]byte, 4)
	n, err := a.Read(buf)
	if err != nil || n != 4 {
		t.Fatalf("first read: n=%d err=%v", n, err)
	}
	if string(buf[:n]) != "abcd" {
		t.Errorf("expected 'abcd', got %q", buf[:n])
	}

	n, err = a.Read(buf)
	if err != nil || n != 2 {
		t.Fatalf("second read: n=%d err=%v", n, err)
	}
	if string(buf[:n]) != "ef" {
		t.Errorf("expected 'ef', got %q", buf[:n])
	}
}

func TestAdapter_IgnoresNonBinaryMessages(t *testing.T) {
	mc := newMockMessageConn()
	a := NewAdapter(mc)

	mc.push(KindText, []byte("control chatter"))
	mc.push(KindBinary, []byte("payload"))

	buf := make([]byte, 64)
	n, err := a.Read(buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf[:n]) != "payload" {
		t.Errorf("expected 'payload', got %q", buf[:n])
	}
}

func TestAdapter_GracefulCloseYieldsEOF(t *testing.T) {
	mc := newMockMessageConn()
	a := NewAdapter(mc)

	mc.pushErr(io.EOF)

	buf := make([]byte, 8)
	_, err := a.Read(buf)
	if err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestAdapter_AbnormalCloseCarriesCode(t *testing.T) {
	mc := newMockMessageConn()
	a := NewAdapter(mc)

	mc.pushErr(&faults.CloseError{Code: 4001, Reason: "going away"})

	buf := make([]byte, 8)
	_, err := a.Read(buf)

	var ce *faults.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CloseError, got %v", err)
	}
	if ce.Code != 4001 {
		t.Errorf("expected code 4001, got %d", ce.Code)
	}
}

func TestAdapter_TransportErrorPreservesIdentity(t *testing.T) {
	mc := newMockMessageConn()
	a := NewAdapter(mc)

	cause := fmt.Errorf("connection reset")
	mc.pushErr(cause)

	buf := make([]byte, 8)
	_, err := a.Read(buf)

	var te *faults.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("expected wrapped error to match original identity")
	}
}

func TestAdapter_WriteSendsOneMessage(t *testing.T) {
	mc := newMockMessageConn()
	a := NewAdapter(mc)

	data := []byte("PING")
	n, err := a.Write(data)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if n != len(data) {
		t.Errorf("expected %d bytes written, got %d", len(data), n)
	}

	sent := mc.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if !bytes.Equal(sent[0], data) {
		t.Errorf("expected %q, got %q", data, sent[0])
	}
}

func TestAdapter_WriteEmptyFails(t *testing.T) {
	a := NewAdapter(newMockMessageConn())

	if _, err := a.Write(nil); !errors.Is(err, faults.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for nil, got %v", err)
	}
	if _, err := a.Write([]byte{}); !errors.Is(err, faults.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for empty, got %v", err)
	}
}

func TestAdapter_WriteAfterDisposeFails(t *testing.T) {
	a := NewAdapter(newMockMessageConn())
	a.Dispose()

	if _, err := a.Write([]byte("data")); !errors.Is(err, faults.ErrObjectDisposed) {
		t.Errorf("expected ErrObjectDisposed, got %v", err)
	}
}

func TestAdapter_CloseAfterDisposeFails(t *testing.T) {
	a := NewAdapter(newMockMessageConn())
	a.Dispose()

	if err := a.Close(); !errors.Is(err, faults.ErrObjectDisposed) {
		t.Errorf("expected ErrObjectDisposed, got %v", err)
	}
}

func TestAdapter_DisposeIdempotent(t *testing.T) {
	mc := newMockMessageConn()
	a := NewAdapter(mc)

	a.Dispose()
	a.Dispose()
	a.Dispose()

	if calls := mc.closeCalls(); len(calls) != 1 {
		t.Errorf("expected 1 transport close, got %d", len(calls))
	}
	if !a.Disposed() {
		t.Error("expected adapter to report disposed")
	}
}

func TestAdapter_GracefulCloseUsesNormalStatus(t *testing.T) {
	mc := newMockMessageConn()
	a := NewAdapter(mc)

	if err := a.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	calls := mc.closeCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 close, got %d", len(calls))
	}
	if calls[0].code != 0 || calls[0].reason != "" {
		t.Errorf("expected graceful close, got code=%d reason=%q", calls[0].code, calls[0].reason)
	}
}

func TestAdapter_CloseWithCauseCarriesCode(t *testing.T) {
	mc := newMockMessageConn()
	a := NewAdapter(mc)

	err := a.CloseWithCause(&faults.CloseError{Code: 4002, Reason: "policy"})
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}

	calls := mc.closeCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 close, got %d", len(calls))
	}
	if calls[0].code != 4002 {
		t.Errorf("expected code 4002, got %d", calls[0].code)
	}
}

func TestAdapter_CloseWithCauseDefaultsAbnormalCode(t *testing.T) {
	mc := newMockMessageConn()
	a := NewAdapter(mc)

	if err := a.CloseWithCause(errors.New("boom")); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	calls := mc.closeCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 close, got %d", len(calls))
	}
	if calls[0].code != DefaultAbnormalCode {
		t.Errorf("expected code %d, got %d", DefaultAbnormalCode, calls[0].code)
	}
	if calls[0].reason != "boom" {
		t.Errorf("expected reason 'boom', got %q", calls[0].reason)
	}
}

func TestAdapter_CloseNotificationBeforeTerminalError(t *testing.T) {
	mc := newMockMessageConn()

	var order []string
	var mu sync.Mutex

	a := NewAdapter(mc, WithCloseHandler(func(err error) {
		mu.Lock()
		order = append(order, "closed")
		mu.Unlock()
		if err == nil {
			t.Error("expected close handler to receive the cause")
		}
	}))

	cause := errors.New("abnormal")
	if err := a.CloseWithCause(cause); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// Reads after closure observe the terminal error.
	buf := make([]byte, 1)
	if _, err := a.Read(buf); !errors.Is(err, cause) {
		t.Errorf("expected terminal error %v, got %v", cause, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 1 || order[0] != "closed" {
		t.Errorf("expected single closed notification, got %v", order)
	}
}

func TestAdapter_BlockedReaderObservesCloseCause(t *testing.T) {
	mc := newMockMessageConn()
	mc.recvErrOnClose = errors.New("connection reset")
	a := NewAdapter(mc)

	readErr := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		close(started)
		buf := make([]byte, 8)
		_, err := a.Read(buf)
		readErr <- err
	}()

	// Let the reader park in the transport receive before closing.
	<-started
	time.Sleep(10 * time.Millisecond)

	cause := &faults.CloseError{Code: 4003, Reason: "shutting down"}
	if err := a.CloseWithCause(cause); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	err := <-readErr
	var te *faults.TransportError
	if errors.As(err, &te) {
		t.Fatalf("reader observed transport failure instead of close cause: %v", err)
	}
	var ce *faults.CloseError
	if !errors.As(err, &ce) || ce.Code != 4003 {
		t.Errorf("expected close cause with code 4003, got %v", err)
	}
}

func TestAdapter_ReadAfterDisposeIsInert(t *testing.T) {
	mc := newMockMessageConn()
	a := NewAdapter(mc)

	// Data queued before the dispose must not be delivered afterwards.
	mc.push(KindBinary, []byte("late"))
	a.Dispose()

	buf := make([]byte, 8)
	if _, err := a.Read(buf); !errors.Is(err, faults.ErrObjectDisposed) {
		t.Errorf("expected ErrObjectDisposed, got %v", err)
	}
}

func TestAdapter_ReadDeadline(t *testing.T) {
	mc := newMockMessageConn()
	a := NewAdapter(mc)

	a.SetReadDeadline(time.Now().Add(20 * time.Millisecond))

	buf := make([]byte, 8)
	_, err := a.Read(buf)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	// Clearing the deadline makes reads block on data again.
	a.SetReadDeadline(time.Time{})
	mc.push(KindBinary, []byte("ok"))
	n, err := a.Read(buf)
	if err != nil || string(buf[:n]) != "ok" {
		t.Errorf("expected 'ok' after clearing deadline, got n=%d err=%v", n, err)
	}
}
