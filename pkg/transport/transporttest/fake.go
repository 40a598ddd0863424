// Package transporttest provides an in-memory quic.Connection/quic.Stream
// pair for exercising pkg/transport (and its dependents) without a real
// UDP socket. Each fake stream embeds one end of a net.Pipe() net.Conn and
// overrides the QUIC-specific methods on top of it.
package transporttest

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/saorsa-labs/saorsa-webrtc/pkg/transport"
)

type fakeStream struct {
	net.Conn
	id     quic.StreamID
	ctx    context.Context
	cancel context.CancelFunc
}

func newFakeStream(id int64, conn net.Conn) *fakeStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeStream{Conn: conn, id: quic.StreamID(id), ctx: ctx, cancel: cancel}
}

func (s *fakeStream) StreamID() quic.StreamID { return s.id }

func (s *fakeStream) CancelRead(quic.StreamErrorCode) {
	_ = s.Conn.Close()
}

func (s *fakeStream) CancelWrite(quic.StreamErrorCode) {
	s.cancel()
	_ = s.Conn.Close()
}

func (s *fakeStream) Close() error {
	s.cancel()
	return s.Conn.Close()
}

func (s *fakeStream) Context() context.Context { return s.ctx }

func (s *fakeStream) SetReadDeadline(t time.Time) error  { return s.Conn.SetReadDeadline(t) }
func (s *fakeStream) SetWriteDeadline(t time.Time) error { return s.Conn.SetWriteDeadline(t) }
func (s *fakeStream) SetDeadline(t time.Time) error      { return s.Conn.SetDeadline(t) }

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

// FakeConnection implements quic.Connection backed by in-process
// net.Pipe()-connected streams. Pair two of them with Link so that
// OpenStreamSync on one is observed by AcceptStream on the other.
type FakeConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	nextID   atomic.Int64
	incoming chan *fakeStream
	peer     *FakeConnection
}

// NewFakeConnection creates an unlinked connection. Call Link before
// opening or accepting any streams.
func NewFakeConnection() *FakeConnection {
	ctx, cancel := context.WithCancel(context.Background())
	return &FakeConnection{
		ctx:      ctx,
		cancel:   cancel,
		incoming: make(chan *fakeStream, 16),
	}
}

// Link pairs a and b so that streams opened on one are accepted on the
// other.
func Link(a, b *FakeConnection) {
	a.peer = b
	b.peer = a
}

func (c *FakeConnection) OpenStream() (quic.Stream, error) {
	return c.OpenStreamSync(context.Background())
}

func (c *FakeConnection) OpenStreamSync(ctx context.Context) (quic.Stream, error) {
	local, remote := net.Pipe()
	id := c.nextID.Add(1)
	localStream := newFakeStream(id, local)
	remoteStream := newFakeStream(id, remote)

	select {
	case c.peer.incoming <- remoteStream:
		return localStream, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *FakeConnection) OpenUniStream() (quic.SendStream, error) {
	return c.OpenStream()
}

func (c *FakeConnection) OpenUniStreamSync(ctx context.Context) (quic.SendStream, error) {
	return c.OpenStreamSync(ctx)
}

func (c *FakeConnection) AcceptStream(ctx context.Context) (quic.Stream, error) {
	select {
	case s := <-c.incoming:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *FakeConnection) AcceptUniStream(ctx context.Context) (quic.ReceiveStream, error) {
	return c.AcceptStream(ctx)
}

func (c *FakeConnection) LocalAddr() net.Addr  { return fakeAddr("local") }
func (c *FakeConnection) RemoteAddr() net.Addr { return fakeAddr("remote") }

func (c *FakeConnection) CloseWithError(quic.ApplicationErrorCode, string) error {
	c.cancel()
	return nil
}

func (c *FakeConnection) Context() context.Context { return c.ctx }

func (c *FakeConnection) ConnectionState() quic.ConnectionState {
	return quic.ConnectionState{}
}

func (c *FakeConnection) SendDatagram([]byte) error { return nil }

func (c *FakeConnection) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// NewConnectedPair builds two linked FakeConnections, wraps each in a
// transport.Transport, and runs the Connect/Accept handshake to
// completion before returning. It fails the test immediately on any
// handshake error.
func NewConnectedPair(t *testing.T) (caller, callee *transport.Transport) {
	t.Helper()

	callerConn := NewFakeConnection()
	calleeConn := NewFakeConnection()
	Link(callerConn, calleeConn)

	caller = transport.New(callerConn, transport.DefaultConfig(), nil)
	callee = transport.New(calleeConn, transport.DefaultConfig(), nil)

	done := make(chan error, 2)
	go func() { done <- caller.Connect(context.Background()) }()
	go func() { done <- callee.Accept(context.Background()) }()

	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("handshake failed: %v", err)
		}
	}
	return caller, callee
}
