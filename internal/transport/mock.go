package transport

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/nearwire/nearwire/pkg/protocol"
)

// MockTransport is an in-memory transport for testing. Two instances
// created by NewMockPair can dial and accept each other.
type MockTransport struct {
	mu             sync.Mutex
	kind           protocol.Transport
	acceptChan     chan *mockConn
	peerAcceptChan chan *mockConn
	connections    map[*mockConn]bool
	closed         bool
}

// NewMockPair creates two linked in-memory transports. Dialing on one
// surfaces a connection on the other's Accept.
func NewMockPair() (*MockTransport, *MockTransport) {
	aAccept := make(chan *mockConn, 4)
	bAccept := make(chan *mockConn, 4)

	a := &MockTransport{
		kind:           protocol.TransportQUIC,
		acceptChan:     aAccept,
		peerAcceptChan: bAccept,
		connections:    make(map[*mockConn]bool),
	}
	b := &MockTransport{
		kind:           protocol.TransportQUIC,
		acceptChan:     bAccept,
		peerAcceptChan: aAccept,
		connections:    make(map[*mockConn]bool),
	}
	return a, b
}

// SetKind overrides the transport kind reported by this mock.
func (t *MockTransport) SetKind(kind protocol.Transport) {
	t.mu.Lock()
	t.kind = kind
	t.mu.Unlock()
}

func (t *MockTransport) Kind() protocol.Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kind
}

func (t *MockTransport) Addr() string { return "mock" }

func (t *MockTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	kind := t.kind
	t.mu.Unlock()

	local := newMockConn(kind)
	remote := newMockConn(kind)
	local.other = remote
	remote.other = local
	local.transport = t

	t.mu.Lock()
	t.connections[local] = true
	t.mu.Unlock()

	select {
	case t.peerAcceptChan <- remote:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return local, nil
}

func (t *MockTransport) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-t.acceptChan:
		if conn == nil {
			return nil, io.ErrClosedPipe
		}
		conn.transport = t
		t.mu.Lock()
		t.connections[conn] = true
		t.mu.Unlock()
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *MockTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*mockConn, 0, len(t.connections))
	for c := range t.connections {
		conns = append(conns, c)
	}
	t.connections = nil
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}

type mockConn struct {
	mu         sync.Mutex
	kind       protocol.Transport
	transport  *MockTransport
	other      *mockConn
	streamChan chan *mockStream
	streams    []*mockStream
	closed     bool
}

func newMockConn(kind protocol.Transport) *mockConn {
	return &mockConn{
		kind:       kind,
		streamChan: make(chan *mockStream, 16),
	}
}

func (c *mockConn) Kind() protocol.Transport { return c.kind }

func (c *mockConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (c *mockConn) OpenStream(ctx context.Context) (Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	c.mu.Unlock()

	// Two pipes give a full-duplex stream pair.
	outReader, outWriter := io.Pipe()
	inReader, inWriter := io.Pipe()

	local := &mockStream{reader: inReader, writer: outWriter}
	remote := &mockStream{reader: outReader, writer: inWriter}

	select {
	case c.other.streamChan <- remote:
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}

	c.mu.Lock()
	c.streams = append(c.streams, local)
	c.mu.Unlock()
	return local, nil
}

func (c *mockConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s := <-c.streamChan:
		if s == nil {
			return nil, io.ErrClosedPipe
		}
		c.mu.Lock()
		c.streams = append(c.streams, s)
		c.mu.Unlock()
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	streams := c.streams
	c.streams = nil
	c.mu.Unlock()

	// Close active streams so blocked readers and writers unblock
	for _, s := range streams {
		s.Close()
	}

	// Drain any streams the remote queued but we never accepted
	for {
		select {
		case s := <-c.streamChan:
			if s != nil {
				s.Close()
			}
		default:
			if c.transport != nil {
				c.transport.mu.Lock()
				delete(c.transport.connections, c)
				c.transport.mu.Unlock()
			}
			return nil
		}
	}
}

type mockStream struct {
	mu     sync.Mutex
	reader *io.PipeReader
	writer *io.PipeWriter
	closed bool
}

func (s *mockStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	r := s.reader
	s.mu.Unlock()
	return r.Read(p)
}

func (s *mockStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	w := s.writer
	s.mu.Unlock()
	return w.Write(p)
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.reader.Close()
	s.writer.Close()
	return nil
}

var (
	_ Transport = (*MockTransport)(nil)
	_ Conn      = (*mockConn)(nil)
	_ Stream    = (*mockStream)(nil)
)
