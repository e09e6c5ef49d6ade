// Package udptransport carries peer connections over raw UDP datagrams.
// It is the last-resort path: streams are best effort with no
// retransmission, so only protocols with their own acknowledgement logic
// should run over it.
package udptransport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/nearwire/nearwire/internal/transport"
	"github.com/nearwire/nearwire/pkg/protocol"
)

const (
	// Frame ops, one frame per datagram: [streamID u32 BE][op u8][payload].
	opHello = 0
	opOpen  = 1
	opData  = 2
	opClose = 3

	frameHeaderSize = 5
	// maxPayload keeps frames under a conservative MTU.
	maxPayload = 1200
)

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Conn      = (*conn)(nil)
	_ transport.Stream    = (*stream)(nil)

	errConnClosed = errors.New("udp connection closed")
)

// Transport multiplexes peer connections over one UDP socket, keyed by
// remote address.
type Transport struct {
	socket  *net.UDPConn
	network string
	logger  *slog.Logger

	mu      sync.Mutex
	conns   map[string]*conn
	accepts chan *conn
	closed  bool
}

// New creates a UDP transport bound to addr ("host:port") on the given
// network ("udp" or "udp4"). Port zero picks an ephemeral port.
func New(network, addr string, logger *slog.Logger) (*Transport, error) {
	if network == "" {
		network = "udp4"
	}
	local, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve udp addr: %v", transport.ErrUnavailable, err)
	}
	socket, err := net.ListenUDP(network, local)
	if err != nil {
		return nil, fmt.Errorf("%w: udp listen: %v", transport.ErrUnavailable, err)
	}

	t := &Transport{
		socket:  socket,
		network: network,
		logger:  logger,
		conns:   make(map[string]*conn),
		accepts: make(chan *conn, 8),
	}
	go t.readLoop()

	logger.Info("udp listener started", "addr", socket.LocalAddr().String())
	return t, nil
}

func (t *Transport) Kind() protocol.Transport { return protocol.TransportUDP }

func (t *Transport) Addr() string {
	return t.socket.LocalAddr().String()
}

func (t *Transport) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	remote, err := net.ResolveUDPAddr(t.network, addr)
	if err != nil {
		return nil, fmt.Errorf("udp resolve %s: %w", addr, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	c, ok := t.conns[remote.String()]
	if !ok {
		c = newConn(t, remote, true)
		t.conns[remote.String()] = c
	}
	t.mu.Unlock()

	// Announce ourselves so the listener surfaces this connection
	if err := c.writeFrame(0, opHello, nil); err != nil {
		t.drop(c)
		return nil, fmt.Errorf("udp hello %s: %w", addr, err)
	}

	t.logger.Debug("udp connection established", "remote_addr", remote)
	return c, nil
}

func (t *Transport) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c := <-t.accepts:
		if c == nil {
			return nil, io.ErrClosedPipe
		}
		t.logger.Debug("udp connection accepted", "remote_addr", c.remote)
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = nil
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return t.socket.Close()
}

func (t *Transport) drop(c *conn) {
	t.mu.Lock()
	if t.conns != nil {
		delete(t.conns, c.remote.String())
	}
	t.mu.Unlock()
}

func (t *Transport) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := t.socket.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < frameHeaderSize {
			continue
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		c, ok := t.conns[from.String()]
		if !ok {
			c = newConn(t, from, false)
			t.conns[from.String()] = c
			select {
			case t.accepts <- c:
			default:
				delete(t.conns, from.String())
				c = nil
			}
		}
		t.mu.Unlock()
		if c == nil {
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		c.dispatch(frame)
	}
}

// conn is the per-remote-address view over the shared socket.
type conn struct {
	transport *Transport
	remote    *net.UDPAddr
	dialer    bool

	mu      sync.Mutex
	streams map[uint32]*stream
	nextID  uint32
	closed  bool

	incoming chan *stream
}

func newConn(t *Transport, remote *net.UDPAddr, dialer bool) *conn {
	first := uint32(2)
	if dialer {
		first = 1
	}
	return &conn{
		transport: t,
		remote:    remote,
		dialer:    dialer,
		streams:   make(map[uint32]*stream),
		nextID:    first,
		incoming:  make(chan *stream, 16),
	}
}

func (c *conn) Kind() protocol.Transport { return protocol.TransportUDP }

func (c *conn) RemoteAddr() net.Addr { return c.remote }

func (c *conn) writeFrame(id uint32, op byte, payload []byte) error {
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], id)
	frame[4] = op
	copy(frame[frameHeaderSize:], payload)

	_, err := c.transport.socket.WriteToUDP(frame, c.remote)
	return err
}

func (c *conn) dispatch(frame []byte) {
	id := binary.BigEndian.Uint32(frame[0:4])
	op := frame[4]
	payload := frame[frameHeaderSize:]

	switch op {
	case opHello:
		// Connection-level hello, nothing per stream to do
	case opOpen:
		s := newStream(c, id)
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		// The send stays under the lock: Close flips closed before it
		// closes incoming, so the channel cannot go away underneath us
		accepted := false
		select {
		case c.incoming <- s:
			accepted = true
			c.streams[id] = s
		default:
		}
		c.mu.Unlock()
		if !accepted {
			s.closeRemote()
		}
	case opData:
		c.mu.Lock()
		s := c.streams[id]
		c.mu.Unlock()
		if s != nil {
			s.deliver(payload)
		}
	case opClose:
		c.mu.Lock()
		s := c.streams[id]
		c.mu.Unlock()
		if s != nil {
			s.closeRemote()
			c.dropStream(id)
		}
	}
}

func (c *conn) OpenStream(ctx context.Context) (transport.Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errConnClosed
	}
	id := c.nextID
	c.nextID += 2
	s := newStream(c, id)
	c.streams[id] = s
	c.mu.Unlock()

	if err := c.writeFrame(id, opOpen, nil); err != nil {
		c.dropStream(id)
		return nil, err
	}
	return s, nil
}

func (c *conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.incoming:
		if s == nil {
			return nil, errConnClosed
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	streams := make([]*stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streams = nil
	c.mu.Unlock()

	for _, s := range streams {
		s.closeRemote()
	}
	close(c.incoming)
	c.transport.drop(c)
	return nil
}

func (c *conn) dropStream(id uint32) {
	c.mu.Lock()
	if c.streams != nil {
		delete(c.streams, id)
	}
	c.mu.Unlock()
}

// stream is one logical best-effort stream inside a connection.
type stream struct {
	conn *conn
	id   uint32

	recv    chan []byte
	pending []byte

	mu     sync.Mutex
	closed bool
	eof    chan struct{}
}

func newStream(c *conn, id uint32) *stream {
	return &stream{
		conn: c,
		id:   id,
		recv: make(chan []byte, 64),
		eof:  make(chan struct{}),
	}
}

func (s *stream) deliver(payload []byte) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case s.recv <- buf:
	case <-s.eof:
	default:
		// Receiver not draining; datagrams are droppable by contract
	}
}

func (s *stream) Read(p []byte) (int, error) {
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}

	select {
	case buf := <-s.recv:
		n := copy(p, buf)
		s.pending = buf[n:]
		return n, nil
	case <-s.eof:
		select {
		case buf := <-s.recv:
			n := copy(p, buf)
			s.pending = buf[n:]
			return n, nil
		default:
			return 0, io.EOF
		}
	}
}

func (s *stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPayload {
			chunk = chunk[:maxPayload]
		}
		if err := s.conn.writeFrame(s.id, opData, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.eof)
	s.mu.Unlock()

	s.conn.writeFrame(s.id, opClose, nil)
	s.conn.dropStream(s.id)
	return nil
}

// closeRemote marks the stream closed by the peer without echoing a
// close frame back.
func (s *stream) closeRemote() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.eof)
	s.mu.Unlock()
}
