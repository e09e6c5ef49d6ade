// Package wstransport carries peer connections over a single WebSocket,
// multiplexing logical streams with a small binary frame header. It is
// the fallback for networks where UDP-based transports are blocked.
package wstransport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nearwire/nearwire/internal/transport"
	"github.com/nearwire/nearwire/pkg/protocol"
)

const (
	// wsPath is the HTTP upgrade endpoint.
	wsPath = "/nearwire/v1"

	// Frame ops. Every binary message is [streamID u32 BE][op u8][payload].
	opOpen  = 1
	opData  = 2
	opClose = 3

	frameHeaderSize = 5
	maxFrameSize    = 1 << 20

	writeTimeout = 30 * time.Second
)

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Conn      = (*conn)(nil)
	_ transport.Stream    = (*stream)(nil)

	errConnClosed = errors.New("websocket connection closed")
)

// Transport listens for and dials WebSocket connections.
type Transport struct {
	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	accepts  chan *conn
	logger   *slog.Logger
	closed   bool
}

// New creates a WebSocket transport listening on addr ("host:port"). An
// empty host binds all interfaces; port zero picks an ephemeral port.
func New(addr string, logger *slog.Logger) (*Transport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: websocket listen: %v", transport.ErrUnavailable, err)
	}

	t := &Transport{
		listener: ln,
		accepts:  make(chan *conn, 8),
		logger:   logger,
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		c := newConn(ws, false)
		go c.readLoop()
		select {
		case t.accepts <- c:
		default:
			// Accept queue full, shed the connection
			c.Close()
		}
	})

	t.server = &http.Server{Handler: mux}
	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("websocket server stopped", "error", err)
		}
	}()

	logger.Info("websocket listener started", "addr", ln.Addr().String())
	return t, nil
}

func (t *Transport) Kind() protocol.Transport { return protocol.TransportWebSocket }

func (t *Transport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *Transport) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	t.mu.Unlock()

	url := "ws://" + addr + wsPath
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", addr, err)
	}

	c := newConn(ws, true)
	go c.readLoop()
	t.logger.Debug("websocket connection established", "remote_addr", ws.RemoteAddr())
	return c, nil
}

func (t *Transport) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c := <-t.accepts:
		if c == nil {
			return nil, io.ErrClosedPipe
		}
		t.logger.Debug("websocket connection accepted", "remote_addr", c.RemoteAddr())
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
	t.mu.Unlock()

	return t.server.Close()
}

// conn multiplexes logical streams over one websocket connection. The
// dialer allocates odd stream IDs, the listener even ones, so both sides
// can open streams without coordination.
type conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex // gorilla allows a single concurrent writer

	mu      sync.Mutex
	streams map[uint32]*stream
	nextID  uint32
	closed  bool

	incoming chan *stream
}

func newConn(ws *websocket.Conn, dialer bool) *conn {
	first := uint32(2)
	if dialer {
		first = 1
	}
	return &conn{
		ws:       ws,
		streams:  make(map[uint32]*stream),
		nextID:   first,
		incoming: make(chan *stream, 16),
	}
}

func (c *conn) Kind() protocol.Transport { return protocol.TransportWebSocket }

func (c *conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

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
	return c.ws.Close()
}

func (c *conn) writeFrame(id uint32, op byte, payload []byte) error {
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], id)
	frame[4] = op
	copy(frame[frameHeaderSize:], payload)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *conn) dropStream(id uint32) {
	c.mu.Lock()
	if c.streams != nil {
		delete(c.streams, id)
	}
	c.mu.Unlock()
}

func (c *conn) readLoop() {
	defer c.Close()

	for {
		kind, frame, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage || len(frame) < frameHeaderSize || len(frame) > maxFrameSize {
			continue
		}

		id := binary.BigEndian.Uint32(frame[0:4])
		op := frame[4]
		payload := frame[frameHeaderSize:]

		switch op {
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
}

// stream is one logical stream inside a websocket connection.
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
		// Drain anything delivered before the close won the race
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

	// Split large writes to respect the frame limit
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxFrameSize-frameHeaderSize {
			chunk = chunk[:maxFrameSize-frameHeaderSize]
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

// closeRemote marks the stream closed by the peer without echoing a close
// frame back.
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
