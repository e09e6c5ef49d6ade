package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nearwire/nearwire/internal/transport"
	"github.com/nearwire/nearwire/pkg/protocol"
)

const (
	// missedHeartbeats before a silent peer is declared lost.
	missedHeartbeats = 3

	defaultHeartbeat = 10 * time.Second
)

// Session is an established, optionally encrypted connection to one peer.
// All control traffic is serialized through a single writer goroutine;
// bulk traffic runs on separate channels opened with OpenChannel.
type Session struct {
	ID        string
	PeerID    string
	PeerName  string
	Transport protocol.Transport

	// Insecure marks a session established without authentication and
	// key exchange.
	Insecure bool

	localID   string
	conn      transport.Conn
	control   transport.Stream
	sendKey   []byte
	recvKey   []byte
	heartbeat time.Duration
	logger    *slog.Logger

	outbound chan *protocol.Envelope

	mu       sync.Mutex
	state    State
	lostFns  map[int]func(error)
	nextLost int
	lastPong time.Time
	pingSeq  int64

	closeOnce sync.Once
	closed    chan struct{}
	lostErr   error
}

func newSession(localID, peerID, peerName string, kind protocol.Transport,
	tc transport.Conn, control transport.Stream, sendKey, recvKey []byte,
	insecure bool, heartbeat time.Duration, logger *slog.Logger) *Session {

	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	return &Session{
		ID:        uuid.NewString(),
		PeerID:    peerID,
		PeerName:  peerName,
		Transport: kind,
		Insecure:  insecure,
		localID:   localID,
		conn:      tc,
		control:   control,
		sendKey:   sendKey,
		recvKey:   recvKey,
		heartbeat: heartbeat,
		logger:    logger,
		outbound:  make(chan *protocol.Envelope, 32),
		state:     StateEstablished,
		lostFns:   make(map[int]func(error)),
		lastPong:  time.Now(),
		closed:    make(chan struct{}),
	}
}

// start launches the session goroutines. Called once by the manager.
func (s *Session) start() {
	go s.writerLoop()
	go s.readLoop()
	go s.keepaliveLoop()
}

// State returns the session lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Established reports whether the session is usable.
func (s *Session) Established() bool {
	return s.State() == StateEstablished
}

// Done is closed when the session terminates for any reason.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Err returns why the session ended, nil while it is alive.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lostErr
}

// OnLost registers a callback fired once when the session terminates.
// The returned cancel removes the registration.
func (s *Session) OnLost(fn func(error)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		err := s.lostErr
		go fn(err)
		return func() {}
	}

	id := s.nextLost
	s.nextLost++
	s.lostFns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.lostFns, id)
		s.mu.Unlock()
	}
}

// Send queues a control envelope for the writer goroutine.
func (s *Session) Send(ctx context.Context, env *protocol.Envelope) error {
	select {
	case s.outbound <- env:
		return nil
	case <-s.closed:
		return ErrSessionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenChannel opens a dedicated stream bound to a purpose, encrypted with
// the session keys unless the session is insecure.
func (s *Session) OpenChannel(ctx context.Context, purpose string) (transport.Stream, error) {
	if !s.Established() {
		return nil, ErrSessionLost
	}

	raw, err := s.conn.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open channel stream: %w", err)
	}
	stream := s.wrap(raw)

	channelID := uuid.NewString()
	enc := json.NewEncoder(stream)
	open, err := protocol.NewEnvelope(protocol.TypeChannelOpen, s.localID, protocol.ChannelOpen{
		Purpose:   purpose,
		ChannelID: channelID,
	})
	if err != nil {
		stream.Close()
		return nil, err
	}
	if err := enc.Encode(open); err != nil {
		stream.Close()
		return nil, fmt.Errorf("send channel open: %w", err)
	}

	dec := json.NewDecoder(stream)
	var ackEnv protocol.Envelope
	if err := dec.Decode(&ackEnv); err != nil {
		stream.Close()
		return nil, fmt.Errorf("read channel ack: %w", err)
	}
	var ack protocol.ChannelAck
	if ackEnv.Type != protocol.TypeChannelAck || ackEnv.DecodePayload(&ack) != nil {
		stream.Close()
		return nil, fmt.Errorf("unexpected channel response %q", ackEnv.Type)
	}
	if !ack.Accepted {
		stream.Close()
		return nil, fmt.Errorf("channel %s refused: %s", purpose, ack.Reason)
	}

	// The decoder may have buffered bytes that belong to the channel's
	// own protocol; hand them back
	return withBuffered(dec.Buffered(), stream), nil
}

// AcceptChannel accepts the next incoming channel and returns its purpose.
func (s *Session) AcceptChannel(ctx context.Context) (string, transport.Stream, error) {
	raw, err := s.conn.AcceptStream(ctx)
	if err != nil {
		select {
		case <-s.closed:
			return "", nil, ErrSessionLost
		default:
		}
		return "", nil, fmt.Errorf("accept channel stream: %w", err)
	}
	stream := s.wrap(raw)

	dec := json.NewDecoder(stream)
	var openEnv protocol.Envelope
	if err := dec.Decode(&openEnv); err != nil {
		stream.Close()
		return "", nil, fmt.Errorf("read channel open: %w", err)
	}
	var open protocol.ChannelOpen
	if openEnv.Type != protocol.TypeChannelOpen || openEnv.DecodePayload(&open) != nil {
		stream.Close()
		return "", nil, fmt.Errorf("unexpected channel request %q", openEnv.Type)
	}

	ack, err := protocol.NewEnvelope(protocol.TypeChannelAck, s.localID, protocol.ChannelAck{
		ChannelID: open.ChannelID,
		Accepted:  true,
	})
	if err != nil {
		stream.Close()
		return "", nil, err
	}
	if err := json.NewEncoder(stream).Encode(ack); err != nil {
		stream.Close()
		return "", nil, fmt.Errorf("send channel ack: %w", err)
	}

	return open.Purpose, withBuffered(dec.Buffered(), stream), nil
}

// bufferedStream replays decoder-buffered bytes before the live stream.
type bufferedStream struct {
	reader io.Reader
	transport.Stream
}

func withBuffered(buffered io.Reader, stream transport.Stream) transport.Stream {
	return &bufferedStream{
		reader: io.MultiReader(buffered, stream),
		Stream: stream,
	}
}

func (b *bufferedStream) Read(p []byte) (int, error) {
	return b.reader.Read(p)
}

func (s *Session) wrap(raw transport.Stream) transport.Stream {
	if s.Insecure || s.sendKey == nil || s.recvKey == nil {
		return raw
	}
	return newSecureStream(raw, s.sendKey, s.recvKey)
}

// Close shuts the session down deliberately: dependents are notified,
// a close message is sent best effort, and the connection is torn down.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateEstablished {
		s.state = StateClosing
	}
	s.mu.Unlock()

	if env, err := protocol.NewEnvelope(protocol.TypeClose, s.localID, protocol.Close{Reason: "shutdown"}); err == nil {
		sendCtx, cancel := context.WithTimeout(ctx, time.Second)
		s.Send(sendCtx, &env)
		cancel()
	}

	s.terminate(ErrSessionClosed)
	return nil
}

// terminate ends the session once, recording why and notifying dependents.
func (s *Session) terminate(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.lostErr = reason
		switch s.state {
		case StateClosing:
			s.state = StateClosed
		default:
			if reason == ErrSessionClosed {
				s.state = StateClosed
			} else {
				s.state = StateFailed
			}
		}
		fns := make([]func(error), 0, len(s.lostFns))
		for _, fn := range s.lostFns {
			fns = append(fns, fn)
		}
		s.lostFns = map[int]func(error){}
		s.mu.Unlock()

		close(s.closed)
		s.control.Close()
		s.conn.Close()

		for _, fn := range fns {
			fn(reason)
		}

		s.logger.Info("session ended",
			"session_id", s.ID, "peer_id", s.PeerID, "reason", reason)
	})
}

func (s *Session) writerLoop() {
	enc := json.NewEncoder(s.control)
	for {
		select {
		case env := <-s.outbound:
			if err := enc.Encode(env); err != nil {
				s.terminate(ErrSessionLost)
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) readLoop() {
	dec := json.NewDecoder(s.control)
	for {
		var env protocol.Envelope
		if err := dec.Decode(&env); err != nil {
			select {
			case <-s.closed:
			default:
				s.terminate(ErrSessionLost)
			}
			return
		}

		switch env.Type {
		case protocol.TypePing:
			var ping protocol.Ping
			if env.DecodePayload(&ping) != nil {
				continue
			}
			if pong, err := protocol.NewEnvelope(protocol.TypePong, s.localID, protocol.Pong{Seq: ping.Seq}); err == nil {
				select {
				case s.outbound <- &pong:
				case <-s.closed:
					return
				}
			}
		case protocol.TypePong:
			s.mu.Lock()
			s.lastPong = time.Now()
			s.mu.Unlock()
		case protocol.TypeClose:
			s.terminate(ErrSessionClosed)
			return
		default:
			s.logger.Debug("unexpected control message",
				"session_id", s.ID, "type", env.Type)
		}
	}
}

func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.pingSeq++
			seq := s.pingSeq
			silent := time.Since(s.lastPong)
			s.mu.Unlock()

			if silent > time.Duration(missedHeartbeats)*s.heartbeat {
				s.logger.Warn("peer heartbeat lost",
					"session_id", s.ID, "peer_id", s.PeerID, "silent_for", silent)
				s.terminate(ErrSessionLost)
				return
			}

			if env, err := protocol.NewEnvelope(protocol.TypePing, s.localID, protocol.Ping{Seq: seq}); err == nil {
				select {
				case s.outbound <- &env:
				case <-s.closed:
					return
				}
			}
		}
	}
}
