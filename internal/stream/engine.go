package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nearwire/nearwire/internal/transport"
	"github.com/nearwire/nearwire/pkg/protocol"
)

const (
	defaultQueueDepth       = 32
	defaultDegradeThreshold = 8
	defaultDegradeCooldown  = 5 * time.Second
)

// ErrStreamClosed marks a stream stopped by session loss or Stop.
var ErrStreamClosed = errors.New("stream closed")

// Session is the slice of a peer session the stream engine needs.
type Session interface {
	OpenChannel(ctx context.Context, purpose string) (transport.Stream, error)
	OnLost(fn func(error)) (cancel func())
}

// Frame is one encoded media frame handed over by a FrameSource.
type Frame struct {
	Data      []byte
	Keyframe  bool
	Timestamp time.Time
}

// FrameSource produces encoded frames. NextFrame blocks until a frame
// is ready or ctx ends; the passed params carry the current target
// bitrate and format, which change when quality degrades. Returning an
// error ends the stream; io.EOF ends it cleanly.
type FrameSource interface {
	NextFrame(ctx context.Context, params Params) (Frame, error)
}

// State is a stream lifecycle state.
type State int

const (
	StateStarting State = iota
	StateActive
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Stats is a point-in-time snapshot of one stream.
type Stats struct {
	FramesSent    uint64
	FramesDropped uint64
	Quality       int
}

// Config configures a stream engine.
type Config struct {
	// QueueDepth bounds frames waiting to be sent; beyond it frames drop.
	QueueDepth int

	// DegradeThreshold is how many drops within one cooldown window
	// trigger a quality downgrade.
	DegradeThreshold int

	// DegradeCooldown is the minimum time between downgrades.
	DegradeCooldown time.Duration

	Logger *slog.Logger
}

// Engine runs outgoing media streams and decodes incoming ones.
type Engine struct {
	queueDepth       int
	degradeThreshold int
	degradeCooldown  time.Duration
	logger           *slog.Logger

	mu      sync.Mutex
	streams map[string]*Stream
}

// NewEngine creates a stream engine.
func NewEngine(cfg Config) *Engine {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.DegradeThreshold <= 0 {
		cfg.DegradeThreshold = defaultDegradeThreshold
	}
	if cfg.DegradeCooldown <= 0 {
		cfg.DegradeCooldown = defaultDegradeCooldown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		queueDepth:       cfg.QueueDepth,
		degradeThreshold: cfg.DegradeThreshold,
		degradeCooldown:  cfg.DegradeCooldown,
		logger:           cfg.Logger,
		streams:          make(map[string]*Stream),
	}
}

// Stream is one outgoing media stream.
type Stream struct {
	ID   string
	Kind protocol.StreamKind

	engine  *Engine
	source  FrameSource
	conn    transport.Stream
	limiter *rate.Limiter
	logger  *slog.Logger

	sent    atomic.Uint64
	dropped atomic.Uint64

	mu         sync.Mutex
	state      State
	quality    int
	params     Params
	err        error
	runErr     error
	dropsSince int
	lastAdjust time.Time
	unregLost  func()

	qualityCh chan int
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// Start opens a media channel on the session and begins streaming
// frames from the source at the requested quality.
func (e *Engine) Start(ctx context.Context, session Session, kind protocol.StreamKind, quality int, source FrameSource) (*Stream, error) {
	params, err := ParamsFor(kind, quality)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("nil frame source")
	}

	conn, err := session.OpenChannel(ctx, protocol.ChannelMedia)
	if err != nil {
		return nil, fmt.Errorf("open media channel: %w", err)
	}
	if err := writeStreamBegin(conn, streamBegin{Kind: kind, Quality: uint8(quality)}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("announce stream: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		ID:         uuid.NewString(),
		Kind:       kind,
		engine:     e,
		source:     source,
		conn:       conn,
		limiter:    newPacer(params),
		quality:    quality,
		params:     params,
		state:      StateActive,
		lastAdjust: time.Now(),
		qualityCh:  make(chan int, 4),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	s.logger = e.logger.With("stream_id", s.ID, "kind", kind)

	s.unregLost = session.OnLost(func(reason error) {
		go s.terminate(fmt.Errorf("%w: %v", ErrStreamClosed, reason), false)
	})

	e.mu.Lock()
	e.streams[s.ID] = s
	e.mu.Unlock()

	queue := make(chan Frame, e.queueDepth)
	s.wg.Add(2)
	go s.pullLoop(runCtx, queue)
	go s.sendLoop(runCtx, queue)
	go func() {
		s.wg.Wait()
		s.mu.Lock()
		runErr := s.runErr
		s.mu.Unlock()
		s.terminate(runErr, runErr == nil)
	}()

	s.logger.Info("stream started", "quality", quality, "bitrate", params.Bitrate)
	return s, nil
}

// Streams returns the currently running streams.
func (e *Engine) Streams() []*Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Stream, 0, len(e.streams))
	for _, s := range e.streams {
		out = append(out, s)
	}
	return out
}

// StopAll stops every running stream.
func (e *Engine) StopAll() {
	for _, s := range e.Streams() {
		s.Stop()
	}
}

func (e *Engine) remove(id string) {
	e.mu.Lock()
	delete(e.streams, id)
	e.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns why the stream stopped, nil for a clean stop.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done closes when the stream has fully stopped.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of the stream counters.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	quality := s.quality
	s.mu.Unlock()
	return Stats{
		FramesSent:    s.sent.Load(),
		FramesDropped: s.dropped.Load(),
		Quality:       quality,
	}
}

// Stop ends the stream. Idempotent; no frames are sent after it
// returns.
func (s *Stream) Stop() {
	s.terminate(nil, true)
}

// terminate stops the loops and closes the channel once. sendEnd
// controls whether a clean end marker goes out first.
func (s *Stream) terminate(reason error, sendEnd bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateStopping
		s.mu.Unlock()

		s.cancel()
		if !sendEnd {
			s.conn.Close()
		}
		s.wg.Wait()
		if sendEnd {
			writeStreamEnd(s.conn)
			s.conn.Close()
		}

		s.mu.Lock()
		s.state = StateStopped
		s.err = reason
		unreg := s.unregLost
		s.unregLost = nil
		s.mu.Unlock()

		if unreg != nil {
			unreg()
		}
		s.engine.remove(s.ID)
		s.logger.Info("stream stopped",
			"sent", s.sent.Load(), "dropped", s.dropped.Load(), "err", reason)
		close(s.done)
	})
	<-s.done
}

// pullLoop draws frames from the source into the bounded queue,
// dropping when the sender cannot keep up.
func (s *Stream) pullLoop(ctx context.Context, queue chan<- Frame) {
	defer s.wg.Done()
	defer close(queue)

	for {
		s.mu.Lock()
		params := s.params
		s.mu.Unlock()

		frame, err := s.source.NextFrame(ctx, params)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.setRunErr(fmt.Errorf("frame source: %w", err))
			}
			return
		}
		select {
		case queue <- frame:
		case <-ctx.Done():
			return
		default:
			s.noteDrop()
		}
	}
}

// sendLoop paces queued frames onto the wire at the target bitrate.
func (s *Stream) sendLoop(ctx context.Context, queue <-chan Frame) {
	defer s.wg.Done()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case quality := <-s.qualityCh:
			if err := writeQuality(s.conn, uint8(quality)); err != nil {
				s.setRunErr(err)
				return
			}
		case frame, ok := <-queue:
			if !ok {
				return
			}
			n := len(frame.Data)
			if n > maxFrameSize {
				s.logger.Warn("oversized frame dropped", "size", n)
				s.dropped.Add(1)
				continue
			}
			wait := n
			if burst := s.limiter.Burst(); wait > burst {
				wait = burst
			}
			if err := s.limiter.WaitN(ctx, wait); err != nil {
				return
			}

			flags := byte(0)
			if frame.Keyframe {
				flags |= flagKeyframe
			}
			ts := frame.Timestamp
			if ts.IsZero() {
				ts = time.Now()
			}
			err := writeFrame(s.conn, frameHeader{
				Seq:       seq,
				Timestamp: ts.UnixMicro(),
				Flags:     flags,
				Length:    uint32(n),
			}, frame.Data)
			if err != nil {
				if ctx.Err() == nil {
					s.setRunErr(err)
				}
				return
			}
			seq++
			s.sent.Add(1)
		}
	}
}

// noteDrop counts a dropped frame and downgrades quality when drops
// keep coming. Quality only ever moves down; recovery is the caller's
// call by starting a fresh stream.
func (s *Stream) noteDrop() {
	s.dropped.Add(1)

	s.mu.Lock()
	s.dropsSince++
	if s.dropsSince < s.engine.degradeThreshold ||
		time.Since(s.lastAdjust) < s.engine.degradeCooldown {
		s.mu.Unlock()
		return
	}
	s.dropsSince = 0
	s.lastAdjust = time.Now()

	next := degrade(s.quality)
	if next == s.quality {
		s.mu.Unlock()
		return
	}
	params, err := ParamsFor(s.Kind, next)
	if err != nil {
		s.mu.Unlock()
		return
	}
	s.quality = next
	s.params = params
	s.limiter.SetLimit(rate.Limit(params.Bitrate / 8))
	s.mu.Unlock()

	select {
	case s.qualityCh <- next:
	default:
	}
	s.logger.Info("quality degraded", "quality", next, "bitrate", params.Bitrate)
}

func (s *Stream) setRunErr(err error) {
	s.mu.Lock()
	if s.runErr == nil {
		s.runErr = err
	}
	s.mu.Unlock()
}

// newPacer builds a byte-rate limiter for the target bitrate, with a
// burst of one second of traffic so single frames pass whole.
func newPacer(params Params) *rate.Limiter {
	bytesPerSec := params.Bitrate / 8
	if bytesPerSec <= 0 {
		bytesPerSec = 1
	}
	burst := bytesPerSec
	if burst < maxFrameSize {
		burst = maxFrameSize
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// InboundFrame is one frame delivered to a receive sink.
type InboundFrame struct {
	Seq       uint64
	Timestamp time.Time
	Keyframe  bool
	Quality   int
	Data      []byte
}

// Receive decodes an incoming media channel, delivering each frame to
// the sink until the sender ends the stream, the sink errors, or ctx
// ends. It returns the announced stream kind.
func (e *Engine) Receive(ctx context.Context, conn transport.Stream, sink func(InboundFrame) error) (protocol.StreamKind, error) {
	stop := watchClose(ctx, conn)
	defer stop()

	begin, err := readStreamBegin(conn)
	if err != nil {
		return "", err
	}
	quality := int(begin.Quality)
	e.logger.Info("incoming stream", "kind", begin.Kind, "quality", quality)

	for {
		t, err := readType(conn)
		if err != nil {
			if ctx.Err() != nil {
				return begin.Kind, ctx.Err()
			}
			return begin.Kind, err
		}
		switch t {
		case msgFrame:
			hdr, err := readFrameHeader(conn)
			if err != nil {
				return begin.Kind, err
			}
			data := make([]byte, hdr.Length)
			if _, err := io.ReadFull(conn, data); err != nil {
				return begin.Kind, err
			}
			if sink == nil {
				continue
			}
			frame := InboundFrame{
				Seq:       hdr.Seq,
				Timestamp: time.UnixMicro(hdr.Timestamp),
				Keyframe:  hdr.Flags&flagKeyframe != 0,
				Quality:   quality,
				Data:      data,
			}
			if err := sink(frame); err != nil {
				return begin.Kind, err
			}
		case msgQuality:
			q, err := readQuality(conn)
			if err != nil {
				return begin.Kind, err
			}
			quality = int(q)
			e.logger.Info("stream quality changed", "kind", begin.Kind, "quality", quality)
		case msgStreamEnd:
			return begin.Kind, nil
		default:
			return begin.Kind, fmt.Errorf("unexpected message 0x%02x", t)
		}
	}
}

// watchClose closes the channel when ctx ends so blocked reads return.
func watchClose(ctx context.Context, conn transport.Stream) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}
