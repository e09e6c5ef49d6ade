package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nearwire/nearwire/internal/bufpool"
	"github.com/nearwire/nearwire/internal/transport"
	"github.com/nearwire/nearwire/pkg/protocol"
)

const (
	// DefaultChunkSize is the fixed chunk size for outgoing files.
	DefaultChunkSize = 256 * 1024

	// DefaultWindow caps unacknowledged chunks in flight.
	DefaultWindow = 16

	// chunkRetries bounds resends of one chunk before the transfer fails.
	chunkRetries = 3

	retryBaseBackoff = 200 * time.Millisecond

	// sidecarFlushEvery bounds resume-state staleness in chunks.
	sidecarFlushEvery = 16

	// handleGrace keeps finished handles queryable before eviction.
	handleGrace = 5 * time.Minute
)

// ErrTransferFailed wraps terminal transfer errors that are not
// integrity or session failures.
var ErrTransferFailed = errors.New("transfer failed")

// Session is the slice of a peer session the transfer engine needs.
type Session interface {
	OpenChannel(ctx context.Context, purpose string) (transport.Stream, error)
	OnLost(fn func(error)) (cancel func())
}

// Status is a transfer lifecycle state.
type Status int

const (
	StatusQueued Status = iota
	StatusInProgress
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Engine runs outgoing and incoming file transfers.
type Engine struct {
	chunkSize uint32
	window    int
	grace     time.Duration
	logger    *slog.Logger
	pool      *bufpool.Pool

	mu      sync.Mutex
	handles map[string]*Handle
}

// Config configures a transfer engine.
type Config struct {
	ChunkSize int
	Window    int
	Logger    *slog.Logger
}

// NewEngine creates a transfer engine.
func NewEngine(cfg Config) *Engine {
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 || chunkSize > maxChunkSize {
		chunkSize = DefaultChunkSize
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		chunkSize: uint32(chunkSize),
		window:    window,
		grace:     handleGrace,
		logger:    logger,
		pool:      bufpool.New(chunkSize),
		handles:   make(map[string]*Handle),
	}
}

// Handle tracks one outgoing transfer.
type Handle struct {
	ID   string
	Name string
	Path string
	Size int64

	engine   *Engine
	checksum [checksumSize]byte
	total    uint32

	mu          sync.Mutex
	status      Status
	err         error
	acked       *Bitmap
	stream      transport.Stream
	unregLost   func()
	retireTimer *time.Timer

	done chan struct{}
}

// Status returns the current transfer state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Err returns the terminal error, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Progress reports the acknowledged fraction in [0, 1].
func (h *Handle) Progress() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.total == 0 {
		return 0
	}
	return float64(h.acked.Count()) / float64(h.total)
}

// Wait blocks until the transfer reaches a terminal state or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel aborts the transfer. Safe to call at any time.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.status = StatusCancelled
	h.err = context.Canceled
	stream := h.stream
	h.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	h.finish()
}

// Resumable reports whether Resume can continue this transfer.
func (h *Handle) Resumable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status == StatusFailed && errors.Is(h.err, errInterrupted)
}

// errInterrupted marks a transfer stopped by session loss, eligible for
// Resume on a fresh session to the same peer.
var errInterrupted = errors.New("transfer interrupted by session loss")

// Resume continues an interrupted transfer over a new session. The
// receiver's resume state keeps already delivered chunks from being sent
// again.
func (h *Handle) Resume(ctx context.Context, session Session) error {
	h.mu.Lock()
	if !(h.status == StatusFailed && errors.Is(h.err, errInterrupted)) {
		status := h.status
		h.mu.Unlock()
		return fmt.Errorf("%w: cannot resume from %s", ErrTransferFailed, status)
	}
	h.status = StatusInProgress
	h.err = nil
	h.done = make(chan struct{})
	// The eviction clock from the interrupted attempt no longer applies
	if h.retireTimer != nil {
		h.retireTimer.Stop()
		h.retireTimer = nil
	}
	h.mu.Unlock()

	go h.run(ctx, session)
	return nil
}

func (h *Handle) finish() {
	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		return
	default:
	}
	close(h.done)
	unreg := h.unregLost
	h.unregLost = nil
	h.retireTimer = h.engine.retire(h)
	h.mu.Unlock()

	if unreg != nil {
		unreg()
	}
}

func (h *Handle) fail(err error) {
	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.status = StatusFailed
	h.err = err
	stream := h.stream
	h.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	h.finish()
}

func (h *Handle) complete() {
	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.status = StatusCompleted
	stream := h.stream
	h.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	h.finish()
}

// Send starts an outgoing transfer of the file at path over the session.
func (e *Engine) Send(ctx context.Context, session Session, path string) (*Handle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrTransferFailed, path)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: file too large", ErrTransferFailed)
	}
	name := filepath.Base(path)
	if err := validateName(name); err != nil {
		return nil, err
	}

	checksum, err := hashFile(path)
	if err != nil {
		return nil, err
	}

	total := uint32((info.Size() + int64(e.chunkSize) - 1) / int64(e.chunkSize))
	if total == 0 {
		total = 1
	}

	h := &Handle{
		ID:       uuid.NewString(),
		Name:     name,
		Path:     path,
		Size:     info.Size(),
		engine:   e,
		checksum: checksum,
		total:    total,
		status:   StatusQueued,
		acked:    NewBitmap(int(total)),
		done:     make(chan struct{}),
	}

	e.mu.Lock()
	e.handles[h.ID] = h
	e.mu.Unlock()

	h.mu.Lock()
	h.status = StatusInProgress
	h.mu.Unlock()

	go h.run(ctx, session)
	return h, nil
}

// Lookup returns a transfer handle by ID while it is retained.
func (e *Engine) Lookup(id string) (*Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[id]
	return h, ok
}

// retire schedules eviction of a finished handle after the grace period.
// A handle resumed before the timer fires stays registered.
func (e *Engine) retire(h *Handle) *time.Timer {
	return time.AfterFunc(e.grace, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if !h.status.Terminal() {
			return
		}
		e.mu.Lock()
		delete(e.handles, h.ID)
		e.mu.Unlock()
	})
}

// run executes one sending attempt over one session.
func (h *Handle) run(ctx context.Context, session Session) {
	e := h.engine
	log := e.logger.With("transfer_id", h.ID, "file", h.Name)

	stream, err := session.OpenChannel(ctx, protocol.ChannelTransfer)
	if err != nil {
		h.fail(fmt.Errorf("%w: open channel: %v", ErrTransferFailed, err))
		return
	}

	h.mu.Lock()
	h.stream = stream
	h.mu.Unlock()

	// Session loss interrupts rather than fails outright; the handle
	// stays resumable on a fresh session
	unreg := session.OnLost(func(reason error) {
		h.mu.Lock()
		if h.status.Terminal() {
			h.mu.Unlock()
			return
		}
		h.status = StatusFailed
		h.err = errInterrupted
		s := h.stream
		h.mu.Unlock()
		if s != nil {
			s.Close()
		}
		h.finish()
	})
	h.mu.Lock()
	h.unregLost = unreg
	h.mu.Unlock()

	if err := h.sendFile(ctx, stream, log); err != nil {
		h.fail(err)
		return
	}
	log.Info("transfer completed", "size", h.Size)
	h.complete()
}

func (h *Handle) sendFile(ctx context.Context, stream transport.Stream, log *slog.Logger) error {
	e := h.engine

	file, err := os.Open(h.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	defer file.Close()

	if err := writeMagic(stream); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := writeFileBegin(stream, FileBegin{
		Name:      h.Name,
		FileSize:  h.Size,
		ChunkSize: e.chunkSize,
		Checksum:  h.checksum,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	t, err := readType(stream)
	if err != nil {
		return fmt.Errorf("%w: read resume info: %v", ErrTransferFailed, err)
	}
	if t != msgResumeInfo {
		return fmt.Errorf("%w: unexpected message 0x%02x", ErrTransferFailed, t)
	}
	resume, err := readResumeInfo(stream)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if resume.TotalChunks != h.total {
		return fmt.Errorf("%w: receiver chunk count %d != %d", ErrTransferFailed, resume.TotalChunks, h.total)
	}
	have, err := BitmapFromBytes(resume.Bitmap, int(h.total))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	// Chunks the receiver already holds count as acknowledged
	h.mu.Lock()
	for i := 0; i < int(h.total); i++ {
		if have.Get(i) {
			h.acked.Set(i)
		}
	}
	needed := int(h.total) - h.acked.Count()
	h.mu.Unlock()

	if needed > 0 && have.Count() > 0 {
		log.Info("resuming transfer", "have", have.Count(), "total", h.total)
	}

	// The ack reader frees window slots and requeues refused chunks.
	sem := make(chan struct{}, e.window)
	resend := make(chan uint32, h.total)
	allAcked := make(chan struct{})
	readerErr := make(chan error, 1)
	var doneMsg FileDone
	doneCh := make(chan struct{})

	go func() {
		remaining := needed
		for {
			t, err := readType(stream)
			if err != nil {
				readerErr <- err
				return
			}
			switch t {
			case msgChunkAck:
				ack, err := readChunkAck(stream)
				if err != nil {
					readerErr <- err
					return
				}
				if ack.OK {
					h.mu.Lock()
					first := !h.acked.Get(int(ack.Index))
					h.acked.Set(int(ack.Index))
					h.mu.Unlock()
					if first {
						remaining--
					}
					select {
					case <-sem:
					default:
					}
					if remaining == 0 {
						close(allAcked)
					}
				} else {
					resend <- ack.Index
				}
			case msgFileDone:
				done, err := readFileDone(stream)
				if err != nil {
					readerErr <- err
					return
				}
				doneMsg = done
				close(doneCh)
				return
			default:
				readerErr <- fmt.Errorf("unexpected message 0x%02x", t)
				return
			}
		}
	}()

	retries := make(map[uint32]int)

	sendChunk := func(index uint32) error {
		buf := e.pool.Get()
		defer e.pool.Put(buf)

		offset := int64(index) * int64(e.chunkSize)
		n, err := file.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			return fmt.Errorf("%w: read chunk %d: %v", ErrTransferFailed, index, err)
		}
		payload := buf[:n]

		hdr := ChunkHeader{
			Index:  index,
			Length: uint32(n),
			CRC:    crc32.Checksum(payload, crc32cTable),
		}

		var writeErr error
		for attempt := 0; attempt < chunkRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(retryBaseBackoff << uint(attempt-1)):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if writeErr = writeChunk(stream, hdr, payload); writeErr == nil {
				return nil
			}
		}
		return fmt.Errorf("%w: chunk %d: %v", ErrTransferFailed, hdr.Index, writeErr)
	}

	acquire := func() error {
		select {
		case sem <- struct{}{}:
			return nil
		case err := <-readerErr:
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		case <-allAcked:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if needed > 0 {
		for i := uint32(0); i < h.total; i++ {
			if have.Get(int(i)) {
				continue
			}
			// Refused chunks take priority over fresh ones
			drained := false
			for !drained {
				select {
				case idx := <-resend:
					retries[idx]++
					if retries[idx] > chunkRetries {
						return fmt.Errorf("%w: chunk %d refused %d times", ErrIntegrity, idx, retries[idx]-1)
					}
					if err := sendChunk(idx); err != nil {
						return err
					}
				default:
					drained = true
				}
			}

			if err := acquire(); err != nil {
				return err
			}
			if err := sendChunk(i); err != nil {
				return err
			}
		}

		// Everything sent once; service resends until all acked
		for {
			select {
			case <-allAcked:
			case idx := <-resend:
				retries[idx]++
				if retries[idx] > chunkRetries {
					return fmt.Errorf("%w: chunk %d refused %d times", ErrIntegrity, idx, retries[idx]-1)
				}
				if err := sendChunk(idx); err != nil {
					return err
				}
				continue
			case err := <-readerErr:
				return fmt.Errorf("%w: %v", ErrTransferFailed, err)
			case <-ctx.Done():
				return ctx.Err()
			}
			break
		}
	}

	if err := writeFileEnd(stream); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	select {
	case <-doneCh:
	case err := <-readerErr:
		return fmt.Errorf("%w: awaiting verdict: %v", ErrTransferFailed, err)
	case <-ctx.Done():
		return ctx.Err()
	}

	if !doneMsg.OK {
		return fmt.Errorf("%w: receiver: %s", ErrIntegrity, doneMsg.ErrMsg)
	}
	return nil
}

// hashFile computes the whole-file SHA-256 declared in FileBegin.
func hashFile(path string) ([checksumSize]byte, error) {
	var sum [checksumSize]byte
	file, err := os.Open(path)
	if err != nil {
		return sum, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return sum, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	copy(sum[:], hasher.Sum(nil))
	return sum, nil
}

// FileID derives the stable resume identity of a file from its checksum.
func FileID(checksum [checksumSize]byte) string {
	return hex.EncodeToString(checksum[:16])
}
