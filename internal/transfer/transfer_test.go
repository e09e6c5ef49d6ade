package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nearwire/nearwire/internal/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine(chunkSize, window int) *Engine {
	return NewEngine(Config{ChunkSize: chunkSize, Window: window, Logger: quietLogger()})
}

// connPair dials a mock transport pair and returns both connections.
func connPair(t *testing.T) (transport.Conn, transport.Conn) {
	t.Helper()
	ta, tb := transport.NewMockPair()
	t.Cleanup(func() {
		ta.Close()
		tb.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		accepted transport.Conn
		acceptErr error
		done      = make(chan struct{})
	)
	go func() {
		accepted, acceptErr = tb.Accept(ctx)
		close(done)
	}()

	dialed, err := ta.Dial(ctx, "mock")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	<-done
	if acceptErr != nil {
		t.Fatalf("accept: %v", acceptErr)
	}
	return dialed, accepted
}

type fakeSession struct {
	conn transport.Conn

	mu      sync.Mutex
	lostFns []func(error)
}

func (s *fakeSession) OpenChannel(ctx context.Context, purpose string) (transport.Stream, error) {
	return s.conn.OpenStream(ctx)
}

func (s *fakeSession) OnLost(fn func(error)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lostFns = append(s.lostFns, fn)
	return func() {}
}

func (s *fakeSession) lose(err error) {
	s.mu.Lock()
	fns := append([]func(error){}, s.lostFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func writeTempFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(42)).Read(data)
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path, data
}

// receive accepts the transfer channel on conn and runs the receiver.
func receive(t *testing.T, engine *Engine, conn transport.Conn, dir string) (<-chan string, <-chan error) {
	t.Helper()
	pathCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			errCh <- err
			return
		}
		path, err := engine.Receive(ctx, stream, dir)
		if err != nil {
			errCh <- err
			return
		}
		pathCh <- path
	}()
	return pathCh, errCh
}

func TestTransferRoundTrip(t *testing.T) {
	sender, receiver := connPair(t)
	engine := testEngine(64*1024, 4)
	downloadDir := t.TempDir()

	size := 64*1024*5 + 1337
	path, data := writeTempFile(t, size)

	pathCh, errCh := receive(t, engine, receiver, downloadDir)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	handle, err := engine.Send(ctx, &fakeSession{conn: sender}, path)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := handle.Wait(ctx); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if got := handle.Status(); got != StatusCompleted {
		t.Errorf("status = %v, want completed", got)
	}
	if p := handle.Progress(); p != 1.0 {
		t.Errorf("progress = %v, want 1.0", p)
	}

	var finalPath string
	select {
	case finalPath = <-pathCh:
	case err := <-errCh:
		t.Fatalf("receive: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not finish")
	}

	got, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("received file differs from original")
	}
	if _, err := os.Stat(SidecarPath(downloadDir, FileID(handle.checksum))); !os.IsNotExist(err) {
		t.Error("sidecar not removed after completion")
	}
}

func TestTransferEmptyFile(t *testing.T) {
	sender, receiver := connPair(t)
	engine := testEngine(64*1024, 4)
	downloadDir := t.TempDir()

	path, _ := writeTempFile(t, 0)
	pathCh, errCh := receive(t, engine, receiver, downloadDir)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	handle, err := engine.Send(ctx, &fakeSession{conn: sender}, path)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := handle.Wait(ctx); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	select {
	case finalPath := <-pathCh:
		info, err := os.Stat(finalPath)
		if err != nil || info.Size() != 0 {
			t.Fatalf("empty file not delivered: %v", err)
		}
	case err := <-errCh:
		t.Fatalf("receive: %v", err)
	}
}

// corruptingStream flips one payload byte per targeted chunk write so the
// receiver's CRC check refuses it. Writes longer than the threshold are
// treated as chunk payloads.
type corruptingStream struct {
	transport.Stream
	threshold int
	remaining int
	corrupted int
}

func (c *corruptingStream) Write(p []byte) (int, error) {
	if len(p) >= c.threshold && c.remaining != 0 {
		if c.remaining > 0 {
			c.remaining--
		}
		c.corrupted++
		mangled := make([]byte, len(p))
		copy(mangled, p)
		mangled[len(mangled)/2] ^= 0xFF
		return c.Stream.Write(mangled)
	}
	return c.Stream.Write(p)
}

type mangleSession struct {
	conn      transport.Conn
	threshold int
	remaining int
}

func (s *mangleSession) OpenChannel(ctx context.Context, purpose string) (transport.Stream, error) {
	stream, err := s.conn.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	return &corruptingStream{Stream: stream, threshold: s.threshold, remaining: s.remaining}, nil
}

func (s *mangleSession) OnLost(fn func(error)) func() { return func() {} }

func TestTransferRecoversFromCorruptChunk(t *testing.T) {
	sender, receiver := connPair(t)
	engine := testEngine(32*1024, 4)
	downloadDir := t.TempDir()

	path, data := writeTempFile(t, 32*1024*4)
	pathCh, errCh := receive(t, engine, receiver, downloadDir)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Corrupt the first two chunk payloads once each; resends are clean.
	handle, err := engine.Send(ctx, &mangleSession{conn: sender, threshold: 16 * 1024, remaining: 2}, path)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := handle.Wait(ctx); err != nil {
		t.Fatalf("transfer did not recover: %v", err)
	}

	select {
	case finalPath := <-pathCh:
		got, err := os.ReadFile(finalPath)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Fatal("received file differs after retries")
		}
	case err := <-errCh:
		t.Fatalf("receive: %v", err)
	}
}

func TestTransferFailsOnPersistentCorruption(t *testing.T) {
	sender, receiver := connPair(t)
	engine := testEngine(32*1024, 2)
	downloadDir := t.TempDir()

	path, _ := writeTempFile(t, 32*1024)
	_, errCh := receive(t, engine, receiver, downloadDir)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Every payload write is corrupted; retries cannot help.
	handle, err := engine.Send(ctx, &mangleSession{conn: sender, threshold: 16 * 1024, remaining: -1}, path)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := handle.Wait(ctx); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}
	if got := handle.Status(); got != StatusFailed {
		t.Errorf("status = %v, want failed", got)
	}
	select {
	case err := <-errCh:
		if err == nil {
			t.Error("receiver finished despite corruption")
		}
	case <-time.After(5 * time.Second):
	}
}

// countingStream counts writes that look like full chunk payloads.
type countingStream struct {
	transport.Stream
	chunkSize int
	mu        sync.Mutex
	chunks    int
}

func (c *countingStream) Write(p []byte) (int, error) {
	if len(p) == c.chunkSize {
		c.mu.Lock()
		c.chunks++
		c.mu.Unlock()
	}
	return c.Stream.Write(p)
}

type countingSession struct {
	conn      transport.Conn
	chunkSize int
	stream    *countingStream
}

func (s *countingSession) OpenChannel(ctx context.Context, purpose string) (transport.Stream, error) {
	inner, err := s.conn.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	s.stream = &countingStream{Stream: inner, chunkSize: s.chunkSize}
	return s.stream, nil
}

func (s *countingSession) OnLost(fn func(error)) func() { return func() {} }

func TestTransferResumeSkipsHeldChunks(t *testing.T) {
	const chunkSize = 32 * 1024
	const totalChunks = 8

	sender, receiver := connPair(t)
	engine := testEngine(chunkSize, 4)
	downloadDir := t.TempDir()

	path, data := writeTempFile(t, chunkSize*totalChunks)
	checksum := sha256.Sum256(data)
	fileID := FileID(checksum)

	// Seed state from a previous attempt: first half already on disk.
	sidecar, err := LoadOrCreateSidecar(SidecarPath(downloadDir, fileID), fileID, int64(len(data)), chunkSize)
	if err != nil {
		t.Fatalf("seed sidecar: %v", err)
	}
	partial := filepath.Join(downloadDir, "payload.bin.part")
	file, err := os.OpenFile(partial, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("seed partial: %v", err)
	}
	for i := 0; i < totalChunks/2; i++ {
		off := i * chunkSize
		if _, err := file.WriteAt(data[off:off+chunkSize], int64(off)); err != nil {
			t.Fatalf("seed chunk %d: %v", i, err)
		}
		sidecar.MarkComplete(uint32(i))
	}
	file.Close()
	if err := sidecar.Flush(); err != nil {
		t.Fatalf("flush seed: %v", err)
	}

	pathCh, errCh := receive(t, engine, receiver, downloadDir)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	session := &countingSession{conn: sender, chunkSize: chunkSize}
	handle, err := engine.Send(ctx, session, path)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := handle.Wait(ctx); err != nil {
		t.Fatalf("resume transfer failed: %v", err)
	}

	select {
	case finalPath := <-pathCh:
		got, err := os.ReadFile(finalPath)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Fatal("resumed file differs from original")
		}
	case err := <-errCh:
		t.Fatalf("receive: %v", err)
	}

	session.stream.mu.Lock()
	sent := session.stream.chunks
	session.stream.mu.Unlock()
	if sent != totalChunks/2 {
		t.Errorf("sent %d chunks, want %d", sent, totalChunks/2)
	}
}

func TestTransferInterruptedBySessionLoss(t *testing.T) {
	sender, _ := connPair(t)
	engine := testEngine(32*1024, 2)

	path, _ := writeTempFile(t, 32*1024*16)

	// No receiver ever answers, so the transfer stalls until the session
	// is reported lost.
	session := &fakeSession{conn: sender}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	handle, err := engine.Send(ctx, session, path)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	session.lose(errors.New("connection reset"))

	if err := handle.Wait(ctx); err == nil {
		t.Fatal("expected error after session loss")
	}
	if !handle.Resumable() {
		t.Errorf("handle not resumable after session loss, status %v err %v", handle.Status(), handle.Err())
	}
}

func TestResumeKeepsHandleRegistered(t *testing.T) {
	sender, _ := connPair(t)
	engine := testEngine(32*1024, 2)
	engine.grace = 250 * time.Millisecond

	path, _ := writeTempFile(t, 32*1024*16)

	session := &fakeSession{conn: sender}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	handle, err := engine.Send(ctx, session, path)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	session.lose(errors.New("connection reset"))
	if handle.Wait(ctx); !handle.Resumable() {
		t.Fatalf("handle not resumable, status %v err %v", handle.Status(), handle.Err())
	}

	// Resume before the eviction clock from the failed attempt fires;
	// the new attempt stalls with no receiver, which is fine here
	sender2, _ := connPair(t)
	if err := handle.Resume(ctx, &fakeSession{conn: sender2}); err != nil {
		t.Fatalf("resume: %v", err)
	}

	time.Sleep(600 * time.Millisecond)
	if _, ok := engine.Lookup(handle.ID); !ok {
		t.Fatal("resumed handle evicted while in progress")
	}
	if got := handle.Status(); got != StatusInProgress {
		t.Fatalf("status = %v, want in_progress", got)
	}

	// A terminal handle is still evicted after the grace period
	handle.Cancel()
	handle.Wait(ctx)
	time.Sleep(600 * time.Millisecond)
	if _, ok := engine.Lookup(handle.ID); ok {
		t.Fatal("cancelled handle never evicted")
	}
}

func TestHandleCancel(t *testing.T) {
	sender, _ := connPair(t)
	engine := testEngine(32*1024, 2)

	path, _ := writeTempFile(t, 32*1024*16)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	handle, err := engine.Send(ctx, &fakeSession{conn: sender}, path)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	handle.Cancel()

	if err := handle.Wait(ctx); err == nil {
		t.Fatal("expected error after cancel")
	}
	if got := handle.Status(); got != StatusCancelled {
		t.Errorf("status = %v, want cancelled", got)
	}
	handle.Cancel()
}

func TestSendRejectsMissingFile(t *testing.T) {
	sender, _ := connPair(t)
	engine := testEngine(0, 0)

	ctx := context.Background()
	if _, err := engine.Send(ctx, &fakeSession{conn: sender}, filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := engine.Send(ctx, &fakeSession{conn: sender}, t.TempDir()); err == nil {
		t.Fatal("expected error for directory")
	}
}

func TestBitmapCountAndFull(t *testing.T) {
	bm := NewBitmap(10)
	if bm.Count() != 0 || bm.Full() {
		t.Fatal("fresh bitmap not empty")
	}
	for i := 0; i < 10; i++ {
		bm.Set(i)
	}
	if !bm.Full() || bm.Count() != 10 {
		t.Errorf("count = %d, full = %v", bm.Count(), bm.Full())
	}
	bm.Set(99)
	if bm.Get(99) {
		t.Error("out of range set took effect")
	}

	restored, err := BitmapFromBytes(bm.Bytes(), 10)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !restored.Full() {
		t.Error("restored bitmap lost bits")
	}
	if _, err := BitmapFromBytes([]byte{1}, 100); err == nil {
		t.Error("size mismatch not rejected")
	}
}

func TestSidecarSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	path := SidecarPath(dir, "abc123")

	sc, err := LoadOrCreateSidecar(path, "abc123", 1<<20, 64*1024)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sc.MarkComplete(0)
	sc.MarkComplete(3)
	if err := sc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reloaded, err := LoadSidecar(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.IsComplete(0) || !reloaded.IsComplete(3) || reloaded.IsComplete(1) {
		t.Error("reloaded bitmap differs")
	}
	if reloaded.Received() != 2 {
		t.Errorf("received = %d, want 2", reloaded.Received())
	}

	// Different parameters discard stale state.
	fresh, err := LoadOrCreateSidecar(path, "abc123", 2<<20, 64*1024)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if fresh.Received() != 0 {
		t.Error("stale state kept for changed file size")
	}
}

func TestSidecarRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := SidecarPath(dir, "abc123")
	sc, err := LoadOrCreateSidecar(path, "abc123", 1<<20, 64*1024)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sc.MarkComplete(1)
	if err := sc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data[len(data)/2] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if _, err := LoadSidecar(path); err == nil {
		t.Fatal("corrupt sidecar accepted")
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "../../etc/passwd"} {
		if err := validateName(name); err == nil {
			t.Errorf("name %q accepted", name)
		}
	}
	for _, name := range []string{"photo.jpg", "archive.tar.gz", "no extension"} {
		if err := validateName(name); err != nil {
			t.Errorf("name %q rejected: %v", name, err)
		}
	}
}

func TestAvailablePathAvoidsClobber(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "file.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "file (1).txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := availablePath(dir, "file.txt"); got != filepath.Join(dir, "file (2).txt") {
		t.Errorf("availablePath = %q", got)
	}
	if got := availablePath(dir, "new.txt"); got != filepath.Join(dir, "new.txt") {
		t.Errorf("availablePath = %q", got)
	}
}
