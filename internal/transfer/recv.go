package transfer

import (
	"context"
	"crypto/sha256"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nearwire/nearwire/internal/transport"
)

// Receive handles one incoming transfer channel and returns the path the
// completed file was written to. Partial data and resume state survive
// interruption so a later attempt for the same file continues where this
// one stopped.
func (e *Engine) Receive(ctx context.Context, stream transport.Stream, downloadDir string) (string, error) {
	stop := watchClose(ctx, stream)
	defer stop()

	if err := readMagic(stream); err != nil {
		return "", err
	}
	t, err := readType(stream)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if t != msgFileBegin {
		return "", fmt.Errorf("%w: expected FileBegin, got 0x%02x", ErrBadHeader, t)
	}
	begin, err := readFileBegin(stream)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadHeader, err)
	}

	fileID := FileID(begin.Checksum)
	log := e.logger.With("file", begin.Name, "file_id", fileID)

	sidecar, err := LoadOrCreateSidecar(SidecarPath(downloadDir, fileID), fileID, begin.FileSize, begin.ChunkSize)
	if err != nil {
		return "", fmt.Errorf("%w: resume state: %v", ErrTransferFailed, err)
	}

	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	partialPath := filepath.Join(downloadDir, begin.Name+".part")
	file, err := os.OpenFile(partialPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	defer file.Close()

	if sidecar.Received() > 0 {
		log.Info("resuming incoming transfer", "have", sidecar.Received(), "total", sidecar.TotalChunks)
	}

	if err := writeResumeInfo(stream, ResumeInfo{
		TotalChunks: sidecar.TotalChunks,
		Bitmap:      sidecar.BitmapBytes(),
	}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	sinceFlush := 0
	for {
		t, err := readType(stream)
		if err != nil {
			sidecar.Flush()
			return "", fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		switch t {
		case msgChunkData:
			hdr, err := readChunkHeader(stream)
			if err != nil {
				sidecar.Flush()
				return "", fmt.Errorf("%w: %v", ErrTransferFailed, err)
			}
			payload := make([]byte, hdr.Length)
			if _, err := io.ReadFull(stream, payload); err != nil {
				sidecar.Flush()
				return "", fmt.Errorf("%w: %v", ErrTransferFailed, err)
			}

			ok := hdr.Index < sidecar.TotalChunks &&
				crc32.Checksum(payload, crc32cTable) == hdr.CRC
			if ok && !sidecar.IsComplete(hdr.Index) {
				offset := int64(hdr.Index) * int64(begin.ChunkSize)
				if _, err := file.WriteAt(payload, offset); err != nil {
					sidecar.Flush()
					return "", fmt.Errorf("%w: %v", ErrTransferFailed, err)
				}
				sidecar.MarkComplete(hdr.Index)
				sinceFlush++
				if sinceFlush >= sidecarFlushEvery {
					if err := sidecar.Flush(); err != nil {
						log.Warn("resume state flush failed", "err", err)
					}
					sinceFlush = 0
				}
			}
			if !ok {
				log.Warn("chunk failed checksum", "index", hdr.Index)
			}
			if err := writeChunkAck(stream, ChunkAck{Index: hdr.Index, OK: ok}); err != nil {
				sidecar.Flush()
				return "", fmt.Errorf("%w: %v", ErrTransferFailed, err)
			}

		case msgFileEnd:
			if err := sidecar.Flush(); err != nil {
				log.Warn("resume state flush failed", "err", err)
			}
			return e.finishReceive(stream, file, partialPath, downloadDir, begin, sidecar, log)

		default:
			sidecar.Flush()
			return "", fmt.Errorf("%w: unexpected message 0x%02x", ErrTransferFailed, t)
		}
	}
}

// finishReceive verifies the assembled file and delivers the verdict.
func (e *Engine) finishReceive(stream transport.Stream, file *os.File, partialPath, downloadDir string, begin FileBegin, sidecar *Sidecar, log *slog.Logger) (string, error) {
	refuse := func(reason string) (string, error) {
		writeFileDone(stream, FileDone{OK: false, ErrMsg: reason})
		return "", fmt.Errorf("%w: %s", ErrIntegrity, reason)
	}

	if !sidecar.Complete() {
		return refuse(fmt.Sprintf("missing chunks: %d of %d received", sidecar.Received(), sidecar.TotalChunks))
	}
	if err := file.Truncate(begin.FileSize); err != nil {
		return refuse("truncate failed")
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return refuse("seek failed")
	}
	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return refuse("read back failed")
	}
	var sum [checksumSize]byte
	copy(sum[:], hasher.Sum(nil))
	if sum != begin.Checksum {
		return refuse("file checksum mismatch")
	}

	if err := file.Close(); err != nil {
		return refuse("close failed")
	}
	finalPath := availablePath(downloadDir, begin.Name)
	if err := os.Rename(partialPath, finalPath); err != nil {
		return refuse("rename failed")
	}
	sidecar.Remove()

	if err := writeFileDone(stream, FileDone{OK: true}); err != nil {
		return finalPath, fmt.Errorf("%w: verdict not delivered: %v", ErrTransferFailed, err)
	}
	log.Info("file received", "path", finalPath, "size", begin.FileSize)
	return finalPath, nil
}

// availablePath picks a destination that does not clobber an existing
// file, appending " (n)" before the extension as needed.
func availablePath(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(name)
	base := name[:len(name)-len(ext)]
	for i := 1; ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// watchClose closes the stream when ctx ends, unblocking reads. The
// returned stop function disarms the watchdog.
func watchClose(ctx context.Context, stream transport.Stream) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}
