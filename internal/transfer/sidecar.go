package transfer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
)

// Sidecar persists a receiver's chunk bitmap next to the partial file so
// an interrupted transfer can resume after a crash or session loss.
// Layout: magic, version, chunk size, file size, chunk count, file ID,
// bitmap, trailing CRC32-C over everything before it.
const (
	sidecarMagic   = "NWR1"
	sidecarVersion = uint16(1)
	sidecarSuffix  = ".nwmap"
	sidecarDirName = ".nearwire_resume"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Sidecar is the on-disk resume state for one incoming file.
type Sidecar struct {
	Path        string
	FileID      string
	FileSize    int64
	ChunkSize   uint32
	TotalChunks uint32

	mu     sync.Mutex
	bitmap *Bitmap
	dirty  bool
}

// SidecarPath returns where the resume state for a file ID lives.
func SidecarPath(downloadDir, fileID string) string {
	if fileID == "" {
		fileID = "unknown"
	}
	return filepath.Join(downloadDir, sidecarDirName, fileID+sidecarSuffix)
}

// LoadOrCreateSidecar restores matching resume state or starts fresh.
// State recorded for different file parameters is discarded.
func LoadOrCreateSidecar(path, fileID string, fileSize int64, chunkSize uint32) (*Sidecar, error) {
	if chunkSize == 0 {
		return nil, fmt.Errorf("chunk size must be positive")
	}

	if sc, err := LoadSidecar(path); err == nil {
		if sc.FileID == fileID && sc.FileSize == fileSize && sc.ChunkSize == chunkSize {
			return sc, nil
		}
		os.Remove(path)
	}

	total := uint32((fileSize + int64(chunkSize) - 1) / int64(chunkSize))
	if total == 0 {
		total = 1
	}
	sc := &Sidecar{
		Path:        path,
		FileID:      fileID,
		FileSize:    fileSize,
		ChunkSize:   chunkSize,
		TotalChunks: total,
		bitmap:      NewBitmap(int(total)),
		dirty:       true,
	}
	if err := sc.Flush(); err != nil {
		return nil, err
	}
	return sc, nil
}

// LoadSidecar reads resume state from disk, verifying its checksum.
func LoadSidecar(path string) (*Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < len(sidecarMagic)+4 || string(data[:len(sidecarMagic)]) != sidecarMagic {
		return nil, fmt.Errorf("not a resume sidecar")
	}

	body := data[:len(data)-4]
	storedCRC := binary.BigEndian.Uint32(data[len(data)-4:])
	if crc32.Checksum(body, crc32cTable) != storedCRC {
		return nil, fmt.Errorf("sidecar checksum mismatch")
	}

	r := bytes.NewReader(data[len(sidecarMagic):])
	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, err
	}
	if version != sidecarVersion {
		return nil, fmt.Errorf("unsupported sidecar version %d", version)
	}

	var (
		chunkSize uint32
		fileSize  uint64
		total     uint32
		idLen     uint16
	)
	if err := binary.Read(r, binary.BigEndian, &chunkSize); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &fileSize); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &total); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &idLen); err != nil {
		return nil, err
	}
	fileID := make([]byte, idLen)
	if _, err := r.Read(fileID); err != nil {
		return nil, err
	}
	var bitmapLen uint32
	if err := binary.Read(r, binary.BigEndian, &bitmapLen); err != nil {
		return nil, err
	}
	raw := make([]byte, bitmapLen)
	if _, err := r.Read(raw); err != nil {
		return nil, err
	}
	bm, err := BitmapFromBytes(raw, int(total))
	if err != nil {
		return nil, err
	}

	return &Sidecar{
		Path:        path,
		FileID:      string(fileID),
		FileSize:    int64(fileSize),
		ChunkSize:   chunkSize,
		TotalChunks: total,
		bitmap:      bm,
	}, nil
}

// MarkComplete records chunk i as received and verified.
func (s *Sidecar) MarkComplete(i uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= s.TotalChunks {
		return
	}
	s.bitmap.Set(int(i))
	s.dirty = true
}

// IsComplete reports whether chunk i was already received.
func (s *Sidecar) IsComplete(i uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitmap.Get(int(i))
}

// Complete reports whether every chunk has been received.
func (s *Sidecar) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitmap.Full()
}

// BitmapBytes returns the wire form of the completion bitmap.
func (s *Sidecar) BitmapBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitmap.Bytes()
}

// Received returns how many chunks are complete.
func (s *Sidecar) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitmap.Count()
}

// Flush writes the sidecar to disk atomically if it changed.
func (s *Sidecar) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	buf.WriteString(sidecarMagic)
	binary.Write(buf, binary.BigEndian, sidecarVersion)
	binary.Write(buf, binary.BigEndian, s.ChunkSize)
	binary.Write(buf, binary.BigEndian, uint64(s.FileSize))
	binary.Write(buf, binary.BigEndian, s.TotalChunks)
	binary.Write(buf, binary.BigEndian, uint16(len(s.FileID)))
	buf.WriteString(s.FileID)
	raw := s.bitmap.Bytes()
	binary.Write(buf, binary.BigEndian, uint32(len(raw)))
	buf.Write(raw)
	binary.Write(buf, binary.BigEndian, crc32.Checksum(buf.Bytes(), crc32cTable))

	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Remove deletes the sidecar after a completed transfer.
func (s *Sidecar) Remove() {
	os.Remove(s.Path)
}
