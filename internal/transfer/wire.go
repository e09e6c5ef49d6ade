// Package transfer moves files between peers in fixed-size chunks with
// windowed acknowledgements, per-chunk CRC32-C, a whole-file SHA-256
// check, and crash-safe resume state on the receiving side.
package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	transferMagic = "NWT1"

	msgFileBegin  = byte(0x01)
	msgResumeInfo = byte(0x02)
	msgChunkData  = byte(0x03)
	msgChunkAck   = byte(0x04)
	msgFileEnd    = byte(0x05)
	msgFileDone   = byte(0x06)

	maxNameLength = 256
	maxChunkSize  = 8 << 20
	maxFileSize   = int64(4) << 40

	checksumSize = 32
)

var (
	// ErrIntegrity means received data failed its checksum; the transfer
	// never completes silently corrupted.
	ErrIntegrity = errors.New("transfer integrity check failed")

	// ErrBadHeader means the stream did not speak the transfer protocol.
	ErrBadHeader = errors.New("invalid transfer header")

	errInvalidName = errors.New("invalid file name")
)

// FileBegin announces one file: its name, size, chunking, and the
// SHA-256 the assembled file must hash to.
type FileBegin struct {
	Name      string
	FileSize  int64
	ChunkSize uint32
	Checksum  [checksumSize]byte
}

// ResumeInfo is the receiver's reply to FileBegin: which chunks it
// already holds from a previous attempt.
type ResumeInfo struct {
	TotalChunks uint32
	Bitmap      []byte
}

// ChunkHeader precedes one chunk payload on the wire.
type ChunkHeader struct {
	Index  uint32
	Length uint32
	CRC    uint32
}

// ChunkAck acknowledges one chunk. OK false asks for a resend.
type ChunkAck struct {
	Index uint32
	OK    bool
}

// FileDone is the receiver's verdict after FileEnd.
type FileDone struct {
	OK     bool
	ErrMsg string
}

// validateName rejects path traversal and oversized names.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return errInvalidName
	}
	if strings.ContainsAny(name, `/\`) {
		return errInvalidName
	}
	if len(name) > maxNameLength {
		return errInvalidName
	}
	return nil
}

func writeMagic(w io.Writer) error {
	_, err := w.Write([]byte(transferMagic))
	return err
}

func readMagic(r io.Reader) error {
	buf := make([]byte, len(transferMagic))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if string(buf) != transferMagic {
		return ErrBadHeader
	}
	return nil
}

func writeFileBegin(w io.Writer, msg FileBegin) error {
	if err := validateName(msg.Name); err != nil {
		return err
	}
	if _, err := w.Write([]byte{msgFileBegin}); err != nil {
		return err
	}
	name := []byte(msg.Name)
	if err := binary.Write(w, binary.BigEndian, uint16(len(name))); err != nil {
		return err
	}
	if _, err := w.Write(name); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint64(msg.FileSize)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, msg.ChunkSize); err != nil {
		return err
	}
	_, err := w.Write(msg.Checksum[:])
	return err
}

func readFileBegin(r io.Reader) (FileBegin, error) {
	var msg FileBegin

	var nameLen uint16
	if err := binary.Read(r, binary.BigEndian, &nameLen); err != nil {
		return msg, err
	}
	if nameLen > maxNameLength {
		return msg, errInvalidName
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return msg, err
	}
	msg.Name = string(name)
	if err := validateName(msg.Name); err != nil {
		return msg, err
	}

	var size uint64
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return msg, err
	}
	if int64(size) > maxFileSize {
		return msg, fmt.Errorf("file size %d exceeds limit", size)
	}
	msg.FileSize = int64(size)

	if err := binary.Read(r, binary.BigEndian, &msg.ChunkSize); err != nil {
		return msg, err
	}
	if msg.ChunkSize == 0 || msg.ChunkSize > maxChunkSize {
		return msg, fmt.Errorf("invalid chunk size %d", msg.ChunkSize)
	}

	if _, err := io.ReadFull(r, msg.Checksum[:]); err != nil {
		return msg, err
	}
	return msg, nil
}

func writeResumeInfo(w io.Writer, msg ResumeInfo) error {
	if _, err := w.Write([]byte{msgResumeInfo}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, msg.TotalChunks); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(msg.Bitmap))); err != nil {
		return err
	}
	_, err := w.Write(msg.Bitmap)
	return err
}

func readResumeInfo(r io.Reader) (ResumeInfo, error) {
	var msg ResumeInfo
	if err := binary.Read(r, binary.BigEndian, &msg.TotalChunks); err != nil {
		return msg, err
	}
	var bitmapLen uint32
	if err := binary.Read(r, binary.BigEndian, &bitmapLen); err != nil {
		return msg, err
	}
	if bitmapLen > uint32((int(msg.TotalChunks)+7)/8) {
		return msg, fmt.Errorf("bitmap length %d out of range", bitmapLen)
	}
	msg.Bitmap = make([]byte, bitmapLen)
	_, err := io.ReadFull(r, msg.Bitmap)
	return msg, err
}

func writeChunk(w io.Writer, hdr ChunkHeader, payload []byte) error {
	if _, err := w.Write([]byte{msgChunkData}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, hdr.Index); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, hdr.Length); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, hdr.CRC); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readChunkHeader(r io.Reader) (ChunkHeader, error) {
	var hdr ChunkHeader
	if err := binary.Read(r, binary.BigEndian, &hdr.Index); err != nil {
		return hdr, err
	}
	if err := binary.Read(r, binary.BigEndian, &hdr.Length); err != nil {
		return hdr, err
	}
	if hdr.Length > maxChunkSize {
		return hdr, fmt.Errorf("chunk length %d exceeds limit", hdr.Length)
	}
	err := binary.Read(r, binary.BigEndian, &hdr.CRC)
	return hdr, err
}

func writeChunkAck(w io.Writer, ack ChunkAck) error {
	ok := byte(0)
	if ack.OK {
		ok = 1
	}
	buf := make([]byte, 6)
	buf[0] = msgChunkAck
	binary.BigEndian.PutUint32(buf[1:5], ack.Index)
	buf[5] = ok
	_, err := w.Write(buf)
	return err
}

func readChunkAck(r io.Reader) (ChunkAck, error) {
	var ack ChunkAck
	if err := binary.Read(r, binary.BigEndian, &ack.Index); err != nil {
		return ack, err
	}
	var ok [1]byte
	if _, err := io.ReadFull(r, ok[:]); err != nil {
		return ack, err
	}
	ack.OK = ok[0] == 1
	return ack, nil
}

func writeFileEnd(w io.Writer) error {
	_, err := w.Write([]byte{msgFileEnd})
	return err
}

func writeFileDone(w io.Writer, done FileDone) error {
	if _, err := w.Write([]byte{msgFileDone}); err != nil {
		return err
	}
	ok := byte(0)
	if done.OK {
		ok = 1
	}
	if _, err := w.Write([]byte{ok}); err != nil {
		return err
	}
	msg := []byte(done.ErrMsg)
	if len(msg) > 1024 {
		msg = msg[:1024]
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(msg))); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func readFileDone(r io.Reader) (FileDone, error) {
	var done FileDone
	var ok [1]byte
	if _, err := io.ReadFull(r, ok[:]); err != nil {
		return done, err
	}
	done.OK = ok[0] == 1
	var msgLen uint16
	if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
		return done, err
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return done, err
	}
	done.ErrMsg = string(msg)
	return done, nil
}

// readType reads the next message type byte.
func readType(r io.Reader) (byte, error) {
	var t [1]byte
	if _, err := io.ReadFull(r, t[:]); err != nil {
		return 0, err
	}
	return t[0], nil
}
