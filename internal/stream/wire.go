// Package stream sends live media frames between peers with bitrate
// pacing, a bounded outbound queue, and quality degradation under
// sustained congestion. Capture and encoding stay outside; callers
// inject a FrameSource.
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/nearwire/nearwire/pkg/protocol"
)

const (
	streamMagic = "NWS1"

	msgStreamBegin = byte(0x01)
	msgFrame       = byte(0x02)
	msgQuality     = byte(0x03)
	msgStreamEnd   = byte(0x04)

	flagKeyframe = byte(0x01)

	// maxFrameSize bounds a single encoded frame on the wire.
	maxFrameSize = 4 << 20
)

// ErrBadHeader means the channel did not speak the stream protocol.
var ErrBadHeader = errors.New("invalid stream header")

// streamBegin opens a media channel: what is streamed and at what
// quality.
type streamBegin struct {
	Kind    protocol.StreamKind
	Quality uint8
}

// frameHeader precedes one frame payload.
type frameHeader struct {
	Seq       uint64
	Timestamp int64 // unix microseconds
	Flags     byte
	Length    uint32
}

func writeStreamBegin(w io.Writer, msg streamBegin) error {
	if _, err := w.Write([]byte(streamMagic)); err != nil {
		return err
	}
	if _, err := w.Write([]byte{msgStreamBegin}); err != nil {
		return err
	}
	kind := []byte(msg.Kind)
	if err := binary.Write(w, binary.BigEndian, uint8(len(kind))); err != nil {
		return err
	}
	if _, err := w.Write(kind); err != nil {
		return err
	}
	_, err := w.Write([]byte{msg.Quality})
	return err
}

func readStreamBegin(r io.Reader) (streamBegin, error) {
	var msg streamBegin

	magic := make([]byte, len(streamMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if string(magic) != streamMagic {
		return msg, ErrBadHeader
	}
	t, err := readType(r)
	if err != nil {
		return msg, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if t != msgStreamBegin {
		return msg, fmt.Errorf("%w: expected StreamBegin, got 0x%02x", ErrBadHeader, t)
	}

	var kindLen uint8
	if err := binary.Read(r, binary.BigEndian, &kindLen); err != nil {
		return msg, err
	}
	kind := make([]byte, kindLen)
	if _, err := io.ReadFull(r, kind); err != nil {
		return msg, err
	}
	msg.Kind = protocol.StreamKind(kind)
	if !protocol.ValidStreamKind(msg.Kind) {
		return msg, fmt.Errorf("%w: %q", ErrInvalidKind, msg.Kind)
	}

	var quality [1]byte
	if _, err := io.ReadFull(r, quality[:]); err != nil {
		return msg, err
	}
	if quality[0] > 100 {
		return msg, fmt.Errorf("%w: %d", ErrInvalidQuality, quality[0])
	}
	msg.Quality = quality[0]
	return msg, nil
}

func writeFrame(w io.Writer, hdr frameHeader, payload []byte) error {
	buf := make([]byte, 1+8+8+1+4)
	buf[0] = msgFrame
	binary.BigEndian.PutUint64(buf[1:9], hdr.Seq)
	binary.BigEndian.PutUint64(buf[9:17], uint64(hdr.Timestamp))
	buf[17] = hdr.Flags
	binary.BigEndian.PutUint32(buf[18:22], hdr.Length)
	if _, err := w.Write(buf); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrameHeader(r io.Reader) (frameHeader, error) {
	var hdr frameHeader
	buf := make([]byte, 8+8+1+4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return hdr, err
	}
	hdr.Seq = binary.BigEndian.Uint64(buf[0:8])
	hdr.Timestamp = int64(binary.BigEndian.Uint64(buf[8:16]))
	hdr.Flags = buf[16]
	hdr.Length = binary.BigEndian.Uint32(buf[17:21])
	if hdr.Length > maxFrameSize {
		return hdr, fmt.Errorf("frame length %d exceeds limit", hdr.Length)
	}
	return hdr, nil
}

func writeQuality(w io.Writer, quality uint8) error {
	_, err := w.Write([]byte{msgQuality, quality})
	return err
}

func readQuality(r io.Reader) (uint8, error) {
	var q [1]byte
	if _, err := io.ReadFull(r, q[:]); err != nil {
		return 0, err
	}
	return q[0], nil
}

func writeStreamEnd(w io.Writer) error {
	_, err := w.Write([]byte{msgStreamEnd})
	return err
}

func readType(r io.Reader) (byte, error) {
	var t [1]byte
	if _, err := io.ReadFull(r, t[:]); err != nil {
		return 0, err
	}
	return t[0], nil
}
