package conn

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nearwire/nearwire/internal/crypto"
	"github.com/nearwire/nearwire/internal/transport"
)

const (
	// maxSealedFrame bounds one encrypted frame on the wire.
	maxSealedFrame = 2 << 20

	gcmNonceSize = 12
)

// secureStream encrypts a transport stream with the directional session
// keys. Each Write becomes one frame: [len u32 BE][nonce][ciphertext].
type secureStream struct {
	inner   transport.Stream
	sendKey []byte
	recvKey []byte

	pending []byte
}

func newSecureStream(inner transport.Stream, sendKey, recvKey []byte) *secureStream {
	return &secureStream{inner: inner, sendKey: sendKey, recvKey: recvKey}
}

func (s *secureStream) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxSealedFrame/2 {
			chunk = chunk[:maxSealedFrame/2]
		}

		ciphertext, nonce, err := crypto.Seal(s.sendKey, chunk)
		if err != nil {
			return written, fmt.Errorf("seal frame: %w", err)
		}

		frame := make([]byte, 4+len(nonce)+len(ciphertext))
		binary.BigEndian.PutUint32(frame[0:4], uint32(len(nonce)+len(ciphertext)))
		copy(frame[4:], nonce)
		copy(frame[4+len(nonce):], ciphertext)

		if _, err := s.inner.Write(frame); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

func (s *secureStream) Read(p []byte) (int, error) {
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}

	var header [4]byte
	if _, err := io.ReadFull(s.inner, header[:]); err != nil {
		return 0, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size < gcmNonceSize || size > maxSealedFrame {
		return 0, fmt.Errorf("invalid sealed frame size %d", size)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(s.inner, frame); err != nil {
		return 0, err
	}

	plaintext, err := crypto.Open(s.recvKey, frame[:gcmNonceSize], frame[gcmNonceSize:])
	if err != nil {
		return 0, fmt.Errorf("open frame: %w", err)
	}

	n := copy(p, plaintext)
	s.pending = plaintext[n:]
	return n, nil
}

func (s *secureStream) Close() error {
	return s.inner.Close()
}

var _ transport.Stream = (*secureStream)(nil)
