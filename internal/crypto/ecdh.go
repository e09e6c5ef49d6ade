package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// SessionKeySize is the derived AES-256 key length.
	SessionKeySize = 32

	sessionKeyInfo = "nearwire session key v1"
)

var x25519Curve = ecdh.X25519()

// GenerateX25519PrivateKey creates a fresh ephemeral X25519 private key.
func GenerateX25519PrivateKey() (*ecdh.PrivateKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, nil
}

// ParseX25519PublicKey parses a peer's raw X25519 public key bytes.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// DeriveSessionKeys computes the shared X25519 secret and expands it with
// HKDF-SHA256 into two directional session keys. The salt binds the keys to
// this handshake (both nonces concatenated in a fixed order), so replaying a
// captured exchange yields different keys.
//
// Both sides call this with the same salt; initiator send key == responder
// recv key and vice versa.
func DeriveSessionKeys(private *ecdh.PrivateKey, remote *ecdh.PublicKey, salt []byte) (initToResp, respToInit []byte, err error) {
	secret, err := private.ECDH(remote)
	if err != nil {
		return nil, nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}

	reader := hkdf.New(sha256.New, secret, salt, []byte(sessionKeyInfo))
	initToResp = make([]byte, SessionKeySize)
	if _, err := io.ReadFull(reader, initToResp); err != nil {
		return nil, nil, fmt.Errorf("derive initiator key: %w", err)
	}
	respToInit = make([]byte, SessionKeySize)
	if _, err := io.ReadFull(reader, respToInit); err != nil {
		return nil, nil, fmt.Errorf("derive responder key: %w", err)
	}

	return initToResp, respToInit, nil
}
