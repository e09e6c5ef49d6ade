// Package identity manages this device's stable identity: an Ed25519
// signing keypair plus the human-readable names announced to peers.
// The identity is created at engine init and immutable for the process
// lifetime; with a key directory configured it persists across restarts.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nearwire/nearwire/internal/crypto"
)

const (
	privateKeyFile = "identity.key"
	publicKeyFile  = "identity.pub"
)

// Identity is this device's stable identity.
type Identity struct {
	PeerID     string
	DeviceName string
	UserName   string

	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// Load creates or loads the device identity. keyDir == "" keeps the keypair
// in memory only, generating fresh keys each run.
func Load(keyDir, deviceName, userName string) (*Identity, error) {
	var (
		privateKey ed25519.PrivateKey
		publicKey  ed25519.PublicKey
		err        error
	)

	if keyDir == "" {
		publicKey, privateKey, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate identity keypair: %w", err)
		}
	} else {
		if err := os.MkdirAll(keyDir, 0o700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
		privateKey, publicKey, err = crypto.EnsureEd25519KeyPair(
			filepath.Join(keyDir, privateKeyFile),
			filepath.Join(keyDir, publicKeyFile),
		)
		if err != nil {
			return nil, err
		}
	}

	return &Identity{
		PeerID:     crypto.KeyFingerprint(publicKey),
		DeviceName: deviceName,
		UserName:   userName,
		privateKey: privateKey,
		publicKey:  publicKey,
	}, nil
}

// PublicKey returns the identity public key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.publicKey
}

// Sign signs message with the identity private key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.privateKey, message)
}

// Verify checks a signature against a peer's public key.
func Verify(publicKey ed25519.PublicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}

// PeerIDFor derives the peer ID a given public key must present.
func PeerIDFor(publicKey ed25519.PublicKey) string {
	return crypto.KeyFingerprint(publicKey)
}
