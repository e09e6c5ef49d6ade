package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"
)

func TestEnsureEd25519KeyPairPersists(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "identity.key")
	pubPath := filepath.Join(dir, "identity.pub")

	priv1, pub1, err := EnsureEd25519KeyPair(privPath, pubPath)
	if err != nil {
		t.Fatalf("first EnsureEd25519KeyPair: %v", err)
	}

	priv2, pub2, err := EnsureEd25519KeyPair(privPath, pubPath)
	if err != nil {
		t.Fatalf("second EnsureEd25519KeyPair: %v", err)
	}

	if !bytes.Equal(priv1, priv2) || !bytes.Equal(pub1, pub2) {
		t.Fatalf("keypair changed between runs")
	}
}

func TestKeyFingerprintStable(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	fp := KeyFingerprint(pub)
	if len(fp) != 32 {
		t.Fatalf("fingerprint length = %d, want 32", len(fp))
	}
	if fp != KeyFingerprint(pub) {
		t.Fatalf("fingerprint not deterministic")
	}

	other, _, _ := ed25519.GenerateKey(rand.Reader)
	if fp == KeyFingerprint(other) {
		t.Fatalf("distinct keys share a fingerprint")
	}
}

func TestDeriveSessionKeysAgree(t *testing.T) {
	alice, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate alice key: %v", err)
	}
	bob, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate bob key: %v", err)
	}

	salt := []byte("handshake-nonces")

	aliceSend, aliceRecv, err := DeriveSessionKeys(alice, bob.PublicKey(), salt)
	if err != nil {
		t.Fatalf("alice derive: %v", err)
	}
	bobSend, bobRecv, err := DeriveSessionKeys(bob, alice.PublicKey(), salt)
	if err != nil {
		t.Fatalf("bob derive: %v", err)
	}

	// Directional keys line up across the two sides
	if !bytes.Equal(aliceSend, bobSend) || !bytes.Equal(aliceRecv, bobRecv) {
		t.Fatalf("derived keys disagree")
	}
	if bytes.Equal(aliceSend, aliceRecv) {
		t.Fatalf("directional keys should differ")
	}

	// A different salt must give different keys
	otherSend, _, err := DeriveSessionKeys(alice, bob.PublicKey(), []byte("other-salt"))
	if err != nil {
		t.Fatalf("derive with other salt: %v", err)
	}
	if bytes.Equal(aliceSend, otherSend) {
		t.Fatalf("salt does not affect derived keys")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, SessionKeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}

	plaintext := []byte("chunk 42 of holiday-photos.tar")
	ciphertext, nonce, err := Seal(key, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, err := Open(key, nonce, ciphertext)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round-trip mismatch")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	key := make([]byte, SessionKeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}

	ciphertext, nonce, err := Seal(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	ciphertext[0] ^= 0xFF
	if _, err := Open(key, nonce, ciphertext); err == nil {
		t.Fatalf("expected decryption failure for tampered ciphertext")
	}
}

func TestSealRejectsBadKey(t *testing.T) {
	if _, _, err := Seal(make([]byte, 16), []byte("x")); err == nil {
		t.Fatalf("expected error for short key")
	}
}
