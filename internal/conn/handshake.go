package conn

import (
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/nearwire/nearwire/internal/crypto"
	"github.com/nearwire/nearwire/internal/identity"
	"github.com/nearwire/nearwire/internal/transport"
	"github.com/nearwire/nearwire/pkg/protocol"
)

const handshakeNonceSize = 16

// Distinct signing contexts keep the two transcript signatures from being
// reflectable.
var (
	signCtxInitiator = []byte("nearwire-handshake-init-v1")
	signCtxResponder = []byte("nearwire-handshake-resp-v1")
)

// handshakeResult carries everything the manager needs to build a session.
type handshakeResult struct {
	PeerID   string
	PeerName string
	SendKey  []byte
	RecvKey  []byte
	Insecure bool
}

// authorizeFunc lets the responder consult trust policy mid-handshake.
type authorizeFunc func(ctx context.Context, peerID, deviceName, fingerprint string) error

// closeOnDone closes the stream when ctx ends, unblocking stream IO.
// The returned stop func disarms the watchdog.
func closeOnDone(ctx context.Context, stream transport.Stream) (stop func()) {
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

// transcript binds both identities, both ephemeral keys and both nonces
// into one digest that each side signs.
func transcript(init protocol.HandshakeInit, respIdentity, respEph, respNonce []byte) []byte {
	h := sha256.New()
	h.Write([]byte("nearwire-handshake-v1"))
	h.Write([]byte(init.PeerID))
	h.Write(init.IdentityKey)
	h.Write(init.EphemeralKey)
	h.Write(init.Nonce)
	h.Write(respIdentity)
	h.Write(respEph)
	h.Write(respNonce)
	return h.Sum(nil)
}

func signedTranscript(signCtx, digest []byte) []byte {
	return append(append([]byte{}, signCtx...), digest...)
}

// initiateHandshake runs the dialer side of the key exchange on the
// control stream. expectedPeerID guards against connecting to a different
// device than was discovered.
func initiateHandshake(ctx context.Context, stream transport.Stream, id *identity.Identity,
	expectedPeerID string, requireAuth bool) (*handshakeResult, error) {

	stop := closeOnDone(ctx, stream)
	defer stop()

	enc := json.NewEncoder(stream)
	dec := json.NewDecoder(stream)

	init := protocol.HandshakeInit{
		PeerID:     id.PeerID,
		DeviceName: id.DeviceName,
	}

	var ephPriv *ecdh.PrivateKey
	if requireAuth {
		var err error
		ephPriv, err = crypto.GenerateX25519PrivateKey()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		nonce := make([]byte, handshakeNonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		init.IdentityKey = id.PublicKey()
		init.EphemeralKey = ephPriv.PublicKey().Bytes()
		init.Nonce = nonce
		init.Cipher = crypto.CipherAESGCM
	} else {
		init.Cipher = "none"
	}

	env, err := protocol.NewEnvelope(protocol.TypeHandshakeInit, id.PeerID, init)
	if err != nil {
		return nil, err
	}
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("%w: send init: %v", ErrHandshakeFailed, err)
	}

	var respEnv protocol.Envelope
	if err := dec.Decode(&respEnv); err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrHandshakeFailed, err)
	}
	if respEnv.Type == protocol.TypeClose {
		return nil, fmt.Errorf("%w: peer refused", ErrHandshakeFailed)
	}
	var resp protocol.HandshakeResp
	if respEnv.Type != protocol.TypeHandshakeResp || respEnv.DecodePayload(&resp) != nil {
		return nil, fmt.Errorf("%w: unexpected message %q", ErrHandshakeFailed, respEnv.Type)
	}

	if expectedPeerID != "" && resp.PeerID != expectedPeerID {
		return nil, fmt.Errorf("%w: peer is %s, expected %s", ErrHandshakeFailed, resp.PeerID, expectedPeerID)
	}

	if !requireAuth {
		return &handshakeResult{
			PeerID:   resp.PeerID,
			PeerName: resp.DeviceName,
			Insecure: true,
		}, nil
	}

	if resp.Cipher != crypto.CipherAESGCM {
		return nil, fmt.Errorf("%w: unsupported cipher %q", ErrHandshakeFailed, resp.Cipher)
	}

	// The claimed peer ID must be the fingerprint of the proven key
	respPub := ed25519.PublicKey(resp.IdentityKey)
	if identity.PeerIDFor(respPub) != resp.PeerID {
		return nil, fmt.Errorf("%w: peer ID does not match identity key", ErrHandshakeFailed)
	}

	digest := transcript(init, resp.IdentityKey, resp.EphemeralKey, resp.Nonce)
	if !identity.Verify(respPub, signedTranscript(signCtxResponder, digest), resp.Signature) {
		return nil, fmt.Errorf("%w: responder signature invalid", ErrHandshakeFailed)
	}

	done := protocol.HandshakeDone{
		Signature: id.Sign(signedTranscript(signCtxInitiator, digest)),
	}
	doneEnv, err := protocol.NewEnvelope(protocol.TypeHandshakeDone, id.PeerID, done)
	if err != nil {
		return nil, err
	}
	if err := enc.Encode(doneEnv); err != nil {
		return nil, fmt.Errorf("%w: send done: %v", ErrHandshakeFailed, err)
	}

	respEphPub, err := crypto.ParseX25519PublicKey(resp.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	salt := append(append([]byte{}, init.Nonce...), resp.Nonce...)
	initToResp, respToInit, err := crypto.DeriveSessionKeys(ephPriv, respEphPub, salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	return &handshakeResult{
		PeerID:   resp.PeerID,
		PeerName: resp.DeviceName,
		SendKey:  initToResp,
		RecvKey:  respToInit,
	}, nil
}

// respondHandshake runs the accepting side of the key exchange. authorize
// is consulted as soon as the initiator's identity is known; denial ends
// the handshake with a close message.
func respondHandshake(ctx context.Context, stream transport.Stream, id *identity.Identity,
	authorize authorizeFunc, requireAuth bool) (*handshakeResult, error) {

	stop := closeOnDone(ctx, stream)
	defer stop()

	enc := json.NewEncoder(stream)
	dec := json.NewDecoder(stream)

	var initEnv protocol.Envelope
	if err := dec.Decode(&initEnv); err != nil {
		return nil, fmt.Errorf("%w: read init: %v", ErrHandshakeFailed, err)
	}
	var init protocol.HandshakeInit
	if initEnv.Type != protocol.TypeHandshakeInit || initEnv.DecodePayload(&init) != nil {
		return nil, fmt.Errorf("%w: unexpected message %q", ErrHandshakeFailed, initEnv.Type)
	}

	secure := requireAuth && init.Cipher == crypto.CipherAESGCM

	fingerprint := ""
	if secure {
		initPub := ed25519.PublicKey(init.IdentityKey)
		if identity.PeerIDFor(initPub) != init.PeerID {
			return nil, fmt.Errorf("%w: peer ID does not match identity key", ErrHandshakeFailed)
		}
		fingerprint = init.PeerID
	} else if requireAuth {
		refuse(enc, id.PeerID, "authentication required")
		return nil, fmt.Errorf("%w: peer offered no authentication", ErrHandshakeFailed)
	}

	if authorize != nil {
		if err := authorize(ctx, init.PeerID, init.DeviceName, fingerprint); err != nil {
			refuse(enc, id.PeerID, "not authorized")
			return nil, err
		}
	}

	resp := protocol.HandshakeResp{
		PeerID:     id.PeerID,
		DeviceName: id.DeviceName,
	}

	if !secure {
		resp.Cipher = "none"
		respEnv, err := protocol.NewEnvelope(protocol.TypeHandshakeResp, id.PeerID, resp)
		if err != nil {
			return nil, err
		}
		if err := enc.Encode(respEnv); err != nil {
			return nil, fmt.Errorf("%w: send response: %v", ErrHandshakeFailed, err)
		}
		return &handshakeResult{
			PeerID:   init.PeerID,
			PeerName: init.DeviceName,
			Insecure: true,
		}, nil
	}

	ephPriv, err := crypto.GenerateX25519PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	resp.IdentityKey = id.PublicKey()
	resp.EphemeralKey = ephPriv.PublicKey().Bytes()
	resp.Nonce = nonce
	resp.Cipher = crypto.CipherAESGCM

	digest := transcript(init, resp.IdentityKey, resp.EphemeralKey, resp.Nonce)
	resp.Signature = id.Sign(signedTranscript(signCtxResponder, digest))

	respEnv, err := protocol.NewEnvelope(protocol.TypeHandshakeResp, id.PeerID, resp)
	if err != nil {
		return nil, err
	}
	if err := enc.Encode(respEnv); err != nil {
		return nil, fmt.Errorf("%w: send response: %v", ErrHandshakeFailed, err)
	}

	var doneEnv protocol.Envelope
	if err := dec.Decode(&doneEnv); err != nil {
		return nil, fmt.Errorf("%w: read done: %v", ErrHandshakeFailed, err)
	}
	var done protocol.HandshakeDone
	if doneEnv.Type != protocol.TypeHandshakeDone || doneEnv.DecodePayload(&done) != nil {
		return nil, fmt.Errorf("%w: unexpected message %q", ErrHandshakeFailed, doneEnv.Type)
	}

	initPub := ed25519.PublicKey(init.IdentityKey)
	if !identity.Verify(initPub, signedTranscript(signCtxInitiator, digest), done.Signature) {
		return nil, fmt.Errorf("%w: initiator signature invalid", ErrHandshakeFailed)
	}

	initEphPub, err := crypto.ParseX25519PublicKey(init.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	salt := append(append([]byte{}, init.Nonce...), resp.Nonce...)
	initToResp, respToInit, err := crypto.DeriveSessionKeys(ephPriv, initEphPub, salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	return &handshakeResult{
		PeerID:   init.PeerID,
		PeerName: init.DeviceName,
		SendKey:  respToInit,
		RecvKey:  initToResp,
	}, nil
}

// refuse sends a best-effort close message before failing the handshake.
func refuse(enc *json.Encoder, from, reason string) {
	if env, err := protocol.NewEnvelope(protocol.TypeClose, from, protocol.Close{Reason: reason}); err == nil {
		enc.Encode(env)
	}
}
