package protocol

// Beacon announces local device presence on a discovery medium.
// Every field except Capabilities is required; unknown fields are ignored
// by older peers, so the beacon can grow without a version bump.
type Beacon struct {
	PeerID       string   `json:"peer_id"`
	DeviceName   string   `json:"device_name"`
	Capabilities []string `json:"capabilities,omitempty"`
	ListenPort   int      `json:"listen_port"`
	Fingerprint  string   `json:"fingerprint,omitempty"`
}

// Error represents an error message in the protocol.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HandshakeInit opens a mutual key exchange. The initiator sends its
// long-term identity key, a fresh ephemeral X25519 key, and a nonce.
type HandshakeInit struct {
	PeerID       string `json:"peer_id"`
	DeviceName   string `json:"device_name"`
	IdentityKey  []byte `json:"identity_key"`
	EphemeralKey []byte `json:"ephemeral_key"`
	Nonce        []byte `json:"nonce"`
	Cipher       string `json:"cipher"`
}

// HandshakeResp answers a HandshakeInit with the responder's keys and a
// signature proving possession of the responder's identity key over the
// handshake transcript.
type HandshakeResp struct {
	PeerID       string `json:"peer_id"`
	DeviceName   string `json:"device_name"`
	IdentityKey  []byte `json:"identity_key"`
	EphemeralKey []byte `json:"ephemeral_key"`
	Nonce        []byte `json:"nonce"`
	Cipher       string `json:"cipher"`
	Signature    []byte `json:"signature"`
}

// HandshakeDone completes the exchange with the initiator's transcript
// signature.
type HandshakeDone struct {
	Signature []byte `json:"signature"`
}

// Ping is a session keepalive probe.
type Ping struct {
	Seq int64 `json:"seq"`
}

// Pong answers a Ping with the same sequence number.
type Pong struct {
	Seq int64 `json:"seq"`
}

// ChannelOpen binds a freshly opened transport stream to a purpose.
type ChannelOpen struct {
	Purpose   string `json:"purpose"`
	ChannelID string `json:"channel_id"`
}

// ChannelAck confirms a ChannelOpen.
type ChannelAck struct {
	ChannelID string `json:"channel_id"`
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
}

// Close announces orderly session shutdown.
type Close struct {
	Reason string `json:"reason,omitempty"`
}

// ValidStreamKind reports whether kind names a supported media stream kind.
func ValidStreamKind(kind StreamKind) bool {
	switch kind {
	case StreamKindCamera, StreamKindScreen, StreamKindAudio:
		return true
	}
	return false
}

// ValidTransport reports whether kind names a known transport.
func ValidTransport(kind Transport) bool {
	switch kind {
	case TransportQUIC, TransportWebRTC, TransportWebSocket, TransportUDP:
		return true
	}
	return false
}
