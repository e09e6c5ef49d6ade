package protocol

// Message type constants for protocol envelopes.
const (
	TypeBeacon        = "beacon"
	TypeError         = "error"
	TypeHandshakeInit = "handshake_init"
	TypeHandshakeResp = "handshake_resp"
	TypeHandshakeDone = "handshake_done"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeChannelOpen   = "channel_open"
	TypeChannelAck    = "channel_ack"
	TypeClose         = "close"
)

// Channel purposes carried by ChannelOpen.
const (
	ChannelTransfer = "transfer"
	ChannelMedia    = "media"
)

// Transport identifies a connection medium.
type Transport string

// Transport kinds, in descending connection priority.
const (
	TransportQUIC      Transport = "quic"
	TransportWebRTC    Transport = "webrtc"
	TransportWebSocket Transport = "websocket"
	TransportUDP       Transport = "udp"
)

// StreamKind identifies a media stream kind.
type StreamKind string

// Stream kinds for media streams.
const (
	StreamKindCamera StreamKind = "camera"
	StreamKindScreen StreamKind = "screen"
	StreamKindAudio  StreamKind = "audio"
)
