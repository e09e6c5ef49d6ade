// Package transport defines the peer-to-peer path abstraction shared by
// every concrete medium. Connection logic upstream only sees Transport,
// Conn and Stream; QUIC, WebRTC, WebSocket and UDP each adapt to these.
package transport

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/nearwire/nearwire/pkg/protocol"
)

// ErrUnavailable indicates a transport cannot run on this host or against
// this peer. The dialer skips it and moves to the next candidate.
var ErrUnavailable = errors.New("transport unavailable")

// Transport represents one medium capable of carrying peer connections.
// A Transport is created once and handles multiple concurrent connections.
type Transport interface {
	// Kind returns the protocol-level transport name.
	Kind() protocol.Transport

	// Dial establishes a connection to the peer at addr.
	Dial(ctx context.Context, addr string) (Conn, error)

	// Accept waits for and accepts an incoming connection.
	Accept(ctx context.Context) (Conn, error)

	// Addr returns the local listen address, or "" when not listening.
	Addr() string

	// Close closes the transport and all associated connections.
	Close() error
}

// Conn is a connection between two peers carrying multiple streams.
type Conn interface {
	// OpenStream opens a new bidirectional stream to the remote peer.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream waits for and accepts an incoming stream.
	AcceptStream(ctx context.Context) (Stream, error)

	// Kind returns the transport that produced this connection.
	Kind() protocol.Transport

	// RemoteAddr returns the remote network address.
	RemoteAddr() net.Addr

	// Close closes the connection and all associated streams.
	Close() error
}

// Stream is a bidirectional byte stream between two peers. Streams are
// independent and can be used concurrently.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}
