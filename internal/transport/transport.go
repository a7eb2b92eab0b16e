// Package transport defines the narrow plug-in boundary between the mesh
// core and whatever reliable stream transport actually moves bytes
// between paired nodes. The radio/Bluetooth pairing library itself is
// out of scope; this package only has to express what the core needs
// from it.
package transport

import (
	"context"
	"io"
	"time"

	"offgrid/internal/protocol"
)

// ServiceUUID identifies the mesh service at the transport layer via ALPN;
// it must match on every node for a QUIC handshake to succeed.
const ServiceUUID = "a1b2c3d4-e5f6-7890-abcd-ef1234567890"

// DialTimeout bounds a single outbound connection attempt.
const DialTimeout = 5 * time.Second

// PairedDevice is one entry from Enumerate: a device the transport layer
// already knows how to reach, before any stream is opened.
type PairedDevice struct {
	Name string
	Addr protocol.Address
}

// Stream is a single bidirectional byte stream to one remote node.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	RemoteAddr() protocol.Address
}

// Transport accepts and dials bidirectional streams and enumerates paired
// devices. Exactly one Transport backs one running node.
type Transport interface {
	// Accept blocks until a remote node opens an inbound stream, or ctx
	// is canceled.
	Accept(ctx context.Context) (Stream, PairedDevice, error)

	// Dial opens an outbound stream to addr. Implementations should
	// bound this with their own connect timeout.
	Dial(ctx context.Context, addr protocol.Address) (Stream, error)

	// Enumerate returns the set of currently paired/reachable devices.
	Enumerate(ctx context.Context) ([]PairedDevice, error)

	// LocalInfo returns this node's own device name and normalized
	// address.
	LocalInfo() (name string, addr protocol.Address)

	// Close shuts down the listener and releases transport resources.
	Close() error
}
