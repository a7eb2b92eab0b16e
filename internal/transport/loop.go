package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"offgrid/internal/protocol"
)

// loopRegistry is the process-wide directory of LoopTransports, keyed by
// normalized address. A LoopTransport registers itself on construction and
// removes itself on Close, so Dial can find any other node started in the
// same process.
var loopRegistry = struct {
	mu    sync.Mutex
	nodes map[protocol.Address]*LoopTransport
}{nodes: make(map[protocol.Address]*LoopTransport)}

// LoopTransport is an in-process stand-in for the real stream transport,
// built on net.Pipe. It never touches the network: Dial looks the target
// node up in the shared registry and hands both ends a connected pipe.
// Used by the mesh package tests and the root package's node scenario
// tests in place of a paired-device radio.
type LoopTransport struct {
	name string
	addr protocol.Address

	mu      sync.Mutex
	peers   map[protocol.Address]string // known peer name by address, from AddPeer
	inbound chan accepted
	closed  bool
	closeCh chan struct{}
}

type accepted struct {
	stream Stream
	device PairedDevice
}

var _ Transport = (*LoopTransport)(nil)

// NewLoopTransport creates and registers a loopback node under addr. name
// is advertised to dialing peers as this node's device name.
func NewLoopTransport(name string, addr protocol.Address) *LoopTransport {
	lt := &LoopTransport{
		name:    name,
		addr:    addr,
		peers:   make(map[protocol.Address]string),
		inbound: make(chan accepted, 8),
		closeCh: make(chan struct{}),
	}
	loopRegistry.mu.Lock()
	loopRegistry.nodes[addr] = lt
	loopRegistry.mu.Unlock()
	return lt
}

// AddPeer records addr/name as enumerable, without opening a connection.
// Tests use this to seed Enumerate results before the first Dial.
func (lt *LoopTransport) AddPeer(name string, addr protocol.Address) {
	lt.mu.Lock()
	lt.peers[addr] = name
	lt.mu.Unlock()
}

func (lt *LoopTransport) LocalInfo() (string, protocol.Address) {
	return lt.name, lt.addr
}

func (lt *LoopTransport) Enumerate(_ context.Context) ([]PairedDevice, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	out := make([]PairedDevice, 0, len(lt.peers))
	for addr, name := range lt.peers {
		out = append(out, PairedDevice{Name: name, Addr: addr})
	}
	return out, nil
}

func (lt *LoopTransport) Dial(ctx context.Context, addr protocol.Address) (Stream, error) {
	loopRegistry.mu.Lock()
	peer, ok := loopRegistry.nodes[addr]
	loopRegistry.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: no loopback node registered at %s", addr)
	}

	local, remote := net.Pipe()
	mine := &pipeStream{Conn: local, remote: addr}
	theirs := &pipeStream{Conn: remote, remote: lt.addr}

	select {
	case peer.inbound <- accepted{stream: theirs, device: PairedDevice{Name: lt.name, Addr: lt.addr}}:
	case <-peer.closeCh:
		local.Close()
		remote.Close()
		return nil, fmt.Errorf("transport: loopback node %s is closed", addr)
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
	return mine, nil
}

func (lt *LoopTransport) Accept(ctx context.Context) (Stream, PairedDevice, error) {
	select {
	case a := <-lt.inbound:
		return a.stream, a.device, nil
	case <-lt.closeCh:
		return nil, PairedDevice{}, fmt.Errorf("transport: loopback node %s is closed", lt.addr)
	case <-ctx.Done():
		return nil, PairedDevice{}, ctx.Err()
	}
}

func (lt *LoopTransport) Close() error {
	lt.mu.Lock()
	if lt.closed {
		lt.mu.Unlock()
		return nil
	}
	lt.closed = true
	lt.mu.Unlock()

	close(lt.closeCh)
	loopRegistry.mu.Lock()
	delete(loopRegistry.nodes, lt.addr)
	loopRegistry.mu.Unlock()
	return nil
}

// pipeStream adapts a net.Conn (one end of a net.Pipe) to the Stream
// interface by attaching the remote node's address.
type pipeStream struct {
	net.Conn
	remote protocol.Address
}

func (p *pipeStream) RemoteAddr() protocol.Address { return p.remote }
