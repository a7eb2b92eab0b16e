package mesh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"offgrid/internal/protocol"
)

// GossipInterval is the period between PEERS broadcasts.
const GossipInterval = 30 * time.Second

// GossipInitialDelay is the delay before the first PEERS broadcast, giving
// a freshly-started node's first links time to come up.
const GossipInitialDelay = 5 * time.Second

// Gossip periodically advertises this node's known reachability — its own
// identity plus every peer it has heard about, directly or transitively —
// so that other nodes can build a full address book without any of them
// needing a central directory.
type Gossip struct {
	localAddr protocol.Address
	localNick string
	links     *LinkManager
	log       *slog.Logger

	mu    sync.RWMutex
	known map[protocol.Address]MeshPeer // never aged out
}

// MeshPeer is a peer this node knows about only transitively, via gossip
// rather than a direct link.
type MeshPeer struct {
	Nick    string
	ViaAddr protocol.Address
	ViaNick string
}

// NewGossip constructs a Gossip bound to one node identity.
func NewGossip(localAddr protocol.Address, localNick string, links *LinkManager, log *slog.Logger) *Gossip {
	if log == nil {
		log = slog.Default()
	}
	return &Gossip{
		localAddr: localAddr,
		localNick: localNick,
		links:     links,
		log:       log,
		known:     make(map[protocol.Address]MeshPeer),
	}
}

// Run broadcasts a PEERS frame every GossipInterval, after an initial
// GossipInitialDelay, until ctx is canceled.
func (g *Gossip) Run(ctx context.Context) {
	timer := time.NewTimer(GossipInitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			g.Broadcast()
			timer.Reset(GossipInterval)
		}
	}
}

// Broadcast sends one PEERS frame built from this node's identity plus
// every directly-linked and previously-heard-of peer.
func (g *Gossip) Broadcast() {
	entries := []protocol.PeerEntry{{Nick: g.localNick, Addr: string(g.localAddr)}}

	seen := map[protocol.Address]bool{g.localAddr: true}
	for _, l := range g.links.Snapshot() {
		if seen[l.Addr] {
			continue
		}
		seen[l.Addr] = true
		entries = append(entries, protocol.PeerEntry{Nick: l.Nick, Addr: string(l.Addr)})
	}

	g.mu.RLock()
	for addr, peer := range g.known {
		if seen[addr] {
			continue
		}
		seen[addr] = true
		entries = append(entries, protocol.PeerEntry{Nick: peer.Nick, Addr: string(addr)})
	}
	g.mu.RUnlock()

	wire := protocol.EncodePeers(entries)
	g.links.BroadcastExcept(wire, nil)
}

// HandleFrame ingests an inbound PEERS frame, upserting every entry into
// the known-peers table. An address already directly connected is
// ignored — the live link is always the better source of truth than
// gossip about it. Entries are never aged out: a peer once heard of
// transitively stays in the address book even if it is currently
// unreachable.
func (g *Gossip) HandleFrame(src *Link, f protocol.Frame) {
	if f.Kind != protocol.KindPeers {
		return
	}
	var viaAddr protocol.Address
	var viaNick string
	if src != nil {
		viaAddr, viaNick = src.Addr, src.Nick
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range f.Peers {
		addr := protocol.Address(e.Addr)
		if addr == g.localAddr || g.links.IsConnected(addr) {
			continue
		}
		g.known[addr] = MeshPeer{Nick: e.Nick, ViaAddr: viaAddr, ViaNick: viaNick}
	}
}

// KnownPeers returns a snapshot of the full address book: every peer ever
// gossiped about, whether or not it currently has a live link.
func (g *Gossip) KnownPeers() []protocol.PeerEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]protocol.PeerEntry, 0, len(g.known))
	for addr, peer := range g.known {
		out = append(out, protocol.PeerEntry{Nick: peer.Nick, Addr: string(addr)})
	}
	return out
}

// KnownPeersDetailed returns the full address book with via-link
// provenance, for a richer status display than KnownPeers' wire-shaped
// PeerEntry.
func (g *Gossip) KnownPeersDetailed() map[protocol.Address]MeshPeer {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[protocol.Address]MeshPeer, len(g.known))
	for addr, peer := range g.known {
		out[addr] = peer
	}
	return out
}
