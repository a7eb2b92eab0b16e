package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"offgrid/internal/mesh"
	"offgrid/internal/protocol"
	"offgrid/internal/store"
	"offgrid/internal/transfer"
	"offgrid/internal/transport"
)

// Node is one running mesh participant: the local identity, the link
// manager, the relay and gossip engines built on top of it, the file
// transfer receiver, and the local settings store. It is the glue between
// the network-facing packages and the command/REPL surface.
type Node struct {
	Addr protocol.Address
	Nick string

	Transport transport.Transport
	Links     *mesh.LinkManager
	Relay     *mesh.Relay
	Gossip    *mesh.Gossip
	Transfers *transfer.Receiver
	Store     *store.Store

	log *slog.Logger

	nickMu sync.RWMutex

	// recentMu/recent de-duplicate a message's *display*, independent of
	// the relay's own id-based loop suppression. A node with more than one
	// direct neighbor of the same peer sees that peer's content twice: once
	// as the raw MSG, again as each neighbor's independently-promoted
	// RELAY reflection (a fresh relay id, so the relay's seen-id guard
	// never catches it). Without this, a triangle topology renders every
	// broadcast twice at the two non-originating corners.
	recentMu sync.Mutex
	recent   map[string]time.Time

	// OnMessage fires for every chat line meant to be displayed locally —
	// direct MSG frames and mesh-delivered RELAY frames alike. viaMesh is
	// true when the message passed through at least one intermediate hop
	// rather than arriving straight from its original sender.
	OnMessage func(fromNick, fromAddr, content string, viaMesh bool)

	// OnTyping and OnPeerNick surface direct-link presence events to the UI.
	OnTyping   func(addr protocol.Address, nick string, on bool)
	OnPeerNick func(addr protocol.Address, nick string)
}

// NewNode wires up a fresh Node around tr. outputDir controls where
// completed file transfers are written.
func NewNode(tr transport.Transport, st *store.Store, outputDir string, log *slog.Logger) *Node {
	if log == nil {
		log = slog.Default()
	}
	nick, addr := tr.LocalInfo()

	n := &Node{
		Addr:      addr,
		Nick:      nick,
		Transport: tr,
		Store:     st,
		Transfers: transfer.NewReceiver(outputDir, log),
		log:       log,
	}

	// LinkManager needs the dispatcher's Handle func as its onFrame
	// callback, but the dispatcher needs a LinkManager-backed Relay and
	// Gossip to route to. Tie the knot with a forwarding closure: frames
	// only start flowing once AcceptLoop/Dial run, well after dispatcher
	// is assigned below.
	var dispatcher *mesh.Dispatcher
	n.Links = mesh.NewLinkManager(log, func(l *mesh.Link, f protocol.Frame) {
		dispatcher.Handle(l, f)
	}, n.onLinkClose)
	n.Links.OnAdmit(n.onLinkAdmit)

	n.Relay = mesh.NewRelay(addr, nick, n.Links, log)
	n.Relay.Deliver = n.onRelayDeliver
	n.Gossip = mesh.NewGossip(addr, nick, n.Links, log)

	dispatcher = mesh.NewDispatcher(n.Relay, n.Gossip, log)
	dispatcher.OnDirectMessage = n.onDirectMessage
	dispatcher.OnRawLine = n.onDirectMessage
	dispatcher.OnNick = n.onPeerNick
	dispatcher.OnTyping = n.onTyping
	dispatcher.OnFileStart = func(l *mesh.Link, fs protocol.FStart) { n.Transfers.HandleFStart(l.Addr, fs) }
	dispatcher.OnFileChunk = func(l *mesh.Link, fc protocol.FChunk) { n.Transfers.HandleFChunk(l.Addr, fc) }
	dispatcher.OnFileEnd = func(l *mesh.Link, fe protocol.FEnd) { n.Transfers.HandleFEnd(l.Addr, fe) }

	return n
}

// onLinkAdmit announces our own nickname to every newly admitted link,
// inbound or outbound, so the remote side learns it without waiting for an
// explicit /nick from us.
func (n *Node) onLinkAdmit(l *mesh.Link) {
	n.nickMu.RLock()
	nick := n.Nick
	n.nickMu.RUnlock()
	l.Send(protocol.EncodeNick(nick))
}

func (n *Node) onLinkClose(l *mesh.Link) {
	if n.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := n.Store.UpsertPeerHint(ctx, string(l.Addr), l.Nick); err != nil {
			n.log.Debug("persist peer hint failed", "addr", l.Addr, "err", err)
		}
	}
}

// recentDisplayWindow bounds how long a (sender, content) pair suppresses a
// repeat display. It only needs to outlast the time it takes a reflected
// RELAY to bounce back across one extra hop, so it stays short.
const recentDisplayWindow = 2 * time.Second

// alreadyDisplayed reports whether (fromAddr, content) was rendered within
// the last recentDisplayWindow, recording it as displayed if not.
func (n *Node) alreadyDisplayed(fromAddr, content string) bool {
	key := fromAddr + "\x00" + content
	now := time.Now()

	n.recentMu.Lock()
	defer n.recentMu.Unlock()
	if n.recent == nil {
		n.recent = make(map[string]time.Time)
	}
	if last, ok := n.recent[key]; ok && now.Sub(last) < recentDisplayWindow {
		return true
	}
	n.recent[key] = now
	for k, t := range n.recent {
		if now.Sub(t) >= recentDisplayWindow {
			delete(n.recent, k)
		}
	}
	return false
}

func (n *Node) onRelayDeliver(fromAddr protocol.Address, fromNick, content string, viaMesh bool) {
	if n.OnMessage == nil || n.alreadyDisplayed(string(fromAddr), content) {
		return
	}
	n.OnMessage(fromNick, string(fromAddr), content, viaMesh)
}

func (n *Node) onDirectMessage(l *mesh.Link, text string) {
	if n.OnMessage == nil || n.alreadyDisplayed(string(l.Addr), text) {
		return
	}
	n.OnMessage(l.Nick, string(l.Addr), text, false)
}

func (n *Node) onPeerNick(l *mesh.Link, nick string) {
	if n.OnPeerNick != nil {
		n.OnPeerNick(l.Addr, nick)
	}
}

func (n *Node) onTyping(l *mesh.Link, on bool) {
	if n.OnTyping != nil {
		n.OnTyping(l.Addr, l.Nick, on)
	}
}

// Run starts the accept loop and the periodic gossip broadcast. It blocks
// until ctx is canceled.
func (n *Node) Run(ctx context.Context) {
	go n.Links.AcceptLoop(ctx, n.Transport)
	n.Gossip.Run(ctx)
}

// Connect dials addr and admits the resulting link.
func (n *Node) Connect(ctx context.Context, addr protocol.Address, nick string) error {
	_, err := n.Links.Dial(ctx, n.Transport, addr, nick)
	return err
}

// SendDirect writes a plain MSG frame to one directly-linked peer.
func (n *Node) SendDirect(addr protocol.Address, text string) error {
	link, ok := n.Links.Get(addr)
	if !ok {
		return fmt.Errorf("node: %s has no direct link", addr)
	}
	link.Send(protocol.EncodeMsg(text))
	return nil
}

// Broadcast sends plain chat text to every directly-linked peer as a MSG
// frame. It carries no relay metadata: each receiving neighbor is the one
// that promotes it into a RELAY frame as it forwards the message onward,
// acquiring a message id at that point.
func (n *Node) Broadcast(text string) {
	n.Links.BroadcastExcept(protocol.EncodeMsg(text), nil)
}

// SetNick changes this node's own nickname and announces it to every
// direct link.
func (n *Node) SetNick(nick string) {
	n.nickMu.Lock()
	n.Nick = nick
	n.nickMu.Unlock()
	n.Links.BroadcastExcept(protocol.EncodeNick(nick), nil)
}

// SendFile compresses and transmits data to a directly-linked peer.
func (n *Node) SendFile(ctx context.Context, addr protocol.Address, fileName string, data []byte, onProgress func(percent int)) error {
	link, ok := n.Links.Get(addr)
	if !ok {
		return fmt.Errorf("node: %s has no direct link", addr)
	}
	sender := transfer.NewSender(func(wire string) error {
		link.Send(wire)
		return nil
	}, n.log)
	sender.OnProgress = onProgress
	return sender.Send(ctx, fileName, data)
}
