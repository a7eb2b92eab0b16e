// Package mesh implements the loop-free message relay over a set of
// point-to-point transport streams: admitting and tearing down links,
// decoding and dispatching frames, relaying chat across hops, and
// gossiping peer reachability.
package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"offgrid/internal/protocol"
	"offgrid/internal/transport"
)

// Direction records which side initiated a Link.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Link is one live connection to a directly-reachable node.
type Link struct {
	Addr      protocol.Address
	Nick      string
	Direction Direction
	stream    transport.Stream

	out    chan string
	done   chan struct{}
	closed sync.Once
}

// Send queues a wire-encoded record for this link's writer goroutine. It
// never blocks the caller on a slow peer for long: the queue is bounded,
// and a full queue closes the link rather than stalling the relay.
func (l *Link) Send(wire string) {
	select {
	case l.out <- wire:
	case <-l.done:
	default:
		l.closeAsync()
	}
}

func (l *Link) closeAsync() {
	go l.Close()
}

// Close tears down the link. Safe to call more than once and from more
// than one goroutine.
func (l *Link) Close() {
	l.closed.Do(func() {
		close(l.done)
		l.stream.Close()
	})
}

func (l *Link) writeLoop(log *slog.Logger) {
	for {
		select {
		case wire := <-l.out:
			if _, err := l.stream.Write([]byte(wire)); err != nil {
				log.Debug("link write error", "addr", l.Addr, "err", err)
				l.Close()
				return
			}
		case <-l.done:
			return
		}
	}
}

// LinkManager owns the set of currently admitted links and enforces that a
// given normalized address is never admitted twice, regardless of whether
// the duplicate arrived via Accept or Dial. connected and active are kept
// under one mutex so they can never disagree.
type LinkManager struct {
	mu        sync.RWMutex
	connected map[protocol.Address]struct{}
	active    map[protocol.Address]*Link

	log *slog.Logger

	onFrame func(*Link, protocol.Frame)
	onClose func(*Link)
	onAdmit func(*Link)
}

// NewLinkManager constructs an empty LinkManager. onFrame is invoked once
// per decoded frame from any link's reader goroutine; onClose is invoked
// once a link is fully torn down and removed.
func NewLinkManager(log *slog.Logger, onFrame func(*Link, protocol.Frame), onClose func(*Link)) *LinkManager {
	if log == nil {
		log = slog.Default()
	}
	return &LinkManager{
		connected: make(map[protocol.Address]struct{}),
		active:    make(map[protocol.Address]*Link),
		log:       log,
		onFrame:   onFrame,
		onClose:   onClose,
	}
}

// OnAdmit sets the callback invoked once a link is admitted, inbound or
// outbound alike. Set separately from the constructor since the admission
// hook (announcing our own nickname) typically needs the node identity
// that isn't available until after the LinkManager itself is built.
func (lm *LinkManager) OnAdmit(fn func(*Link)) {
	lm.onAdmit = fn
}

// Admit tries to register addr as a connected, active link backed by
// stream. It returns ok=false without touching the stream if addr is
// already connected — the caller owns closing the now-redundant stream in
// that case. This is the single critical section that keeps
// connected/active in agreement; there is no window where one table knows
// about a link the other doesn't.
func (lm *LinkManager) Admit(addr protocol.Address, nick string, stream transport.Stream, dir Direction) (*Link, bool) {
	lm.mu.Lock()
	if _, dup := lm.connected[addr]; dup {
		lm.mu.Unlock()
		return nil, false
	}

	link := &Link{
		Addr:      addr,
		Nick:      nick,
		Direction: dir,
		stream:    stream,
		out:       make(chan string, 64),
		done:      make(chan struct{}),
	}
	lm.connected[addr] = struct{}{}
	lm.active[addr] = link
	lm.mu.Unlock()

	go link.writeLoop(lm.log)
	go lm.readLoop(link)

	lm.log.Info("link admitted", "addr", addr, "nick", nick)
	if lm.onAdmit != nil {
		lm.onAdmit(link)
	}
	return link, true
}

func (lm *LinkManager) readLoop(link *Link) {
	var dec protocol.Decoder
	buf := make([]byte, 4096)
	defer lm.remove(link)

	for {
		n, err := link.stream.Read(buf)
		if n > 0 {
			for _, f := range dec.Feed(buf[:n]) {
				if lm.onFrame != nil {
					lm.onFrame(link, f)
				}
			}
		}
		if err != nil {
			lm.log.Debug("link read closed", "addr", link.Addr, "err", err)
			return
		}
	}
}

func (lm *LinkManager) remove(link *Link) {
	lm.mu.Lock()
	delete(lm.connected, link.Addr)
	delete(lm.active, link.Addr)
	lm.mu.Unlock()

	link.Close()
	lm.log.Info("link closed", "addr", link.Addr)
	if lm.onClose != nil {
		lm.onClose(link)
	}
}

// IsConnected reports whether addr currently has an admitted link.
func (lm *LinkManager) IsConnected(addr protocol.Address) bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	_, ok := lm.connected[addr]
	return ok
}

// Get returns the active link for addr, if any.
func (lm *LinkManager) Get(addr protocol.Address) (*Link, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	l, ok := lm.active[addr]
	return l, ok
}

// Snapshot returns the currently active links. Callers must not retain the
// slice across a send that might race a concurrent Admit/remove; it is a
// point-in-time copy, safe to range over without holding any lock.
func (lm *LinkManager) Snapshot() []*Link {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	out := make([]*Link, 0, len(lm.active))
	for _, l := range lm.active {
		out = append(out, l)
	}
	return out
}

// Count returns the number of currently active links.
func (lm *LinkManager) Count() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return len(lm.active)
}

// BroadcastExcept writes wire to every active link other than except
// (pass nil to address all of them).
func (lm *LinkManager) BroadcastExcept(wire string, except *Link) {
	for _, l := range lm.Snapshot() {
		if l == except {
			continue
		}
		l.Send(wire)
	}
}

// Dial opens an outbound stream to addr via tr and admits it. It returns
// an error without touching the LinkManager tables if addr is already
// connected, matching Admit's dedup guarantee for the Accept path.
func (lm *LinkManager) Dial(ctx context.Context, tr transport.Transport, addr protocol.Address, nick string) (*Link, error) {
	if lm.IsConnected(addr) {
		return nil, fmt.Errorf("mesh: %s is already connected", addr)
	}
	stream, err := tr.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	link, ok := lm.Admit(addr, nick, stream, Outbound)
	if !ok {
		stream.Close()
		return nil, fmt.Errorf("mesh: %s was admitted concurrently", addr)
	}
	return link, nil
}

// AcceptLoop runs Accept against tr until ctx is canceled, admitting each
// inbound stream. A duplicate address is closed immediately rather than
// replacing the existing link.
func (lm *LinkManager) AcceptLoop(ctx context.Context, tr transport.Transport) {
	for {
		stream, device, err := tr.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			lm.log.Warn("accept error", "err", err)
			continue
		}
		if _, ok := lm.Admit(device.Addr, device.Name, stream, Inbound); !ok {
			lm.log.Debug("duplicate inbound connection dropped", "addr", device.Addr)
			stream.Close()
		}
	}
}
