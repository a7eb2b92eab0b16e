package mesh

import (
	"log/slog"
	"time"

	"offgrid/internal/protocol"
)

// TypingClearAfter is a 3-second auto-clear period for a typing indicator.
// Nothing in this module reads it: the REPL prints one line when a peer
// starts typing and does not clear or time out the indicator.
const TypingClearAfter = 3 * time.Second

// Dispatcher is the single point every inbound frame passes through. It
// owns no network state itself — it routes each frame to the component
// that does: the Relay for chat, the Gossip for peer discovery, or the
// caller-supplied callbacks for everything a direct link carries about
// itself (nickname, typing, file transfer).
type Dispatcher struct {
	relay  *Relay
	gossip *Gossip
	log    *slog.Logger

	// OnDirectMessage fires for a plain MSG: frame received on a direct
	// link (not a mesh relay) — one hop, from the peer at the other end.
	OnDirectMessage func(link *Link, text string)

	// OnNick fires when a direct peer announces or changes its nickname.
	OnNick func(link *Link, nick string)

	// OnTyping fires on a direct peer's typing indicator transition.
	OnTyping func(link *Link, on bool)

	// OnFileStart/OnFileChunk/OnFileEnd drive the file transfer receiver.
	OnFileStart func(link *Link, fs protocol.FStart)
	OnFileChunk func(link *Link, fc protocol.FChunk)
	OnFileEnd   func(link *Link, fe protocol.FEnd)

	// OnRawLine fires for a line that doesn't match any known frame tag —
	// the legacy fallback, surfaced under the peer's display name same as
	// a direct MSG.
	OnRawLine func(link *Link, text string)
}

// NewDispatcher constructs a Dispatcher wired to relay and gossip.
func NewDispatcher(relay *Relay, gossip *Gossip, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{relay: relay, gossip: gossip, log: log}
}

// Handle is the LinkManager onFrame callback: it is invoked once per
// decoded frame, on that link's own reader goroutine.
func (d *Dispatcher) Handle(link *Link, f protocol.Frame) {
	switch f.Kind {
	case protocol.KindMsg:
		if d.OnDirectMessage != nil {
			d.OnDirectMessage(link, f.Text)
		}
		// A MSG from a direct neighbor has no relay metadata yet; this is
		// the point where it acquires a message id and enters the mesh,
		// forwarded to every other link.
		d.relay.ForwardDirect(link, link.Addr, link.Nick, f.Text)
	case protocol.KindRelay:
		d.relay.HandleFrame(link, f)
	case protocol.KindPeers:
		d.gossip.HandleFrame(link, f)
	case protocol.KindNick:
		link.Nick = f.Nick
		if d.OnNick != nil {
			d.OnNick(link, f.Nick)
		}
	case protocol.KindTyping:
		if d.OnTyping != nil {
			d.OnTyping(link, f.Typing)
		}
	case protocol.KindFStart:
		if d.OnFileStart != nil {
			d.OnFileStart(link, f.FStart)
		}
	case protocol.KindFChunk:
		if d.OnFileChunk != nil {
			d.OnFileChunk(link, f.FChunk)
		}
	case protocol.KindFEnd:
		if d.OnFileEnd != nil {
			d.OnFileEnd(link, f.FEnd)
		}
	case protocol.KindRaw:
		d.log.Debug("unrecognized line received", "addr", link.Addr, "text", f.Text)
		if d.OnRawLine != nil {
			d.OnRawLine(link, f.Text)
		}
	}
}
