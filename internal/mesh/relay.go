package mesh

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"offgrid/internal/protocol"
)

// BroadcastAddr is the wildcard destination meaning "deliver to every
// node", as opposed to a unicast normalized address.
const BroadcastAddr = "*"

// MaxHopCount bounds how many times a RELAY frame may be forwarded before
// it is dropped rather than re-sent.
const MaxHopCount = 7

// seenIDTTL is how long a relay message id is remembered for loop
// suppression before it is lazily evicted.
const seenIDTTL = 5 * time.Minute

// NewMessageID returns a short, practically-unique id for a new chat
// message, used as the relay dedup key across the whole mesh.
func NewMessageID() string {
	return uuid.New().String()[:8]
}

// Relay forwards chat across the mesh without looping: it remembers every
// message id it has already seen or originated, decrements hop counts, and
// refuses to forward a frame back out the link it arrived on.
type Relay struct {
	localAddr protocol.Address
	localNick string
	links     *LinkManager
	log       *slog.Logger

	mu   sync.Mutex
	seen map[string]time.Time

	// Deliver is called with a chat message meant for this node — either
	// a direct unicast or a broadcast. fromNick/content are already
	// extracted from the frame. viaMesh is true when the frame arrived
	// from a link other than the one belonging to its original sender —
	// i.e. it passed through at least one intermediate relay hop.
	Deliver func(fromAddr protocol.Address, fromNick, content string, viaMesh bool)
}

// NewRelay constructs a Relay bound to one node identity.
func NewRelay(localAddr protocol.Address, localNick string, links *LinkManager, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		localAddr: localAddr,
		localNick: localNick,
		links:     links,
		log:       log,
		seen:      make(map[string]time.Time),
	}
}

// markSeen records id as seen and reports whether it was already present.
// It also performs a lazy sweep of expired entries, so no background
// goroutine is needed to bound the map's size.
func (r *Relay) markSeen(id string) (alreadySeen bool) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, t := range r.seen {
		if now.Sub(t) > seenIDTTL {
			delete(r.seen, k)
		}
	}

	if _, ok := r.seen[id]; ok {
		return true
	}
	r.seen[id] = now
	return false
}

// Originate sends a new chat message from this node, either to one
// address (toAddr != BroadcastAddr) or to the whole mesh.
func (r *Relay) Originate(toAddr protocol.Address, content string) {
	id := NewMessageID()
	r.markSeen(id)

	rl := protocol.Relay{
		MsgID:    id,
		FromAddr: string(r.localAddr),
		FromNick: r.localNick,
		ToAddr:   string(toAddr),
		HopCount: MaxHopCount,
		Content:  content,
	}
	wire := protocol.EncodeRelay(rl)
	r.links.BroadcastExcept(wire, nil)
}

// ForwardDirect promotes a MSG received on a direct link into the mesh: it
// synthesizes a fresh message id, marks it seen so the promoted frame
// doesn't loop back through us, and broadcasts it as a RELAY with one hop
// already spent (the direct hop that just delivered it to us) to every
// link except the one it arrived on.
func (r *Relay) ForwardDirect(src *Link, fromAddr protocol.Address, fromNick, content string) {
	id := NewMessageID()
	r.markSeen(id)

	rl := protocol.Relay{
		MsgID:    id,
		FromAddr: string(fromAddr),
		FromNick: fromNick,
		ToAddr:   BroadcastAddr,
		HopCount: MaxHopCount - 1,
		Content:  content,
	}
	r.links.BroadcastExcept(protocol.EncodeRelay(rl), src)
}

// HandleFrame processes an inbound RELAY frame arriving on src: it applies
// the loop guards, delivers locally when addressed to this node, and
// forwards the remainder onward with a decremented hop count.
func (r *Relay) HandleFrame(src *Link, f protocol.Frame) {
	if f.Kind != protocol.KindRelay {
		return
	}
	rl := f.Relay

	if rl.FromAddr == string(r.localAddr) {
		return // a message we originated, looped back to us
	}
	if r.markSeen(rl.MsgID) {
		return // already processed this message id
	}
	if rl.HopCount <= 0 {
		r.log.Debug("relay dropped: hop count exhausted", "msg_id", rl.MsgID)
		return
	}

	toAddr := protocol.Address(rl.ToAddr)
	deliverHere := toAddr == BroadcastAddr || toAddr == r.localAddr
	if deliverHere && r.Deliver != nil {
		viaMesh := src == nil || src.Addr != protocol.Address(rl.FromAddr)
		r.Deliver(protocol.Address(rl.FromAddr), rl.FromNick, rl.Content, viaMesh)
	}

	// Unicast frames addressed to us stop here; everything else
	// (broadcast, or unicast to someone else) is forwarded onward.
	if toAddr == r.localAddr {
		return
	}

	forwarded := rl
	forwarded.HopCount--
	if forwarded.HopCount > 0 {
		r.links.BroadcastExcept(protocol.EncodeRelay(forwarded), src)
	}
}
