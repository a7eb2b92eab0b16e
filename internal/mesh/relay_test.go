package mesh

import (
	"context"
	"testing"
	"time"

	"offgrid/internal/protocol"
	"offgrid/internal/transport"
)

// wireLinks connects a and b's transports back to back via a LinkManager
// on each side, returning the two managers once both sides have admitted
// the link.
func wireLinks(t *testing.T, aAddr, bAddr protocol.Address) (*LinkManager, *LinkManager, *transport.LoopTransport, *transport.LoopTransport) {
	t.Helper()
	a := transport.NewLoopTransport("A", aAddr)
	b := transport.NewLoopTransport("B", bAddr)

	lmA := NewLinkManager(discardLogger(), nil, nil)
	lmB := NewLinkManager(discardLogger(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	go lmA.AcceptLoop(ctx, a)
	go lmB.AcceptLoop(ctx, b)

	if _, err := lmA.Dial(ctx, b, bAddr, "B"); err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if lmA.IsConnected(bAddr) && lmB.IsConnected(aAddr) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return lmA, lmB, a, b
}

func TestRelayDeliversBroadcastAndForwards(t *testing.T) {
	// Chain: A - B - C, A and C not directly linked. A broadcasts;
	// B must forward to C but not back to A.
	addrA, addrB, addrC := protocol.Address("A1"), protocol.Address("B1"), protocol.Address("C1")

	tA := transport.NewLoopTransport("A", addrA)
	tB := transport.NewLoopTransport("B", addrB)
	tC := transport.NewLoopTransport("C", addrC)
	defer tA.Close()
	defer tB.Close()
	defer tC.Close()

	var deliveredC []string
	lmC := NewLinkManager(discardLogger(), nil, nil)
	relayC := NewRelay(addrC, "C", lmC, discardLogger())
	relayC.Deliver = func(from protocol.Address, nick, content string, viaMesh bool) { deliveredC = append(deliveredC, content) }
	lmC.onFrame = relayC.HandleFrame

	var deliveredA []string
	lmA := NewLinkManager(discardLogger(), nil, nil)
	relayA := NewRelay(addrA, "A", lmA, discardLogger())
	relayA.Deliver = func(from protocol.Address, nick, content string, viaMesh bool) { deliveredA = append(deliveredA, content) }
	lmA.onFrame = relayA.HandleFrame

	lmB := NewLinkManager(discardLogger(), nil, nil)
	relayB := NewRelay(addrB, "B", lmB, discardLogger())
	lmB.onFrame = relayB.HandleFrame

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go lmA.AcceptLoop(ctx, tA)
	go lmB.AcceptLoop(ctx, tB)
	go lmC.AcceptLoop(ctx, tC)

	if _, err := lmB.Dial(ctx, tB, addrA, "A"); err != nil {
		t.Fatalf("dial B->A: %v", err)
	}
	if _, err := lmB.Dial(ctx, tB, addrC, "C"); err != nil {
		t.Fatalf("dial B->C: %v", err)
	}

	waitConnected(t, lmA, addrB)
	waitConnected(t, lmB, addrA)
	waitConnected(t, lmB, addrC)
	waitConnected(t, lmC, addrB)

	relayA.Originate(protocol.Address(BroadcastAddr), "hello mesh")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(deliveredC) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	if len(deliveredC) != 1 || deliveredC[0] != "hello mesh" {
		t.Fatalf("expected C to receive forwarded broadcast, got %v", deliveredC)
	}
	if len(deliveredA) != 0 {
		t.Fatalf("A must not receive its own broadcast back, got %v", deliveredA)
	}
}

func TestRelayDropsDuplicateMessageID(t *testing.T) {
	addrA, addrB := protocol.Address("D1"), protocol.Address("D2")
	lmA, lmB, tA, tB := wireLinks(t, addrA, addrB)
	defer tA.Close()
	defer tB.Close()

	var delivered int
	relayB := NewRelay(addrB, "B", lmB, discardLogger())
	relayB.Deliver = func(protocol.Address, string, string, bool) { delivered++ }
	lmB.onFrame = relayB.HandleFrame

	relayA := NewRelay(addrA, "A", lmA, discardLogger())
	lmA.onFrame = relayA.HandleFrame

	relayA.Originate(addrB, "hi")
	time.Sleep(50 * time.Millisecond)

	// Re-deliver the exact same message id manually: a node must not
	// process (or re-forward) a relay frame it has already seen.
	link, ok := lmA.Get(addrB)
	if !ok {
		t.Fatal("expected link A->B")
	}
	link.Send(protocol.EncodeRelay(protocol.Relay{
		MsgID: lastSeenID(relayA), FromAddr: string(addrA), FromNick: "A",
		ToAddr: string(addrB), HopCount: MaxHopCount, Content: "hi",
	}))
	time.Sleep(50 * time.Millisecond)

	if delivered != 1 {
		t.Fatalf("expected exactly 1 delivery despite duplicate id, got %d", delivered)
	}
}

func TestRelayHopCountExhausted(t *testing.T) {
	addrA, addrB := protocol.Address("E1"), protocol.Address("E2")
	lmA, lmB, tA, tB := wireLinks(t, addrA, addrB)
	defer tA.Close()
	defer tB.Close()

	var delivered int
	relayB := NewRelay(addrB, "B", lmB, discardLogger())
	relayB.Deliver = func(protocol.Address, string, string, bool) { delivered++ }
	lmB.onFrame = relayB.HandleFrame

	link, ok := lmA.Get(addrB)
	if !ok {
		t.Fatal("expected link A->B")
	}
	link.Send(protocol.EncodeRelay(protocol.Relay{
		MsgID: "deadbeef", FromAddr: string(addrA), FromNick: "A",
		ToAddr: BroadcastAddr, HopCount: 0, Content: "too old",
	}))
	time.Sleep(50 * time.Millisecond)

	if delivered != 0 {
		t.Fatalf("expected exhausted-hop frame to be dropped, got %d deliveries", delivered)
	}
}

func TestRelayDeliversLocallyButDoesNotForwardPastLastHop(t *testing.T) {
	// Chain: A - B - C. A frame arriving at B with hop=1 decrements to
	// 0, so B must deliver it locally but must not re-transmit it to C.
	addrA, addrB, addrC := protocol.Address("F1"), protocol.Address("F2"), protocol.Address("F3")

	tA := transport.NewLoopTransport("A", addrA)
	tB := transport.NewLoopTransport("B", addrB)
	tC := transport.NewLoopTransport("C", addrC)
	defer tA.Close()
	defer tB.Close()
	defer tC.Close()

	var deliveredC []string
	lmC := NewLinkManager(discardLogger(), nil, nil)
	relayC := NewRelay(addrC, "C", lmC, discardLogger())
	relayC.Deliver = func(protocol.Address, string, string, bool) { deliveredC = append(deliveredC, "x") }
	lmC.onFrame = relayC.HandleFrame

	var deliveredB int
	lmB := NewLinkManager(discardLogger(), nil, nil)
	relayB := NewRelay(addrB, "B", lmB, discardLogger())
	relayB.Deliver = func(protocol.Address, string, string, bool) { deliveredB++ }
	lmB.onFrame = relayB.HandleFrame

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go lmB.AcceptLoop(ctx, tB)
	go lmC.AcceptLoop(ctx, tC)

	if _, err := lmB.Dial(ctx, tB, addrA, "A"); err != nil {
		t.Fatalf("dial B->A: %v", err)
	}
	if _, err := lmB.Dial(ctx, tB, addrC, "C"); err != nil {
		t.Fatalf("dial B->C: %v", err)
	}
	waitConnected(t, lmB, addrA)
	waitConnected(t, lmB, addrC)
	waitConnected(t, lmC, addrB)

	// A has no LinkManager here; take A's end of the B->A stream and write
	// the frame from it so that it arrives at B on B's link to A.
	aEnd, _, err := tA.Accept(ctx)
	if err != nil {
		t.Fatalf("accept on A: %v", err)
	}
	if _, err := aEnd.Write([]byte(protocol.EncodeRelay(protocol.Relay{
		MsgID: "lasthop1", FromAddr: string(addrA), FromNick: "A",
		ToAddr: BroadcastAddr, HopCount: 1, Content: "deep",
	}))); err != nil {
		t.Fatalf("write from A: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && deliveredB == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond) // give a wrongly-forwarded frame time to arrive at C

	if deliveredB != 1 {
		t.Fatalf("expected B to deliver the last-hop message locally, got %d", deliveredB)
	}
	if len(deliveredC) != 0 {
		t.Fatalf("expected B not to forward a frame whose hop count decremented to 0, but C received %v", deliveredC)
	}
}

func waitConnected(t *testing.T, lm *LinkManager, addr protocol.Address) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if lm.IsConnected(addr) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for connection to %s", addr)
}

// lastSeenID returns an id already marked seen by r, for tests that need
// to replay a duplicate. Relay has no exported accessor for this by
// design, so the test reaches into the package-private seen map.
func lastSeenID(r *Relay) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.seen {
		return id
	}
	return ""
}
