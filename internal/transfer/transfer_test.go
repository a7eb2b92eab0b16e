package transfer

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"offgrid/internal/protocol"
)

// pipeSenderReceiver wires a Sender's Write callback directly into a
// Receiver's frame handlers, decoding through the real wire codec so the
// test exercises the full encode/decode round trip, not just the Go
// structs.
func pipeSenderReceiver(t *testing.T, addr protocol.Address, rx *Receiver) *Sender {
	t.Helper()
	var dec protocol.Decoder
	write := func(wire string) error {
		for _, f := range dec.Feed([]byte(wire)) {
			switch f.Kind {
			case protocol.KindFStart:
				rx.HandleFStart(addr, f.FStart)
			case protocol.KindFChunk:
				rx.HandleFChunk(addr, f.FChunk)
			case protocol.KindFEnd:
				rx.HandleFEnd(addr, f.FEnd)
			}
		}
		return nil
	}
	return NewSender(write, nil)
}

func TestSendReceiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 50000)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand: %v", err)
	}

	var completedPath string
	rx := NewReceiver(dir, nil)
	rx.OnComplete = func(addr protocol.Address, path string) { completedPath = path }
	rx.OnError = func(addr protocol.Address, err error) { t.Fatalf("unexpected transfer error: %v", err) }

	addr := protocol.Address("PEER1")
	sender := pipeSenderReceiver(t, addr, rx)

	if err := sender.Send(context.Background(), "random.bin", data); err != nil {
		t.Fatalf("send: %v", err)
	}

	if completedPath == "" {
		t.Fatal("expected OnComplete to fire")
	}
	if filepath.Base(completedPath) != "OffGrid_random.bin" {
		t.Fatalf("unexpected output name: %s", completedPath)
	}

	got, err := os.ReadFile(completedPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(got) != len(data) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(data))
	}
	for i := range got {
		if got[i] != data[i] {
			t.Fatalf("content mismatch at byte %d", i)
		}
	}
	if rx.InProgress(addr) {
		t.Fatal("expected transfer state to be dropped after completion")
	}
}

func TestReceiverChunkBeforeFStartDropped(t *testing.T) {
	rx := NewReceiver(t.TempDir(), nil)
	addr := protocol.Address("PEER2")
	rx.HandleFChunk(addr, protocol.FChunk{Index: 0, Base64: "aGVsbG8="})
	if rx.InProgress(addr) {
		t.Fatal("a chunk with no prior FSTART must not create transfer state")
	}
}

func TestReceiverSecondFStartReplacesFirst(t *testing.T) {
	rx := NewReceiver(t.TempDir(), nil)
	addr := protocol.Address("PEER3")

	rx.HandleFStart(addr, protocol.FStart{FileName: "a.bin", TotalChunks: 4})
	rx.HandleFChunk(addr, protocol.FChunk{Index: 0, Base64: "aGVsbG8="})

	rx.HandleFStart(addr, protocol.FStart{FileName: "b.bin", TotalChunks: 2})

	rx.mu.Lock()
	state := rx.inbound[addr]
	rx.mu.Unlock()

	if state.FileName != "b.bin" || state.TotalChunks != 2 || state.ChunksReceived != 0 {
		t.Fatalf("expected second FSTART to fully replace state, got %+v", state)
	}
}

func TestReceiverMissingChunkSurfacesError(t *testing.T) {
	rx := NewReceiver(t.TempDir(), nil)
	addr := protocol.Address("PEER4")

	rx.HandleFStart(addr, protocol.FStart{FileName: "a.bin", TotalChunks: 2, Checksum: "deadbeef"})
	rx.HandleFChunk(addr, protocol.FChunk{Index: 0, Base64: "aGVsbG8="})

	var gotErr error
	rx.OnError = func(addr protocol.Address, err error) { gotErr = err }
	rx.HandleFEnd(addr, protocol.FEnd{Success: true, Checksum: "deadbeef"})

	if gotErr == nil {
		t.Fatal("expected an error for a transfer missing a chunk")
	}
}

func TestChecksumDerivation(t *testing.T) {
	a := Checksum([]byte("hello world"))
	b := Checksum([]byte("hello world"))
	c := Checksum([]byte("hello worlds"))
	if a != b {
		t.Fatal("checksum must be deterministic")
	}
	if a == c {
		t.Fatal("checksum must differ for different input")
	}
	if len(a) != 8 {
		t.Fatalf("expected 8-character checksum, got %q", a)
	}
}
