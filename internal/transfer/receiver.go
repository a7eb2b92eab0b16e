package transfer

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"offgrid/internal/protocol"
)

// FileRx is the in-progress state of one inbound transfer from one peer.
// At most one is kept per remote address: a second FSTART from the same
// peer replaces whatever was in flight.
type FileRx struct {
	FileName       string
	OriginalSize   int64
	CompressedSize int64
	TotalChunks    int
	Checksum       string
	Chunks         [][]byte // sparse; nil slots are not-yet-received
	ChunksReceived int
	StartTime      time.Time
}

// Receiver tracks one inbound transfer per remote address and writes
// completed transfers to disk.
type Receiver struct {
	// OutputDir is where completed transfers are written, as
	// OffGrid_<filename>. Defaults to the current directory if empty.
	OutputDir string

	// OnProgress is called after every chunk with (received, total).
	OnProgress func(addr protocol.Address, received, total int)

	// OnComplete is called after a transfer is successfully written to
	// disk, with the path it was written to.
	OnComplete func(addr protocol.Address, path string)

	// OnError is called when a transfer fails — decode, decompress,
	// checksum mismatch, or filesystem error. The transfer's state is
	// dropped either way.
	OnError func(addr protocol.Address, err error)

	log *slog.Logger

	mu      sync.Mutex
	inbound map[protocol.Address]*FileRx
}

// NewReceiver constructs a Receiver writing completed files under dir.
func NewReceiver(dir string, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{
		OutputDir: dir,
		log:       log,
		inbound:   make(map[protocol.Address]*FileRx),
	}
}

// HandleFStart allocates a fresh FileRx for addr, discarding any transfer
// already in progress from that peer.
func (r *Receiver) HandleFStart(addr protocol.Address, fs protocol.FStart) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbound[addr] = &FileRx{
		FileName:       fs.FileName,
		OriginalSize:   fs.OriginalSize,
		CompressedSize: fs.CompressedSize,
		TotalChunks:    fs.TotalChunks,
		Checksum:       fs.Checksum,
		Chunks:         make([][]byte, fs.TotalChunks),
		StartTime:      time.Now(),
	}
}

// HandleFChunk stores one chunk's decoded bytes. A chunk for a peer with
// no in-progress transfer, or with an out-of-range index, is dropped
// silently. Re-delivery of an already-stored index is tolerated: the last
// writer wins.
func (r *Receiver) HandleFChunk(addr protocol.Address, fc protocol.FChunk) {
	r.mu.Lock()
	rx, ok := r.inbound[addr]
	if !ok || fc.Index < 0 || fc.Index >= rx.TotalChunks {
		r.mu.Unlock()
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(fc.Base64)
	if err != nil {
		r.mu.Unlock()
		r.log.Debug("transfer: dropping undecodable chunk", "addr", addr, "index", fc.Index)
		return
	}
	if rx.Chunks[fc.Index] == nil {
		rx.ChunksReceived++
	}
	rx.Chunks[fc.Index] = decoded
	received, total := rx.ChunksReceived, rx.TotalChunks
	r.mu.Unlock()

	if r.OnProgress != nil {
		r.OnProgress(addr, received, total)
	}
}

// HandleFEnd reassembles, decompresses, verifies, and writes the
// transfer from addr to disk, then drops its state regardless of outcome.
func (r *Receiver) HandleFEnd(addr protocol.Address, _ protocol.FEnd) {
	r.mu.Lock()
	rx, ok := r.inbound[addr]
	if ok {
		delete(r.inbound, addr)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	path, err := r.finish(rx)
	if err != nil {
		if r.OnError != nil {
			r.OnError(addr, err)
		}
		r.log.Warn("transfer failed", "addr", addr, "file", rx.FileName, "err", err)
		return
	}
	if r.OnComplete != nil {
		r.OnComplete(addr, path)
	}
	r.log.Info("transfer complete", "addr", addr, "file", rx.FileName, "path", path)
}

func (r *Receiver) finish(rx *FileRx) (string, error) {
	var compressed bytes.Buffer
	for i, chunk := range rx.Chunks {
		if chunk == nil {
			return "", fmt.Errorf("transfer: missing chunk %d of %d", i, rx.TotalChunks)
		}
		compressed.Write(chunk)
	}

	zr, err := gzip.NewReader(&compressed)
	if err != nil {
		return "", fmt.Errorf("transfer: open gzip stream: %w", err)
	}
	defer zr.Close()

	plain, err := io.ReadAll(zr)
	if err != nil {
		return "", fmt.Errorf("transfer: decompress: %w", err)
	}

	if got := Checksum(plain); got != rx.Checksum {
		return "", fmt.Errorf("transfer: checksum mismatch: got %s want %s", got, rx.Checksum)
	}

	dir := r.OutputDir
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, "OffGrid_"+rx.FileName)

	tmp, err := os.CreateTemp(dir, ".offgrid-recv-*")
	if err != nil {
		return "", fmt.Errorf("transfer: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, writeErr := tmp.Write(plain)
	closeErr := tmp.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("transfer: write file: %w", writeErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("transfer: close file: %w", closeErr)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("transfer: move file into place: %w", err)
	}

	return path, nil
}

// InProgress reports whether addr currently has an inbound transfer.
func (r *Receiver) InProgress(addr protocol.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inbound[addr]
	return ok
}
