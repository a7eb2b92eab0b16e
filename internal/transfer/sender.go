// Package transfer implements the chunked file transfer state machine:
// gzip compress, checksum, split into sequenced chunks on the way out;
// buffer, reassemble, decompress, and verify on the way in.
package transfer

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math"
	"time"

	"offgrid/internal/protocol"
)

// ChunkSize is the maximum plaintext chunk size before base64 encoding.
const ChunkSize = 16 * 1024

// ChunkSendDelay paces FCHUNK emission so one transfer cannot saturate a
// link and starve interactive chat on the same stream.
const ChunkSendDelay = 10 * time.Millisecond

// StartDelay is the pause after FSTART before the first chunk is sent,
// giving the receiver time to allocate its reassembly buffer.
const StartDelay = 50 * time.Millisecond

// progressEvery controls how often Send reports a progress update.
const progressEvery = 10

// Sender drives one outbound file transfer over a single direct link.
type Sender struct {
	// Write sends one wire-encoded frame. It must block until the frame
	// has been handed to the underlying stream before returning.
	Write func(wire string) error

	// OnProgress is called roughly every 10 chunks with the percentage
	// of chunks sent so far (0-100). May be nil.
	OnProgress func(percent int)

	log *slog.Logger
}

// NewSender constructs a Sender that writes frames via write.
func NewSender(write func(wire string) error, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{Write: write, log: log}
}

// Send compresses data, emits FSTART, paced FCHUNKs, and a final FEND.
// fileName is the name advertised to the receiver, not a path on disk.
func (s *Sender) Send(ctx context.Context, fileName string, data []byte) error {
	var compressed bytes.Buffer
	zw, err := gzip.NewWriterLevel(&compressed, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("transfer: create gzip writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return fmt.Errorf("transfer: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("transfer: finalize compression: %w", err)
	}

	checksum := Checksum(data)
	compBytes := compressed.Bytes()
	totalChunks := int(math.Ceil(float64(len(compBytes)) / float64(ChunkSize)))
	if totalChunks == 0 {
		totalChunks = 1 // never advertise a transfer of zero chunks
	}

	if err := s.Write(protocol.EncodeFStart(protocol.FStart{
		FileName:       fileName,
		OriginalSize:   int64(len(data)),
		CompressedSize: int64(len(compBytes)),
		TotalChunks:    totalChunks,
		Checksum:       checksum,
	})); err != nil {
		return fmt.Errorf("transfer: send FSTART: %w", err)
	}

	select {
	case <-time.After(StartDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	for i := 0; i < totalChunks; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(compBytes) {
			end = len(compBytes)
		}
		b64 := base64.StdEncoding.EncodeToString(compBytes[start:end])
		if err := s.Write(protocol.EncodeFChunk(i, b64)); err != nil {
			return fmt.Errorf("transfer: send chunk %d: %w", i, err)
		}

		if s.OnProgress != nil && (i%progressEvery == 0 || i == totalChunks-1) {
			s.OnProgress(int(float64(i+1) / float64(totalChunks) * 100))
		}

		select {
		case <-time.After(ChunkSendDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.Write(protocol.EncodeFEnd(checksum)); err != nil {
		return fmt.Errorf("transfer: send FEND: %w", err)
	}
	s.log.Info("file sent", "name", fileName, "orig_size", len(data), "chunks", totalChunks)
	return nil
}

// Checksum returns the first 8 characters of the base64-encoded SHA-256
// digest of data — the same derivation used by both ends of a transfer.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	enc := base64.StdEncoding.EncodeToString(sum[:])
	if len(enc) > 8 {
		enc = enc[:8]
	}
	return enc
}

