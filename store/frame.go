package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Stored note values carry a one-byte frame tag so large notes can be
// compressed transparently.
const (
	frameRaw  byte = 0x00
	frameZstd byte = 0x01

	// Notes above this size are stored zstd-compressed.
	compressThreshold = 4096
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	// Concurrency 0 lets EncodeAll/DecodeAll be called from any
	// goroutine without a stream state.
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
}

// frameNote wraps raw event JSON for storage.
func frameNote(raw []byte) []byte {
	if len(raw) < compressThreshold {
		out := make([]byte, 1+len(raw))
		out[0] = frameRaw
		copy(out[1:], raw)
		return out
	}
	out := make([]byte, 1, 1+len(raw)/2)
	out[0] = frameZstd
	return zstdEncoder.EncodeAll(raw, out)
}

// unframeNote unwraps a stored note value into event JSON. The result
// is always an owned copy, safe to keep past the transaction.
func unframeNote(val []byte) ([]byte, error) {
	if len(val) < 1 {
		return nil, fmt.Errorf("empty note frame")
	}
	switch val[0] {
	case frameRaw:
		out := make([]byte, len(val)-1)
		copy(out, val[1:])
		return out, nil
	case frameZstd:
		out, err := zstdDecoder.DecodeAll(val[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing note: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown note frame tag 0x%02x", val[0])
	}
}
