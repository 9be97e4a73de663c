package sqldb

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Payloads at or above this size are stored zstd-compressed. Smaller ones
// stay raw; the frame magic distinguishes the two on read.
const compressThreshold = 512

// maxPayloadBytes bounds decompression so a corrupt row cannot balloon.
const maxPayloadBytes = 16 << 20

var (
	zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDec, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayloadBytes))
)

// encodePayload compresses raw for storage when it is worth it. JSON
// never begins with the zstd frame magic, so raw passthrough is safe.
func encodePayload(raw []byte) []byte {
	if len(raw) < compressThreshold {
		return raw
	}
	return zstdEnc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
}

// decodePayload reverses encodePayload.
func decodePayload(stored []byte) ([]byte, error) {
	if !isZstdFrame(stored) {
		return stored, nil
	}
	out, err := zstdDec.DecodeAll(stored, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	return out, nil
}

func isZstdFrame(b []byte) bool {
	return len(b) >= 4 && b[0] == 0x28 && b[1] == 0xb5 && b[2] == 0x2f && b[3] == 0xfd
}
