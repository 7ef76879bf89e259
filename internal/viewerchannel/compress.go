package viewerchannel

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// compressionThresholdDefault matches spec.md §4.4's "payload >=
// compression_threshold" rule; small payloads (terminal output bursts
// are frequently a handful of bytes) aren't worth the zstd frame
// overhead.
const compressionThresholdDefault = 256

const (
	magicRaw        byte = 0x00
	magicCompressed byte = 0x01
)

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("viewerchannel: constructing zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("viewerchannel: constructing zstd decoder: %v", err))
	}
}

// maybeCompress prefixes plaintext with magicRaw, or with magicCompressed
// followed by the zstd-compressed bytes when plaintext is at least
// threshold bytes long.
func maybeCompress(plaintext []byte, threshold int) []byte {
	if len(plaintext) < threshold {
		return append([]byte{magicRaw}, plaintext...)
	}
	compressed := encoder.EncodeAll(plaintext, make([]byte, 0, len(plaintext)))
	out := make([]byte, 0, len(compressed)+1)
	out = append(out, magicCompressed)
	out = append(out, compressed...)
	return out
}

// reverseCompress strips the magic byte maybeCompress added and
// decompresses if it signals zstd content.
func reverseCompress(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, fmt.Errorf("viewerchannel: empty payload missing magic byte")
	}
	magic, body := framed[0], framed[1:]
	switch magic {
	case magicRaw:
		return body, nil
	case magicCompressed:
		out, err := decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("viewerchannel: zstd decompression failed: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("viewerchannel: unknown compression magic byte 0x%02x", magic)
	}
}
