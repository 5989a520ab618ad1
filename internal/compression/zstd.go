package compression

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Stored objects carry a one byte marker so small or incompressible
// payloads can be kept raw.
const (
	markerRaw  byte = 0
	markerZstd byte = 1

	minCompressSize = 128

	// MaxDecodedSize caps what a single zstd frame may decode to.
	MaxDecodedSize = 2 << 30
)

type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	enabled bool
}

// NewCompressor builds a compressor. Level 1 is fastest, 3 is best
// compression, anything else is the zstd default.
func NewCompressor(level int, enabled bool) (*Compressor, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	if err != nil {
		return nil, err
	}
	if !enabled {
		return &Compressor{decoder: decoder}, nil
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel(level)),
		zstd.WithEncoderConcurrency(1),
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		return nil, err
	}

	return &Compressor{
		encoder: encoder,
		decoder: decoder,
		enabled: true,
	}, nil
}

func encoderLevel(level int) zstd.EncoderLevel {
	switch level {
	case 1:
		return zstd.SpeedFastest
	case 3:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedDefault
	}
}

// Encode frames data for storage, compressing it when that pays off.
func (c *Compressor) Encode(data []byte) []byte {
	if c.enabled && len(data) >= minCompressSize {
		out := make([]byte, 1, len(data)/2+1)
		out[0] = markerZstd
		out = c.encoder.EncodeAll(data, out)
		if len(out) < len(data)+1 {
			return out
		}
	}
	out := make([]byte, 0, len(data)+1)
	out = append(out, markerRaw)
	return append(out, data...)
}

// Decode reverses Encode. Decoding works regardless of whether the
// compressor was created with compression enabled.
func (c *Compressor) Decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("decode stored object: empty")
	}
	switch stored[0] {
	case markerRaw:
		return stored[1:], nil
	case markerZstd:
		out, err := c.decoder.DecodeAll(stored[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decode stored object: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("decode stored object: unknown marker %d", stored[0])
	}
}

// CompressChunk compresses one chunk of a compressed buffer as an
// independent zstd frame.
func (c *Compressor) CompressChunk(data []byte) []byte {
	if c.encoder == nil {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithZeroFrames(true))
		defer enc.Close()
		return enc.EncodeAll(data, nil)
	}
	return c.encoder.EncodeAll(data, nil)
}

// DecompressChunk decodes one zstd frame.
func (c *Compressor) DecompressChunk(chunk []byte) ([]byte, error) {
	out, err := c.decoder.DecodeAll(chunk, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress chunk: %w", err)
	}
	return out, nil
}

func (c *Compressor) Close() error {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
	return nil
}
