package compression

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// A compressed buffer is a sequence of independently compressed chunks:
//
//	"CFSZ" {count:u32} {len:u64}*count {chunk}*count
//
// The store keeps each chunk as its own blob; the header is rebuilt from
// chunk sizes when the buffer is served again.
var containerMagic = [4]byte{'C', 'F', 'S', 'Z'}

const (
	// DefaultChunkSize is the raw payload size per chunk used by Split.
	DefaultChunkSize = 1 << 20
	maxChunks        = 1 << 20
)

var (
	ErrInvalidContainer = errors.New("invalid compressed buffer")
	ErrTooLarge         = errors.New("decompressed payload too large")
)

// Pack writes the container for the given chunks.
func Pack(chunks [][]byte) []byte {
	var buf bytes.Buffer
	buf.Grow(HeaderSize(len(chunks)) + totalLen(chunks))
	WriteHeader(&buf, chunkLengths(chunks))
	for _, c := range chunks {
		buf.Write(c)
	}
	return buf.Bytes()
}

// HeaderSize is the encoded header length for n chunks.
func HeaderSize(n int) int {
	return len(containerMagic) + 4 + 8*n
}

// WriteHeader writes the container header for chunks of the given sizes.
func WriteHeader(w io.Writer, sizes []int64) error {
	hdr := make([]byte, HeaderSize(len(sizes)))
	copy(hdr, containerMagic[:])
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(sizes)))
	for i, s := range sizes {
		binary.BigEndian.PutUint64(hdr[8+8*i:], uint64(s))
	}
	_, err := w.Write(hdr)
	return err
}

// Unpack splits a container into its chunks. The returned slices alias data.
func Unpack(data []byte) ([][]byte, error) {
	if len(data) < HeaderSize(0) || !bytes.Equal(data[:4], containerMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidContainer)
	}
	count := int(binary.BigEndian.Uint32(data[4:]))
	if count > maxChunks || len(data) < HeaderSize(count) {
		return nil, fmt.Errorf("%w: truncated header (%d chunks)", ErrInvalidContainer, count)
	}

	chunks := make([][]byte, 0, count)
	offset := uint64(HeaderSize(count))
	for i := 0; i < count; i++ {
		length := binary.BigEndian.Uint64(data[8+8*i:])
		end := offset + length
		if end < offset || end > uint64(len(data)) {
			return nil, fmt.Errorf("%w: chunk %d overruns buffer", ErrInvalidContainer, i)
		}
		chunks = append(chunks, data[offset:end])
		offset = end
	}
	if offset != uint64(len(data)) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidContainer, uint64(len(data))-offset)
	}
	return chunks, nil
}

// Split compresses payload into a container of chunks of at most chunkSize
// raw bytes each.
func (c *Compressor) Split(payload []byte, chunkSize int) []byte {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	var chunks [][]byte
	for start := 0; start < len(payload) || start == 0; start += chunkSize {
		end := min(start+chunkSize, len(payload))
		chunks = append(chunks, c.CompressChunk(payload[start:end]))
		if end == len(payload) {
			break
		}
	}
	return Pack(chunks)
}

// Join decompresses every chunk and concatenates the payload. A positive
// limit bounds the joined size; exceeding it fails with ErrTooLarge before
// more than limit bytes are decoded.
func (c *Compressor) Join(chunks [][]byte, limit int64) ([]byte, error) {
	var out []byte
	for i, chunk := range chunks {
		var (
			raw []byte
			err error
		)
		if limit > 0 {
			raw, err = decompressLimited(chunk, limit-int64(len(out)))
		} else {
			raw, err = c.DecompressChunk(chunk)
		}
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		out = append(out, raw...)
	}
	return out, nil
}

// decompressLimited decodes one frame, reading at most remaining bytes of
// output.
func decompressLimited(chunk []byte, remaining int64) ([]byte, error) {
	var h zstd.Header
	if err := h.Decode(chunk); err == nil && h.HasFCS && h.FrameContentSize > uint64(max(remaining, 0)) {
		return nil, ErrTooLarge
	}
	dec, err := zstd.NewReader(bytes.NewReader(chunk),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(MaxDecodedSize))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	raw, err := io.ReadAll(io.LimitReader(dec, remaining+1))
	if err != nil {
		return nil, fmt.Errorf("decompress chunk: %w", err)
	}
	if int64(len(raw)) > remaining {
		return nil, ErrTooLarge
	}
	return raw, nil
}

func chunkLengths(chunks [][]byte) []int64 {
	sizes := make([]int64, len(chunks))
	for i, c := range chunks {
		sizes[i] = int64(len(c))
	}
	return sizes
}

func totalLen(chunks [][]byte) int {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	return n
}
