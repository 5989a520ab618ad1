package compression

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	c, err := NewCompressor(2, true)
	require.NoError(t, err)
	defer c.Close()

	small := []byte("tiny")
	stored := c.Encode(small)
	assert.Equal(t, markerRaw, stored[0])
	got, err := c.Decode(stored)
	require.NoError(t, err)
	assert.Equal(t, small, got)

	big := bytes.Repeat([]byte("abcdefgh"), 1024)
	stored = c.Encode(big)
	assert.Equal(t, markerZstd, stored[0])
	assert.Less(t, len(stored), len(big))
	got, err = c.Decode(stored)
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestDecodeWithCompressionDisabled(t *testing.T) {
	on, err := NewCompressor(1, true)
	require.NoError(t, err)
	off, err := NewCompressor(1, false)
	require.NoError(t, err)

	big := bytes.Repeat([]byte("z"), 4096)
	got, err := off.Decode(on.Encode(big))
	require.NoError(t, err)
	assert.Equal(t, big, got)

	_, err = off.Decode([]byte{9, 1, 2})
	assert.Error(t, err)
}

func TestSplitJoin(t *testing.T) {
	c, err := NewCompressor(2, true)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("0123456789"), 1000)
	container := c.Split(payload, 3000)

	chunks, err := Unpack(container)
	require.NoError(t, err)
	assert.Len(t, chunks, 4)

	joined, err := c.Join(chunks, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, joined)

	assert.Equal(t, container, Pack(chunks))
}

func TestJoinLimit(t *testing.T) {
	c, err := NewCompressor(1, true)
	require.NoError(t, err)
	defer c.Close()

	payload := make([]byte, 1<<20)
	chunks, err := Unpack(c.Split(payload, 256<<10))
	require.NoError(t, err)

	_, err = c.Join(chunks, 300<<10)
	assert.ErrorIs(t, err, ErrTooLarge)

	joined, err := c.Join(chunks, int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, joined)
}

func TestDecompressLimitedStreamedFrame(t *testing.T) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = enc.Write(make([]byte, 1<<20))
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	_, err = decompressLimited(buf.Bytes(), 1024)
	assert.ErrorIs(t, err, ErrTooLarge)

	raw, err := decompressLimited(buf.Bytes(), 1<<20)
	require.NoError(t, err)
	assert.Len(t, raw, 1<<20)
}

func TestSplitEmptyPayload(t *testing.T) {
	c, err := NewCompressor(2, false)
	require.NoError(t, err)

	chunks, err := Unpack(c.Split(nil, 0))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	joined, err := c.Join(chunks, 0)
	require.NoError(t, err)
	assert.Empty(t, joined)
}

func TestUnpackRejectsMalformed(t *testing.T) {
	_, err := Unpack([]byte("nope"))
	assert.ErrorIs(t, err, ErrInvalidContainer)

	good := Pack([][]byte{[]byte("abc")})
	_, err = Unpack(good[:len(good)-1])
	assert.ErrorIs(t, err, ErrInvalidContainer)

	_, err = Unpack(append(good, 'x'))
	assert.ErrorIs(t, err, ErrInvalidContainer)
}
