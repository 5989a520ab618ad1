package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

const digestPrefix = "sha256:"

// BlobID is the content address of an immutable byte sequence: the
// lowercase hex sha256 of its bytes.
type BlobID string

// ContentID is the logical id of a (possibly chunked) payload. It has the
// same shape as a BlobID but never addresses bytes directly.
type ContentID string

// ComputeBlobID hashes data.
func ComputeBlobID(data []byte) BlobID {
	h := sha256.Sum256(data)
	return BlobID(hex.EncodeToString(h[:]))
}

// ParseBlobID accepts both the bare hex form and the OCI "sha256:" form.
func ParseBlobID(s string) (BlobID, error) {
	hexPart, err := parseHex(s)
	if err != nil {
		return "", fmt.Errorf("%w: blob id %q: %v", ErrInvalidName, s, err)
	}
	return BlobID(hexPart), nil
}

// ParseContentID validates a content id.
func ParseContentID(s string) (ContentID, error) {
	hexPart, err := parseHex(s)
	if err != nil {
		return "", fmt.Errorf("%w: content id %q: %v", ErrInvalidName, s, err)
	}
	return ContentID(hexPart), nil
}

func parseHex(s string) (string, error) {
	s = strings.ToLower(strings.TrimPrefix(s, digestPrefix))
	if len(s) != sha256.Size*2 {
		return "", fmt.Errorf("expected %d hex characters, got %d", sha256.Size*2, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", err
	}
	return s, nil
}

func (b BlobID) String() string { return string(b) }

// Digest returns the OCI digest form ("sha256:<hex>").
func (b BlobID) Digest() string { return digestPrefix + string(b) }

// Bytes returns the raw 32 byte hash. Invalid ids yield nil.
func (b BlobID) Bytes() []byte {
	raw, err := hex.DecodeString(string(b))
	if err != nil {
		return nil
	}
	return raw
}

// BlobIDFromBytes converts a raw 32 byte hash.
func BlobIDFromBytes(raw []byte) (BlobID, error) {
	if len(raw) != sha256.Size {
		return "", fmt.Errorf("%w: hash must be %d bytes, got %d", ErrInvalidName, sha256.Size, len(raw))
	}
	return BlobID(hex.EncodeToString(raw)), nil
}

func (c ContentID) String() string { return string(c) }

// AsBlob reinterprets the content id as a blob id, used when a payload was
// uploaded uncompressed and its content id is simply its hash.
func (c ContentID) AsBlob() BlobID { return BlobID(c) }

// Hasher computes a BlobID over streamed bytes.
type Hasher struct {
	h hash.Hash
	n int64
}

func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	n, err := h.h.Write(p)
	h.n += int64(n)
	return n, err
}

// Size is the number of bytes hashed so far.
func (h *Hasher) Size() int64 { return h.n }

func (h *Hasher) Sum() BlobID {
	return BlobID(hex.EncodeToString(h.h.Sum(nil)))
}
