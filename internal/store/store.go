// Package store implements the durable blob backends.
//
// A Backend is a dumb, namespaced key/value store for immutable objects.
// It does not hash or verify anything: callers hand it bytes together with
// the id they already verified. Implementations:
//   - LocalStore: afero filesystem (disk or memory), git-style sharding,
//     zstd compression at rest
//   - S3Store: any S3 compatible service through minio-go
//   - GCSStore: Google Cloud Storage
//
// Every backend must make a completed Put visible to Has/Get immediately.
package store

import (
	"bytes"
	"context"
	"io"

	"github.com/aweris/cafsd/internal/model"
)

// Backend handles blob storage for all namespaces.
type Backend interface {
	// Put stores data under id. Storing an id that already exists is a no-op.
	Put(ctx context.Context, ns model.NamespaceID, id model.BlobID, data []byte) error

	// Get opens a blob. Returns model.ErrBlobNotFound when absent.
	Get(ctx context.Context, ns model.NamespaceID, id model.BlobID) (io.ReadCloser, int64, error)

	// Has checks if a blob exists.
	Has(ctx context.Context, ns model.NamespaceID, id model.BlobID) (bool, error)

	// Delete removes a blob. Deleting an absent blob is not an error.
	Delete(ctx context.Context, ns model.NamespaceID, id model.BlobID) error

	// DeleteNamespace removes every blob of a namespace.
	DeleteNamespace(ctx context.Context, ns model.NamespaceID) error

	String() string
}

// bytesReadCloser is an in-memory blob reader that also seeks, so HTTP
// handlers can serve ranges from it.
type bytesReadCloser struct {
	*bytes.Reader
}

func (bytesReadCloser) Close() error { return nil }

func newBytesReadCloser(data []byte) io.ReadCloser {
	return bytesReadCloser{bytes.NewReader(data)}
}
