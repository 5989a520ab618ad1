// Package remote implements blob replication against an OCI registry.
//
// Every namespace maps onto one repository of the remote region's
// registry (<registry>/<namespace>) and every blob onto the registry blob
// with the same sha256 digest, so a blob can be pulled or published by id
// alone:
//   - Authentication via keychain or static credentials
//   - Transient failures retried with exponential backoff
package remote

import (
	"context"

	"github.com/aweris/cafsd/internal/model"
)

// Remote moves blobs between this region and another one.
type Remote interface {
	// Fetch downloads a blob. Returns model.ErrBlobNotFound when the remote
	// does not have it.
	Fetch(ctx context.Context, ns model.NamespaceID, id model.BlobID) ([]byte, error)

	// Publish uploads a blob so other regions can pull it.
	Publish(ctx context.Context, ns model.NamespaceID, id model.BlobID, data []byte) error
}
