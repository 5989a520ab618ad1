// Package refs maps cache keys (namespace, bucket, key) onto ref records and
// enforces that every blob a record depends on is stored before the record
// becomes visible.
package refs

import (
	"context"
	"time"

	"github.com/aweris/cafsd/internal/model"
)

// Store persists ref records.
type Store interface {
	// Get returns model.ErrRefNotFound when the record does not exist.
	Get(ctx context.Context, name model.RefName) (*model.RefRecord, error)
	// Put upserts a record; the last writer wins.
	Put(ctx context.Context, rec *model.RefRecord) error
	// Delete removes a record and returns how many were removed (0 or 1).
	Delete(ctx context.Context, name model.RefName) (int, error)
	DeleteBucket(ctx context.Context, ns model.NamespaceID, bucket model.BucketID) (int, error)
	DeleteNamespace(ctx context.Context, ns model.NamespaceID) (int, error)

	// NextSequence returns a store-wide, strictly increasing number.
	NextSequence(ctx context.Context) (uint64, error)

	// TouchLastAccess moves the persisted last access of an existing record
	// forward to t. Older timestamps and missing records are ignored.
	TouchLastAccess(ctx context.Context, name model.RefName, t time.Time) error
	// ListStale lists records of ns last accessed before cutoff.
	ListStale(ctx context.Context, ns model.NamespaceID, cutoff time.Time) ([]model.RefName, error)
	// DeleteIfStale removes the record only if its persisted last access is
	// still before cutoff, atomically with the check.
	DeleteIfStale(ctx context.Context, name model.RefName, cutoff time.Time) (bool, error)

	List(ctx context.Context, ns model.NamespaceID, bucket model.BucketID) ([]model.KeyID, error)
	Namespaces(ctx context.Context) ([]model.NamespaceID, error)
}
