package model

import "time"

// RefRecord is a cache entry: a root blob plus the blobs it depends on.
type RefRecord struct {
	Name           RefName
	ContentHash    BlobID
	BlobReferences []BlobID
	Metadata       map[string]string
	Sequence       uint64
	CreatedAt      time.Time
	LastAccess     time.Time
}

// Clone returns a deep copy so callers never share slices with a store.
func (r *RefRecord) Clone() *RefRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.BlobReferences = append([]BlobID(nil), r.BlobReferences...)
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
