package cafsd

import "github.com/aweris/cafsd/internal/model"

// BlobID is the lowercase hex sha256 of a blob's bytes.
type BlobID = model.BlobID

// ContentID is the hash of an uncompressed payload stored as compressed chunks.
type ContentID = model.ContentID

type (
	NamespaceID = model.NamespaceID
	BucketID    = model.BucketID
	KeyID       = model.KeyID
	RefName     = model.RefName
	RefRecord   = model.RefRecord
)
