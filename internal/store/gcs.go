package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/aweris/cafsd/internal/model"
)

var _ Backend = &GCSStore{}

// GCSStore keeps blobs in a Google Cloud Storage bucket as
// <prefix><namespace>/<id>.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore uses application default credentials.
func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSStore) String() string { return "gs://" + s.bucket + "/" + s.prefix }

func (s *GCSStore) object(ns model.NamespaceID, id model.BlobID) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + string(ns) + "/" + string(id))
}

func (s *GCSStore) Put(ctx context.Context, ns model.NamespaceID, id model.BlobID, data []byte) error {
	w := s.object(ns, id).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write object %s: %w", id, classifyGCS(err))
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("commit object %s: %w", id, classifyGCS(err))
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, ns model.NamespaceID, id model.BlobID) (io.ReadCloser, int64, error) {
	r, err := s.object(ns, id).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, 0, fmt.Errorf("%w: %s/%s", model.ErrBlobNotFound, ns, id)
		}
		return nil, 0, fmt.Errorf("read object %s: %w", id, classifyGCS(err))
	}
	return r, r.Attrs.Size, nil
}

func (s *GCSStore) Has(ctx context.Context, ns model.NamespaceID, id model.BlobID) (bool, error) {
	_, err := s.object(ns, id).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", id, classifyGCS(err))
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, ns model.NamespaceID, id model.BlobID) error {
	err := s.object(ns, id).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object %s: %w", id, classifyGCS(err))
	}
	return nil
}

func (s *GCSStore) DeleteNamespace(ctx context.Context, ns model.NamespaceID) error {
	bucket := s.client.Bucket(s.bucket)
	it := bucket.Objects(ctx, &storage.Query{Prefix: s.prefix + string(ns) + "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list namespace %s: %w", ns, classifyGCS(err))
		}
		if err := bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("delete object %s: %w", attrs.Name, classifyGCS(err))
		}
	}
}

func classifyGCS(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusTooManyRequests || apiErr.Code == http.StatusServiceUnavailable) {
		return fmt.Errorf("%w: %v", model.ErrTooManyRequests, err)
	}
	return err
}
