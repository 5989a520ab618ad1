package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/aweris/cafsd/internal/model"
)

var _ Backend = &S3Store{}

// S3Config configures an S3 compatible backend.
type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	UseSSL          bool
	Bucket          string
	Prefix          string
}

// S3Store keeps blobs as objects named <prefix><namespace>/<id>.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) String() string { return "s3://" + s.bucket + "/" + s.prefix }

func (s *S3Store) key(ns model.NamespaceID, id model.BlobID) string {
	return s.prefix + string(ns) + "/" + string(id)
}

func (s *S3Store) Put(ctx context.Context, ns model.NamespaceID, id model.BlobID, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(ns, id), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", id, classifyS3(err))
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, ns model.NamespaceID, id model.BlobID) (io.ReadCloser, int64, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(ns, id), minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("get object %s: %w", id, classifyS3(err))
	}
	// GetObject is lazy; Stat surfaces missing keys.
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		if isS3NotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s/%s", model.ErrBlobNotFound, ns, id)
		}
		return nil, 0, fmt.Errorf("stat object %s: %w", id, classifyS3(err))
	}
	return obj, info.Size, nil
}

func (s *S3Store) Has(ctx context.Context, ns model.NamespaceID, id model.BlobID) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.key(ns, id), minio.StatObjectOptions{})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", id, classifyS3(err))
	}
	return true, nil
}

func (s *S3Store) Delete(ctx context.Context, ns model.NamespaceID, id model.BlobID) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(ns, id), minio.RemoveObjectOptions{})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("remove object %s: %w", id, classifyS3(err))
	}
	return nil
}

func (s *S3Store) DeleteNamespace(ctx context.Context, ns model.NamespaceID) error {
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix + string(ns) + "/",
		Recursive: true,
	})
	for rerr := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			return fmt.Errorf("remove object %s: %w", rerr.ObjectName, classifyS3(rerr.Err))
		}
	}
	return nil
}

func isS3NotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

// classifyS3 marks throttling responses as retryable.
func classifyS3(err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "SlowDown",
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %v", model.ErrTooManyRequests, err)
	}
	return err
}
