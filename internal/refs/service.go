package refs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aweris/cafsd/internal/metrics"
	"github.com/aweris/cafsd/internal/model"
	"github.com/aweris/cafsd/internal/namespace"
)

// BlobStore is the part of the blob service refs depend on.
type BlobStore interface {
	Put(ctx context.Context, ns model.NamespaceID, r io.Reader, expected model.BlobID) (model.BlobID, error)
	ExistsMany(ctx context.Context, ns model.NamespaceID, ids []model.BlobID) ([]model.BlobID, error)
	Get(ctx context.Context, ns model.NamespaceID, id model.BlobID) (io.ReadCloser, int64, error)
}

// ReferenceResolver enumerates the blobs an uploaded root attaches.
type ReferenceResolver interface {
	Resolve(ctx context.Context, ns model.NamespaceID, root []byte) ([]model.BlobID, error)
}

// AccessRecorder queues last-access updates.
type AccessRecorder interface {
	Track(name model.RefName, t time.Time)
}

// Field selects a part of a record in Get.
type Field string

const (
	FieldContentHash    Field = "contentHash"
	FieldBlobReferences Field = "blobReferences"
	FieldMetadata       Field = "metadata"
	FieldSequence       Field = "sequence"
	FieldLastAccess     Field = "lastAccess"
	FieldCreatedAt      Field = "createdAt"
	FieldPayload        Field = "payload"
)

var defaultFields = []Field{FieldContentHash, FieldBlobReferences, FieldMetadata, FieldSequence, FieldLastAccess, FieldCreatedAt}

// ParseFields parses a comma separated projection. An empty string selects
// every field except the payload.
func ParseFields(s string) ([]Field, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []Field
	for _, part := range strings.Split(s, ",") {
		f := Field(strings.TrimSpace(part))
		if !slices.Contains(defaultFields, f) && f != FieldPayload {
			return nil, fmt.Errorf("%w: unknown field %q", model.ErrInvalidName, f)
		}
		out = append(out, f)
	}
	return out, nil
}

// View is a projection of a record.
type View struct {
	ContentHash    model.BlobID      `json:"contentHash,omitempty"`
	BlobReferences []model.BlobID    `json:"blobReferences,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Sequence       uint64            `json:"sequence,omitempty"`
	LastAccess     *time.Time        `json:"lastAccess,omitempty"`
	CreatedAt      *time.Time        `json:"createdAt,omitempty"`
}

// PutResult reports a committed record.
type PutResult struct {
	TransactionID  uint64         `json:"transactionId"`
	BlobReferences []model.BlobID `json:"blobReferences"`
}

// PutIndirectRequest registers a record over blobs uploaded beforehand.
type PutIndirectRequest struct {
	ContentHash    model.BlobID      `json:"contentHash"`
	BlobReferences []model.BlobID    `json:"blobReferences"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Service implements ref operations over a Store.
type Service struct {
	store    Store
	blobs    BlobStore
	resolver ReferenceResolver
	access   AccessRecorder
	policies *namespace.Registry
	metrics  metrics.Metrics
	now      func() time.Time
	log      zerolog.Logger
}

type Option func(*Service)

func WithMetrics(m metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, blobs BlobStore, resolver ReferenceResolver, access AccessRecorder, policies *namespace.Registry, opts ...Option) *Service {
	s := &Service{
		store:    store,
		blobs:    blobs,
		resolver: resolver,
		access:   access,
		policies: policies,
		metrics:  metrics.Noop{},
		now:      time.Now,
		log:      log.With().Str("component", "refs").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the backing store to the rollup and cleanup loops.
func (s *Service) Store() Store { return s.store }

func (s *Service) observe(ns model.NamespaceID, op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, model.ErrRefNotFound):
		result = "not_found"
	case isMissing(err):
		result = "missing_blobs"
	default:
		result = "error"
	}
	s.metrics.IncRefOp(string(ns), op, result)
}

func isMissing(err error) bool {
	blobs, cids := model.MissingFromError(err)
	return len(blobs) > 0 || len(cids) > 0
}

// Exists returns the record when it and every blob it depends on are
// stored. A record with absent blobs fails with model.MissingBlobsError.
func (s *Service) Exists(ctx context.Context, name model.RefName) (rec *model.RefRecord, err error) {
	defer func() { s.observe(name.Namespace, "exists", err) }()
	if _, err := s.policies.Lookup(name.Namespace); err != nil {
		return nil, err
	}
	rec, err = s.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	s.access.Track(name, s.now())

	missing, err := s.blobs.ExistsMany(ctx, name.Namespace, append([]model.BlobID{rec.ContentHash}, rec.BlobReferences...))
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, &model.MissingBlobsError{Blobs: missing}
	}
	return rec, nil
}

// Get returns the selected fields of a record. When FieldPayload is
// selected the root blob is returned as a stream the caller must close.
func (s *Service) Get(ctx context.Context, name model.RefName, fields []Field) (view *View, payload io.ReadCloser, err error) {
	defer func() { s.observe(name.Namespace, "get", err) }()
	if _, err := s.policies.Lookup(name.Namespace); err != nil {
		return nil, nil, err
	}
	rec, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	s.access.Track(name, s.now())

	if len(fields) == 0 {
		fields = defaultFields
	}
	view = project(rec, fields)
	if slices.Contains(fields, FieldPayload) {
		rc, _, err := s.blobs.Get(ctx, name.Namespace, rec.ContentHash)
		if errors.Is(err, model.ErrBlobNotFound) {
			return nil, nil, &model.MissingBlobsError{Blobs: []model.BlobID{rec.ContentHash}}
		}
		if err != nil {
			return nil, nil, err
		}
		payload = rc
	}
	return view, payload, nil
}

func project(rec *model.RefRecord, fields []Field) *View {
	v := &View{}
	for _, f := range fields {
		switch f {
		case FieldContentHash:
			v.ContentHash = rec.ContentHash
		case FieldBlobReferences:
			v.BlobReferences = rec.BlobReferences
		case FieldMetadata:
			v.Metadata = rec.Metadata
		case FieldSequence:
			v.Sequence = rec.Sequence
		case FieldLastAccess:
			t := rec.LastAccess
			v.LastAccess = &t
		case FieldCreatedAt:
			t := rec.CreatedAt
			v.CreatedAt = &t
		}
	}
	return v
}

// Put uploads the root blob, resolves everything it attaches and commits the
// record. When attachments are absent the record is not written and the
// error lists every missing blob and content id.
func (s *Service) Put(ctx context.Context, name model.RefName, contentHash model.BlobID, root io.Reader, metadata map[string]string) (res PutResult, err error) {
	defer func() { s.observe(name.Namespace, "put", err) }()
	if _, err := s.policies.Lookup(name.Namespace); err != nil {
		return PutResult{}, err
	}

	data, err := io.ReadAll(root)
	if err != nil {
		return PutResult{}, fmt.Errorf("read root blob: %w", err)
	}
	if _, err := s.blobs.Put(ctx, name.Namespace, bytes.NewReader(data), contentHash); err != nil {
		return PutResult{}, err
	}

	refs, err := s.resolver.Resolve(ctx, name.Namespace, data)
	if err != nil {
		missingBlobs, unresolved := model.MissingFromError(err)
		if len(missingBlobs) == 0 && len(unresolved) == 0 {
			return PutResult{}, err
		}
		var errs []error
		if len(missingBlobs) > 0 {
			errs = append(errs, &model.MissingBlobsError{Blobs: missingBlobs})
		}
		if len(unresolved) > 0 {
			errs = append(errs, &model.PartialReferenceResolveError{ContentIDs: unresolved})
		}
		return PutResult{}, errors.Join(errs...)
	}

	return s.commit(ctx, name, contentHash, refs, metadata)
}

// PutIndirect commits a record over blobs that must already be stored. It
// uploads nothing and never writes a record with absent references.
func (s *Service) PutIndirect(ctx context.Context, name model.RefName, req PutIndirectRequest) (res PutResult, err error) {
	defer func() { s.observe(name.Namespace, "put_indirect", err) }()
	if _, err := s.policies.Lookup(name.Namespace); err != nil {
		return PutResult{}, err
	}
	if req.ContentHash == "" {
		return PutResult{}, fmt.Errorf("%w: content hash is required", model.ErrInvalidName)
	}

	missing, err := s.blobs.ExistsMany(ctx, name.Namespace, append([]model.BlobID{req.ContentHash}, req.BlobReferences...))
	if err != nil {
		return PutResult{}, err
	}
	if len(missing) > 0 {
		return PutResult{}, &model.MissingBlobsError{Blobs: missing}
	}
	return s.commit(ctx, name, req.ContentHash, req.BlobReferences, req.Metadata)
}

func (s *Service) commit(ctx context.Context, name model.RefName, contentHash model.BlobID, refs []model.BlobID, metadata map[string]string) (PutResult, error) {
	seq, err := s.store.NextSequence(ctx)
	if err != nil {
		return PutResult{}, fmt.Errorf("allocate sequence: %w", err)
	}
	now := s.now().UTC()
	rec := &model.RefRecord{
		Name:           name,
		ContentHash:    contentHash,
		BlobReferences: dedupe(refs),
		Metadata:       metadata,
		Sequence:       seq,
		CreatedAt:      now,
		LastAccess:     now,
	}
	if err := s.store.Put(ctx, rec); err != nil {
		return PutResult{}, fmt.Errorf("store ref %s: %w", name, err)
	}
	s.log.Debug().Str("ref", name.String()).Uint64("sequence", seq).Int("references", len(rec.BlobReferences)).Msg("committed ref record")
	return PutResult{TransactionID: seq, BlobReferences: rec.BlobReferences}, nil
}

// Delete removes one record. Deleting an absent record returns 0.
func (s *Service) Delete(ctx context.Context, name model.RefName) (n int, err error) {
	defer func() { s.observe(name.Namespace, "delete", err) }()
	if _, err := s.policies.Lookup(name.Namespace); err != nil {
		return 0, err
	}
	return s.store.Delete(ctx, name)
}

// DeleteBucket removes every record of a bucket. Blobs are kept.
func (s *Service) DeleteBucket(ctx context.Context, ns model.NamespaceID, bucket model.BucketID) (int, error) {
	if _, err := s.policies.Lookup(ns); err != nil {
		return 0, err
	}
	n, err := s.store.DeleteBucket(ctx, ns, bucket)
	s.log.Info().Str("namespace", string(ns)).Str("bucket", string(bucket)).Int("deleted", n).Msg("deleted bucket")
	return n, err
}

// DeleteNamespace removes every record of a namespace. Blobs are kept.
func (s *Service) DeleteNamespace(ctx context.Context, ns model.NamespaceID) (int, error) {
	if _, err := s.policies.Lookup(ns); err != nil {
		return 0, err
	}
	n, err := s.store.DeleteNamespace(ctx, ns)
	s.log.Info().Str("namespace", string(ns)).Int("deleted", n).Msg("deleted namespace refs")
	return n, err
}

func (s *Service) List(ctx context.Context, ns model.NamespaceID, bucket model.BucketID) ([]model.KeyID, error) {
	if _, err := s.policies.Lookup(ns); err != nil {
		return nil, err
	}
	return s.store.List(ctx, ns, bucket)
}

func dedupe(ids []model.BlobID) []model.BlobID {
	seen := make(map[model.BlobID]struct{}, len(ids))
	out := make([]model.BlobID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
