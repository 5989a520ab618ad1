// Package blobs is the content-addressed blob store: hash verification on
// write, namespace policy checks, bounded existence fan-out and on-demand
// replication from a remote region.
package blobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/singleflight"

	"github.com/aweris/cafsd/internal/metrics"
	"github.com/aweris/cafsd/internal/model"
	"github.com/aweris/cafsd/internal/namespace"
	"github.com/aweris/cafsd/internal/remote"
	"github.com/aweris/cafsd/internal/store"
)

const (
	DefaultConcurrency = 16
	publishTimeout     = 2 * time.Minute
)

// Service implements the BlobStore operations on top of a backend.
type Service struct {
	backend     store.Backend
	policies    *namespace.Registry
	remote      remote.Remote
	metrics     metrics.Metrics
	concurrency int
	log         zerolog.Logger

	replicating singleflight.Group
	publishing  sync.WaitGroup
}

type Option func(*Service)

// WithRemote enables on-demand replication and publishing.
func WithRemote(r remote.Remote) Option {
	return func(s *Service) { s.remote = r }
}

func WithMetrics(m metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithConcurrency bounds the parallel existence checks of ExistsMany.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func New(backend store.Backend, policies *namespace.Registry, opts ...Option) *Service {
	s := &Service{
		backend:     backend,
		policies:    policies,
		metrics:     metrics.Noop{},
		concurrency: DefaultConcurrency,
		log:         log.With().Str("component", "blobs").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put reads the blob from r, verifies that it hashes to expected and stores
// it. Nothing is stored when the hashes differ.
func (s *Service) Put(ctx context.Context, ns model.NamespaceID, r io.Reader, expected model.BlobID) (model.BlobID, error) {
	if _, err := s.policies.Lookup(ns); err != nil {
		return "", err
	}

	hasher := model.NewHasher()
	data, err := io.ReadAll(io.TeeReader(r, hasher))
	if err != nil {
		return "", fmt.Errorf("read blob body: %w", err)
	}
	if computed := hasher.Sum(); computed != expected {
		return "", &model.HashMismatchError{Claimed: expected, Computed: computed}
	}
	return expected, s.store(ctx, ns, expected, data)
}

// PutKnownHash stores data under its computed hash.
func (s *Service) PutKnownHash(ctx context.Context, ns model.NamespaceID, data []byte) (model.BlobID, error) {
	if _, err := s.policies.Lookup(ns); err != nil {
		return "", err
	}
	id := model.ComputeBlobID(data)
	return id, s.store(ctx, ns, id, data)
}

func (s *Service) store(ctx context.Context, ns model.NamespaceID, id model.BlobID, data []byte) error {
	if err := s.backend.Put(ctx, ns, id, data); err != nil {
		return fmt.Errorf("store blob %s: %w", id, err)
	}
	s.metrics.AddBlobBytesWritten(string(ns), int64(len(data)))

	if policy, _ := s.policies.Lookup(ns); policy.Publish && s.remote != nil {
		s.publish(ns, id, data)
	}
	return nil
}

// publish pushes a blob to the remote region in the background. Failures
// are logged; the next reader in the other region falls back to its own
// miss handling.
func (s *Service) publish(ns model.NamespaceID, id model.BlobID, data []byte) {
	s.publishing.Add(1)
	go func() {
		defer s.publishing.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.remote.Publish(ctx, ns, id, data); err != nil {
			s.metrics.IncReplicated(string(ns), "publish_failed")
			s.log.Warn().Err(err).Str("namespace", string(ns)).Str("blob", string(id)).Msg("publish to remote failed")
			return
		}
		s.metrics.IncReplicated(string(ns), "published")
	}()
}

// Exists reports whether a blob is stored. With on-demand replication a
// local miss is pulled from the remote region first.
func (s *Service) Exists(ctx context.Context, ns model.NamespaceID, id model.BlobID) (bool, error) {
	policy, err := s.policies.Lookup(ns)
	if err != nil {
		return false, err
	}
	ok, err := s.backend.Has(ctx, ns, id)
	if err != nil || ok {
		return ok, err
	}
	if !policy.OnDemandReplication || s.remote == nil {
		return false, nil
	}
	err = s.replicate(ctx, ns, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, model.ErrBlobNotFound):
		return false, nil
	default:
		return false, err
	}
}

// ExistsMany returns the ids that are not stored, in input order and without
// duplicates.
func (s *Service) ExistsMany(ctx context.Context, ns model.NamespaceID, ids []model.BlobID) ([]model.BlobID, error) {
	if _, err := s.policies.Lookup(ns); err != nil {
		return nil, err
	}
	unique := dedupe(ids)
	present := make([]bool, len(unique))

	p := pool.New().WithMaxGoroutines(s.concurrency).WithContext(ctx).WithCancelOnError()
	for i, id := range unique {
		p.Go(func(ctx context.Context) error {
			ok, err := s.Exists(ctx, ns, id)
			if err != nil {
				return fmt.Errorf("check blob %s: %w", id, err)
			}
			present[i] = ok
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	var missing []model.BlobID
	for i, ok := range present {
		if !ok {
			missing = append(missing, unique[i])
		}
	}
	return missing, nil
}

// Get opens a blob. A local miss fails with model.ErrBlobNotFound unless the
// namespace replicates on demand, in which case the blob is pulled first.
func (s *Service) Get(ctx context.Context, ns model.NamespaceID, id model.BlobID) (io.ReadCloser, int64, error) {
	policy, err := s.policies.Lookup(ns)
	if err != nil {
		return nil, 0, err
	}
	rc, size, err := s.backend.Get(ctx, ns, id)
	if err == nil {
		s.metrics.IncBlobRead(string(ns), "local")
		return rc, size, nil
	}
	if !errors.Is(err, model.ErrBlobNotFound) || !policy.OnDemandReplication || s.remote == nil {
		if errors.Is(err, model.ErrBlobNotFound) {
			s.metrics.IncBlobRead(string(ns), "miss")
		}
		return nil, 0, err
	}

	if err := s.replicate(ctx, ns, id); err != nil {
		if errors.Is(err, model.ErrBlobNotFound) {
			s.metrics.IncBlobRead(string(ns), "miss")
		}
		return nil, 0, err
	}
	s.metrics.IncBlobRead(string(ns), "remote")
	return s.backend.Get(ctx, ns, id)
}

// GetBytes reads a whole blob into memory.
func (s *Service) GetBytes(ctx context.Context, ns model.NamespaceID, id model.BlobID) ([]byte, error) {
	rc, size, err := s.Get(ctx, ns, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	buf := bytes.NewBuffer(make([]byte, 0, size))
	if _, err := io.Copy(buf, rc); err != nil {
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	return buf.Bytes(), nil
}

// replicate pulls one blob from the remote region into the local backend.
// Concurrent misses on the same blob share one transfer.
func (s *Service) replicate(ctx context.Context, ns model.NamespaceID, id model.BlobID) error {
	_, err, _ := s.replicating.Do(string(ns)+"/"+string(id), func() (any, error) {
		data, err := s.remote.Fetch(ctx, ns, id)
		if err != nil {
			if errors.Is(err, model.ErrBlobNotFound) {
				s.metrics.IncReplicated(string(ns), "not_found")
			} else {
				s.metrics.IncReplicated(string(ns), "failed")
			}
			return nil, err
		}
		if err := s.backend.Put(ctx, ns, id, data); err != nil {
			return nil, fmt.Errorf("store replicated blob %s: %w", id, err)
		}
		s.metrics.IncReplicated(string(ns), "pulled")
		s.log.Debug().Str("namespace", string(ns)).Str("blob", string(id)).Int("bytes", len(data)).Msg("replicated blob on demand")
		return nil, nil
	})
	return err
}

// Delete removes a blob. Irreversible.
func (s *Service) Delete(ctx context.Context, ns model.NamespaceID, id model.BlobID) error {
	if _, err := s.policies.Lookup(ns); err != nil {
		return err
	}
	return s.backend.Delete(ctx, ns, id)
}

// DeleteNamespace removes every blob of ns. Irreversible.
func (s *Service) DeleteNamespace(ctx context.Context, ns model.NamespaceID) error {
	if _, err := s.policies.Lookup(ns); err != nil {
		return err
	}
	s.log.Info().Str("namespace", string(ns)).Msg("deleting all blobs of namespace")
	return s.backend.DeleteNamespace(ctx, ns)
}

// Close waits for background publishes to finish.
func (s *Service) Close() error {
	s.publishing.Wait()
	return nil
}

func dedupe(ids []model.BlobID) []model.BlobID {
	seen := make(map[model.BlobID]struct{}, len(ids))
	out := make([]model.BlobID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
