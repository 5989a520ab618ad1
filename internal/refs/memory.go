package refs

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aweris/cafsd/internal/model"
)

type bucketKey struct {
	ns     model.NamespaceID
	bucket model.BucketID
}

// MemoryStore keeps ref records in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[bucketKey]map[model.KeyID]*model.RefRecord
	sequence atomic.Uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[bucketKey]map[model.KeyID]*model.RefRecord)}
}

func (s *MemoryStore) Get(_ context.Context, name model.RefName) (*model.RefRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[bucketKey{name.Namespace, name.Bucket}][name.Key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrRefNotFound, name)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, rec *model.RefRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bk := bucketKey{rec.Name.Namespace, rec.Name.Bucket}
	keys, ok := s.records[bk]
	if !ok {
		keys = make(map[model.KeyID]*model.RefRecord)
		s.records[bk] = keys
	}
	keys[rec.Name.Key] = rec.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, name model.RefName) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(name), nil
}

func (s *MemoryStore) deleteLocked(name model.RefName) int {
	bk := bucketKey{name.Namespace, name.Bucket}
	keys := s.records[bk]
	if _, ok := keys[name.Key]; !ok {
		return 0
	}
	delete(keys, name.Key)
	if len(keys) == 0 {
		delete(s.records, bk)
	}
	return 1
}

func (s *MemoryStore) DeleteBucket(_ context.Context, ns model.NamespaceID, bucket model.BucketID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bk := bucketKey{ns, bucket}
	n := len(s.records[bk])
	delete(s.records, bk)
	return n, nil
}

func (s *MemoryStore) DeleteNamespace(_ context.Context, ns model.NamespaceID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for bk, keys := range s.records {
		if bk.ns == ns {
			n += len(keys)
			delete(s.records, bk)
		}
	}
	return n, nil
}

func (s *MemoryStore) NextSequence(context.Context) (uint64, error) {
	return s.sequence.Add(1), nil
}

func (s *MemoryStore) TouchLastAccess(_ context.Context, name model.RefName, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[bucketKey{name.Namespace, name.Bucket}][name.Key]
	if ok && t.After(rec.LastAccess) {
		rec.LastAccess = t
	}
	return nil
}

func (s *MemoryStore) ListStale(_ context.Context, ns model.NamespaceID, cutoff time.Time) ([]model.RefName, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.RefName
	for bk, keys := range s.records {
		if bk.ns != ns {
			continue
		}
		for _, rec := range keys {
			if rec.LastAccess.Before(cutoff) {
				out = append(out, rec.Name)
			}
		}
	}
	slices.SortFunc(out, compareNames)
	return out, nil
}

func (s *MemoryStore) DeleteIfStale(_ context.Context, name model.RefName, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[bucketKey{name.Namespace, name.Bucket}][name.Key]
	if !ok || !rec.LastAccess.Before(cutoff) {
		return false, nil
	}
	return s.deleteLocked(name) == 1, nil
}

func (s *MemoryStore) List(_ context.Context, ns model.NamespaceID, bucket model.BucketID) ([]model.KeyID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.records[bucketKey{ns, bucket}]
	out := make([]model.KeyID, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	slices.Sort(out)
	return out, nil
}

func (s *MemoryStore) Namespaces(context.Context) ([]model.NamespaceID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[model.NamespaceID]struct{}{}
	var out []model.NamespaceID
	for bk := range s.records {
		if _, ok := seen[bk.ns]; !ok {
			seen[bk.ns] = struct{}{}
			out = append(out, bk.ns)
		}
	}
	slices.Sort(out)
	return out, nil
}

func compareNames(a, b model.RefName) int {
	if c := cmp.Compare(a.Bucket, b.Bucket); c != 0 {
		return c
	}
	return cmp.Compare(a.Key, b.Key)
}
