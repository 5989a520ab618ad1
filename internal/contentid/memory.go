package contentid

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/aweris/cafsd/internal/model"
)

type memKey struct {
	ns  model.NamespaceID
	cid model.ContentID
}

// table maps a content id to its candidates keyed by joined chunk list.
type table map[memKey]map[string]Candidate

// MemoryBackend keeps mappings in an immutable table that writers copy and
// swap. Readers never lock.
type MemoryBackend struct {
	mu      sync.Mutex
	current atomic.Pointer[table]
}

func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{}
	b.current.Store(&table{})
	return b
}

func (b *MemoryBackend) Candidates(_ context.Context, ns model.NamespaceID, cid model.ContentID) ([]Candidate, error) {
	t := *b.current.Load()
	entries := t[memKey{ns, cid}]
	out := make([]Candidate, 0, len(entries))
	for _, c := range entries {
		out = append(out, Candidate{Chunks: append([]model.BlobID(nil), c.Chunks...), Weight: c.Weight})
	}
	return out, nil
}

func (b *MemoryBackend) Merge(_ context.Context, ns model.NamespaceID, cid model.ContentID, c Candidate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := *b.current.Load()
	key := memKey{ns, cid}
	if prev, ok := old[key][c.Key()]; ok && prev.Weight >= c.Weight {
		return nil
	}

	next := make(table, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	entries := make(map[string]Candidate, len(old[key])+1)
	for k, v := range old[key] {
		entries[k] = v
	}
	entries[c.Key()] = c
	next[key] = entries
	b.current.Store(&next)
	return nil
}

func (b *MemoryBackend) DeleteNamespace(_ context.Context, ns model.NamespaceID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := *b.current.Load()
	next := make(table, len(old))
	for k, v := range old {
		if k.ns != ns {
			next[k] = v
		}
	}
	b.current.Store(&next)
	return nil
}
