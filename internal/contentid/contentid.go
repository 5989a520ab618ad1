// Package contentid maps logical content ids onto ordered lists of chunk
// blobs.
//
// Several writers may register different chunk lists for the same content
// id. Each distinct list is a candidate with a weight; re-registering a list
// keeps the highest weight seen. Resolution picks, among candidates whose
// chunks are all stored, the heaviest one, breaking ties on the joined chunk
// list so the result is deterministic.
package contentid

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aweris/cafsd/internal/model"
)

// Candidate is one registered chunk list for a content id.
type Candidate struct {
	Chunks []model.BlobID
	Weight int64
}

// Key identifies a candidate by its chunk list.
func (c Candidate) Key() string { return joinChunks(c.Chunks) }

// Backend persists candidates.
type Backend interface {
	// Candidates returns every candidate registered for cid, in any order.
	Candidates(ctx context.Context, ns model.NamespaceID, cid model.ContentID) ([]Candidate, error)
	// Merge registers c, keeping the maximum weight for an existing list.
	Merge(ctx context.Context, ns model.NamespaceID, cid model.ContentID, c Candidate) error
	DeleteNamespace(ctx context.Context, ns model.NamespaceID) error
}

// BlobChecker reports which blobs are not stored.
type BlobChecker interface {
	ExistsMany(ctx context.Context, ns model.NamespaceID, ids []model.BlobID) ([]model.BlobID, error)
}

// Index resolves content ids against the blob store.
type Index struct {
	backend Backend
	blobs   BlobChecker
	log     zerolog.Logger
}

func New(backend Backend, blobs BlobChecker) *Index {
	return &Index{
		backend: backend,
		blobs:   blobs,
		log:     log.With().Str("component", "contentid").Logger(),
	}
}

// Put registers the single-chunk candidate [chunk].
func (x *Index) Put(ctx context.Context, ns model.NamespaceID, cid model.ContentID, chunk model.BlobID, weight int64) error {
	return x.PutChunks(ctx, ns, cid, []model.BlobID{chunk}, weight)
}

// PutChunks registers an ordered chunk list for cid.
func (x *Index) PutChunks(ctx context.Context, ns model.NamespaceID, cid model.ContentID, chunks []model.BlobID, weight int64) error {
	if len(chunks) == 0 {
		return fmt.Errorf("content id %s: empty chunk list", cid)
	}
	c := Candidate{Chunks: append([]model.BlobID(nil), chunks...), Weight: weight}
	if err := x.backend.Merge(ctx, ns, cid, c); err != nil {
		return fmt.Errorf("register content id %s: %w", cid, err)
	}
	return nil
}

// Resolve returns the chunk list cid maps to. When nothing is registered and
// mustBeContentID is false, a blob stored under the same hash resolves to
// itself.
func (x *Index) Resolve(ctx context.Context, ns model.NamespaceID, cid model.ContentID, mustBeContentID bool) ([]model.BlobID, error) {
	candidates, err := x.backend.Candidates(ctx, ns, cid)
	if err != nil {
		return nil, fmt.Errorf("load content id %s: %w", cid, err)
	}

	if len(candidates) == 0 {
		if mustBeContentID {
			return nil, &model.ContentIDResolveError{ContentID: cid}
		}
		missing, err := x.blobs.ExistsMany(ctx, ns, []model.BlobID{cid.AsBlob()})
		if err != nil {
			return nil, err
		}
		if len(missing) > 0 {
			return nil, &model.ContentIDResolveError{ContentID: cid}
		}
		return []model.BlobID{cid.AsBlob()}, nil
	}

	rank(candidates)

	var all []model.BlobID
	for _, c := range candidates {
		all = append(all, c.Chunks...)
	}
	missing, err := x.blobs.ExistsMany(ctx, ns, all)
	if err != nil {
		return nil, err
	}
	absent := make(map[model.BlobID]struct{}, len(missing))
	for _, id := range missing {
		absent[id] = struct{}{}
	}

	for _, c := range candidates {
		if complete(c, absent) {
			return c.Chunks, nil
		}
	}
	x.log.Debug().Str("namespace", string(ns)).Str("content_id", string(cid)).Int("candidates", len(candidates)).Msg("no fully present candidate")
	return nil, &model.ContentIDResolveError{ContentID: cid}
}

// DeleteNamespace drops every mapping of ns.
func (x *Index) DeleteNamespace(ctx context.Context, ns model.NamespaceID) error {
	return x.backend.DeleteNamespace(ctx, ns)
}

// rank orders candidates by descending weight, then by joined chunk list.
func rank(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Weight != candidates[j].Weight {
			return candidates[i].Weight > candidates[j].Weight
		}
		return candidates[i].Key() < candidates[j].Key()
	})
}

func complete(c Candidate, absent map[model.BlobID]struct{}) bool {
	for _, id := range c.Chunks {
		if _, ok := absent[id]; ok {
			return false
		}
	}
	return true
}

func joinChunks(chunks []model.BlobID) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func splitChunks(key string) ([]model.BlobID, error) {
	parts := strings.Split(key, ",")
	out := make([]model.BlobID, 0, len(parts))
	for _, p := range parts {
		id, err := model.ParseBlobID(p)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
