package objects

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/aweris/cafsd/internal/model"
)

const defaultFetchConcurrency = 8

// BlobSource is the part of the blob store the resolver needs.
type BlobSource interface {
	ExistsMany(ctx context.Context, ns model.NamespaceID, ids []model.BlobID) ([]model.BlobID, error)
	GetBytes(ctx context.Context, ns model.NamespaceID, id model.BlobID) ([]byte, error)
}

// ContentResolver expands a content id into its chunks.
type ContentResolver interface {
	Resolve(ctx context.Context, ns model.NamespaceID, cid model.ContentID, mustBeContentID bool) ([]model.BlobID, error)
}

// Resolver enumerates every blob an object transitively attaches.
type Resolver struct {
	blobs       BlobSource
	contents    ContentResolver
	concurrency int
	log         zerolog.Logger
}

func NewResolver(blobs BlobSource, contents ContentResolver) *Resolver {
	return &Resolver{
		blobs:       blobs,
		contents:    contents,
		concurrency: defaultFetchConcurrency,
		log:         log.With().Str("component", "resolver").Logger(),
	}
}

// GetReferencedBlobs walks root depth first and yields each attached blob
// once. Missing blobs and unresolvable content ids do not stop the walk; they
// are reported together as the final element. Storage failures end the walk
// immediately. Each call decodes root afresh.
func (r *Resolver) GetReferencedBlobs(ctx context.Context, ns model.NamespaceID, root []byte) iter.Seq2[model.BlobID, error] {
	return func(yield func(model.BlobID, error) bool) {
		obj, err := Decode(root)
		if errors.Is(err, ErrNotObject) {
			return
		}
		if err != nil {
			yield("", err)
			return
		}

		w := &walk{
			Resolver:    r,
			ctx:         ctx,
			ns:          ns,
			yield:       yield,
			seen:        make(map[model.BlobID]struct{}),
			expanded:    make(map[model.BlobID]struct{}),
			seenContent: make(map[model.ContentID]struct{}),
		}
		if !w.object(obj) {
			return
		}
		if err := w.err(); err != nil {
			yield("", err)
		}
	}
}

// Resolve collects GetReferencedBlobs. found holds every blob that was
// resolved even when err reports missing ones.
func (r *Resolver) Resolve(ctx context.Context, ns model.NamespaceID, root []byte) (found []model.BlobID, err error) {
	for id, walkErr := range r.GetReferencedBlobs(ctx, ns, root) {
		if walkErr != nil {
			return found, walkErr
		}
		found = append(found, id)
	}
	return found, nil
}

type walk struct {
	*Resolver
	ctx   context.Context
	ns    model.NamespaceID
	yield func(model.BlobID, error) bool

	// seen holds yielded or missing blobs, expanded the object references
	// already walked. A blob first reached as a plain attachment may still
	// need expanding when another field references it as an object.
	seen        map[model.BlobID]struct{}
	expanded    map[model.BlobID]struct{}
	seenContent map[model.ContentID]struct{}
	missing     []model.BlobID
	unresolved  []model.ContentID
}

func (w *walk) err() error {
	var errs []error
	if len(w.unresolved) > 0 {
		errs = append(errs, &model.PartialReferenceResolveError{ContentIDs: w.unresolved})
	}
	if len(w.missing) > 0 {
		errs = append(errs, &model.ReferenceIsMissingBlobsError{Blobs: w.missing})
	}
	return errors.Join(errs...)
}

// fail reports a storage error and stops the walk.
func (w *walk) fail(err error) bool {
	w.yield("", err)
	return false
}

// object visits one decoded object. It returns false once the walk must stop.
func (w *walk) object(obj *Object) bool {
	// Existence of every direct reference is checked in one batch.
	var direct []model.BlobID
	for _, f := range obj.Fields {
		if f.Kind != KindBlob && f.Kind != KindObject {
			continue
		}
		if _, ok := w.seen[f.Hash]; !ok {
			direct = append(direct, f.Hash)
		}
	}
	absent := map[model.BlobID]struct{}{}
	if len(direct) > 0 {
		missing, err := w.blobs.ExistsMany(w.ctx, w.ns, direct)
		if err != nil {
			return w.fail(fmt.Errorf("check attachments: %w", err))
		}
		for _, id := range missing {
			absent[id] = struct{}{}
		}
	}

	children, err := w.fetchChildren(obj, absent)
	if err != nil {
		return w.fail(err)
	}

	for _, f := range obj.Fields {
		switch f.Kind {
		case KindBlob:
			if !w.visitBlob(f.Hash, absent) {
				return false
			}
		case KindObject:
			if !w.visitBlob(f.Hash, absent) {
				return false
			}
			if _, ok := w.expanded[f.Hash]; ok {
				continue
			}
			child := children[f.Hash]
			if child == nil {
				continue
			}
			w.expanded[f.Hash] = struct{}{}
			if !w.object(child) {
				return false
			}
		case KindContent:
			if !w.visitContent(model.ContentID(f.Hash)) {
				return false
			}
		case KindEmbedded:
			if !w.object(f.Embedded) {
				return false
			}
		}
	}
	return true
}

func (w *walk) visitBlob(id model.BlobID, absent map[model.BlobID]struct{}) bool {
	if _, ok := w.seen[id]; ok {
		return true
	}
	w.seen[id] = struct{}{}
	if _, ok := absent[id]; ok {
		w.missing = append(w.missing, id)
		return true
	}
	return w.yield(id, nil)
}

func (w *walk) visitContent(cid model.ContentID) bool {
	if _, ok := w.seenContent[cid]; ok {
		return true
	}
	w.seenContent[cid] = struct{}{}

	chunks, err := w.contents.Resolve(w.ctx, w.ns, cid, false)
	var resolveErr *model.ContentIDResolveError
	switch {
	case errors.As(err, &resolveErr):
		w.unresolved = append(w.unresolved, cid)
		return true
	case err != nil:
		return w.fail(fmt.Errorf("resolve content id %s: %w", cid, err))
	}
	for _, id := range chunks {
		if _, ok := w.seen[id]; ok {
			continue
		}
		w.seen[id] = struct{}{}
		if !w.yield(id, nil) {
			return false
		}
	}
	return true
}

// fetchChildren loads and decodes the present, unexpanded object references of
// obj in parallel. Referenced blobs that are not objects decode to nil; ones
// deleted since the existence check are added to absent.
func (w *walk) fetchChildren(obj *Object, absent map[model.BlobID]struct{}) (map[model.BlobID]*Object, error) {
	var ids []model.BlobID
	queued := map[model.BlobID]struct{}{}
	for _, f := range obj.Fields {
		if f.Kind != KindObject {
			continue
		}
		if _, ok := w.expanded[f.Hash]; ok {
			continue
		}
		if _, ok := absent[f.Hash]; ok {
			continue
		}
		if _, ok := queued[f.Hash]; ok {
			continue
		}
		queued[f.Hash] = struct{}{}
		ids = append(ids, f.Hash)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	decoded := make([]*Object, len(ids))
	vanished := make([]bool, len(ids))
	p := pool.New().WithMaxGoroutines(w.concurrency).WithContext(w.ctx).WithCancelOnError()
	for i, id := range ids {
		p.Go(func(ctx context.Context) error {
			data, err := w.blobs.GetBytes(ctx, w.ns, id)
			if errors.Is(err, model.ErrBlobNotFound) {
				vanished[i] = true
				return nil
			}
			if err != nil {
				return fmt.Errorf("load object %s: %w", id, err)
			}
			child, err := Decode(data)
			if errors.Is(err, ErrNotObject) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("decode object %s: %w", id, err)
			}
			decoded[i] = child
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	out := make(map[model.BlobID]*Object, len(ids))
	for i, id := range ids {
		if vanished[i] {
			absent[id] = struct{}{}
			continue
		}
		out[id] = decoded[i]
	}
	return out, nil
}
