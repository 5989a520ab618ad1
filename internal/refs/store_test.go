package refs

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/cafsd/internal/model"
	"github.com/aweris/cafsd/internal/redisutil"
)

func stores(t *testing.T) map[string]Store {
	mr := miniredis.RunT(t)
	client, err := redisutil.NewClient("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client),
	}
}

func ref(ns, bucket, key string) model.RefName {
	return model.RefName{Namespace: model.NamespaceID(ns), Bucket: model.BucketID(bucket), Key: model.KeyID(key)}
}

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func record(name model.RefName, seq uint64, access time.Time) *model.RefRecord {
	return &model.RefRecord{
		Name:           name,
		ContentHash:    model.ComputeBlobID([]byte(name.String())),
		BlobReferences: []model.BlobID{model.ComputeBlobID([]byte("dep"))},
		Metadata:       map[string]string{"owner": "ci"},
		Sequence:       seq,
		CreatedAt:      access,
		LastAccess:     access,
	}
}

func TestStoreGetPutDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n := ref("ns", "b", "k")

			_, err := s.Get(ctx, n)
			require.ErrorIs(t, err, model.ErrRefNotFound)

			want := record(n, 1, epoch)
			require.NoError(t, s.Put(ctx, want))
			got, err := s.Get(ctx, n)
			require.NoError(t, err)
			assert.Equal(t, want.ContentHash, got.ContentHash)
			assert.Equal(t, want.BlobReferences, got.BlobReferences)
			assert.Equal(t, want.Metadata, got.Metadata)
			assert.Equal(t, want.Sequence, got.Sequence)
			assert.True(t, want.LastAccess.Equal(got.LastAccess))

			// Last writer wins.
			replaced := record(n, 2, epoch)
			replaced.BlobReferences = nil
			replaced.Metadata = nil
			require.NoError(t, s.Put(ctx, replaced))
			got, err = s.Get(ctx, n)
			require.NoError(t, err)
			assert.EqualValues(t, 2, got.Sequence)
			assert.Empty(t, got.BlobReferences)
			assert.Empty(t, got.Metadata)

			count, err := s.Delete(ctx, n)
			require.NoError(t, err)
			assert.Equal(t, 1, count)
			count, err = s.Delete(ctx, n)
			require.NoError(t, err)
			assert.Equal(t, 0, count)
		})
	}
}

func TestStoreSequenceIncreases(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var last uint64
			for range 10 {
				n, err := s.NextSequence(context.Background())
				require.NoError(t, err)
				assert.Greater(t, n, last)
				last = n
			}
		})
	}
}

func TestStoreTouchIsMonotonic(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n := ref("ns", "b", "k")
			require.NoError(t, s.Put(ctx, record(n, 1, epoch)))

			later := epoch.Add(time.Hour)
			require.NoError(t, s.TouchLastAccess(ctx, n, later))
			require.NoError(t, s.TouchLastAccess(ctx, n, epoch.Add(time.Minute)))

			got, err := s.Get(ctx, n)
			require.NoError(t, err)
			assert.True(t, later.Equal(got.LastAccess))

			// Touching a deleted record does not bring it back.
			_, err = s.Delete(ctx, n)
			require.NoError(t, err)
			require.NoError(t, s.TouchLastAccess(ctx, n, later.Add(time.Hour)))
			_, err = s.Get(ctx, n)
			assert.ErrorIs(t, err, model.ErrRefNotFound)
		})
	}
}

func TestStoreStaleness(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := ref("ns", "b", "old")
			fresh := ref("ns", "b", "fresh")
			other := ref("other", "b", "old")
			require.NoError(t, s.Put(ctx, record(old, 1, epoch)))
			require.NoError(t, s.Put(ctx, record(fresh, 2, epoch.Add(2*time.Hour))))
			require.NoError(t, s.Put(ctx, record(other, 3, epoch)))

			cutoff := epoch.Add(time.Hour)
			stale, err := s.ListStale(ctx, "ns", cutoff)
			require.NoError(t, err)
			assert.Equal(t, []model.RefName{old}, stale)

			// An access landing after the listing saves the record.
			require.NoError(t, s.TouchLastAccess(ctx, old, cutoff.Add(time.Second)))
			deleted, err := s.DeleteIfStale(ctx, old, cutoff)
			require.NoError(t, err)
			assert.False(t, deleted)

			deleted, err = s.DeleteIfStale(ctx, other, cutoff)
			require.NoError(t, err)
			assert.True(t, deleted)
			_, err = s.Get(ctx, other)
			assert.ErrorIs(t, err, model.ErrRefNotFound)

			deleted, err = s.DeleteIfStale(ctx, other, cutoff)
			require.NoError(t, err)
			assert.False(t, deleted)
		})
	}
}

func TestStoreBucketAndNamespaceCascade(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, n := range []model.RefName{
				ref("ns", "b1", "a"), ref("ns", "b1", "b"), ref("ns", "b2", "c"), ref("keep", "b1", "a"),
			} {
				require.NoError(t, s.Put(ctx, record(n, uint64(i+1), epoch)))
			}

			keys, err := s.List(ctx, "ns", "b1")
			require.NoError(t, err)
			assert.Equal(t, []model.KeyID{"a", "b"}, keys)

			namespaces, err := s.Namespaces(ctx)
			require.NoError(t, err)
			assert.Equal(t, []model.NamespaceID{"keep", "ns"}, namespaces)

			n, err := s.DeleteBucket(ctx, "ns", "b1")
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			keys, err = s.List(ctx, "ns", "b1")
			require.NoError(t, err)
			assert.Empty(t, keys)

			n, err = s.DeleteNamespace(ctx, "ns")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			_, err = s.Get(ctx, ref("ns", "b2", "c"))
			assert.ErrorIs(t, err, model.ErrRefNotFound)

			_, err = s.Get(ctx, ref("keep", "b1", "a"))
			assert.NoError(t, err)
			namespaces, err = s.Namespaces(ctx)
			require.NoError(t, err)
			assert.Equal(t, []model.NamespaceID{"keep"}, namespaces)
		})
	}
}
