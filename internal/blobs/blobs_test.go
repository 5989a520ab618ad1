package blobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/cafsd/internal/compression"
	"github.com/aweris/cafsd/internal/model"
	"github.com/aweris/cafsd/internal/namespace"
	"github.com/aweris/cafsd/internal/store"
)

type fakeRemote struct {
	mu        sync.Mutex
	blobs     map[model.BlobID][]byte
	published map[model.BlobID][]byte
	fetches   atomic.Int32
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{blobs: map[model.BlobID][]byte{}, published: map[model.BlobID][]byte{}}
}

func (f *fakeRemote) Fetch(_ context.Context, _ model.NamespaceID, id model.BlobID) ([]byte, error) {
	f.fetches.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrBlobNotFound, id)
	}
	return data, nil
}

func (f *fakeRemote) Publish(_ context.Context, _ model.NamespaceID, id model.BlobID, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[id] = data
	return nil
}

func setupService(t *testing.T, policy namespace.Policy, opts ...Option) *Service {
	t.Helper()
	c, err := compression.NewCompressor(1, true)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	reg := namespace.NewRegistry(map[model.NamespaceID]namespace.Policy{"ns": policy}, namespace.Policy{}, true, time.Hour)
	s := New(store.NewMemoryStore(c), reg, opts...)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := setupService(t, namespace.Policy{})
	ctx := context.Background()
	data := []byte("hello")
	id := model.ComputeBlobID(data)

	got, err := s.Put(ctx, "ns", bytes.NewReader(data), id)
	require.NoError(t, err)
	assert.Equal(t, model.BlobID("2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"), got)

	b, err := s.GetBytes(ctx, "ns", id)
	require.NoError(t, err)
	assert.Equal(t, data, b)
}

func TestPutHashMismatch(t *testing.T) {
	s := setupService(t, namespace.Policy{})
	ctx := context.Background()
	claimed := model.ComputeBlobID([]byte("something else"))

	_, err := s.Put(ctx, "ns", bytes.NewReader([]byte("hello")), claimed)
	var mismatch *model.HashMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, claimed, mismatch.Claimed)
	assert.Equal(t, model.ComputeBlobID([]byte("hello")), mismatch.Computed)

	ok, err := s.Exists(ctx, "ns", claimed)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Exists(ctx, "ns", mismatch.Computed)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutIsIdempotent(t *testing.T) {
	s := setupService(t, namespace.Policy{})
	ctx := context.Background()
	data := []byte("same bytes twice")
	id := model.ComputeBlobID(data)

	_, err := s.Put(ctx, "ns", bytes.NewReader(data), id)
	require.NoError(t, err)
	_, err = s.Put(ctx, "ns", bytes.NewReader(data), id)
	require.NoError(t, err)

	b, err := s.GetBytes(ctx, "ns", id)
	require.NoError(t, err)
	assert.Equal(t, data, b)
}

func TestPutHeadDeleteGet(t *testing.T) {
	s := setupService(t, namespace.Policy{})
	ctx := context.Background()
	data := []byte("short lived")
	id, err := s.PutKnownHash(ctx, "ns", data)
	require.NoError(t, err)

	ok, err := s.Exists(ctx, "ns", id)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "ns", id))

	ok, err = s.Exists(ctx, "ns", id)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.Get(ctx, "ns", id)
	assert.ErrorIs(t, err, model.ErrBlobNotFound)
}

func TestUnknownNamespace(t *testing.T) {
	s := setupService(t, namespace.Policy{})
	_, err := s.PutKnownHash(context.Background(), "other", []byte("x"))
	assert.ErrorIs(t, err, model.ErrNamespaceNotFound)
}

func TestExistsMany(t *testing.T) {
	s := setupService(t, namespace.Policy{}, WithConcurrency(2))
	ctx := context.Background()

	var present, absent []model.BlobID
	for i := range 5 {
		id, err := s.PutKnownHash(ctx, "ns", []byte(fmt.Sprintf("present-%d", i)))
		require.NoError(t, err)
		present = append(present, id)
		absent = append(absent, model.ComputeBlobID([]byte(fmt.Sprintf("absent-%d", i))))
	}

	query := []model.BlobID{absent[3], present[0], absent[1], present[4], absent[3], absent[0]}
	missing, err := s.ExistsMany(ctx, "ns", query)
	require.NoError(t, err)
	assert.Equal(t, []model.BlobID{absent[3], absent[1], absent[0]}, missing)

	missing, err = s.ExistsMany(ctx, "ns", present)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestOnDemandReplication(t *testing.T) {
	r := newFakeRemote()
	data := []byte("built in the other region")
	id := model.ComputeBlobID(data)
	r.blobs[id] = data

	s := setupService(t, namespace.Policy{OnDemandReplication: true}, WithRemote(r))
	ctx := context.Background()

	b, err := s.GetBytes(ctx, "ns", id)
	require.NoError(t, err)
	assert.Equal(t, data, b)

	// Served locally from now on.
	_, err = s.GetBytes(ctx, "ns", id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, r.fetches.Load())

	_, _, err = s.Get(ctx, "ns", model.ComputeBlobID([]byte("nowhere")))
	assert.ErrorIs(t, err, model.ErrBlobNotFound)
}

func TestExistsReplicatesOnDemand(t *testing.T) {
	r := newFakeRemote()
	data := []byte("remote only")
	id := model.ComputeBlobID(data)
	r.blobs[id] = data

	s := setupService(t, namespace.Policy{OnDemandReplication: true}, WithRemote(r))
	missing, err := s.ExistsMany(context.Background(), "ns", []model.BlobID{id, model.ComputeBlobID([]byte("gone"))})
	require.NoError(t, err)
	assert.Equal(t, []model.BlobID{model.ComputeBlobID([]byte("gone"))}, missing)
}

func TestReplicationDisabledByPolicy(t *testing.T) {
	r := newFakeRemote()
	data := []byte("remote only")
	id := model.ComputeBlobID(data)
	r.blobs[id] = data

	s := setupService(t, namespace.Policy{}, WithRemote(r))
	_, _, err := s.Get(context.Background(), "ns", id)
	assert.ErrorIs(t, err, model.ErrBlobNotFound)
	assert.Zero(t, r.fetches.Load())
}

func TestPublish(t *testing.T) {
	r := newFakeRemote()
	s := setupService(t, namespace.Policy{Publish: true}, WithRemote(r))
	id, err := s.PutKnownHash(context.Background(), "ns", []byte("share me"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, []byte("share me"), r.published[id])
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestPutReadError(t *testing.T) {
	s := setupService(t, namespace.Policy{})
	_, err := s.Put(context.Background(), "ns", io.MultiReader(bytes.NewReader([]byte("abc")), failingReader{}), model.ComputeBlobID([]byte("abc")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}
