package objects

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/cafsd/internal/blobs"
	"github.com/aweris/cafsd/internal/compression"
	"github.com/aweris/cafsd/internal/contentid"
	"github.com/aweris/cafsd/internal/model"
	"github.com/aweris/cafsd/internal/namespace"
	"github.com/aweris/cafsd/internal/store"
)

type fixture struct {
	blobs    *blobs.Service
	contents *contentid.Index
	resolver *Resolver
}

func setup(t *testing.T) *fixture {
	t.Helper()
	c, err := compression.NewCompressor(1, true)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	reg := namespace.NewRegistry(nil, namespace.Policy{}, false, time.Hour)
	b := blobs.New(store.NewMemoryStore(c), reg)
	x := contentid.New(contentid.NewMemoryBackend(), b)
	return &fixture{blobs: b, contents: x, resolver: NewResolver(b, x)}
}

func (f *fixture) put(t *testing.T, data []byte) model.BlobID {
	t.Helper()
	id, err := f.blobs.PutKnownHash(context.Background(), "ns", data)
	require.NoError(t, err)
	return id
}

func (f *fixture) putObject(t *testing.T, o *Object) (model.BlobID, []byte) {
	t.Helper()
	data, err := o.Encode()
	require.NoError(t, err)
	return f.put(t, data), data
}

func TestEncodeIsDeterministic(t *testing.T) {
	a := New().AddValue("b", []byte("2")).AddValue("a", []byte("1"))
	b := New().AddValue("a", []byte("1")).AddValue("b", []byte("2"))

	ea, err := a.Encode()
	require.NoError(t, err)
	eb, err := b.Encode()
	require.NoError(t, err)
	assert.Equal(t, ea, eb)
	assert.Equal(t, model.ComputeBlobID(ea), model.ComputeBlobID(eb))
}

func TestDecodeRoundTrip(t *testing.T) {
	blob := model.ComputeBlobID([]byte("x"))
	cid := model.ContentID(model.ComputeBlobID([]byte("c")))
	obj := New().
		AddValue("name", []byte("artifact")).
		AddBlob("file", blob).
		AddContent("packed", cid).
		AddEmbedded("meta", New().AddObject("tree", blob))

	data, err := obj.Encode()
	require.NoError(t, err)
	assert.True(t, IsObject(data))

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, decoded.Fields, 4)

	byName := map[string]Field{}
	for _, f := range decoded.Fields {
		byName[f.Name] = f
	}
	assert.Equal(t, []byte("artifact"), byName["name"].Value)
	assert.Equal(t, blob, byName["file"].Hash)
	assert.Equal(t, cid.AsBlob(), byName["packed"].Hash)
	require.NotNil(t, byName["meta"].Embedded)
	assert.Equal(t, KindObject, byName["meta"].Embedded.Fields[0].Kind)
}

func TestDecodeRejectsCorruption(t *testing.T) {
	_, err := Decode([]byte("plain bytes"))
	assert.ErrorIs(t, err, ErrNotObject)

	data, err := New().AddValue("k", []byte("value")).Encode()
	require.NoError(t, err)
	_, err = Decode(data[:len(data)-2])
	assert.ErrorIs(t, err, model.ErrInvalidObject)

	_, err = Decode([]byte("obj 7\x00\x09\x00\x01k\x00\x00"))
	assert.ErrorIs(t, err, model.ErrInvalidObject)
}

func TestResolveLeafRoot(t *testing.T) {
	f := setup(t)
	found, err := f.resolver.Resolve(context.Background(), "ns", []byte("just a file"))
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestResolveCompleteness(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	file := f.put(t, []byte("file contents"))
	shared := f.put(t, []byte("shared"))
	chunk1 := f.put(t, []byte("chunk one"))
	chunk2 := f.put(t, []byte("chunk two"))
	cid := model.ContentID(model.ComputeBlobID([]byte("packed payload")))
	require.NoError(t, f.contents.PutChunks(ctx, "ns", cid, []model.BlobID{chunk1, chunk2}, 10))

	leafObj, _ := f.putObject(t, New().AddBlob("dep", shared).AddContent("packed", cid))
	_, root := f.putObject(t, New().
		AddBlob("a-file", file).
		AddBlob("b-again", shared).
		AddObject("c-child", leafObj).
		AddEmbedded("d-inline", New().AddBlob("x", shared).AddBlob("y", file)))

	found, err := f.resolver.Resolve(ctx, "ns", root)
	require.NoError(t, err)
	assert.Equal(t, []model.BlobID{file, shared, leafObj, chunk1, chunk2}, found)
}

func TestResolveReportsEveryFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	present := f.put(t, []byte("present"))
	gone1 := model.ComputeBlobID([]byte("gone one"))
	gone2 := model.ComputeBlobID([]byte("gone two"))
	cid1 := model.ContentID(model.ComputeBlobID([]byte("unknown one")))
	cid2 := model.ContentID(model.ComputeBlobID([]byte("unknown two")))

	child, _ := f.putObject(t, New().AddBlob("m", gone2).AddContent("n", cid2))
	_, root := f.putObject(t, New().
		AddBlob("a", gone1).
		AddBlob("b", present).
		AddContent("c", cid1).
		AddObject("d", child))

	found, err := f.resolver.Resolve(ctx, "ns", root)
	require.Error(t, err)
	assert.Equal(t, []model.BlobID{present, child}, found)

	var partial *model.PartialReferenceResolveError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []model.ContentID{cid1, cid2}, partial.ContentIDs)

	var missing *model.ReferenceIsMissingBlobsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []model.BlobID{gone1, gone2}, missing.Blobs)

	blobsOut, cidsOut := model.MissingFromError(err)
	assert.ElementsMatch(t, []model.BlobID{gone1, gone2}, blobsOut)
	assert.ElementsMatch(t, []model.ContentID{cid1, cid2}, cidsOut)
}

func TestResolveExpandsObjectSeenAsBlob(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	gone := model.ComputeBlobID([]byte("never uploaded"))
	child, _ := f.putObject(t, New().AddBlob("dep", gone))
	_, root := f.putObject(t, New().
		AddBlob("a", child).
		AddObject("b", child))

	found, err := f.resolver.Resolve(ctx, "ns", root)
	assert.Equal(t, []model.BlobID{child}, found)

	var missing *model.ReferenceIsMissingBlobsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []model.BlobID{gone}, missing.Blobs)
}

func TestGetReferencedBlobsStopsEarly(t *testing.T) {
	f := setup(t)
	a := f.put(t, []byte("a"))
	b := f.put(t, []byte("b"))
	_, root := f.putObject(t, New().AddBlob("a", a).AddBlob("b", b))

	var got []model.BlobID
	for id, err := range f.resolver.GetReferencedBlobs(context.Background(), "ns", root) {
		require.NoError(t, err)
		got = append(got, id)
		break
	}
	assert.Len(t, got, 1)
}
