package refs

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/cafsd/internal/blobs"
	"github.com/aweris/cafsd/internal/compression"
	"github.com/aweris/cafsd/internal/contentid"
	"github.com/aweris/cafsd/internal/model"
	"github.com/aweris/cafsd/internal/namespace"
	"github.com/aweris/cafsd/internal/objects"
	"github.com/aweris/cafsd/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events map[model.RefName]time.Time
}

func (r *recorder) Track(name model.RefName, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[name] = t
}

type fixture struct {
	svc    *Service
	blobs  *blobs.Service
	access *recorder
}

func setup(t *testing.T) *fixture {
	t.Helper()
	c, err := compression.NewCompressor(1, true)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	reg := namespace.NewRegistry(map[model.NamespaceID]namespace.Policy{"ns": {}}, namespace.Policy{}, true, time.Hour)
	b := blobs.New(store.NewMemoryStore(c), reg)
	resolver := objects.NewResolver(b, contentid.New(contentid.NewMemoryBackend(), b))
	access := &recorder{events: map[model.RefName]time.Time{}}
	return &fixture{
		svc:    NewService(NewMemoryStore(), b, resolver, access, reg),
		blobs:  b,
		access: access,
	}
}

func (f *fixture) put(t *testing.T, data []byte) model.BlobID {
	t.Helper()
	id, err := f.blobs.PutKnownHash(context.Background(), "ns", data)
	require.NoError(t, err)
	return id
}

func TestPutIndirectIntegrity(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	name := ref("ns", "b", "k")

	a := f.put(t, []byte("A"))
	b := f.put(t, []byte("B"))
	root := f.put(t, []byte("root"))
	c := model.ComputeBlobID([]byte("C"))

	req := PutIndirectRequest{ContentHash: root, BlobReferences: []model.BlobID{a, b, c}}
	_, err := f.svc.PutIndirect(ctx, name, req)
	var missing *model.MissingBlobsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []model.BlobID{c}, missing.Blobs)

	_, err = f.svc.Exists(ctx, name)
	require.ErrorIs(t, err, model.ErrRefNotFound)

	f.put(t, []byte("C"))
	first, err := f.svc.PutIndirect(ctx, name, req)
	require.NoError(t, err)

	rec, err := f.svc.Exists(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, []model.BlobID{a, b, c}, rec.BlobReferences)
	assert.Equal(t, first.TransactionID, rec.Sequence)

	second, err := f.svc.PutIndirect(ctx, name, req)
	require.NoError(t, err)
	assert.Greater(t, second.TransactionID, first.TransactionID)
}

func TestPutIndirectMissingRoot(t *testing.T) {
	f := setup(t)
	root := model.ComputeBlobID([]byte("never uploaded"))
	_, err := f.svc.PutIndirect(context.Background(), ref("ns", "b", "k"), PutIndirectRequest{ContentHash: root})
	var missing *model.MissingBlobsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []model.BlobID{root}, missing.Blobs)
}

func TestPutDirectResolvesAttachments(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	name := ref("ns", "b", "k")

	dep := f.put(t, []byte("dependency"))
	gone := model.ComputeBlobID([]byte("not uploaded"))
	root, err := objects.New().AddBlob("dep", dep).AddBlob("gone", gone).Encode()
	require.NoError(t, err)
	rootID := model.ComputeBlobID(root)

	_, err = f.svc.Put(ctx, name, rootID, bytes.NewReader(root), nil)
	var missing *model.MissingBlobsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []model.BlobID{gone}, missing.Blobs)
	_, err = f.svc.Exists(ctx, name)
	require.ErrorIs(t, err, model.ErrRefNotFound)

	f.put(t, []byte("not uploaded"))
	res, err := f.svc.Put(ctx, name, rootID, bytes.NewReader(root), map[string]string{"job": "42"})
	require.NoError(t, err)
	assert.Equal(t, []model.BlobID{dep, gone}, res.BlobReferences)

	view, payload, err := f.svc.Get(ctx, name, []Field{FieldContentHash, FieldMetadata, FieldPayload})
	require.NoError(t, err)
	defer payload.Close()
	assert.Equal(t, rootID, view.ContentHash)
	assert.Equal(t, map[string]string{"job": "42"}, view.Metadata)
	assert.Nil(t, view.BlobReferences)
	body, err := io.ReadAll(payload)
	require.NoError(t, err)
	assert.Equal(t, root, body)
}

func TestPutDirectHashMismatch(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Put(context.Background(), ref("ns", "b", "k"), model.ComputeBlobID([]byte("x")), bytes.NewReader([]byte("y")), nil)
	var mismatch *model.HashMismatchError
	assert.ErrorAs(t, err, &mismatch)
}

func TestExistsReportsMissingBlobs(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	name := ref("ns", "b", "k")
	dep := f.put(t, []byte("dep"))
	root := f.put(t, []byte("root"))
	_, err := f.svc.PutIndirect(ctx, name, PutIndirectRequest{ContentHash: root, BlobReferences: []model.BlobID{dep}})
	require.NoError(t, err)

	require.NoError(t, f.blobs.Delete(ctx, "ns", dep))
	_, err = f.svc.Exists(ctx, name)
	var missing *model.MissingBlobsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []model.BlobID{dep}, missing.Blobs)
}

func TestReadsRecordAccess(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	name := ref("ns", "b", "k")
	root := f.put(t, []byte("root"))
	_, err := f.svc.PutIndirect(ctx, name, PutIndirectRequest{ContentHash: root})
	require.NoError(t, err)

	_, _, err = f.svc.Get(ctx, name, nil)
	require.NoError(t, err)
	_, ok := f.access.events[name]
	assert.True(t, ok)
}

func TestDeleteNeverFailsOnMissing(t *testing.T) {
	f := setup(t)
	n, err := f.svc.Delete(context.Background(), ref("ns", "b", "absent"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteCascadesRefsOnly(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	root := f.put(t, []byte("root"))
	for _, k := range []string{"a", "b"} {
		_, err := f.svc.PutIndirect(ctx, ref("ns", "bucket", k), PutIndirectRequest{ContentHash: root})
		require.NoError(t, err)
	}

	n, err := f.svc.DeleteBucket(ctx, "ns", "bucket")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, err := f.blobs.Exists(ctx, "ns", root)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnknownNamespaceRejected(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Exists(context.Background(), ref("nope", "b", "k"))
	assert.ErrorIs(t, err, model.ErrNamespaceNotFound)
}

func TestParseFields(t *testing.T) {
	fields, err := ParseFields("contentHash, payload")
	require.NoError(t, err)
	assert.Equal(t, []Field{FieldContentHash, FieldPayload}, fields)

	fields, err = ParseFields("")
	require.NoError(t, err)
	assert.Nil(t, fields)

	_, err = ParseFields("bogus")
	assert.ErrorIs(t, err, model.ErrInvalidName)
}
