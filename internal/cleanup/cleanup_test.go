package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/cafsd/internal/lastaccess"
	"github.com/aweris/cafsd/internal/model"
	"github.com/aweris/cafsd/internal/namespace"
	"github.com/aweris/cafsd/internal/refs"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func name(ns, key string) model.RefName {
	return model.RefName{Namespace: model.NamespaceID(ns), Bucket: "b", Key: model.KeyID(key)}
}

func put(t *testing.T, s refs.Store, n model.RefName, access time.Time) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), &model.RefRecord{
		Name:        n,
		ContentHash: model.ComputeBlobID([]byte(n.String())),
		CreatedAt:   access,
		LastAccess:  access,
	}))
}

func setup(t *testing.T) (*refs.MemoryStore, *lastaccess.Tracker, *Cleaner) {
	t.Helper()
	reg := namespace.NewRegistry(map[model.NamespaceID]namespace.Policy{
		"ns":     {Cleanup: true, Retention: 24 * time.Hour},
		"short":  {Cleanup: true, Retention: time.Hour},
		"frozen": {Cleanup: false},
	}, namespace.Policy{}, true, 7*24*time.Hour)
	store := refs.NewMemoryStore()
	tracker := lastaccess.NewTracker()
	return store, tracker, New(store, tracker, reg, WithClock(func() time.Time { return now }))
}

func TestEvictionCorrectness(t *testing.T) {
	store, tracker, c := setup(t)
	ctx := context.Background()

	stale := name("ns", "stale")
	fresh := name("ns", "fresh")
	pending := name("ns", "pending")
	put(t, store, stale, now.Add(-48*time.Hour))
	put(t, store, fresh, now.Add(-time.Hour))
	put(t, store, pending, now.Add(-48*time.Hour))
	tracker.Track(pending, now.Add(-time.Minute))

	n, err := c.Sweep(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(ctx, stale)
	assert.ErrorIs(t, err, model.ErrRefNotFound)
	_, err = store.Get(ctx, fresh)
	assert.NoError(t, err)
	_, err = store.Get(ctx, pending)
	assert.NoError(t, err)

	// Once rolled up the record is no longer stale at all.
	written, _ := lastaccess.NewRollup(tracker, store).RunOnce(ctx)
	assert.Equal(t, 1, written)
	n, err = c.Sweep(ctx, "ns")
	require.NoError(t, err)
	assert.Zero(t, n)
}

// stallingStore holds TouchLastAccess until release is closed.
type stallingStore struct {
	*refs.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) TouchLastAccess(ctx context.Context, name model.RefName, at time.Time) error {
	close(s.entered)
	<-s.release
	return s.MemoryStore.TouchLastAccess(ctx, name, at)
}

func TestSweepDuringRollupKeepsAccessedRecord(t *testing.T) {
	store, tracker, c := setup(t)
	ctx := context.Background()
	hot := name("ns", "hot")
	put(t, store, hot, now.Add(-48*time.Hour))
	tracker.Track(hot, now.Add(-time.Minute))

	stalling := &stallingStore{MemoryStore: store, entered: make(chan struct{}), release: make(chan struct{})}
	done := make(chan int)
	go func() {
		written, _ := lastaccess.NewRollup(tracker, stalling).RunOnce(ctx)
		done <- written
	}()
	<-stalling.entered

	deleted, err := c.Sweep(ctx, "ns")
	require.NoError(t, err)
	assert.Zero(t, deleted)

	close(stalling.release)
	assert.Equal(t, 1, <-done)

	rec, err := store.Get(ctx, hot)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-time.Minute), rec.LastAccess)
	_, ok := tracker.Pending(hot)
	assert.False(t, ok)
}

func TestPendingAccessOlderThanCutoffDoesNotSave(t *testing.T) {
	store, tracker, c := setup(t)
	ctx := context.Background()
	n := name("ns", "old")
	put(t, store, n, now.Add(-72*time.Hour))
	tracker.Track(n, now.Add(-48*time.Hour))

	deleted, err := c.Sweep(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestSweepAllHonoursPolicy(t *testing.T) {
	store, _, c := setup(t)
	ctx := context.Background()
	put(t, store, name("ns", "a"), now.Add(-2*time.Hour))
	put(t, store, name("short", "a"), now.Add(-2*time.Hour))
	put(t, store, name("frozen", "a"), now.Add(-365*24*time.Hour))

	counts, err := c.SweepAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[model.NamespaceID]int{"ns": 0, "short": 1}, counts)

	_, err = store.Get(ctx, name("frozen", "a"))
	assert.NoError(t, err)
}

func TestSweepUnknownNamespace(t *testing.T) {
	_, _, c := setup(t)
	_, err := c.Sweep(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNamespaceNotFound)
}

func TestRunStopsOnCancel(t *testing.T) {
	_, _, c := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, c.Run(ctx))
}
