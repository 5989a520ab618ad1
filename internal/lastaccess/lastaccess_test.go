package lastaccess

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/cafsd/internal/model"
)

type fakeStore struct {
	mu      sync.Mutex
	touched map[model.RefName][]time.Time
	failFor model.RefName
}

func (f *fakeStore) TouchLastAccess(_ context.Context, name model.RefName, t time.Time) error {
	if name == f.failFor {
		return errors.New("store unavailable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched[name] = append(f.touched[name], t)
	return nil
}

var (
	refA = model.RefName{Namespace: "ns", Bucket: "b", Key: "a"}
	refB = model.RefName{Namespace: "ns", Bucket: "b", Key: "b"}
	t0   = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
)

func TestTrackerKeepsLatest(t *testing.T) {
	tr := NewTracker()
	tr.Track(refA, t0.Add(2*time.Second))
	tr.Track(refA, t0)
	tr.Track(refA, t0.Add(time.Second))

	at, ok := tr.Pending(refA)
	require.True(t, ok)
	assert.Equal(t, t0.Add(2*time.Second), at)

	drained := tr.Drain()
	assert.Len(t, drained, 1)
	assert.Zero(t, tr.Len())

	at, ok = tr.Pending(refA)
	require.True(t, ok, "drained access stays visible until settled")
	assert.Equal(t, t0.Add(2*time.Second), at)

	tr.Settle(refA, drained[refA])
	_, ok = tr.Pending(refA)
	assert.False(t, ok)
}

func TestSettleKeepsNewerDrain(t *testing.T) {
	tr := NewTracker()
	tr.Track(refA, t0)
	first := tr.Drain()
	tr.Track(refA, t0.Add(time.Minute))
	tr.Drain()

	tr.Settle(refA, first[refA])
	at, ok := tr.Pending(refA)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), at)
}

func TestRollupWritesOncePerRecord(t *testing.T) {
	tr := NewTracker()
	st := &fakeStore{touched: map[model.RefName][]time.Time{}}
	r := NewRollup(tr, st)

	for i := range 100 {
		tr.Track(refA, t0.Add(time.Duration(i)*time.Millisecond))
	}
	tr.Track(refB, t0)

	written, failed := r.RunOnce(context.Background())
	assert.Equal(t, 2, written)
	assert.Zero(t, failed)
	assert.Equal(t, []time.Time{t0.Add(99 * time.Millisecond)}, st.touched[refA])
	assert.Equal(t, []time.Time{t0}, st.touched[refB])
}

func TestRollupRequeuesFailures(t *testing.T) {
	tr := NewTracker()
	st := &fakeStore{touched: map[model.RefName][]time.Time{}, failFor: refB}
	r := NewRollup(tr, st)
	tr.Track(refA, t0)
	tr.Track(refB, t0)

	written, failed := r.RunOnce(context.Background())
	assert.Equal(t, 1, written)
	assert.Equal(t, 1, failed)
	at, ok := tr.Pending(refB)
	require.True(t, ok)
	assert.Equal(t, t0, at)
}

func TestRunDrainsOnShutdown(t *testing.T) {
	tr := NewTracker()
	st := &fakeStore{touched: map[model.RefName][]time.Time{}}
	r := NewRollup(tr, st, WithInterval(time.Hour))
	tr.Track(refA, t0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- r.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, []time.Time{t0}, st.touched[refA])
}
