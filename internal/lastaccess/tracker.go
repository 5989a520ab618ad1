// Package lastaccess buffers ref record reads in memory and periodically
// rolls them up into the ref store, so a record read many times between
// rollups is written once.
package lastaccess

import (
	"sync"
	"time"

	"github.com/aweris/cafsd/internal/model"
)

// Tracker holds pending access times. Within one rollup window the latest
// access of a record wins. Drained accesses stay visible to Pending until
// Settle reports them persisted.
type Tracker struct {
	mu       sync.Mutex
	pending  map[model.RefName]time.Time
	inflight map[model.RefName]time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		pending:  make(map[model.RefName]time.Time),
		inflight: make(map[model.RefName]time.Time),
	}
}

func (t *Tracker) Track(name model.RefName, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	keepLatest(t.pending, name, at)
}

// Pending returns the latest access of name that is queued or still being
// written, if any.
func (t *Tracker) Pending(name model.RefName) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.pending[name]
	if in, inOK := t.inflight[name]; inOK && (!ok || in.After(at)) {
		at, ok = in, true
	}
	return at, ok
}

// Drain swaps the pending set for an empty one and returns it. Every
// returned entry must be passed to Settle once written or requeued.
func (t *Tracker) Drain() map[model.RefName]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.pending
	t.pending = make(map[model.RefName]time.Time, len(out))
	for name, at := range out {
		keepLatest(t.inflight, name, at)
	}
	return out
}

// Settle drops the in-flight entry of name unless a later drain replaced it.
func (t *Tracker) Settle(name model.RefName, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.inflight[name]; ok && !cur.After(at) {
		delete(t.inflight, name)
	}
}

// Len is the number of queued records, excluding in-flight writes.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func keepLatest(m map[model.RefName]time.Time, name model.RefName, at time.Time) {
	if cur, ok := m[name]; !ok || at.After(cur) {
		m[name] = at
	}
}
