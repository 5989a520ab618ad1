package lastaccess

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aweris/cafsd/internal/metrics"
	"github.com/aweris/cafsd/internal/model"
)

const (
	DefaultInterval  = 30 * time.Second
	finalDrainBudget = 10 * time.Second
)

// Toucher persists an access time.
type Toucher interface {
	TouchLastAccess(ctx context.Context, name model.RefName, t time.Time) error
}

// Rollup flushes a Tracker into a Toucher.
type Rollup struct {
	tracker  *Tracker
	store    Toucher
	interval time.Duration
	metrics  metrics.Metrics
	log      zerolog.Logger
}

type RollupOption func(*Rollup)

func WithInterval(d time.Duration) RollupOption {
	return func(r *Rollup) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithMetrics(m metrics.Metrics) RollupOption {
	return func(r *Rollup) { r.metrics = m }
}

func NewRollup(tracker *Tracker, store Toucher, opts ...RollupOption) *Rollup {
	r := &Rollup{
		tracker:  tracker,
		store:    store,
		interval: DefaultInterval,
		metrics:  metrics.Noop{},
		log:      log.With().Str("component", "rollup").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce drains the tracker and writes one update per record. Failed
// records are queued again for the next rollup. Drained records stay
// visible to cleanup until their write returns.
func (r *Rollup) RunOnce(ctx context.Context) (written, failed int) {
	for name, at := range r.tracker.Drain() {
		if err := r.store.TouchLastAccess(ctx, name, at); err != nil {
			failed++
			r.tracker.Track(name, at)
			r.tracker.Settle(name, at)
			r.log.Warn().Err(err).Str("ref", name.String()).Msg("failed to persist last access")
			continue
		}
		r.tracker.Settle(name, at)
		written++
	}
	r.metrics.AddRolledUp(written, failed)
	if written > 0 || failed > 0 {
		r.log.Debug().Int("written", written).Int("failed", failed).Msg("rolled up access times")
	}
	return written, failed
}

// Run rolls up on every tick until ctx is cancelled, then drains once more so
// no queued access is lost on shutdown.
func (r *Rollup) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalDrainBudget)
			defer cancel()
			written, failed := r.RunOnce(final)
			r.log.Info().Int("written", written).Int("failed", failed).Msg("final rollup on shutdown")
			return nil
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}
