// Package cleanup evicts ref records that have not been accessed within
// their namespace retention. Blobs are never deleted here.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aweris/cafsd/internal/metrics"
	"github.com/aweris/cafsd/internal/model"
	"github.com/aweris/cafsd/internal/namespace"
)

const DefaultInterval = 10 * time.Minute

// Store is the part of the ref store a sweep needs.
type Store interface {
	Namespaces(ctx context.Context) ([]model.NamespaceID, error)
	ListStale(ctx context.Context, ns model.NamespaceID, cutoff time.Time) ([]model.RefName, error)
	DeleteIfStale(ctx context.Context, name model.RefName, cutoff time.Time) (bool, error)
}

// PendingAccess reports accesses not yet rolled up.
type PendingAccess interface {
	Pending(name model.RefName) (time.Time, bool)
}

// Cleaner sweeps stale ref records.
type Cleaner struct {
	store    Store
	pending  PendingAccess
	policies *namespace.Registry
	interval time.Duration
	metrics  metrics.Metrics
	now      func() time.Time
	log      zerolog.Logger
}

type Option func(*Cleaner)

func WithInterval(d time.Duration) Option {
	return func(c *Cleaner) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithMetrics(m metrics.Metrics) Option {
	return func(c *Cleaner) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Cleaner) { c.now = now }
}

func New(store Store, pending PendingAccess, policies *namespace.Registry, opts ...Option) *Cleaner {
	c := &Cleaner{
		store:    store,
		pending:  pending,
		policies: policies,
		interval: DefaultInterval,
		metrics:  metrics.Noop{},
		now:      time.Now,
		log:      log.With().Str("component", "cleanup").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sweep deletes the records of ns last accessed before now minus the
// namespace retention and returns how many were deleted. A record with a
// queued access newer than the cutoff is kept, and the delete itself
// re-checks the persisted access time.
func (c *Cleaner) Sweep(ctx context.Context, ns model.NamespaceID) (int, error) {
	policy, err := c.policies.Lookup(ns)
	if err != nil {
		return 0, err
	}
	if policy.Retention <= 0 {
		return 0, fmt.Errorf("namespace %s has no retention", ns)
	}
	cutoff := c.now().Add(-policy.Retention)

	stale, err := c.store.ListStale(ctx, ns, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale refs of %s: %w", ns, err)
	}

	var (
		deleted int
		errs    []error
	)
	for _, name := range stale {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if at, ok := c.pending.Pending(name); ok && !at.Before(cutoff) {
			continue
		}
		ok, err := c.store.DeleteIfStale(ctx, name, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		if ok {
			deleted++
		}
	}

	c.metrics.AddEvicted(string(ns), deleted)
	c.log.Info().Str("namespace", string(ns)).Time("cutoff", cutoff).Int("candidates", len(stale)).Int("deleted", deleted).Msg("cleanup sweep finished")
	return deleted, errors.Join(errs...)
}

// SweepAll sweeps every known namespace whose policy enables cleanup.
func (c *Cleaner) SweepAll(ctx context.Context) (map[model.NamespaceID]int, error) {
	stored, err := c.store.Namespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	namespaces := append(stored, c.policies.Configured()...)
	slices.Sort(namespaces)
	namespaces = slices.Compact(namespaces)

	out := make(map[model.NamespaceID]int)
	var errs []error
	for _, ns := range namespaces {
		policy, err := c.policies.Lookup(ns)
		if err != nil || !policy.Cleanup {
			continue
		}
		n, err := c.Sweep(ctx, ns)
		out[ns] = n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// Run sweeps on every tick until ctx is cancelled. It does not wait for a
// sweep to finish on shutdown; the in-flight sweep sees the cancelled ctx.
func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.SweepAll(ctx); err != nil && ctx.Err() == nil {
				c.log.Error().Err(err).Msg("cleanup sweep failed")
			}
		}
	}
}
