// Package namespace holds per-namespace policy. The policy table is an
// immutable snapshot replaced atomically when configuration is reloaded.
package namespace

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/aweris/cafsd/internal/model"
)

// Policy controls how the core treats one namespace.
type Policy struct {
	// OnDemandReplication pulls missing blobs from the remote region on read.
	OnDemandReplication bool
	// Publish pushes new blobs to the remote region after a local put.
	Publish bool
	// Retention is how long a ref record may go unaccessed before cleanup
	// evicts it. Zero uses the registry default.
	Retention time.Duration
	// Cleanup enables the eviction sweep.
	Cleanup bool
}

type snapshot struct {
	policies map[model.NamespaceID]Policy
	fallback Policy
	strict   bool
}

// Registry resolves namespace policies.
type Registry struct {
	current          atomic.Pointer[snapshot]
	defaultRetention time.Duration
}

// NewRegistry builds a registry. When strict is set, namespaces without a
// policy are rejected with model.ErrNamespaceNotFound; otherwise they get
// fallback.
func NewRegistry(policies map[model.NamespaceID]Policy, fallback Policy, strict bool, defaultRetention time.Duration) *Registry {
	r := &Registry{defaultRetention: defaultRetention}
	r.Replace(policies, fallback, strict)
	return r
}

// Replace swaps in a new policy table.
func (r *Registry) Replace(policies map[model.NamespaceID]Policy, fallback Policy, strict bool) {
	copied := make(map[model.NamespaceID]Policy, len(policies))
	for ns, p := range policies {
		copied[ns] = p
	}
	r.current.Store(&snapshot{policies: copied, fallback: fallback, strict: strict})
}

// Lookup returns the policy for ns.
func (r *Registry) Lookup(ns model.NamespaceID) (Policy, error) {
	snap := r.current.Load()
	p, ok := snap.policies[ns]
	if !ok {
		if snap.strict {
			return Policy{}, fmt.Errorf("%w: %s", model.ErrNamespaceNotFound, ns)
		}
		p = snap.fallback
	}
	if p.Retention <= 0 {
		p.Retention = r.defaultRetention
	}
	return p, nil
}

// Configured lists namespaces with an explicit policy, sorted.
func (r *Registry) Configured() []model.NamespaceID {
	snap := r.current.Load()
	out := make([]model.NamespaceID, 0, len(snap.policies))
	for ns := range snap.policies {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
