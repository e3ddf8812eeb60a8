// Package voter arbitrates between independent parties that constrain the same
// charger resource. Each party casts a vote on a resource; the effective value
// is derived from the enabled votes by the resource's combining policy.
//
// There is no priority between voters. The result only depends on the set of
// enabled votes, so casting order never matters and recasting is idempotent.
package voter

import (
	"sort"
	"sync"
)

// Policy combines the enabled votes of a resource into one effective value.
type Policy int

const (
	// Min picks the smallest enabled value. No enabled votes means unconstrained.
	Min Policy = iota
	// Any is set while at least one vote is enabled. Vote values are ignored.
	Any
)

func (p Policy) String() string {
	switch p {
	case Min:
		return "min"
	case Any:
		return "any"
	default:
		return "unknown"
	}
}

// Voter identifies one party casting votes.
type Voter string

// Vote is the last vote a voter cast on a resource.
type Vote struct {
	Voter   Voter
	Enabled bool
	Value   int
}

// Effective is the combined result for a resource.
type Effective struct {
	Value  int
	Voter  Voter // voter that determines Value, empty when not Active
	Active bool  // false when no enabled votes exist
}

// ChangeFunc is called with the new effective value whenever it changes.
type ChangeFunc func(resource string, eff Effective)

// Resource is a typed handle to one arbitrated quantity.
type Resource struct {
	name   string
	policy Policy

	mu       sync.Mutex
	votes    map[Voter]Vote
	eff      Effective
	onChange ChangeFunc
}

func newResource(name string, policy Policy) *Resource {
	return &Resource{
		name:   name,
		policy: policy,
		votes:  make(map[Voter]Vote),
	}
}

// Name returns the resource name.
func (r *Resource) Name() string { return r.name }

// Policy returns the combining policy fixed at registration.
func (r *Resource) Policy() Policy { return r.policy }

// SetOnChange installs the change callback. The callback runs without any
// registry lock held.
func (r *Resource) SetOnChange(fn ChangeFunc) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Cast records a vote and returns the resulting effective value.
// Recasting an identical vote is a no-op.
func (r *Resource) Cast(v Voter, enabled bool, value int) Effective {
	r.mu.Lock()
	prev, exists := r.votes[v]
	if (exists && prev.Enabled == enabled && prev.Value == value) || (!exists && !enabled) {
		eff := r.eff
		r.mu.Unlock()
		return eff
	}
	r.votes[v] = Vote{Voter: v, Enabled: enabled, Value: value}
	eff, changed := r.recomputeLocked()
	cb := r.onChange
	r.mu.Unlock()

	if changed && cb != nil {
		cb(r.name, eff)
	}
	return eff
}

// Retract disables every listed voter in one batch. The change callback fires
// at most once.
func (r *Resource) Retract(voters ...Voter) Effective {
	r.mu.Lock()
	touched := false
	for _, v := range voters {
		prev, ok := r.votes[v]
		if !ok || !prev.Enabled {
			continue
		}
		prev.Enabled = false
		r.votes[v] = prev
		touched = true
	}
	if !touched {
		eff := r.eff
		r.mu.Unlock()
		return eff
	}
	eff, changed := r.recomputeLocked()
	cb := r.onChange
	r.mu.Unlock()

	if changed && cb != nil {
		cb(r.name, eff)
	}
	return eff
}

// Effective returns the current combined value and the voter deciding it.
func (r *Resource) Effective() Effective {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eff
}

// Vote returns the last vote cast by v. A voter that never cast reports a
// disabled zero vote.
func (r *Resource) Vote(v Voter) Vote {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vote, ok := r.votes[v]; ok {
		return vote
	}
	return Vote{Voter: v}
}

// Votes returns every recorded vote sorted by voter.
func (r *Resource) Votes() []Vote {
	r.mu.Lock()
	out := make([]Vote, 0, len(r.votes))
	for _, v := range r.votes {
		out = append(out, v)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Voter < out[j].Voter })
	return out
}

// recomputeLocked derives the effective value from the enabled votes.
// Ties go to the lexically smallest voter so the winner is order independent.
func (r *Resource) recomputeLocked() (Effective, bool) {
	var eff Effective
	for _, v := range r.votes {
		if !v.Enabled {
			continue
		}
		switch r.policy {
		case Any:
			if !eff.Active || v.Voter < eff.Voter {
				eff = Effective{Value: 1, Voter: v.Voter, Active: true}
			}
		default:
			if !eff.Active || v.Value < eff.Value || (v.Value == eff.Value && v.Voter < eff.Voter) {
				eff = Effective{Value: v.Value, Voter: v.Voter, Active: true}
			}
		}
	}

	changed := eff.Active != r.eff.Active || eff.Value != r.eff.Value
	r.eff = eff
	return eff, changed
}

// Registry maps resource names to their handles.
type Registry struct {
	mu        sync.RWMutex
	resources map[string]*Resource
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{resources: make(map[string]*Resource)}
}

// Register returns the handle for name, creating it with policy on first use.
// The policy of an existing resource never changes.
func (g *Registry) Register(name string, policy Policy) *Resource {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.resources[name]; ok {
		return r
	}
	r := newResource(name, policy)
	g.resources[name] = r
	return r
}

// Resource returns the handle for name, lazily creating a Min resource.
func (g *Registry) Resource(name string) *Resource {
	g.mu.RLock()
	r, ok := g.resources[name]
	g.mu.RUnlock()
	if ok {
		return r
	}
	return g.Register(name, Min)
}

// Cast votes on the named resource. Unknown resources are created lazily.
func (g *Registry) Cast(name string, v Voter, enabled bool, value int) Effective {
	return g.Resource(name).Cast(v, enabled, value)
}

// Effective returns the effective value of the named resource.
func (g *Registry) Effective(name string) (Effective, bool) {
	g.mu.RLock()
	r, ok := g.resources[name]
	g.mu.RUnlock()
	if !ok {
		return Effective{}, false
	}
	return r.Effective(), true
}

// Names returns all registered resource names in sorted order.
func (g *Registry) Names() []string {
	g.mu.RLock()
	names := make([]string, 0, len(g.resources))
	for name := range g.resources {
		names = append(names, name)
	}
	g.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Retract disables the listed voters on every resource.
func (g *Registry) Retract(voters ...Voter) {
	g.mu.RLock()
	resources := make([]*Resource, 0, len(g.resources))
	for _, r := range g.resources {
		resources = append(resources, r)
	}
	g.mu.RUnlock()

	for _, r := range resources {
		r.Retract(voters...)
	}
}
