package countstat

import (
	"fmt"
	"sort"
)

// Registry is the catalog of defined count properties. It is built during
// process startup, frozen before the first rollup invocation and passed by
// injection to every component that needs it. After Freeze it is read-only
// and safe for concurrent readers.
type Registry struct {
	stats  map[string]*CountStat
	frozen bool
}

// NewRegistry creates an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{stats: make(map[string]*CountStat)}
}

// Register adds a definition. It fails after Freeze, on duplicate property
// names, and on invalid definitions.
func (r *Registry) Register(stat *CountStat) error {
	if r.frozen {
		return fmt.Errorf("register %q: registry is frozen", stat.Property)
	}
	if err := stat.Validate(); err != nil {
		return err
	}
	if _, exists := r.stats[stat.Property]; exists {
		return fmt.Errorf("register %q: duplicate property", stat.Property)
	}
	r.stats[stat.Property] = stat
	return nil
}

// Freeze makes the registry immutable. Called once at the end of startup.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Get returns the definition for property, or ErrUnknownProperty.
func (r *Registry) Get(property string) (*CountStat, error) {
	stat, ok := r.stats[property]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProperty, property)
	}
	return stat, nil
}

// All returns every definition sorted by property name.
func (r *Registry) All() []*CountStat {
	out := make([]*CountStat, 0, len(r.stats))
	for _, stat := range r.stats {
		out = append(out, stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Property < out[j].Property })
	return out
}

// Len returns the number of registered properties.
func (r *Registry) Len() int {
	return len(r.stats)
}
