package policy

import (
	"fmt"
)

// Registry holds the built-in signature sets in registration order.
type Registry struct {
	order []string
	sets  map[string]SignatureSet
}

// NewRegistry creates a registry with all default signature sets.
func NewRegistry() *Registry {
	return NewRegistryWithSets(
		NewRemoteAccessSet(),
		NewScreenCaptureSet(),
		NewVPNSet(),
		NewMessagingSet(),
	)
}

// NewRegistryWithSets creates a registry with custom sets (for testing).
func NewRegistryWithSets(sets ...SignatureSet) *Registry {
	r := &Registry{
		sets: make(map[string]SignatureSet),
	}
	for _, s := range sets {
		r.Register(s)
	}
	return r
}

// Register adds a set to the registry. Re-registering an ID replaces the set
// but keeps its original position.
func (r *Registry) Register(s SignatureSet) {
	if _, exists := r.sets[s.ID()]; !exists {
		r.order = append(r.order, s.ID())
	}
	r.sets[s.ID()] = s
}

// Get returns a set by ID.
func (r *Registry) Get(id string) (SignatureSet, bool) {
	s, ok := r.sets[id]
	return s, ok
}

// MustGet returns a set by ID or panics. For wiring built-in IDs only.
func (r *Registry) MustGet(id string) SignatureSet {
	s, ok := r.sets[id]
	if !ok {
		panic(fmt.Sprintf("policy: unknown signature set %q", id))
	}
	return s
}

// GetAll returns all registered sets in registration order.
func (r *Registry) GetAll() []SignatureSet {
	result := make([]SignatureSet, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.sets[id])
	}
	return result
}

// List returns all set IDs in registration order.
func (r *Registry) List() []string {
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}
