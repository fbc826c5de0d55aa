package placement

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the placements served by the process
type Registry struct {
	mu         sync.RWMutex
	placements map[string]*Placement
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{placements: make(map[string]*Placement)}
}

// Add registers p. IDs must be unique.
func (r *Registry) Add(p *Placement) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.placements[p.ID()]; exists {
		return fmt.Errorf("placement %q already registered", p.ID())
	}
	r.placements[p.ID()] = p
	return nil
}

// Get returns the placement with id
func (r *Registry) Get(id string) (*Placement, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.placements[id]
	return p, ok
}

// IDs returns the registered placement IDs in sorted order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.placements))
	for id := range r.placements {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DestroyAll destroys every placement and empties the registry
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	placements := r.placements
	r.placements = make(map[string]*Placement)
	r.mu.Unlock()

	for _, p := range placements {
		p.Destroy()
	}
}
