package memory

import (
	"sync"

	"snapmesh/internal/core/domain"
	"snapmesh/internal/core/ports"
)

// MemoryEdgeRepository is the topology edge set keyed by edge id. List
// returns edges in first-insertion order.
type MemoryEdgeRepository struct {
	edges map[string]domain.Edge
	order []string
	mu    sync.RWMutex
}

func NewMemoryEdgeRepository() ports.EdgeStore {
	return &MemoryEdgeRepository{
		edges: make(map[string]domain.Edge),
	}
}

func (r *MemoryEdgeRepository) Upsert(edge domain.Edge) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.edges[edge.ID]; !exists {
		r.order = append(r.order, edge.ID)
	}
	r.edges[edge.ID] = edge
}

func (r *MemoryEdgeRepository) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.edges[id]; !exists {
		return false
	}
	delete(r.edges, id)
	for i, eid := range r.order {
		if eid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *MemoryEdgeRepository) List() []domain.Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Edge, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.edges[id])
	}
	return out
}

func (r *MemoryEdgeRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.edges)
}
