package memory

import (
	"sync"

	"snapmesh/internal/core/domain"
	"snapmesh/internal/core/ports"
)

// MemoryPeerRepository keeps peers in registration order. Stored pointers are
// owned by the caller that Put them; the registry serialises mutation.
type MemoryPeerRepository struct {
	peers map[domain.PeerID]*domain.Peer
	order []domain.PeerID
	mu    sync.RWMutex
}

func NewMemoryPeerRepository() ports.PeerStore {
	return &MemoryPeerRepository{
		peers: make(map[domain.PeerID]*domain.Peer),
	}
}

// Put inserts or overwrites. Overwriting keeps the original position.
func (r *MemoryPeerRepository) Put(peer *domain.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[peer.ID]; !exists {
		r.order = append(r.order, peer.ID)
	}
	r.peers[peer.ID] = peer
}

func (r *MemoryPeerRepository) Get(id domain.PeerID) (*domain.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, exists := r.peers[id]
	return peer, exists
}

func (r *MemoryPeerRepository) Delete(id domain.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[id]; !exists {
		return false
	}
	delete(r.peers, id)
	for i, pid := range r.order {
		if pid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *MemoryPeerRepository) List() []*domain.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Peer, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.peers[id])
	}
	return out
}

func (r *MemoryPeerRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
