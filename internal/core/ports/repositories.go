package ports

import (
	"context"

	"snapmesh/internal/core/domain"
)

// PeerStore holds peers in registration order.
type PeerStore interface {
	Put(peer *domain.Peer)
	Get(id domain.PeerID) (*domain.Peer, bool)
	Delete(id domain.PeerID) bool
	List() []*domain.Peer
	Len() int
}

// EdgeStore is the topology edge set, iterated in insertion order.
type EdgeStore interface {
	Upsert(edge domain.Edge)
	Delete(id string) bool
	List() []domain.Edge
	Len() int
}

// GeoProvider performs one external geolocation query. Implementations must
// honour ctx cancellation.
type GeoProvider interface {
	Lookup(ctx context.Context, ip string) (*domain.GeoRecord, error)
}
