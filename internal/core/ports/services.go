package ports

import (
	"context"

	"snapmesh/internal/core/domain"
)

// GeoResolver never fails: lookups that cannot complete degrade to a record
// with only the ip set.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) *domain.GeoRecord
	EnrichMany(ctx context.Context, entries []*domain.NetworkChainEntry) []*domain.NetworkChainEntry
}

type PeerRegistry interface {
	Register(ctx context.Context, peer *domain.Peer)
	Merge(ctx context.Context, id domain.PeerID, update domain.PeerUpdate) bool
	ObserveCandidates(ctx context.Context, id domain.PeerID, candidates []domain.NetworkChainEntry, kind domain.ObservationKind) bool
	Remove(ctx context.Context, id domain.PeerID) bool
	Get(id domain.PeerID) (*domain.Peer, bool)
	List() []*domain.Peer
	Subscribe(session domain.SessionID) Subscription
	Unsubscribe(session domain.SessionID)
}

type TopologyService interface {
	Connect(ctx context.Context, req domain.ConnectRequest) (*domain.Edge, bool)
	Disconnect(ctx context.Context, infoHash domain.InfoHash)
	Edges() []domain.Edge
}

// EventBus fans events out to subscribers. Publish never blocks on a slow
// subscriber obtained through Subscribe.
type EventBus interface {
	Publish(ctx context.Context, event domain.Event)
	Subscribe(name string, types ...domain.EventType) Subscription
}

type Subscription interface {
	Events() <-chan domain.Event
	Close()
}

// RelayInfo exposes the signaling endpoint to collaborators.
type RelayInfo interface {
	URL() (string, error)
	Status() domain.RelayStatus
}

// Metrics receives core counters. The Prometheus collector implements it.
type Metrics interface {
	RecordGeoLookup(outcome string)
	SetPeers(n int)
	SetEdges(n int)
}
