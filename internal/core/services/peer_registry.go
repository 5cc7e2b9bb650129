package services

import (
	"context"
	"sync"
	"time"

	"snapmesh/internal/core/domain"
	"snapmesh/internal/core/ports"

	"go.uber.org/zap"
)

// sessionEventTypes are the events a push-stream session receives.
var sessionEventTypes = []domain.EventType{
	domain.EventPeerAdded,
	domain.EventPeerUpdated,
	domain.EventPeerRemoved,
	domain.EventTopologyChanged,
}

// ObservationEventTypes are consumed by PeerRegistry.Run.
var ObservationEventTypes = []domain.EventType{
	domain.EventAddressOffer,
	domain.EventAddressAnswer,
	domain.EventAddressDone,
}

// PeerRegistry owns every known peer. Mutations are serialised by mu and the
// resulting events are published before mu is released, so observers see them
// in mutation order.
type PeerRegistry struct {
	store   ports.PeerStore
	geo     ports.GeoResolver
	bus     ports.EventBus
	metrics ports.Metrics
	logger  *zap.SugaredLogger

	mu sync.Mutex

	subsMu        sync.Mutex
	subscriptions map[domain.SessionID]ports.Subscription

	enrichments sync.WaitGroup
}

func NewPeerRegistry(
	store ports.PeerStore,
	geo ports.GeoResolver,
	bus ports.EventBus,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *PeerRegistry {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &PeerRegistry{
		store:         store,
		geo:           geo,
		bus:           bus,
		metrics:       metrics,
		logger:        logger,
		subscriptions: make(map[domain.SessionID]ports.Subscription),
	}
}

// Register inserts peer, overwriting any peer with the same id, and starts
// background enrichment of its network chain.
func (r *PeerRegistry) Register(ctx context.Context, peer *domain.Peer) {
	if peer == nil || peer.ID == "" {
		return
	}
	p := peer.Clone()
	if p.NetworkChain == nil {
		p.NetworkChain = []domain.NetworkChainEntry{}
	}
	seedNetworks(p.NetworkChain)

	r.mu.Lock()
	r.store.Put(p)
	r.publishLocked(ctx, domain.EventPeerAdded, p)
	r.metrics.SetPeers(r.store.Len())
	r.mu.Unlock()

	r.logger.Infow("Peer registered", "peer_id", p.ID, "entries", len(p.NetworkChain))
	r.enrichAsync(ctx, p.ID)
}

// Merge applies update to an existing peer. It reports false for an unknown id.
func (r *PeerRegistry) Merge(ctx context.Context, id domain.PeerID, update domain.PeerUpdate) bool {
	r.mu.Lock()
	p, ok := r.store.Get(id)
	if !ok {
		r.mu.Unlock()
		return false
	}
	update.Apply(p)
	seedNetworks(p.NetworkChain)
	r.publishLocked(ctx, domain.EventPeerUpdated, p)
	r.mu.Unlock()

	r.enrichAsync(ctx, id)
	return true
}

// ObserveCandidates merges signaled candidates into the peer's network chain.
// An offer first prunes relay entries that the offer no longer carries. The
// peer is republished only when an entry was added. An empty batch is ignored
// and never prunes.
func (r *PeerRegistry) ObserveCandidates(ctx context.Context, id domain.PeerID, candidates []domain.NetworkChainEntry, kind domain.ObservationKind) bool {
	if len(candidates) == 0 {
		return false
	}

	r.mu.Lock()
	p, ok := r.store.Get(id)
	if !ok {
		r.mu.Unlock()
		return false
	}

	if kind == domain.ObservationOffer {
		p.NetworkChain = pruneRelays(p.NetworkChain, candidates)
	}

	added := 0
	for _, c := range candidates {
		if c.IP == "" || p.EntryByIP(c.IP) >= 0 {
			continue
		}
		entry := domain.CloneChain([]domain.NetworkChainEntry{c})
		seedNetworks(entry)
		p.NetworkChain = append(p.NetworkChain, entry...)
		if !containsString(p.IPs, c.IP) {
			p.IPs = append(p.IPs, c.IP)
		}
		added++
	}

	if added == 0 {
		r.mu.Unlock()
		return false
	}
	r.publishLocked(ctx, domain.EventPeerUpdated, p)
	r.mu.Unlock()

	r.logger.Debugw("Candidates merged", "peer_id", id, "kind", kind, "added", added)
	r.enrichAsync(ctx, id)
	return true
}

// Remove deletes the peer and publishes peer.removed. Downstream ownership
// cleanup hangs off that event.
func (r *PeerRegistry) Remove(ctx context.Context, id domain.PeerID) bool {
	r.mu.Lock()
	p, ok := r.store.Get(id)
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.store.Delete(id)
	r.publishLocked(ctx, domain.EventPeerRemoved, p)
	r.metrics.SetPeers(r.store.Len())
	r.mu.Unlock()

	r.logger.Infow("Peer removed", "peer_id", id)
	return true
}

// Get returns a copy of the peer.
func (r *PeerRegistry) Get(id domain.PeerID) (*domain.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.store.Get(id)
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// List returns copies of all peers in registration order.
func (r *PeerRegistry) List() []*domain.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := r.store.List()
	out := make([]*domain.Peer, len(peers))
	for i, p := range peers {
		out[i] = p.Clone()
	}
	return out
}

// Subscribe opens the push-stream subscription for session, replacing any
// earlier one.
func (r *PeerRegistry) Subscribe(session domain.SessionID) ports.Subscription {
	sub := r.bus.Subscribe("session:"+string(session), sessionEventTypes...)

	r.subsMu.Lock()
	if old, ok := r.subscriptions[session]; ok {
		old.Close()
	}
	r.subscriptions[session] = sub
	r.subsMu.Unlock()
	return sub
}

func (r *PeerRegistry) Unsubscribe(session domain.SessionID) {
	r.subsMu.Lock()
	sub, ok := r.subscriptions[session]
	delete(r.subscriptions, session)
	r.subsMu.Unlock()

	if ok {
		sub.Close()
	}
}

func (r *PeerRegistry) SessionCount() int {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	return len(r.subscriptions)
}

// Run consumes address observations until ctx is done or sub is closed.
// Events are handled one at a time, which keeps each peer's observations in
// receipt order.
func (r *PeerRegistry) Run(ctx context.Context, sub ports.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			r.handleObservation(ctx, ev)
		}
	}
}

// Wait blocks until background enrichment started so far has finished.
func (r *PeerRegistry) Wait() {
	r.enrichments.Wait()
}

func (r *PeerRegistry) handleObservation(ctx context.Context, ev domain.Event) {
	kind, ok := ev.Type.ObservationKind()
	if !ok || ev.PeerID == "" {
		return
	}

	switch kind {
	case domain.ObservationOffer:
		if len(ev.Candidates) == 0 {
			r.logger.Debugw("Ignoring offer without candidates", "peer_id", ev.PeerID)
			return
		}
		if _, exists := r.Get(ev.PeerID); !exists {
			r.Register(ctx, &domain.Peer{ID: ev.PeerID})
		}
		r.ObserveCandidates(ctx, ev.PeerID, ev.Candidates, kind)
	default:
		r.logger.Debugw("Address observation",
			"peer_id", ev.PeerID,
			"kind", kind,
			"info_hash", ev.InfoHash,
			"candidates", len(ev.Candidates),
		)
	}
}

func (r *PeerRegistry) enrichAsync(ctx context.Context, id domain.PeerID) {
	ctx = context.WithoutCancel(ctx)
	r.enrichments.Add(1)
	go func() {
		defer r.enrichments.Done()
		r.enrich(ctx, id)
	}()
}

// enrich resolves the peer's current chain outside the lock and writes the
// records back by ip, so entries added or pruned meanwhile are respected.
func (r *PeerRegistry) enrich(ctx context.Context, id domain.PeerID) {
	r.mu.Lock()
	p, ok := r.store.Get(id)
	if !ok || len(p.NetworkChain) == 0 {
		r.mu.Unlock()
		return
	}
	chain := domain.CloneChain(p.NetworkChain)
	r.mu.Unlock()

	entries := make([]*domain.NetworkChainEntry, len(chain))
	for i := range chain {
		entries[i] = &chain[i]
	}
	r.geo.EnrichMany(ctx, entries)

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok = r.store.Get(id)
	if !ok {
		return
	}
	changed := false
	for _, e := range entries {
		idx := p.EntryByIP(e.IP)
		if idx < 0 || e.Network == nil {
			continue
		}
		cur := &p.NetworkChain[idx]
		if cur.Network.Equal(e.Network) {
			continue
		}
		if cur.Network != nil && cur.Network.CountryCode != nil && e.Network.CountryCode == nil {
			// never replace a resolved record with a degraded one
			continue
		}
		cur.Network = e.Network
		changed = true
	}
	if changed {
		r.publishLocked(ctx, domain.EventPeerUpdated, p)
	}
}

// publishLocked publishes a snapshot of p. Callers hold r.mu.
func (r *PeerRegistry) publishLocked(ctx context.Context, typ domain.EventType, p *domain.Peer) {
	r.bus.Publish(ctx, domain.Event{
		Type:      typ,
		Timestamp: time.Now(),
		PeerID:    p.ID,
		Peer:      p.Clone(),
	})
}

// pruneRelays drops relay entries whose ip is not among the offer's relay
// candidates.
func pruneRelays(chain []domain.NetworkChainEntry, offer []domain.NetworkChainEntry) []domain.NetworkChainEntry {
	relayIPs := make(map[string]struct{})
	for _, c := range offer {
		if c.TypeDetail == domain.CandidateRelay {
			relayIPs[c.IP] = struct{}{}
		}
	}
	kept := chain[:0]
	for _, e := range chain {
		if e.TypeDetail == domain.CandidateRelay {
			if _, ok := relayIPs[e.IP]; !ok {
				continue
			}
		}
		kept = append(kept, e)
	}
	return kept
}

// seedNetworks gives every entry without a record an empty one until
// enrichment lands.
func seedNetworks(chain []domain.NetworkChainEntry) {
	for i := range chain {
		if chain[i].Network == nil {
			chain[i].Network = domain.EmptyGeoRecord(chain[i].IP, nil)
		}
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
