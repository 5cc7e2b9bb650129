package services

import (
	"context"
	"sync"
	"time"

	"snapmesh/internal/core/domain"
	"snapmesh/internal/core/ports"
	"snapmesh/pkg/tracing"

	"go.uber.org/zap"
)

// PeerLookup is the part of the registry the topology graph reads.
type PeerLookup interface {
	Get(id domain.PeerID) (*domain.Peer, bool)
}

// TopologyGraph records classified links between known peers.
type TopologyGraph struct {
	peers   PeerLookup
	edges   ports.EdgeStore
	bus     ports.EventBus
	metrics ports.Metrics
	logger  *zap.SugaredLogger

	mu sync.Mutex
}

func NewTopologyGraph(
	peers PeerLookup,
	edges ports.EdgeStore,
	bus ports.EventBus,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *TopologyGraph {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &TopologyGraph{
		peers:   peers,
		edges:   edges,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
	}
}

// Connect classifies and stores the link described by req. It returns false,
// with no state change and no event, when either peer is unknown or either
// endpoint cannot be matched to a network chain entry.
func (t *TopologyGraph) Connect(ctx context.Context, req domain.ConnectRequest) (*domain.Edge, bool) {
	ctx, span := tracing.TraceTopology(ctx, "connect", string(req.InfoHash))
	defer span.End()

	from, ok := t.peers.Get(req.FromPeerID)
	if !ok {
		t.logger.Debugw("Connect ignored, unknown peer", "peer_id", req.FromPeerID, "info_hash", req.InfoHash)
		return nil, false
	}
	to, ok := t.peers.Get(req.ToPeerID)
	if !ok {
		t.logger.Debugw("Connect ignored, unknown peer", "peer_id", req.ToPeerID, "info_hash", req.InfoHash)
		return nil, false
	}

	res := resolveLink(req, from, to)
	if !res.complete() {
		t.logger.Debugw("Connect ignored, unresolved endpoint",
			"from_peer_id", req.FromPeerID,
			"to_peer_id", req.ToPeerID,
			"info_hash", req.InfoHash,
		)
		return nil, false
	}
	edge := buildEdge(req, res)
	span.SetAttributes(tracing.ConnectionTypeKey.String(edge.ConnectionType))

	t.mu.Lock()
	t.edges.Upsert(edge)
	t.publishLocked(ctx)
	t.mu.Unlock()

	t.logger.Infow("Edge recorded",
		"edge_id", edge.ID,
		"connection_type", edge.ConnectionType,
		"info_hash", edge.InfoHash,
	)
	return &edge, true
}

// Disconnect removes every edge carrying infoHash and always publishes the
// resulting edge set.
func (t *TopologyGraph) Disconnect(ctx context.Context, infoHash domain.InfoHash) {
	ctx, span := tracing.TraceTopology(ctx, "disconnect", string(infoHash))
	defer span.End()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for _, e := range t.edges.List() {
		if e.InfoHash != infoHash {
			continue
		}
		if t.edges.Delete(domain.EdgeID(e.From, e.FromPort, e.To, e.ToPort, e.InfoHash)) {
			removed++
		}
	}
	t.publishLocked(ctx)
	t.logger.Infow("Edges disconnected", "info_hash", infoHash, "removed", removed)
}

func (t *TopologyGraph) Edges() []domain.Edge {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.edges.List()
}

// Run drops the edges of removed peers until ctx is done or sub is closed.
func (t *TopologyGraph) Run(ctx context.Context, sub ports.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Type == domain.EventPeerRemoved && ev.PeerID != "" {
				t.dropPeer(ctx, ev.PeerID)
			}
		}
	}
}

func (t *TopologyGraph) dropPeer(ctx context.Context, id domain.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for _, e := range t.edges.List() {
		if e.FromPeerID == id || e.ToPeerID == id {
			if t.edges.Delete(e.ID) {
				removed++
			}
		}
	}
	if removed > 0 {
		t.publishLocked(ctx)
		t.logger.Infow("Edges of removed peer dropped", "peer_id", id, "removed", removed)
	}
}

func (t *TopologyGraph) publishLocked(ctx context.Context) {
	edges := t.edges.List()
	t.metrics.SetEdges(len(edges))
	t.bus.Publish(ctx, domain.Event{
		Type:      domain.EventTopologyChanged,
		Timestamp: time.Now(),
		Edges:     edges,
	})
}
