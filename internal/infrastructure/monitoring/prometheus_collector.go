package monitoring

import (
	"snapmesh/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var relayStates = []domain.RelayState{
	domain.RelayIdle,
	domain.RelayProbing,
	domain.RelayBinding,
	domain.RelayListening,
	domain.RelayFailed,
}

// PrometheusCollector implements the metrics hooks of the core services, the
// signaling relay and the event bus.
type PrometheusCollector struct {
	peersRegistered prometheus.Gauge
	edgesActive     prometheus.Gauge
	signalSockets   prometheus.Gauge

	geoLookups     *prometheus.CounterVec
	signalMessages *prometheus.CounterVec
	droppedEvents  *prometheus.CounterVec
	relayState     *prometheus.GaugeVec
}

// NewPrometheusCollector registers the collector's metrics with reg. Nil
// means the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		peersRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "snapmesh_peers_registered",
			Help: "Number of peers in the registry",
		}),

		edgesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "snapmesh_topology_edges",
			Help: "Number of edges in the topology graph",
		}),

		signalSockets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "snapmesh_signal_connections",
			Help: "Open tracker websocket connections",
		}),

		geoLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snapmesh_geo_lookups_total",
			Help: "Geolocation lookups by outcome",
		}, []string{"outcome"}),

		signalMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snapmesh_signal_messages_total",
			Help: "Tracker messages received by action and event",
		}, []string{"action", "event"}),

		droppedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snapmesh_bus_dropped_events_total",
			Help: "Events dropped because a subscriber buffer was full",
		}, []string{"subscriber", "type"}),

		relayState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snapmesh_relay_state",
			Help: "1 for the signaling relay's current state, 0 otherwise",
		}, []string{"state"}),
	}
}

func (p *PrometheusCollector) SetPeers(n int) {
	p.peersRegistered.Set(float64(n))
}

func (p *PrometheusCollector) SetEdges(n int) {
	p.edgesActive.Set(float64(n))
}

func (p *PrometheusCollector) RecordGeoLookup(outcome string) {
	p.geoLookups.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) RecordSignalMessage(action, event string) {
	if action == "" {
		action = "none"
	}
	p.signalMessages.WithLabelValues(action, event).Inc()
}

func (p *PrometheusCollector) SetSignalConnections(n int) {
	p.signalSockets.Set(float64(n))
}

func (p *PrometheusCollector) SetRelayState(state domain.RelayState) {
	for _, s := range relayStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.relayState.WithLabelValues(string(s)).Set(v)
	}
}

// RecordDroppedEvent matches the event bus drop hook.
func (p *PrometheusCollector) RecordDroppedEvent(subscriber string, t domain.EventType) {
	p.droppedEvents.WithLabelValues(subscriber, string(t)).Inc()
}
