package domain

import "time"

type EventType string

const (
	EventPeerAdded       EventType = "peer.added"
	EventPeerUpdated     EventType = "peer.updated"
	EventPeerRemoved     EventType = "peer.removed"
	EventTopologyChanged EventType = "topology.changed"
	EventAddressOffer    EventType = "address.offer"
	EventAddressAnswer   EventType = "address.answer"
	EventAddressDone     EventType = "address.done"
)

// ObservationKind distinguishes offers from the other signaling events when
// merging candidates into a peer's network chain.
type ObservationKind string

const (
	ObservationOffer  ObservationKind = "offer"
	ObservationAnswer ObservationKind = "answer"
	ObservationDone   ObservationKind = "done"
)

// Event is what flows through the in-process bus. Only the fields relevant to
// Type are set.
type Event struct {
	Type       EventType           `json:"type"`
	Timestamp  time.Time           `json:"timestamp"`
	PeerID     PeerID              `json:"peerId,omitempty"`
	Peer       *Peer               `json:"peer,omitempty"`
	Edges      []Edge              `json:"edges,omitempty"`
	InfoHash   InfoHash            `json:"infoHash,omitempty"`
	Candidates []NetworkChainEntry `json:"candidates,omitempty"`
}

func (t EventType) ObservationKind() (ObservationKind, bool) {
	switch t {
	case EventAddressOffer:
		return ObservationOffer, true
	case EventAddressAnswer:
		return ObservationAnswer, true
	case EventAddressDone:
		return ObservationDone, true
	}
	return "", false
}
