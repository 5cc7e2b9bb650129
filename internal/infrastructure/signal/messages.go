package signal

import (
	"encoding/json"
	"strings"

	"snapmesh/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

const (
	ActionAnnounce = "announce"
	ActionScrape   = "scrape"
)

// Announce events. An announce without an event is an update.
const (
	EventStarted   = "started"
	EventUpdate    = "update"
	EventCompleted = "completed"
	EventStopped   = "stopped"
)

// TrackerMessage is a client frame.
type TrackerMessage struct {
	Action   string                     `json:"action"`
	InfoHash infoHashes                 `json:"info_hash,omitempty"`
	PeerID   domain.PeerID              `json:"peer_id,omitempty"`
	Event    string                     `json:"event,omitempty"`
	NumWant  int                        `json:"numwant,omitempty"`
	Offers   []TrackerOffer             `json:"offers,omitempty"`
	Answer   *webrtc.SessionDescription `json:"answer,omitempty"`
	ToPeerID domain.PeerID              `json:"to_peer_id,omitempty"`
	OfferID  string                     `json:"offer_id,omitempty"`
}

type TrackerOffer struct {
	OfferID string                    `json:"offer_id"`
	Offer   webrtc.SessionDescription `json:"offer"`
}

// normalizedEvent maps the short forms some clients send onto the
// canonical event names.
func (m *TrackerMessage) normalizedEvent() string {
	switch strings.ToLower(m.Event) {
	case "", EventUpdate:
		return EventUpdate
	case "start", EventStarted:
		return EventStarted
	case "complete", EventCompleted:
		return EventCompleted
	case "stop", EventStopped:
		return EventStopped
	default:
		return m.Event
	}
}

func (m *TrackerMessage) infoHash() domain.InfoHash {
	if len(m.InfoHash) == 0 {
		return ""
	}
	return m.InfoHash[0]
}

// infoHashes accepts both a single hash and a list, as scrape requests do.
type infoHashes []domain.InfoHash

func (h *infoHashes) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*h = nil
			return nil
		}
		*h = infoHashes{domain.InfoHash(single)}
		return nil
	}
	var list []domain.InfoHash
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*h = list
	return nil
}

type announceResponse struct {
	Action     string          `json:"action"`
	InfoHash   domain.InfoHash `json:"info_hash"`
	Interval   int             `json:"interval"`
	Complete   int             `json:"complete"`
	Incomplete int             `json:"incomplete"`
}

type offerForward struct {
	Action   string                    `json:"action"`
	InfoHash domain.InfoHash           `json:"info_hash"`
	PeerID   domain.PeerID             `json:"peer_id"`
	Offer    webrtc.SessionDescription `json:"offer"`
	OfferID  string                    `json:"offer_id"`
}

type answerForward struct {
	Action   string                    `json:"action"`
	InfoHash domain.InfoHash           `json:"info_hash"`
	PeerID   domain.PeerID             `json:"peer_id"`
	Answer   webrtc.SessionDescription `json:"answer"`
	OfferID  string                    `json:"offer_id"`
}

type scrapeFile struct {
	Complete   int `json:"complete"`
	Incomplete int `json:"incomplete"`
	Downloaded int `json:"downloaded"`
}

type scrapeResponse struct {
	Action string                         `json:"action"`
	Files  map[domain.InfoHash]scrapeFile `json:"files"`
}

type failureResponse struct {
	Action        string          `json:"action,omitempty"`
	InfoHash      domain.InfoHash `json:"info_hash,omitempty"`
	FailureReason string          `json:"failure reason"`
}
