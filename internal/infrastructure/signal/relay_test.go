package signal

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"snapmesh/internal/core/domain"
	"snapmesh/internal/core/ports"
	"snapmesh/internal/infrastructure/events"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubResolver struct{}

func (stubResolver) Resolve(_ context.Context, ip string) *domain.GeoRecord {
	return domain.EmptyGeoRecord(ip, nil)
}

func (s stubResolver) EnrichMany(ctx context.Context, entries []*domain.NetworkChainEntry) []*domain.NetworkChainEntry {
	for _, e := range entries {
		if e != nil {
			e.Network = s.Resolve(ctx, e.IP)
		}
	}
	return entries
}

type relayFixture struct {
	relay  *Relay
	server *httptest.Server
	bus    *events.Bus
	obs    ports.Subscription

	mu   sync.Mutex
	gone []domain.PeerID
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	logger := zap.NewNop().Sugar()
	bus := events.NewBus(64, logger)
	f := &relayFixture{bus: bus}
	f.obs = bus.Subscribe("observer", domain.EventAddressOffer, domain.EventAddressAnswer, domain.EventAddressDone)
	f.relay = NewRelay(Config{
		PingInterval:     time.Minute,
		MaxOffers:        5,
		AnnounceInterval: 120 * time.Second,
	}, stubResolver{}, bus, logger, WithPeerGone(func(_ context.Context, id domain.PeerID) {
		f.mu.Lock()
		f.gone = append(f.gone, id)
		f.mu.Unlock()
	}))
	f.server = httptest.NewServer(f.relay)
	t.Cleanup(func() {
		f.server.Close()
		bus.Close()
	})
	return f
}

func (f *relayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *relayFixture) goneIDs() []domain.PeerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.PeerID(nil), f.gone...)
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func nextEvent(t *testing.T, sub ports.Subscription) domain.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func announce(t *testing.T, conn *websocket.Conn, msg map[string]any) map[string]any {
	t.Helper()
	msg["action"] = ActionAnnounce
	require.NoError(t, conn.WriteJSON(msg))
	return readJSON(t, conn)
}

func TestRelay_AnnounceResponse(t *testing.T) {
	f := newRelayFixture(t)
	a := f.dial(t)

	resp := announce(t, a, map[string]any{"info_hash": "hash1", "peer_id": "A", "event": "started"})

	assert.Equal(t, "announce", resp["action"])
	assert.Equal(t, "hash1", resp["info_hash"])
	assert.Equal(t, float64(120), resp["interval"])
	assert.Equal(t, float64(0), resp["complete"])
	assert.Equal(t, float64(1), resp["incomplete"])
}

func TestRelay_ForwardsOffersAndAnswers(t *testing.T) {
	f := newRelayFixture(t)
	a, b := f.dial(t), f.dial(t)

	announce(t, b, map[string]any{"info_hash": "hash1", "peer_id": "B", "event": "started"})

	offerSDP := sdpWith(hostCandidate, srflxCandidate)
	resp := announce(t, a, map[string]any{
		"info_hash": "hash1",
		"peer_id":   "A",
		"numwant":   5,
		"offers": []map[string]any{
			{"offer_id": "o1", "offer": map[string]any{"type": "offer", "sdp": offerSDP}},
		},
	})
	assert.Equal(t, float64(2), resp["incomplete"])

	forwarded := readJSON(t, b)
	assert.Equal(t, "A", forwarded["peer_id"])
	assert.Equal(t, "o1", forwarded["offer_id"])
	offer := forwarded["offer"].(map[string]any)
	assert.Equal(t, "offer", offer["type"])
	assert.Equal(t, offerSDP, offer["sdp"])

	ev := nextEvent(t, f.obs)
	assert.Equal(t, domain.EventAddressOffer, ev.Type)
	assert.Equal(t, domain.PeerID("A"), ev.PeerID)
	assert.Equal(t, domain.InfoHash("hash1"), ev.InfoHash)
	require.Len(t, ev.Candidates, 2)
	assert.Equal(t, "192.168.1.1", ev.Candidates[0].IP)
	require.NotNil(t, ev.Candidates[0].Network)

	announce(t, b, map[string]any{
		"info_hash":  "hash1",
		"peer_id":    "B",
		"to_peer_id": "A",
		"offer_id":   "o1",
		"answer":     map[string]any{"type": "answer", "sdp": sdpWith(relayCandidate)},
	})
	answer := readJSON(t, a)
	assert.Equal(t, "B", answer["peer_id"])
	assert.Equal(t, "o1", answer["offer_id"])
	assert.Equal(t, "answer", answer["answer"].(map[string]any)["type"])

	ev = nextEvent(t, f.obs)
	assert.Equal(t, domain.EventAddressAnswer, ev.Type)
	assert.Equal(t, domain.PeerID("B"), ev.PeerID)
	require.Len(t, ev.Candidates, 1)
	assert.Equal(t, domain.CandidateRelay, ev.Candidates[0].TypeDetail)
}

func TestRelay_CompletedAndStoppedPublishDone(t *testing.T) {
	f := newRelayFixture(t)
	a := f.dial(t)

	resp := announce(t, a, map[string]any{"info_hash": "h", "peer_id": "A", "event": "completed"})
	assert.Equal(t, float64(1), resp["complete"])
	ev := nextEvent(t, f.obs)
	assert.Equal(t, domain.EventAddressDone, ev.Type)
	assert.Empty(t, ev.Candidates)

	resp = announce(t, a, map[string]any{"info_hash": "h", "peer_id": "A", "event": "stop"})
	assert.Equal(t, float64(0), resp["complete"])
	assert.Equal(t, domain.EventAddressDone, nextEvent(t, f.obs).Type)
}

func TestRelay_RejectsMalformedAnnounces(t *testing.T) {
	f := newRelayFixture(t)
	a := f.dial(t)

	resp := announce(t, a, map[string]any{"info_hash": "h"})
	assert.Contains(t, resp["failure reason"], "peer_id")

	resp = announce(t, a, map[string]any{"peer_id": "A"})
	assert.Contains(t, resp["failure reason"], "info_hash")

	announce(t, a, map[string]any{"info_hash": "h", "peer_id": "A"})
	resp = announce(t, a, map[string]any{"info_hash": "h", "peer_id": "Z"})
	assert.Contains(t, resp["failure reason"], "mismatch")

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, a.WriteJSON(map[string]any{"action": "bogus"}))
	resp = readJSON(t, a)
	assert.Contains(t, resp["failure reason"], "unknown action")

	select {
	case ev := <-f.obs.Events():
		t.Fatalf("unexpected event %v", ev.Type)
	default:
	}
}

func TestRelay_DropsOffersWithoutCandidates(t *testing.T) {
	f := newRelayFixture(t)
	a := f.dial(t)

	announce(t, a, map[string]any{
		"info_hash": "h",
		"peer_id":   "A",
		"offers": []map[string]any{
			{"offer_id": "o1", "offer": map[string]any{"type": "offer", "sdp": "garbage"}},
			{"offer_id": "o2", "offer": map[string]any{"type": "offer", "sdp": sdpWith()}},
		},
	})
	select {
	case ev := <-f.obs.Events():
		t.Fatalf("unexpected event %v with %d candidates", ev.Type, len(ev.Candidates))
	default:
	}

	announce(t, a, map[string]any{
		"info_hash": "h",
		"peer_id":   "A",
		"offers": []map[string]any{
			{"offer_id": "o3", "offer": map[string]any{"type": "offer", "sdp": "garbage"}},
			{"offer_id": "o4", "offer": map[string]any{"type": "offer", "sdp": sdpWith(hostCandidate)}},
		},
	})
	ev := nextEvent(t, f.obs)
	assert.Equal(t, domain.EventAddressOffer, ev.Type)
	require.Len(t, ev.Candidates, 1)
	assert.Equal(t, "192.168.1.1", ev.Candidates[0].IP)
}

func TestRelay_OffersLimitedByNumWant(t *testing.T) {
	f := newRelayFixture(t)
	a := f.dial(t)
	others := []*websocket.Conn{f.dial(t), f.dial(t), f.dial(t)}
	for i, c := range others {
		announce(t, c, map[string]any{"info_hash": "h", "peer_id": string(rune('B' + i))})
	}

	offers := make([]map[string]any, 3)
	for i := range offers {
		offers[i] = map[string]any{"offer_id": string(rune('x' + i)), "offer": webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpWith(hostCandidate)}}
	}
	announce(t, a, map[string]any{"info_hash": "h", "peer_id": "A", "numwant": 2, "offers": offers})

	received := 0
	for _, c := range others {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
		var msg map[string]any
		if err := c.ReadJSON(&msg); err == nil {
			received++
		}
	}
	assert.Equal(t, 2, received)
}

func TestRelay_Scrape(t *testing.T) {
	f := newRelayFixture(t)
	a, b := f.dial(t), f.dial(t)
	announce(t, a, map[string]any{"info_hash": "h1", "peer_id": "A", "event": "completed"})
	announce(t, b, map[string]any{"info_hash": "h1", "peer_id": "B"})

	require.NoError(t, a.WriteJSON(map[string]any{"action": "scrape", "info_hash": []string{"h1", "h2"}}))
	resp := readJSON(t, a)

	files := resp["files"].(map[string]any)
	h1 := files["h1"].(map[string]any)
	assert.Equal(t, float64(1), h1["complete"])
	assert.Equal(t, float64(1), h1["incomplete"])
	assert.Equal(t, float64(1), h1["downloaded"])
	assert.Equal(t, float64(0), files["h2"].(map[string]any)["incomplete"])
}

func TestRelay_DisconnectLeavesSwarmsAndReportsPeerGone(t *testing.T) {
	f := newRelayFixture(t)
	a, b := f.dial(t), f.dial(t)
	announce(t, a, map[string]any{"info_hash": "h", "peer_id": "A"})
	announce(t, b, map[string]any{"info_hash": "h", "peer_id": "B"})

	require.NoError(t, a.Close())

	require.Eventually(t, func() bool {
		ids := f.goneIDs()
		return len(ids) == 1 && ids[0] == "A"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.relay.ConnectionCount())

	resp := announce(t, b, map[string]any{"info_hash": "h", "peer_id": "B"})
	assert.Equal(t, float64(1), resp["incomplete"])
}

func TestRelay_StatusBeforeStart(t *testing.T) {
	f := newRelayFixture(t)

	_, err := f.relay.URL()
	assert.ErrorIs(t, err, domain.ErrRelayNotStarted)
	assert.Equal(t, domain.RelayIdle, f.relay.Status().State)
}
