package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"snapmesh/internal/core/domain"
	"snapmesh/internal/core/services"
	"snapmesh/internal/infrastructure/events"
	"snapmesh/internal/infrastructure/middleware"
	"snapmesh/internal/infrastructure/monitoring"
	"snapmesh/internal/infrastructure/repositories/memory"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRelay struct{ status domain.RelayStatus }

func (f fakeRelay) URL() (string, error)       { return f.status.URL, nil }
func (f fakeRelay) Status() domain.RelayStatus { return f.status }

type apiFixture struct {
	router   *gin.Engine
	registry *services.PeerRegistry
	topology *services.TopologyGraph
	relay    *fakeRelay
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop().Sugar()

	bus := events.NewBus(64, logger)
	t.Cleanup(bus.Close)

	geo := services.NewGeoCache(nil, services.GeoCacheConfig{}, logger)
	registry := services.NewPeerRegistry(memory.NewMemoryPeerRepository(), geo, bus, nil, logger)
	topology := services.NewTopologyGraph(registry, memory.NewMemoryEdgeRepository(), bus, nil, logger)
	relay := &fakeRelay{status: domain.RelayStatus{URL: "ws://localhost:8000", Port: 8000, Ready: true, State: domain.RelayListening}}

	checker := monitoring.NewHealthChecker()
	checker.AddRelayCheck(relay)

	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(logger), middleware.ErrorHandlerMiddleware(logger))
	NewHealthHandler(checker).SetupRoutes(router)
	api := router.Group("/api/v1")
	NewPeerHandler(registry).SetupRoutes(api)
	NewTopologyHandler(topology, relay).SetupRoutes(api)
	NewEventsHandler(registry, topology, time.Minute, logger).SetupRoutes(api)

	t.Cleanup(registry.Wait)
	return &apiFixture{router: router, registry: registry, topology: topology, relay: relay}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestPeerHandler_Lifecycle(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/peers", map[string]any{
		"peerId":         "alice",
		"originPlatform": "web",
		"networkChain":   []map[string]any{{"ip": "192.168.1.1", "typeDetail": "host"}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "alice", decode(t, w)["peer"].(map[string]any)["peerId"])

	w = f.do(t, http.MethodPatch, "/api/v1/peers/alice", map[string]any{
		"attributes": map[string]any{"room": "lobby"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	attrs := decode(t, w)["peer"].(map[string]any)["attributes"].(map[string]any)
	assert.Equal(t, "lobby", attrs["room"])

	w = f.do(t, http.MethodGet, "/api/v1/peers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = f.do(t, http.MethodGet, "/api/v1/peers/alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodDelete, "/api/v1/peers/alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/peers/alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, w)["error"])
}

func TestPeerHandler_RejectsInvalidInput(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/peers", map[string]any{"originPlatform": "web"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPatch, "/api/v1/peers/ghost", map[string]any{"originPlatform": "web"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodDelete, "/api/v1/peers/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTopologyHandler_ConnectAndDisconnect(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	f.registry.Register(ctx, &domain.Peer{ID: "A", NetworkChain: []domain.NetworkChainEntry{{IP: "192.168.1.1", TypeDetail: domain.CandidateHost}}})
	f.registry.Register(ctx, &domain.Peer{ID: "B", NetworkChain: []domain.NetworkChainEntry{{IP: "203.0.113.5", TypeDetail: domain.CandidateHost}}})

	w := f.do(t, http.MethodPost, "/api/v1/connections", map[string]any{
		"fromPeerId": "A", "toPeerId": "B",
		"from": "192.168.1.1", "to": "203.0.113.5",
		"infoHash": "hash",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["connected"])
	edge := body["edge"].(map[string]any)
	assert.Equal(t, "p2p", edge["connectionType"])

	w = f.do(t, http.MethodPost, "/api/v1/connections", map[string]any{
		"fromPeerId": "A", "toPeerId": "ghost", "infoHash": "hash",
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "UNRESOLVED_ENDPOINTS", decode(t, w)["error"])

	w = f.do(t, http.MethodGet, "/api/v1/connections", nil)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = f.do(t, http.MethodDelete, "/api/v1/connections/hash", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, f.topology.Edges())

	w = f.do(t, http.MethodPost, "/api/v1/connections", map[string]any{"fromPeerId": "A"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTopologyHandler_TrackerStatus(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/tracker", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ws://localhost:8000", body["url"])
	assert.Equal(t, "listening", body["state"])
	assert.Equal(t, true, body["ready"])
}

func TestHealthHandler(t *testing.T) {
	f := newAPIFixture(t)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/ready", nil).Code)

	f.relay.status = domain.RelayStatus{State: domain.RelayFailed}
	w := f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, monitoring.StatusUnhealthy, decode(t, w)["status"])
}

func TestEventsHandler_StreamsSnapshotAndEvents(t *testing.T) {
	f := newAPIFixture(t)
	f.registry.Register(context.Background(), &domain.Peer{ID: "early"})

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	waitFor := func(prefix string) string {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "stream closed before %q", prefix)
				if strings.HasPrefix(line, prefix) {
					return line
				}
			case <-timeout:
				t.Fatalf("timed out waiting for %q", prefix)
			}
		}
	}

	waitFor("event:snapshot")
	assert.Contains(t, waitFor("data:"), `"early"`)

	require.Eventually(t, func() bool { return f.registry.SessionCount() == 1 }, time.Second, 10*time.Millisecond)
	f.registry.Register(context.Background(), &domain.Peer{ID: "late"})

	waitFor("event:peer.added")
	assert.Contains(t, waitFor("data:"), `"late"`)

	cancel()
	require.Eventually(t, func() bool { return f.registry.SessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
