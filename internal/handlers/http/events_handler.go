package http

import (
	"io"
	"time"

	"snapmesh/internal/core/domain"
	"snapmesh/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventsPath is the stream route relative to the API group.
const EventsPath = "/events"

const (
	sseSnapshotEvent = "snapshot"
	sseKeepAlive     = "keepalive"
)

// EventsHandler pushes bus events to UI observers over Server-Sent Events.
type EventsHandler struct {
	registry  ports.PeerRegistry
	topology  ports.TopologyService
	keepAlive time.Duration
	logger    *zap.SugaredLogger
}

func NewEventsHandler(registry ports.PeerRegistry, topology ports.TopologyService, keepAlive time.Duration, logger *zap.SugaredLogger) *EventsHandler {
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	return &EventsHandler{
		registry:  registry,
		topology:  topology,
		keepAlive: keepAlive,
		logger:    logger,
	}
}

func (h *EventsHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET(EventsPath, h.Stream)
}

// Stream opens a session, sends the current peers and edges, then relays
// every event until the client goes away.
func (h *EventsHandler) Stream(c *gin.Context) {
	session := domain.SessionID(uuid.NewString())
	sub := h.registry.Subscribe(session)
	defer h.registry.Unsubscribe(session)

	h.logger.Debugw("Event stream opened", "session_id", session, "remote", c.ClientIP())

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(sseSnapshotEvent, gin.H{
		"sessionId": session,
		"peers":     h.registry.List(),
		"edges":     h.topology.Edges(),
	})
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	ctx := c.Request.Context()
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-sub.Events():
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-ticker.C:
			c.SSEvent(sseKeepAlive, time.Now().Unix())
			return true
		}
	})

	h.logger.Debugw("Event stream closed", "session_id", session)
}
