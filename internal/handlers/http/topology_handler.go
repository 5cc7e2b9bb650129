package http

import (
	"net/http"

	"snapmesh/internal/core/domain"
	"snapmesh/internal/core/ports"
	"snapmesh/pkg/errors"

	"github.com/gin-gonic/gin"
)

type TopologyHandler struct {
	topology ports.TopologyService
	relay    ports.RelayInfo
}

func NewTopologyHandler(topology ports.TopologyService, relay ports.RelayInfo) *TopologyHandler {
	return &TopologyHandler{
		topology: topology,
		relay:    relay,
	}
}

func (h *TopologyHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/connections", h.Connect)
	api.GET("/connections", h.ListConnections)
	api.DELETE("/connections/:infoHash", h.Disconnect)
	api.GET("/tracker", h.TrackerStatus)
}

// Connect records a link. A link between unknown peers or with endpoints that
// cannot be resolved is answered with 422 and records nothing.
func (h *TopologyHandler) Connect(c *gin.Context) {
	var req domain.ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	edge, ok := h.topology.Connect(c.Request.Context(), req)
	if !ok {
		_ = c.Error(domain.ErrEdgeNotResolved)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connected": ok,
		"edge":      edge,
	})
}

func (h *TopologyHandler) ListConnections(c *gin.Context) {
	edges := h.topology.Edges()
	c.JSON(http.StatusOK, gin.H{
		"edges": edges,
		"count": len(edges),
	})
}

func (h *TopologyHandler) Disconnect(c *gin.Context) {
	h.topology.Disconnect(c.Request.Context(), domain.InfoHash(c.Param("infoHash")))
	c.Status(http.StatusNoContent)
}

func (h *TopologyHandler) TrackerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.relay.Status())
}
