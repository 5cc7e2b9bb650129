package http

import (
	"net/http"

	"snapmesh/internal/core/domain"
	"snapmesh/internal/core/ports"
	"snapmesh/pkg/errors"

	"github.com/gin-gonic/gin"
)

type PeerHandler struct {
	registry ports.PeerRegistry
}

func NewPeerHandler(registry ports.PeerRegistry) *PeerHandler {
	return &PeerHandler{registry: registry}
}

func (h *PeerHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/peers", h.RegisterPeer)
	api.GET("/peers", h.ListPeers)
	api.GET("/peers/:id", h.GetPeer)
	api.PATCH("/peers/:id", h.UpdatePeer)
	api.DELETE("/peers/:id", h.RemovePeer)
}

// RegisterPeer stores the peer as sent, replacing any record with the same id.
func (h *PeerHandler) RegisterPeer(c *gin.Context) {
	var peer domain.Peer
	if err := c.ShouldBindJSON(&peer); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if peer.ID == "" {
		_ = c.Error(errors.NewInvalidInputError("peerId is required"))
		return
	}

	h.registry.Register(c.Request.Context(), &peer)

	stored, _ := h.registry.Get(peer.ID)
	c.JSON(http.StatusCreated, gin.H{"peer": stored})
}

func (h *PeerHandler) ListPeers(c *gin.Context) {
	peers := h.registry.List()
	c.JSON(http.StatusOK, gin.H{
		"peers": peers,
		"count": len(peers),
	})
}

func (h *PeerHandler) GetPeer(c *gin.Context) {
	peer, ok := h.registry.Get(domain.PeerID(c.Param("id")))
	if !ok {
		_ = c.Error(domain.ErrPeerNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peer": peer})
}

func (h *PeerHandler) UpdatePeer(c *gin.Context) {
	id := domain.PeerID(c.Param("id"))

	var update domain.PeerUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if !h.registry.Merge(c.Request.Context(), id, update) {
		_ = c.Error(domain.ErrPeerNotFound)
		return
	}

	peer, _ := h.registry.Get(id)
	c.JSON(http.StatusOK, gin.H{"peer": peer})
}

func (h *PeerHandler) RemovePeer(c *gin.Context) {
	if !h.registry.Remove(c.Request.Context(), domain.PeerID(c.Param("id"))) {
		_ = c.Error(domain.ErrPeerNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}
