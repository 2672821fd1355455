package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kychandar/changecast/common"
	"github.com/kychandar/changecast/services"
	slogctx "github.com/veqryn/slog-context"
)

const roomsPath = "/rooms"

// RoomHandler exposes which nodes hold members of a room.
type RoomHandler struct {
	roomStore services.RoomStore
}

func NewRoomHandler(roomStore services.RoomStore) *RoomHandler {
	return &RoomHandler{roomStore: roomStore}
}

func (h *RoomHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET(roomsPath+"/:room/nodes", h.ListNodes)
}

func (h *RoomHandler) ListNodes(c *gin.Context) {
	if h.roomStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room store disabled"})
		return
	}
	room := common.RoomName(c.Param("room"))
	nodes, err := h.roomStore.ListNodesInRoom(c.Request.Context(), room)
	if err != nil {
		ctx := c.Request.Context()
		slogctx.FromCtx(ctx).ErrorContext(ctx, "list room nodes", "room", room, "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "room store unavailable"})
		return
	}
	if nodes == nil {
		nodes = []common.NodeID{}
	}
	c.JSON(http.StatusOK, gin.H{"room": room, "nodes": nodes})
}
