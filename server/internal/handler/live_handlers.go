package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/navid-fn/sensorhub/internal/hub"
	"github.com/navid-fn/sensorhub/internal/model"
)

// PendingCounter is satisfied by *correlator.Engine.
type PendingCounter interface {
	Pending() map[model.StreamType]int
}

type LiveHandler struct {
	hub     *hub.Hub
	pending PendingCounter
}

func NewLiveHandler(h *hub.Hub, pending PendingCounter) *LiveHandler {
	return &LiveHandler{
		hub:     h,
		pending: pending,
	}
}

func (h *LiveHandler) ServeWS(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}

func (h *LiveHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"pending":     h.pending.Pending(),
		"subscribers": h.hub.Count(),
	})
}
