package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/navid-fn/sensorhub/internal/ingest"
	"github.com/navid-fn/sensorhub/internal/model"
)

// Ingester is satisfied by *ingest.Router.
type Ingester interface {
	Ingest(stream model.StreamType, p model.DevicePayload) (ingest.Receipt, error)
}

type SensorHandler struct {
	router Ingester
}

func NewSensorHandler(router Ingester) *SensorHandler {
	return &SensorHandler{
		router: router,
	}
}

func (h *SensorHandler) PostCurrent(c *gin.Context) {
	h.ingest(c, model.StreamCurrent, "Current sensor data received")
}

func (h *SensorHandler) PostTemperature(c *gin.Context) {
	h.ingest(c, model.StreamTemperature, "Temperature sensor data received")
}

func (h *SensorHandler) ingest(c *gin.Context, stream model.StreamType, message string) {
	var payload model.DevicePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	receipt, err := h.router.Ingest(stream, payload)
	if err != nil {
		status := http.StatusInternalServerError
		if ingest.IsValidation(err) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"status": "error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"message":    message,
		"sensorType": receipt.Stream,
		"deviceId":   receipt.DeviceID,
		"matched":    receipt.Matched,
	})
}
