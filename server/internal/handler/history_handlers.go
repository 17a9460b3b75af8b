package handler

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/navid-fn/sensorhub/internal/history"
	"github.com/navid-fn/sensorhub/internal/model"
)

type HistoryHandler struct {
	reader *history.Reader
}

func NewHistoryHandler(reader *history.Reader) *HistoryHandler {
	return &HistoryHandler{
		reader: reader,
	}
}

func (h *HistoryHandler) GetAvailableDates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"dates": h.reader.AvailableDates()})
}

func (h *HistoryHandler) GetDataHistory(c *gin.Context) {
	records := h.reader.Read(history.Query{
		Date:     c.Query("date"),
		Kind:     model.Kind(c.Query("type")),
		DeviceID: c.Query("deviceId"),
	})
	c.JSON(http.StatusOK, gin.H{"data": records})
}

func (h *HistoryHandler) DownloadCSV(c *gin.Context) {
	kindName := c.Query("type")
	if kindName == "" {
		c.String(http.StatusBadRequest, "Type parameter is required")
		return
	}
	kind, err := model.ParseKind(kindName)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	date := c.DefaultQuery("date", h.reader.Today())

	body, err := h.reader.Export(date, kind)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	defer body.Close()

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", history.FileName(date, kind)))
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, body); err != nil {
		_ = c.Error(err)
	}
}
