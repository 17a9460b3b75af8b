package router

import (
	"github.com/gin-gonic/gin"
	"github.com/navid-fn/sensorhub/server/internal/handler"
)

func registerSensorRoutes(router *gin.RouterGroup, sensorHandler *handler.SensorHandler, limiter *DeviceLimiter) {
	router.POST("/current-sensor", limiter.Middleware(), sensorHandler.PostCurrent)
	router.POST("/temperature-sensor", limiter.Middleware(), sensorHandler.PostTemperature)
}

func registerHistoryRoutes(router *gin.RouterGroup, historyHandler *handler.HistoryHandler) {
	router.GET("/available-dates", historyHandler.GetAvailableDates)
	router.GET("/data-history", historyHandler.GetDataHistory)
	router.GET("/download-csv", historyHandler.DownloadCSV)
}
