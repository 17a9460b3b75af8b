package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/handlers"
	"github.com/navid-fn/sensorhub/internal/metrics"
	"github.com/navid-fn/sensorhub/server/internal/handler"
	"github.com/sirupsen/logrus"
)

type Config struct {
	SensorHandler  *handler.SensorHandler
	HistoryHandler *handler.HistoryHandler
	LiveHandler    *handler.LiveHandler
	Metrics        *metrics.Metrics
	Logger         logrus.FieldLogger

	// RatePerDevice limits readings per second per device id. Zero disables it.
	RatePerDevice float64
	Burst         int
}

func NewRouter(cfg *Config) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), accessLog(cfg.Logger, cfg.Metrics))

	api := router.Group("/api")
	registerSensorRoutes(api, cfg.SensorHandler, NewDeviceLimiter(cfg.RatePerDevice, cfg.Burst))
	registerHistoryRoutes(api, cfg.HistoryHandler)

	router.GET("/ws", cfg.LiveHandler.ServeWS)
	router.GET("/health", cfg.LiveHandler.Health)
	router.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))

	return router
}

// WithCORS wraps the engine so preflight requests never reach gin.
func WithCORS(h http.Handler, origins []string) http.Handler {
	return handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", requestIDHeader}),
		handlers.ExposedHeaders([]string{requestIDHeader}),
	)(h)
}
