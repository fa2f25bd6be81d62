// Package server wires HTTP handlers into a gin engine for the relay.
package server

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRoutes returns the relay's HTTP handler. The WebSocket endpoint is
// served on "/" (upgrade requests only) and "/ws".
func SetupRoutes(hub *Hub, policy *OriginPolicy, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(logger), CORSMiddleware(policy))

	ws := WebSocketHandler(hub, NewUpgrader(policy))

	router.GET("/", RootHandler(ws))
	router.GET("/ws", ws)
	router.GET("/healthz", HealthHandler)
	router.GET("/stats", StatsHandler(hub))
	router.GET("/test", TestPageHandler)

	return router
}
