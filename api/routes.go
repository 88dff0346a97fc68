package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, h *Handlers) {
	// API group
	api := r.Group("/api")

	// Codex app-server bridge
	api.GET("/codex/status", h.GetCodexStatus)
	api.POST("/codex/request", h.CodexRequest)
	api.POST("/codex/respond", h.CodexRespond)
	api.GET("/codex/events", h.CodexEvents)

	// Notifications (SSE)
	api.GET("/notifications/stream", h.NotificationStream)

	// Liveness for process supervisors; codex state is under /api/codex/status
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	// Ignore .well-known requests
	r.GET("/.well-known/*path", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})
}
