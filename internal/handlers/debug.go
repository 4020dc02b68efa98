package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"relay-service/internal/observability"
	"relay-service/internal/telemetry"
)

// SessionCounter reports the number of live sockets.
type SessionCounter interface {
	Count() int
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRoutes, emitter *telemetry.AuditEmitter, sessions SessionCounter, publisher observability.Publisher, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), telemetry.LevelInfo, "audit test", requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/sessions", func(c *gin.Context) {
		resp := gin.H{
			"live_sockets":   sessions.Count(),
			"publisher_mode": observability.PublisherMode(publisher),
			"request_id":     requestIDFromContext(c),
		}
		if reason := observability.PublisherNoopReason(publisher); reason != "" {
			resp["publisher_noop_reason"] = reason
		}
		c.JSON(http.StatusOK, resp)
	})
}
