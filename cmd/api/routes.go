package main

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"voice-router/internal/config"
	"voice-router/internal/routing"
	"voice-router/internal/telephony"
	"voice-router/pkg/utils"
)

// registerRoutes wires HTTP routes to handlers. Keep this file free of
// business logic; handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, cfg config.Config, h telephony.Handlers, db *sql.DB, rdb *redis.Client) {
	r.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		pg := "ok"
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			pg = err.Error()
			status = http.StatusServiceUnavailable
		}
		red := "ok"
		if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
			red = err.Error()
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"postgres": pg, "redis": red})
	})

	// Platform webhooks. The signature middleware guards every entry; the
	// continuation endpoints additionally verify their callback tokens.
	voice := r.Group("/webhooks/voice")
	voice.Use(telephony.SignatureMiddleware(cfg.Platform.WebhookSecret))
	{
		voice.POST("/inbound", h.HandleInbound)
		voice.POST(trimPrefix(routing.PathDialStatus), h.HandleDialStatus)
		voice.POST(trimPrefix(routing.PathIVRInput), h.HandleIVRInput)
	}
}

// trimPrefix strips the group prefix from the engine's callback path
// constants so routes and rendered action URLs can never drift apart.
func trimPrefix(path string) string {
	const prefix = "/webhooks/voice"
	return path[len(prefix):]
}
