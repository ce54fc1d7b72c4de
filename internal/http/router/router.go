package router

import (
	"github.com/gin-gonic/gin"

	"threadline.dev/bridge/core/config"
	"threadline.dev/bridge/internal/http/handler"
	"threadline.dev/bridge/internal/http/middleware"
)

// SetupRoutes wires the ingress and operational surfaces. Webhook routes
// are authenticated by HMAC signature, ops routes by the admin key. The
// health probe is open so orchestrators can reach it.
func SetupRoutes(router *gin.Engine, webhooks *handler.WebhookHandler, ops *handler.OpsHandler, cfg config.Config) {
	router.GET("/healthz", ops.Health)

	hooks := router.Group("/webhooks")
	{
		hooks.POST("/chat",
			middleware.VerifySignature(cfg.Webhook.ChatSecret, cfg.Webhook.TimestampSkew),
			webhooks.HandleChat)
		hooks.POST("/ticketing",
			middleware.VerifySignature(cfg.Webhook.TicketingSecret, cfg.Webhook.TimestampSkew),
			webhooks.HandleTicketing)
	}

	opsGroup := router.Group("/ops")
	opsGroup.Use(middleware.RequireAdminKey(cfg.AdminAPIKey))
	{
		opsGroup.GET("/queues", ops.QueueStatus)
		opsGroup.GET("/dead-letter", ops.ListDeadLetters)
		opsGroup.POST("/dead-letter/replay", ops.ReplayDeadLetters)
		opsGroup.GET("/outcomes", ops.ListOutcomes)
	}
}
