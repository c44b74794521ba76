package main

import (
	"github.com/gin-gonic/gin"

	"callpipeline/internal/httpapi"
	"callpipeline/internal/ingress"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, webhooks *ingress.Handlers, operator httpapi.Handlers, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider webhooks (public; each handler does its own delivery
	// verification).
	r.POST("/integrations/providera/:tenant/:subscription/call-events", webhooks.ProviderACallEvents)
	r.POST("/integrations/providerb/webhook", webhooks.ProviderBWebhook)

	// Token issuance stays outside the auth middleware.
	r.POST("/v1/auth/login", operator.Login)

	// operator API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.POST("/tenants/:tenant/subscriptions", httpapi.RequireOperator(), operator.CreateSubscription)
		v1.DELETE("/subscriptions/:id", httpapi.RequireOperator(), operator.DeleteSubscription)
		v1.GET("/tenants/:tenant/lines", httpapi.RequireReadAccess(), operator.ListLines)
		v1.GET("/tenants/:tenant/reports/calls", httpapi.RequireReadAccess(), operator.CallsReport)
		v1.GET("/tenants/:tenant/reports/ingestion", httpapi.RequireReadAccess(), operator.IngestionReport)

		v1.POST("/reprocess/transcripts", httpapi.RequireOperator(), operator.ReplayTranscripts)
	}
}
