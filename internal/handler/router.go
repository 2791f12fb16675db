package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"wagateway/internal/metrics"
	"wagateway/internal/model"
)

// SetupRouter wires middleware and routes. gin's mode is set by the caller.
func SetupRouter(h *Handler, m *metrics.Metrics, gatherer prometheus.Gatherer, logger zerolog.Logger) *gin.Engine {
	r := gin.New()

	r.Use(RecoveryMiddleware(logger))
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())
	r.Use(MetricsMiddleware(m))

	requireAuth := AuthMiddleware(h.svc.Auth)

	api := r.Group("/api/v1")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/login", h.Login)
			auth.POST("/refresh", h.Refresh)
			auth.GET("/me", requireAuth, h.Me)
		}

		// public; the tenant comes from the query string
		api.POST("/webhooks/exotel", h.ReceiveExotelWebhook)

		private := api.Group("", requireAuth)
		{
			credentials := private.Group("/credentials")
			{
				credentials.GET("", h.ListCredentials)
				credentials.POST("", RequireRole(model.RoleAdmin), h.CreateCredential)
			}

			messages := private.Group("/messages")
			{
				messages.GET("", h.ListMessages)
				messages.POST("", h.SubmitMessage)
				messages.GET("/:id", h.GetMessage)
				messages.POST("/:id/cancel", h.CancelMessage)
			}

			templates := private.Group("/templates")
			{
				templates.GET("", h.ListTemplates)
				templates.POST("", RequireRole(model.RoleEditor), h.CreateTemplate)
				templates.GET("/remote", h.ListRemoteTemplates)
			}

			onboarding := private.Group("/onboarding-links")
			{
				onboarding.GET("", h.ListOnboardingLinks)
				onboarding.POST("", RequireRole(model.RoleEditor), h.CreateOnboardingLinks)
				onboarding.GET("/validate", h.ValidateOnboardingToken)
			}

			private.GET("/webhooks/logs", h.ListWebhookLogs)
		}
	}

	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return r
}
