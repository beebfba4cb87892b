package router

import (
	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/genjobs/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	healthHandler := handler.NewHealthHandler(deps)
	jobHandler := handler.NewJobHandler(deps)
	accountHandler := handler.NewAccountHandler(deps)
	webhookHandler := handler.NewWebhookHandler(deps)

	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", jobHandler.CreateJob)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/external/:external_job_id", jobHandler.GetJobByExternalID)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.GET("/:job_id/progress", jobHandler.GetProgress)
			jobs.GET("/:job_id/artifact", jobHandler.GetArtifact)
			jobs.GET("/:job_id/entries", jobHandler.GetEntries)
		}

		accounts := v1.Group("/accounts/:user_id")
		{
			accounts.GET("/balance", accountHandler.GetBalance)
			accounts.GET("/entries", accountHandler.ListEntries)
			accounts.GET("/reconciliation", accountHandler.Reconcile)
			accounts.POST("/credits", accountHandler.GrantCredits)
		}

		v1.POST("/webhooks/generation", webhookHandler.Generation)

		v1.POST("/admin/jobs/expire", jobHandler.ExpireStale)
	}

	return r
}
