package api

import (
	"mediafetch/config"
	"mediafetch/progress"
	"mediafetch/task"

	"github.com/gin-gonic/gin"
)

func SetupRouter(tm *task.Manager, hub *progress.Hub, cfg *config.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger())
	h := NewHandler(tm, hub, cfg)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "active": tm.Active(), "queued": tm.Queued()})
	})

	// Progress channels stay open for the life of a job, so they sit outside the limiter.
	r.GET("/ws/:id", h.handleProgressWS)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/progress/:id", h.handleProgressSSE)
		v1.GET("/jobs", h.handleListJobs)
		v1.GET("/jobs/:jobId", h.handleGetJob)
		v1.GET("/batches/:batchId", h.handleGetBatch)
		v1.GET("/files/:filename", h.handleGetFile)

		limited := v1.Group("")
		limited.Use(RateLimitMiddleware(cfg))
		limited.GET("/info", h.handleInfo)
		limited.POST("/jobs", h.handleCreateJob)
		limited.POST("/batches", h.handleCreateBatch)
		limited.PATCH("/jobs/:jobId/cancel", h.handleCancelJob)
	}
	return r
}
