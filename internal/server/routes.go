package server

import "github.com/gin-gonic/gin"

// SetupRoutes registers the /api/sync endpoint group against svc.
func SetupRoutes(svc *Services) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	h := newHandlers(svc)

	r.GET("/api/sync/health", h.Health)

	sync := r.Group("/api/sync")
	{
		sync.POST("/manifest", h.Manifest)
		sync.PUT("/files/:b64path/uploads/:uploadId/chunks/:index", h.SaveChunk)
		sync.POST("/files/:b64path/uploads/:uploadId/complete", h.Complete)
		sync.POST("/delete", h.Delete)
	}

	return r
}
