package router

import (
	"github.com/cuongbtq/reviewbot/internal/api/handler"
	"github.com/gin-gonic/gin"
)

const defaultServiceName = "reviewbot"

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	reviewHandler := handler.NewReviewHandler(deps)

	service := deps.Service
	if service == "" {
		service = defaultServiceName
	}
	r.GET("/health", reviewHandler.Health(service))

	// API v1 routes, read-only views of the pipeline
	v1 := r.Group("/api/v1")
	{
		queues := v1.Group("/queues")
		{
			// GET /api/v1/queues - Queue sizes
			queues.GET("", reviewHandler.ListQueues)

			// GET /api/v1/queues/:queue/items - Waiting entries in dequeue order
			queues.GET("/:queue/items", reviewHandler.ListItems)

			// GET /api/v1/queues/:queue/items/:id - One waiting entry
			queues.GET("/:queue/items/:id", reviewHandler.GetItem)
		}

		// GET /api/v1/fingerprints/:request_id - Last reviewed state of a change-request
		v1.GET("/fingerprints/:request_id", reviewHandler.GetFingerprint)

		// GET /api/v1/dead-letters - Most recent undeliverable items
		v1.GET("/dead-letters", reviewHandler.ListDeadLetters)

		// GET /api/v1/search?q=... - Semantic code search
		v1.GET("/search", reviewHandler.Search)
	}

	return r
}
