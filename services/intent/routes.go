// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers all intent routes with the router.
//
// Description:
//
//	Registers all /v1/intent/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Classification Endpoints:
//
//	POST /v1/intent/classify - Classify text synchronously
//	POST /v1/intent/enqueue - Defer classification to the queue
//	GET  /v1/intent/status/:id - Status of a queued request
//	GET  /v1/intent/status/:id/watch - Websocket stream of status changes
//
// Administration Endpoints:
//
//	GET    /v1/intent/cache/stats - Cache statistics
//	DELETE /v1/intent/cache - Clear the response cache
//	POST   /v1/intent/cache/invalidate - Remove one cached response
//	DELETE /v1/intent/queue/:name - Drop pending messages
//	GET    /v1/intent/queue/dead-letters - List dead-lettered messages
//	POST   /v1/intent/feedback - Record classification feedback
//	GET    /v1/intent/calibration - Global calibration report
//	GET    /v1/intent/calibration/:action_code - Per-intent calibration report
//
// Health Endpoints:
//
//	GET  /v1/intent/health - Health check
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	intent := rg.Group("/intent")
	{
		intent.POST("/classify", handlers.HandleClassify)
		intent.POST("/enqueue", handlers.HandleEnqueue)
		intent.GET("/status/:id", handlers.HandleStatus)
		intent.GET("/status/:id/watch", handlers.HandleWatch)

		cache := intent.Group("/cache")
		{
			cache.GET("/stats", handlers.HandleCacheStats)
			cache.DELETE("", handlers.HandleClearCache)
			cache.POST("/invalidate", handlers.HandleInvalidateCache)
		}

		// dead-letters is registered before the :name wildcard.
		q := intent.Group("/queue")
		{
			q.GET("/dead-letters", handlers.HandleDeadLetters)
			q.DELETE("/:name", handlers.HandleClearQueue)
		}

		intent.POST("/feedback", handlers.HandleFeedback)
		intent.GET("/calibration", handlers.HandleCalibration)
		intent.GET("/calibration/:action_code", handlers.HandleCalibration)

		intent.GET("/health", handlers.HandleHealth)
	}
}

// NewRouter builds the gin engine serving the intent API plus /metrics.
func NewRouter(serviceName string, handlers *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(serviceName))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	RegisterRoutes(v1, handlers)
	return router
}
