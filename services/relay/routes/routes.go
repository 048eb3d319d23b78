// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianRelay/pkg/breaker"
	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/handlers"
	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
	"github.com/AleutianAI/AleutianRelay/services/session"
	"github.com/AleutianAI/AleutianRelay/services/stream"
)

// SetupRoutes registers the relay's HTTP surface on the router.
//
// /health and /metrics are unauthenticated; everything under /v1 goes
// through the auth middleware.
func SetupRoutes(router *gin.Engine, coordinator *stream.Coordinator,
	breakers *breaker.Registry, queue *session.Queue, opts extensions.ServiceOptions) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	chatHandler := handlers.NewStreamingChatHandler(coordinator, opts)

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(opts.AuthProvider))
	{
		v1.POST("/chat/stream", chatHandler.HandleChatStream)
		v1.GET("/chat/ws", handlers.HandleChatWebSocket(coordinator, opts))
		v1.GET("/status", handlers.ModelHealth(breakers, queue))
	}
}
