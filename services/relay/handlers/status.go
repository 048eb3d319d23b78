// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/pkg/breaker"
	"github.com/AleutianAI/AleutianRelay/services/session"
)

// HealthCheck responds to liveness probes.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ModelHealth reports the circuit state of every model the relay has
// talked to, plus the persistence queue depth.
//
// # Description
//
// Handles GET /v1/status. A model absent from the map has never been
// used this process lifetime. The queue depth counts turns journaled
// locally but not yet confirmed by the conversation backend; a steadily
// growing depth means the backend is unreachable.
//
// # Outputs
//
//	{
//	  "models": {"openai:gpt-4o": {"status": "CLOSED", ...}},
//	  "persistence_queue_depth": 0
//	}
func ModelHealth(breakers *breaker.Registry, queue *session.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		depth := 0
		if queue != nil {
			depth = queue.Depth()
		}
		c.JSON(http.StatusOK, gin.H{
			"models":                  breakers.Snapshots(),
			"persistence_queue_depth": depth,
		})
	}
}
