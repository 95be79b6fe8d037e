// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package api exposes the progress core to the UI process over loopback HTTP.
//
// This is the concrete rendition of the core's inbound boundary: the UI layer
// reads progress, reports interactions and lifecycle transitions, and submits
// user actions here. The server binds to localhost only; it is not a public
// surface.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/StreakWorks/StreakCore/services/progress"
)

// SetupRoutes registers all progress endpoints on router.
func SetupRoutes(router *gin.Engine, coord *progress.Coordinator) {
	router.Use(otelgin.Middleware("streakd"))

	router.GET("/healthz", HealthCheck(coord))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/status", GetStatus(coord))
		v1.GET("/progress", ListProgress(coord))
		v1.GET("/progress/:habit", GetProgress(coord))
		v1.POST("/progress/:habit/increment", IncrementProgress(coord))
		v1.POST("/sync", ForceSync(coord))
		v1.POST("/logout", Logout(coord))

		lifecycle := v1.Group("/lifecycle")
		{
			lifecycle.POST("/foreground", Foreground(coord))
			lifecycle.POST("/background", Background(coord))
		}
	}
}

// NewRouter builds a gin engine with the progress routes installed.
func NewRouter(coord *progress.Coordinator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	SetupRoutes(router, coord)
	return router
}

// HealthCheck reports liveness plus the cache's coarse state, so the UI can
// distinguish "daemon down" from "cache still empty".
func HealthCheck(coord *progress.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"state":  coord.Status().State,
		})
	}
}
