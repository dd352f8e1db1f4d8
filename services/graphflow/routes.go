// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphflow

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/graphflow/services/graphflow/observability"
)

// RegisterRoutes registers the /v1 endpoints on rg.
//
// Endpoints:
//
//	GET    /v1/health, /v1/ready
//	GET    /v1/node-types
//	POST   /v1/graphs                     - create
//	GET    /v1/graphs?type=               - list
//	GET    /v1/graphs/:id                 - definition
//	PUT    /v1/graphs/:id                 - replace
//	DELETE /v1/graphs/:id                 - delete (409 while executions are live)
//	POST   /v1/graphs/:id/executions      - submit
//	GET    /v1/executions                 - list (?active=&graph_id=&status=)
//	GET    /v1/executions/:id             - state and outputs
//	GET    /v1/executions/:id/events      - event log (?after=)
//	GET    /v1/executions/:id/stream      - websocket event stream
//	POST   /v1/executions/:id/cancel      - cancel
//	DELETE /v1/executions/:id             - forget a terminal execution
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.GET("/health", h.HandleHealth)
	rg.GET("/ready", h.HandleReady)
	rg.GET("/node-types", h.HandleNodeTypes)

	graphs := rg.Group("/graphs")
	{
		graphs.POST("", h.HandleCreateGraph)
		graphs.GET("", h.HandleListGraphs)
		graphs.GET("/:id", h.HandleGetGraph)
		graphs.PUT("/:id", h.HandleReplaceGraph)
		graphs.DELETE("/:id", h.HandleDeleteGraph)
		graphs.POST("/:id/executions", h.HandleSubmit)
	}

	executions := rg.Group("/executions")
	{
		executions.GET("", h.HandleListExecutions)
		executions.GET("/:id", h.HandleGetExecution)
		executions.GET("/:id/events", h.HandleEvents)
		executions.GET("/:id/stream", h.HandleStream)
		executions.POST("/:id/cancel", h.HandleCancel)
		executions.DELETE("/:id", h.HandleDeleteExecution)
	}
}

// NewRouter builds the gin engine: recovery, OpenTelemetry spans, request
// metrics, root health probes, /metrics and the /v1 API.
//
// metrics may be nil, in which case the default Prometheus registry is
// served.
func NewRouter(h *Handlers, serviceName string, metrics http.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.Middleware())

	if metrics == nil {
		metrics = promhttp.Handler()
	}
	router.GET("/metrics", gin.WrapH(metrics))
	router.GET("/health", h.HandleHealth)
	router.GET("/ready", h.HandleReady)

	RegisterRoutes(router.Group("/v1"), h)
	return router
}
