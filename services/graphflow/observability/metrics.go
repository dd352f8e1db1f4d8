// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability holds the Prometheus collectors of the HTTP
// service. Scheduler internals are measured separately through OpenTelemetry.
package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/graphflow/services/graphflow/execution"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	// httpRequests counts API requests.
	// Labels: method, route (the gin route template), status
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "graphflow",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"method", "route", "status"})

	// httpLatency measures API request latency.
	// Labels: method, route
	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "graphflow",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "route"})

	// executionEvents counts tracker events.
	// Labels: type (NODE_COMPLETED, EXECUTION_FAILED, ...), node_type
	executionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "graphflow",
		Subsystem: "tracker",
		Name:      "events_total",
		Help:      "Execution events recorded by the tracker",
	}, []string{"type", "node_type"})

	// streamClients tracks open websocket event streams.
	streamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "graphflow",
		Subsystem: "http",
		Name:      "stream_clients",
		Help:      "Open execution event streams",
	})

	// graphReloads counts graph definition files applied by the watcher.
	// Labels: op (upsert, delete), result (ok, error)
	graphReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "graphflow",
		Subsystem: "watcher",
		Name:      "reloads_total",
		Help:      "Graph definition file changes applied",
	}, []string{"op", "result"})
)

// =============================================================================
// Recording Functions
// =============================================================================

// Middleware records request count and latency per route template. Unmatched
// routes are labelled "unmatched" to keep cardinality bounded.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		httpRequests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpLatency.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

// EventSink counts every tracker event. Register it with
// execution.Tracker.AddSink.
type EventSink struct{}

// HandleEvent implements execution.Sink.
func (EventSink) HandleEvent(ev execution.Event) {
	executionEvents.WithLabelValues(string(ev.Type), string(ev.NodeType)).Inc()
}

// StreamOpened records a new websocket stream and returns the func that
// records its close.
func StreamOpened() (closed func()) {
	streamClients.Inc()
	return streamClients.Dec
}

// RecordReload records one watcher change.
//
// Inputs:
//
//	op - "upsert" or "delete".
//	err - The result of applying the change.
func RecordReload(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	graphReloads.WithLabelValues(op, result).Inc()
}
