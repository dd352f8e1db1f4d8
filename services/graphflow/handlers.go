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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/graphflow/services/graphflow/execution"
	"github.com/AleutianAI/graphflow/services/graphflow/graph"
	"github.com/AleutianAI/graphflow/services/graphflow/scheduler"
	"github.com/AleutianAI/graphflow/services/graphflow/store"
)

// Handlers contains the HTTP handlers.
type Handlers struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandlers creates handlers for svc.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc, logger: svc.logger.With(slog.String("component", "http"))}
}

// requestLogger returns a logger tagged with the request id and handler.
func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	return h.logger.With(
		slog.String("request_id", getOrCreateRequestID(c)),
		slog.String("handler", handler),
	)
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

// bindOptionalJSON binds the body into v, accepting an empty body.
func bindOptionalJSON(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Version: ServiceVersion})
}

// HandleReady handles GET /ready.
//
// Response:
//
//	200 OK: ReadyResponse
//	503 Service Unavailable: ReadyResponse with Ready=false
func (h *Handlers) HandleReady(c *gin.Context) {
	count, err := h.svc.Graphs.Count(c.Request.Context())
	if err != nil {
		writeError(c, h.requestLogger(c, "HandleReady"), err)
		return
	}
	resp := ReadyResponse{
		Ready:            h.svc.Ready(),
		GraphCount:       count,
		ActiveExecutions: len(h.svc.Tracker.ListActive()),
	}
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// HandleNodeTypes handles GET /v1/node-types.
func (h *Handlers) HandleNodeTypes(c *gin.Context) {
	c.JSON(http.StatusOK, NodeTypesResponse{Types: h.svc.Invokers.Types()})
}

// HandleCreateGraph handles POST /v1/graphs.
//
// Description:
//
//	Validates and stores a graph definition. The id is generated when the
//	body leaves it empty.
//
// Response:
//
//	201 Created: CreateGraphResponse
//	400 Bad Request: malformed JSON, or INVALID_GRAPH with violations
//	409 Conflict: the id is already stored
func (h *Handlers) HandleCreateGraph(c *gin.Context) {
	logger := h.requestLogger(c, "HandleCreateGraph")

	var g graph.Graph
	if err := c.ShouldBindJSON(&g); err != nil {
		badRequest(c, logger, err)
		return
	}
	id, err := h.svc.Graphs.Create(c.Request.Context(), g)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	logger.Info("graph created", slog.String("graph_id", id), slog.Int("nodes", len(g.Nodes)))
	c.JSON(http.StatusCreated, CreateGraphResponse{GraphID: id})
}

// HandleListGraphs handles GET /v1/graphs?type=DAG|TREE.
func (h *Handlers) HandleListGraphs(c *gin.Context) {
	logger := h.requestLogger(c, "HandleListGraphs")

	var f store.Filter
	switch t := graph.GraphType(c.Query("type")); t {
	case "", graph.GraphTypeDAG, graph.GraphTypeTree:
		f.Type = t
	default:
		badRequest(c, logger, fmt.Errorf("unknown graph type %q", t))
		return
	}

	resp := GraphListResponse{Graphs: []graph.Summary{}}
	for s, err := range h.svc.Graphs.List(c.Request.Context(), f) {
		if err != nil {
			writeError(c, logger, err)
			return
		}
		resp.Graphs = append(resp.Graphs, s)
	}
	resp.Count = len(resp.Graphs)
	c.JSON(http.StatusOK, resp)
}

// HandleGetGraph handles GET /v1/graphs/:id.
func (h *Handlers) HandleGetGraph(c *gin.Context) {
	g, err := h.svc.Graphs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.requestLogger(c, "HandleGetGraph"), err)
		return
	}
	c.JSON(http.StatusOK, g)
}

// HandleReplaceGraph handles PUT /v1/graphs/:id.
//
// The path id wins; a body id that disagrees is rejected.
func (h *Handlers) HandleReplaceGraph(c *gin.Context) {
	logger := h.requestLogger(c, "HandleReplaceGraph")
	id := c.Param("id")

	var g graph.Graph
	if err := c.ShouldBindJSON(&g); err != nil {
		badRequest(c, logger, err)
		return
	}
	if g.ID != "" && g.ID != id {
		badRequest(c, logger, fmt.Errorf("body id %q does not match path id %q", g.ID, id))
		return
	}
	g.ID = id
	if err := h.svc.Graphs.Replace(c.Request.Context(), g); err != nil {
		writeError(c, logger, err)
		return
	}
	updated, err := h.svc.Graphs.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// HandleDeleteGraph handles DELETE /v1/graphs/:id.
//
// Response:
//
//	204 No Content
//	404 Not Found
//	409 Conflict: the graph has PENDING or RUNNING executions
func (h *Handlers) HandleDeleteGraph(c *gin.Context) {
	logger := h.requestLogger(c, "HandleDeleteGraph")
	if err := h.svc.Graphs.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleSubmit handles POST /v1/graphs/:id/executions.
//
// Description:
//
//	Starts an execution and returns at once. Node failures never fail the
//	request; poll GET /v1/executions/:id or stream its events.
//
// Response:
//
//	202 Accepted: SubmitResponse
//	400 Bad Request: malformed options
//	404 Not Found: unknown graph
//	409 Conflict: execution_id already used
//	503 Service Unavailable: shutting down
func (h *Handlers) HandleSubmit(c *gin.Context) {
	logger := h.requestLogger(c, "HandleSubmit")

	var req SubmitRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, logger, err)
		return
	}
	if !h.svc.Ready() {
		writeError(c, logger, ErrNotReady)
		return
	}

	id, err := h.svc.Scheduler.Submit(c.Request.Context(), c.Param("id"), req.Input, scheduler.SubmitOptions{
		ExecutionID:   req.ExecutionID,
		Timeout:       time.Duration(req.TimeoutMS) * time.Millisecond,
		FailurePolicy: scheduler.FailurePolicy(req.FailurePolicy),
		MaxInFlight:   req.MaxInFlight,
	})
	if err != nil {
		writeError(c, logger, err)
		return
	}
	logger.Info("execution accepted", slog.String("execution_id", id), slog.String("graph_id", c.Param("id")))
	c.JSON(http.StatusAccepted, SubmitResponse{ExecutionID: id, Status: execution.StatusPending})
}

// HandleListExecutions handles GET /v1/executions?active=true&graph_id=&status=.
func (h *Handlers) HandleListExecutions(c *gin.Context) {
	logger := h.requestLogger(c, "HandleListExecutions")

	f := execution.ListFilter{
		GraphID: c.Query("graph_id"),
		Status:  execution.Status(c.Query("status")),
	}
	if raw := c.Query("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, logger, fmt.Errorf("active: %w", err))
			return
		}
		f.ActiveOnly = active
	}

	list := h.svc.Tracker.List(f)
	if list == nil {
		list = []execution.Summary{}
	}
	c.JSON(http.StatusOK, ExecutionListResponse{Executions: list, Count: len(list)})
}

// HandleGetExecution handles GET /v1/executions/:id.
func (h *Handlers) HandleGetExecution(c *gin.Context) {
	exec, err := h.svc.Tracker.Get(c.Param("id"))
	if err != nil {
		writeError(c, h.requestLogger(c, "HandleGetExecution"), err)
		return
	}
	c.JSON(http.StatusOK, newExecutionResponse(exec))
}

// HandleEvents handles GET /v1/executions/:id/events?after=N.
func (h *Handlers) HandleEvents(c *gin.Context) {
	logger := h.requestLogger(c, "HandleEvents")

	after, err := parseAfter(c)
	if err != nil {
		badRequest(c, logger, err)
		return
	}
	events, err := h.svc.Tracker.Events(c.Param("id"), after)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	if events == nil {
		events = []execution.Event{}
	}
	c.JSON(http.StatusOK, EventsResponse{Events: events, Count: len(events)})
}

func parseAfter(c *gin.Context) (int64, error) {
	raw := c.Query("after")
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || after < 0 {
		return 0, fmt.Errorf("after must be a non-negative integer, got %q", raw)
	}
	return after, nil
}

// HandleCancel handles POST /v1/executions/:id/cancel.
//
// Response:
//
//	202 Accepted: the execution is CANCELLED; in-flight nodes stop shortly
//	404 Not Found
//	409 Conflict: the execution is already terminal
func (h *Handlers) HandleCancel(c *gin.Context) {
	logger := h.requestLogger(c, "HandleCancel")

	var req CancelRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, logger, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}
	id := c.Param("id")
	if err := h.svc.Scheduler.Cancel(id, req.Reason); err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusAccepted, SubmitResponse{ExecutionID: id, Status: execution.StatusCancelled})
}

// HandleDeleteExecution handles DELETE /v1/executions/:id.
func (h *Handlers) HandleDeleteExecution(c *gin.Context) {
	if err := h.svc.Scheduler.Forget(c.Param("id")); err != nil {
		writeError(c, h.requestLogger(c, "HandleDeleteExecution"), err)
		return
	}
	c.Status(http.StatusNoContent)
}
