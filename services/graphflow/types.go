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
	"time"

	"github.com/AleutianAI/graphflow/services/graphflow/execution"
	"github.com/AleutianAI/graphflow/services/graphflow/graph"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ReadyResponse is the body of GET /ready.
type ReadyResponse struct {
	Ready bool `json:"ready"`

	// GraphCount is the number of stored graph definitions.
	GraphCount int `json:"graph_count"`

	// ActiveExecutions counts PENDING and RUNNING executions.
	ActiveExecutions int `json:"active_executions"`
}

// CreateGraphResponse is the body of a successful POST /graphs.
type CreateGraphResponse struct {
	GraphID string `json:"graph_id"`
}

// GraphListResponse is the body of GET /graphs.
type GraphListResponse struct {
	Graphs []graph.Summary `json:"graphs"`
	Count  int             `json:"count"`
}

// SubmitRequest is the body of POST /graphs/:id/executions. Every field is
// optional.
type SubmitRequest struct {
	// Input is handed to every source node.
	Input graph.Values `json:"input"`

	// ExecutionID lets the caller choose the id. It must never have been
	// used before.
	ExecutionID string `json:"execution_id,omitempty" binding:"omitempty,max=128"`

	// TimeoutMS bounds the execution's wall time. Zero uses the server
	// default.
	TimeoutMS int64 `json:"timeout_ms,omitempty" binding:"gte=0"`

	// FailurePolicy is "fail_branch" or "fail_fast".
	FailurePolicy string `json:"failure_policy,omitempty" binding:"omitempty,oneof=fail_branch fail_fast"`

	// MaxInFlight bounds concurrent node invocations for this execution.
	MaxInFlight int `json:"max_in_flight,omitempty" binding:"gte=0"`
}

// SubmitResponse is the body of a successful submission.
type SubmitResponse struct {
	ExecutionID string           `json:"execution_id"`
	Status      execution.Status `json:"status"`
}

// CancelRequest is the optional body of POST /executions/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// ExecutionResponse is the body of GET /executions/:id.
type ExecutionResponse struct {
	ID         string                         `json:"id"`
	GraphID    string                         `json:"graph_id"`
	Status     execution.Status               `json:"status"`
	Nodes      map[string]execution.NodeState `json:"nodes"`
	Outputs    map[string]graph.Values        `json:"outputs"`
	Error      *execution.ErrorRecord         `json:"error,omitempty"`
	CreatedAt  time.Time                      `json:"created_at"`
	StartedAt  time.Time                      `json:"started_at,omitzero"`
	FinishedAt time.Time                      `json:"finished_at,omitzero"`
}

func newExecutionResponse(e execution.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:         e.ID,
		GraphID:    e.GraphID,
		Status:     e.Status,
		Nodes:      e.Nodes,
		Outputs:    e.Outputs(),
		Error:      e.Error,
		CreatedAt:  e.CreatedAt,
		StartedAt:  e.StartedAt,
		FinishedAt: e.FinishedAt,
	}
}

// ExecutionListResponse is the body of GET /executions.
type ExecutionListResponse struct {
	Executions []execution.Summary `json:"executions"`
	Count      int                 `json:"count"`
}

// EventsResponse is the body of GET /executions/:id/events.
type EventsResponse struct {
	Events []execution.Event `json:"events"`
	Count  int               `json:"count"`
}

// NodeTypesResponse is the body of GET /node-types.
type NodeTypesResponse struct {
	Types []graph.NodeType `json:"types"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable code, e.g. "GRAPH_NOT_FOUND".
	Code string `json:"code,omitempty"`

	// Violations lists every structural problem of a rejected graph.
	Violations []graph.Violation `json:"violations,omitempty"`
}
