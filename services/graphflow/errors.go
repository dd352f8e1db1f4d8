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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/graphflow/services/graphflow/flowerr"
	"github.com/AleutianAI/graphflow/services/graphflow/graph"
	"github.com/AleutianAI/graphflow/services/graphflow/scheduler"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeInvalidGraph   = "INVALID_GRAPH"
	CodeNotFound       = "NOT_FOUND"
	CodeConflict       = "CONFLICT"
	CodeUnavailable    = "UNAVAILABLE"
	CodeInternal       = "INTERNAL"
)

// ErrNotReady is reported by the readiness check before startup finishes
// and during shutdown.
var ErrNotReady = errors.New("service not ready")

// writeError maps err onto a status code and ErrorResponse.
//
// Client errors are logged at warn, everything unexpected at error.
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	status, resp := classifyError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", slog.String("error", err.Error()))
	} else {
		logger.Warn("request rejected",
			slog.Int("status", status),
			slog.String("error", err.Error()))
	}
	c.JSON(status, resp)
}

func classifyError(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: err.Error()}

	var invalid *graph.InvalidGraphError
	switch {
	case errors.As(err, &invalid):
		resp.Code = CodeInvalidGraph
		resp.Violations = invalid.Violations
		return http.StatusBadRequest, resp
	case errors.Is(err, flowerr.ErrNotFound):
		resp.Code = CodeNotFound
		return http.StatusNotFound, resp
	case errors.Is(err, flowerr.ErrConflict):
		resp.Code = CodeConflict
		return http.StatusConflict, resp
	case errors.Is(err, scheduler.ErrInvalidSubmission):
		resp.Code = CodeInvalidRequest
		return http.StatusBadRequest, resp
	case errors.Is(err, scheduler.ErrShuttingDown), errors.Is(err, ErrNotReady):
		resp.Code = CodeUnavailable
		return http.StatusServiceUnavailable, resp
	default:
		resp.Code = CodeInternal
		return http.StatusInternalServerError, resp
	}
}

func badRequest(c *gin.Context, logger *slog.Logger, err error) {
	logger.Warn("invalid request", slog.String("error", err.Error()))
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidRequest})
}
