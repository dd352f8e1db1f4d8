// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/graphflow/services/graphflow/execution"
	"github.com/AleutianAI/graphflow/services/graphflow/graph"
)

func TestMiddleware_LabelsByRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/graphs/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/v1/graphs/:id", "404"))
	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/graphs/"+id, nil))
	}
	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/v1/graphs/:id", "404"))
	assert.Equal(t, 2.0, after-before)

	unmatchedBefore := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "unmatched", "404"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(httpRequests.WithLabelValues("GET", "unmatched", "404"))-unmatchedBefore)
}

func TestEventSink(t *testing.T) {
	c := executionEvents.WithLabelValues(string(execution.EventNodeFailed), string(graph.NodeTypeLLMChat))
	before := testutil.ToFloat64(c)
	EventSink{}.HandleEvent(execution.Event{Type: execution.EventNodeFailed, NodeType: graph.NodeTypeLLMChat})
	assert.Equal(t, 1.0, testutil.ToFloat64(c)-before)
}

func TestStreamOpened(t *testing.T) {
	before := testutil.ToFloat64(streamClients)
	done := StreamOpened()
	assert.Equal(t, before+1, testutil.ToFloat64(streamClients))
	done()
	assert.Equal(t, before, testutil.ToFloat64(streamClients))
}

func TestRecordReload(t *testing.T) {
	ok := graphReloads.WithLabelValues("upsert", "ok")
	failed := graphReloads.WithLabelValues("delete", "error")
	okBefore, failedBefore := testutil.ToFloat64(ok), testutil.ToFloat64(failed)

	RecordReload("upsert", nil)
	RecordReload("delete", errors.New("live executions"))

	assert.Equal(t, 1.0, testutil.ToFloat64(ok)-okBefore)
	assert.Equal(t, 1.0, testutil.ToFloat64(failed)-failedBefore)
}
