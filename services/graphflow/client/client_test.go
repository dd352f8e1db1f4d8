// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/graphflow/services/graphflow"
	"github.com/AleutianAI/graphflow/services/graphflow/execution"
	"github.com/AleutianAI/graphflow/services/graphflow/graph"
	"github.com/AleutianAI/graphflow/services/graphflow/invoker"
	"github.com/AleutianAI/graphflow/services/graphflow/scheduler"
	"github.com/AleutianAI/graphflow/services/graphflow/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	reg := invoker.NewDefaultRegistry(invoker.Adapters{})
	tracker := execution.NewTracker(nil)
	graphs := store.New(store.NewMemoryBackend(), tracker, nil)
	sched := scheduler.New(graphs, tracker, reg, scheduler.Config{}, nil)
	svc := graphflow.NewService(graphs, tracker, sched, reg, nil)
	svc.SetReady(true)

	srv := httptest.NewServer(graphflow.NewRouter(graphflow.NewHandlers(svc), "graphflow-test", nil))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return New(srv.URL+"/", nil)
}

func renameGraph() graph.Graph {
	return graph.Graph{
		ID:   "rename",
		Name: "rename",
		Nodes: []graph.Node{{
			ID:   "r",
			Type: graph.NodeTypeDataTransform,
			Config: graph.Values{
				"transform_type": graph.String("rename_field"),
				"old_name":       graph.String("text"),
				"new_name":       graph.String("renamed"),
			},
		}},
	}
}

func TestClientGraphLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	id, err := c.CreateGraph(ctx, renameGraph())
	require.NoError(t, err)
	assert.Equal(t, "rename", id)

	list, err := c.ListGraphs(ctx, graph.GraphTypeDAG)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].NodeCount)

	g, err := c.GetGraph(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, graph.NodeTypeDataTransform, g.Nodes[0].Type)

	g.Name = "rename v2"
	stored, err := c.ReplaceGraph(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, "rename v2", stored.Name)

	types, err := c.NodeTypes(ctx)
	require.NoError(t, err)
	assert.Contains(t, types, graph.NodeTypeDataTransform)

	_, err = c.CreateGraph(ctx, renameGraph())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, graphflow.CodeConflict, apiErr.Code)

	require.NoError(t, c.DeleteGraph(ctx, id))
	_, err = c.GetGraph(ctx, id)
	assert.True(t, IsNotFound(err))
}

func TestClientRejectsInvalidGraph(t *testing.T) {
	c := newTestClient(t)

	_, err := c.CreateGraph(context.Background(), graph.Graph{
		Name: "dangling",
		Nodes: []graph.Node{{ID: "a", Type: graph.NodeTypeDataTransform}},
		Edges: []graph.Edge{{SourceNodeID: "a", SourceOutput: "o", TargetNodeID: "ghost", TargetInput: "i"}},
	})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, graphflow.CodeInvalidGraph, apiErr.Code)
	assert.NotEmpty(t, apiErr.Violations)
}

func TestClientSubmitAndStream(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.CreateGraph(ctx, renameGraph())
	require.NoError(t, err)

	execID, err := c.Submit(ctx, "rename", graphflow.SubmitRequest{
		Input: graph.Values{"text": graph.String("hello")},
	})
	require.NoError(t, err)

	var seen []execution.EventType
	require.NoError(t, c.Stream(ctx, execID, func(ev execution.Event) error {
		seen = append(seen, ev.Type)
		return nil
	}))
	require.NotEmpty(t, seen)
	assert.Equal(t, execution.EventExecutionStarted, seen[0])
	assert.Equal(t, execution.EventExecutionCompleted, seen[len(seen)-1])

	exec, err := c.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSucceeded, exec.Status)
	assert.Equal(t, "hello", exec.Outputs["r"]["renamed"].Text())

	require.NoError(t, c.ForgetExecution(ctx, execID))
	_, err = c.GetExecution(ctx, execID)
	assert.True(t, IsNotFound(err))

	events, err := c.Events(ctx, execID, 0)
	require.NoError(t, err)
	assert.Len(t, events, len(seen))

	list, err := c.ListExecutions(ctx, "rename", false)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	err = c.Cancel(ctx, execID, "too late")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestClientStreamErrors(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	err := c.Stream(ctx, "missing", func(execution.Event) error { return nil })
	assert.True(t, IsNotFound(err))

	_, err = c.CreateGraph(ctx, renameGraph())
	require.NoError(t, err)
	execID, err := c.Submit(ctx, "rename", graphflow.SubmitRequest{})
	require.NoError(t, err)

	stop := errors.New("stop")
	err = c.Stream(ctx, execID, func(execution.Event) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestDecodeErrorWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).GetGraph(context.Background(), "x")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusText(http.StatusBadGateway), apiErr.Message)
	assert.Contains(t, apiErr.Error(), "502")
}
