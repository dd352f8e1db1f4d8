// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/AleutianAI/graphflow/cmd/graphflow/config"
	"github.com/AleutianAI/graphflow/pkg/ux"
	"github.com/AleutianAI/graphflow/services/graphflow"
	"github.com/AleutianAI/graphflow/services/graphflow/client"
	"github.com/AleutianAI/graphflow/services/graphflow/execution"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestParseInput(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		in, err := parseInput("  ")
		require.NoError(t, err)
		assert.Nil(t, in)
	})

	t.Run("inline", func(t *testing.T) {
		in, err := parseInput(`{"audio_file": "hello.wav"}`)
		require.NoError(t, err)
		assert.Equal(t, "hello.wav", in["audio_file"].Text())
	})

	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "input.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"text": "hi"}`), 0o644))
		in, err := parseInput("@" + path)
		require.NoError(t, err)
		assert.Equal(t, "hi", in["text"].Text())
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := parseInput("@" + filepath.Join(t.TempDir(), "nope.json"))
		assert.ErrorContains(t, err, "reading input")
	})

	t.Run("not an object", func(t *testing.T) {
		_, err := parseInput(`[1, 2]`)
		assert.ErrorContains(t, err, "JSON object")
	})
}

func TestSubmitRequest(t *testing.T) {
	t.Cleanup(func() { runInput, runTimeout, runPolicy = "", "", "" })

	runInput = `{"text": "hi"}`
	runTimeout = "1m30s"
	runPolicy = "fail_fast"
	req, err := submitRequest()
	require.NoError(t, err)
	assert.Equal(t, int64(90_000), req.TimeoutMS)
	assert.Equal(t, "fail_fast", req.FailurePolicy)
	assert.Equal(t, "hi", req.Input["text"].Text())

	runTimeout = "soon"
	_, err = submitRequest()
	assert.ErrorContains(t, err, "--timeout")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitFailure, exitCode(errors.New("boom")))
	assert.Equal(t, exitNotFound, exitCode(fmt.Errorf("get: %w", &client.APIError{StatusCode: http.StatusNotFound})))
	assert.Equal(t, exitExecutionUnsuccessful, exitCode(outcome("e1", execution.StatusFailed)))
	assert.Equal(t, exitExecutionUnsuccessful, exitCode(outcome("e1", execution.StatusCancelled)))
	assert.NoError(t, outcome("e1", execution.StatusSucceeded))
}

func TestTerminalStatus(t *testing.T) {
	assert.Equal(t, execution.StatusSucceeded, terminalStatus(execution.EventExecutionCompleted))
	assert.Equal(t, execution.StatusFailed, terminalStatus(execution.EventExecutionFailed))
	assert.Equal(t, execution.StatusCancelled, terminalStatus(execution.EventExecutionCancelled))
	assert.Equal(t, execution.StatusRunning, terminalStatus(execution.EventNodeStarted))
}

func TestPrintExecution(t *testing.T) {
	exec := graphflow.ExecutionResponse{
		ID:      "e1",
		GraphID: "chain",
		Status:  execution.StatusFailed,
		Nodes: map[string]execution.NodeState{
			"a": {Status: execution.NodeFailed, Error: &execution.NodeFailure{NodeID: "a", Kind: "transient", Message: "503 from stt"}},
			"b": {Status: execution.NodeSkipped, SkipReason: "upstream a failed"},
		},
	}

	t.Run("plain is json", func(t *testing.T) {
		ux.SetMode(ux.ModePlain)
		var buf bytes.Buffer
		require.NoError(t, printExecution(&buf, exec))
		var got graphflow.ExecutionResponse
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, execution.StatusFailed, got.Status)
		assert.Len(t, got.Nodes, 2)
	})

	t.Run("rich has a node table", func(t *testing.T) {
		ux.SetMode(ux.ModeRich)
		t.Cleanup(func() { ux.SetMode(ux.ModePlain) })
		var buf bytes.Buffer
		require.NoError(t, printExecution(&buf, exec))
		out := buf.String()
		assert.Contains(t, out, "execution e1")
		assert.Contains(t, out, "transient: 503 from stt")
		assert.Contains(t, out, "upstream a failed")
	})
}

func TestWatchModel(t *testing.T) {
	m := newWatchModel(graphflow.ExecutionResponse{
		ID:      "e1",
		GraphID: "chain",
		Status:  execution.StatusPending,
		Nodes: map[string]execution.NodeState{
			"b": {Status: execution.NodeNotStarted},
			"a": {Status: execution.NodeNotStarted},
		},
	}, nil)
	assert.Equal(t, []string{"a", "b"}, m.order)

	step := func(ev execution.Event) tea.Cmd {
		next, cmd := m.Update(eventMsg(ev))
		m = next.(watchModel)
		return cmd
	}

	assert.Nil(t, step(execution.Event{Seq: 1, Type: execution.EventExecutionStarted}))
	assert.Equal(t, execution.StatusRunning, m.status)

	step(execution.Event{Seq: 2, Type: execution.EventNodeStarted, NodeID: "a", NodeType: "DATA_TRANSFORM"})
	assert.Equal(t, execution.NodeRunning, m.nodes["a"].status)

	step(execution.Event{Seq: 3, Type: execution.EventNodeFailed, NodeID: "a", Message: "boom", Duration: time.Second})
	step(execution.Event{Seq: 4, Type: execution.EventNodeSkipped, NodeID: "b", Message: "upstream a failed"})

	// A replayed event does not move the node backwards.
	step(execution.Event{Seq: 2, Type: execution.EventNodeStarted, NodeID: "a"})
	assert.Equal(t, execution.NodeFailed, m.nodes["a"].status)

	view := m.View()
	assert.Contains(t, view, "boom")
	assert.Contains(t, view, "c cancel execution")

	cmd := step(execution.Event{Seq: 5, Type: execution.EventExecutionFailed})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.True(t, m.done)
	assert.Equal(t, execution.StatusFailed, m.status)
	assert.NotContains(t, m.View(), "c cancel execution")
}

func TestWatchModelCancelKey(t *testing.T) {
	calls := 0
	m := newWatchModel(graphflow.ExecutionResponse{ID: "e1", Status: execution.StatusRunning}, func() error {
		calls++
		return nil
	})

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	m = next.(watchModel)
	require.NotNil(t, cmd)
	assert.True(t, m.cancelling)
	assert.Equal(t, cancelledMsg{}, cmd())
	assert.Equal(t, 1, calls)

	// A second press while the request is in flight is ignored.
	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	assert.Nil(t, cmd)
}

const chainGraph = `name: chain
nodes:
  - id: a
    type: DATA_TRANSFORM
  - id: b
    type: DATA_TRANSFORM
edges:
  - {source_node_id: a, source_output: out, target_node_id: b, target_input: in}
`

func TestNewServer(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chain.yaml"), []byte(chainGraph), 0o644))

	c := config.DefaultConfig()
	c.Watch.Dir = dir
	c.Adapters.LLMChat.APIKeyEnv = "GRAPHFLOW_TEST_UNSET_KEY"
	c.Adapters.LLMCompletion.APIKeyEnv = "GRAPHFLOW_TEST_UNSET_KEY"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := newServer(context.Background(), c, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.svc.Shutdown(ctx)
	})

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	s.setServing(true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(healthServiceName))

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/graphs/chain", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "graph directory is loaded before serving")

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	s.setServing(false)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(healthServiceName))
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/flow")
	assert.Equal(t, "/home/flow/.graphflow/graphs", expandHome("~/.graphflow/graphs"))
	assert.Equal(t, "/srv/graphs", expandHome("/srv/graphs"))
	assert.Equal(t, "~user/graphs", expandHome("~user/graphs"))
}
