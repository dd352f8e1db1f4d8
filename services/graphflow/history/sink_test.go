// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/graphflow/services/graphflow/execution"
	"github.com/AleutianAI/graphflow/services/graphflow/graph"
)

type fakeWriter struct {
	mu     sync.Mutex
	lines  []string
	writes int
	err    error
}

func (f *fakeWriter) WritePoint(_ context.Context, points ...*write.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.err != nil {
		return f.err
	}
	for _, p := range points {
		f.lines = append(f.lines, write.PointToLineProtocol(p, time.Nanosecond))
	}
	return nil
}

func (f *fakeWriter) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func closeSink(t *testing.T, s *Sink) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
}

func TestPoint_NodeAndExecution(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	node := write.PointToLineProtocol(Point(execution.Event{
		ExecutionID: "exec-1",
		GraphID:     "voice",
		Type:        execution.EventNodeCompleted,
		NodeID:      "stt1",
		NodeType:    graph.NodeTypeSpeechToText,
		Duration:    1500 * time.Millisecond,
		Time:        at,
	}), time.Nanosecond)
	assert.Contains(t, node, MeasurementNode+",")
	assert.Contains(t, node, "node_id=stt1")
	assert.Contains(t, node, "node_type=SPEECH_TO_TEXT")
	assert.Contains(t, node, "event=NODE_COMPLETED")
	assert.Contains(t, node, `execution_id="exec-1"`)
	assert.Contains(t, node, "duration_ms=1500i")

	exec := write.PointToLineProtocol(Point(execution.Event{
		ExecutionID: "exec-1",
		GraphID:     "voice",
		Type:        execution.EventExecutionFailed,
		Message:     "1 node(s) failed: stt1",
		Time:        at,
	}), time.Nanosecond)
	assert.Contains(t, exec, MeasurementExecution+",")
	assert.Contains(t, exec, "event=EXECUTION_FAILED")
	assert.NotContains(t, exec, "node_id=")
}

func TestSink_RecordsOnlyOutcomes(t *testing.T) {
	w := &fakeWriter{}
	s := NewWithWriter(w, Config{FlushInterval: time.Hour}, nil)

	for _, typ := range []execution.EventType{
		execution.EventExecutionStarted,
		execution.EventNodeReady,
		execution.EventNodeStarted,
		execution.EventNodeCompleted,
		execution.EventNodeSkipped,
		execution.EventExecutionCompleted,
	} {
		s.HandleEvent(execution.Event{ExecutionID: "e", GraphID: "g", Type: typ, NodeID: "n", Time: time.Now()})
	}
	closeSink(t, s)

	lines := w.snapshot()
	assert.Len(t, lines, 3)
	written, dropped, failed := s.Stats()
	assert.Equal(t, int64(3), written)
	assert.Zero(t, dropped)
	assert.Zero(t, failed)
}

func TestSink_FlushesOnBatchSize(t *testing.T) {
	w := &fakeWriter{}
	s := NewWithWriter(w, Config{BatchSize: 2, FlushInterval: time.Hour}, nil)
	defer closeSink(t, s)

	for i := 0; i < 4; i++ {
		s.HandleEvent(execution.Event{Type: execution.EventNodeCompleted, NodeID: "n", Time: time.Now()})
	}
	require.Eventually(t, func() bool { return len(w.snapshot()) == 4 }, 2*time.Second, 5*time.Millisecond)
}

func TestSink_FlushesOnInterval(t *testing.T) {
	w := &fakeWriter{}
	s := NewWithWriter(w, Config{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, nil)
	defer closeSink(t, s)

	s.HandleEvent(execution.Event{Type: execution.EventExecutionCancelled, Time: time.Now()})
	require.Eventually(t, func() bool { return len(w.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestSink_WriteErrorsAreCounted(t *testing.T) {
	w := &fakeWriter{err: errors.New("influx unavailable")}
	s := NewWithWriter(w, Config{}, nil)
	s.HandleEvent(execution.Event{Type: execution.EventNodeFailed, Time: time.Now()})
	closeSink(t, s)

	_, _, failed := s.Stats()
	assert.Equal(t, int64(1), failed)
}

func TestSink_CloseTwice(t *testing.T) {
	s := NewWithWriter(&fakeWriter{}, Config{}, nil)
	closeSink(t, s)
	assert.ErrorIs(t, s.Close(context.Background()), ErrClosed)

	// Events after Close are ignored.
	s.HandleEvent(execution.Event{Type: execution.EventNodeCompleted})
}

func TestSink_AttachedToTracker(t *testing.T) {
	w := &fakeWriter{}
	s := NewWithWriter(w, Config{FlushInterval: time.Hour}, nil)

	tr := execution.NewTracker(nil)
	tr.AddSink(s)
	g := graph.Graph{ID: "g1", Nodes: []graph.Node{{ID: "a", Type: graph.NodeTypeDataTransform}}}
	id, err := tr.Create(g, nil, execution.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, tr.Start(id))
	require.NoError(t, tr.UpdateNode(id, "a", execution.NodeUpdate{Status: execution.NodeReady}))
	require.NoError(t, tr.UpdateNode(id, "a", execution.NodeUpdate{Status: execution.NodeRunning}))
	require.NoError(t, tr.UpdateNode(id, "a", execution.NodeUpdate{
		Status:  execution.NodeSucceeded,
		Outputs: graph.Values{"ok": graph.Bool(true)},
	}))
	_, err = tr.Finish(id, execution.StatusSucceeded, nil)
	require.NoError(t, err)
	closeSink(t, s)

	lines := w.snapshot()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "event=NODE_COMPLETED")
	assert.Contains(t, lines[1], "event=EXECUTION_COMPLETED")
	assert.Contains(t, lines[1], "graph_id=g1")
}
