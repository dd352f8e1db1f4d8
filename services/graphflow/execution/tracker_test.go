// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package execution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/graphflow/services/graphflow/flowerr"
	"github.com/AleutianAI/graphflow/services/graphflow/graph"
)

func testGraph() graph.Graph {
	return graph.Graph{
		ID: "g1",
		Nodes: []graph.Node{
			{ID: "a", Type: graph.NodeTypeDataTransform},
			{ID: "b", Type: graph.NodeTypeLLMChat},
		},
		Edges: []graph.Edge{{ID: "e1", SourceNodeID: "a", SourceOutput: "o", TargetNodeID: "b", TargetInput: "i"}},
	}
}

func newExecution(t *testing.T, tr *Tracker) string {
	t.Helper()
	id, err := tr.Create(testGraph(), graph.Values{"message": graph.String("hi")}, CreateOptions{})
	require.NoError(t, err)
	return id
}

func runNode(t *testing.T, tr *Tracker, id, node string, out graph.Values) {
	t.Helper()
	require.NoError(t, tr.UpdateNode(id, node, NodeUpdate{Status: NodeReady}))
	require.NoError(t, tr.UpdateNode(id, node, NodeUpdate{Status: NodeRunning}))
	require.NoError(t, tr.UpdateNode(id, node, NodeUpdate{Status: NodeSucceeded, Outputs: out}))
}

func TestTracker_CreateAndGet(t *testing.T) {
	tr := NewTracker(nil)
	id := newExecution(t, tr)

	exec, err := tr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, exec.Status)
	assert.Equal(t, "g1", exec.GraphID)
	assert.Equal(t, NodeNotStarted, exec.Nodes["a"].Status)
	assert.Equal(t, "hi", exec.Input.StringOr("message", ""))

	_, err = tr.Get("missing")
	assert.ErrorIs(t, err, flowerr.ErrNotFound)
}

func TestTracker_IDsAreNeverReused(t *testing.T) {
	tr := NewTracker(nil)
	_, err := tr.Create(testGraph(), nil, CreateOptions{ID: "fixed"})
	require.NoError(t, err)

	_, err = tr.Create(testGraph(), nil, CreateOptions{ID: "fixed"})
	assert.ErrorIs(t, err, flowerr.ErrConflict)

	_, err = tr.Finish("fixed", StatusSucceeded, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Delete("fixed"))

	_, err = tr.Create(testGraph(), nil, CreateOptions{ID: "fixed"})
	assert.ErrorIs(t, err, flowerr.ErrConflict)
}

func TestTracker_SnapshotsAreIndependent(t *testing.T) {
	tr := NewTracker(nil)
	g := testGraph()
	input := graph.Values{"message": graph.String("hi")}

	id1, err := tr.Create(g, input, CreateOptions{})
	require.NoError(t, err)
	id2, err := tr.Create(g, input, CreateOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	// Mutating the caller's copies and a returned snapshot changes nothing.
	input["message"] = graph.String("changed")
	g.Nodes[0].ID = "zzz"
	runNode(t, tr, id1, "a", graph.Values{"o": graph.String("one")})

	snap, err := tr.Get(id1)
	require.NoError(t, err)
	snap.Nodes["a"].Outputs["o"] = graph.String("tampered")

	e1, _ := tr.Get(id1)
	e2, _ := tr.Get(id2)
	v, ok := e1.Output("a", "o")
	require.True(t, ok)
	assert.Equal(t, "one", v.Text())
	_, ok = e2.Output("a", "o")
	assert.False(t, ok)
	assert.Equal(t, "hi", e2.Input.StringOr("message", ""))
	_, ok = e2.Graph.Node("a")
	assert.True(t, ok)
}

func TestTracker_NodeTransitionsAreMonotonic(t *testing.T) {
	tr := NewTracker(nil)
	id := newExecution(t, tr)

	err := tr.UpdateNode(id, "a", NodeUpdate{Status: NodeRunning})
	assert.ErrorIs(t, err, ErrInvalidTransition, "must pass through READY")

	runNode(t, tr, id, "a", nil)
	err = tr.UpdateNode(id, "a", NodeUpdate{Status: NodeRunning})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, tr.UpdateNode(id, "b", NodeUpdate{Status: NodeSkipped, Reason: "upstream a failed"}))
	err = tr.UpdateNode(id, "b", NodeUpdate{Status: NodeReady})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = tr.UpdateNode(id, "ghost", NodeUpdate{Status: NodeReady})
	assert.ErrorIs(t, err, ErrUnknownNode)

	err = tr.UpdateNode("nope", "a", NodeUpdate{Status: NodeReady})
	assert.ErrorIs(t, err, ErrUnknownExecution)
}

func TestTracker_StatusNeverRegresses(t *testing.T) {
	tr := NewTracker(nil)
	id := newExecution(t, tr)

	require.NoError(t, tr.Start(id))
	final, err := tr.Finish(id, StatusSucceeded, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, final)

	require.NoError(t, tr.Start(id))
	final, err = tr.Finish(id, StatusFailed, &ErrorRecord{Kind: ErrorKindNodeFailures})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, final)

	err = tr.Cancel(id, "")
	assert.ErrorIs(t, err, flowerr.ErrConflict)

	exec, _ := tr.Get(id)
	assert.Equal(t, StatusSucceeded, exec.Status)
	assert.Nil(t, exec.Error)

	_, err = tr.Finish(id, StatusRunning, nil)
	assert.Error(t, err)
}

func TestTracker_CancelKeepsLateResultsForAudit(t *testing.T) {
	tr := NewTracker(nil)
	id := newExecution(t, tr)
	require.NoError(t, tr.Start(id))
	require.NoError(t, tr.UpdateNode(id, "a", NodeUpdate{Status: NodeReady}))
	require.NoError(t, tr.UpdateNode(id, "a", NodeUpdate{Status: NodeRunning}))

	require.NoError(t, tr.Cancel(id, "operator stop"))
	require.NoError(t, tr.UpdateNode(id, "a", NodeUpdate{Status: NodeSucceeded, Outputs: graph.Values{"o": graph.Int(1)}}))

	exec, err := tr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, exec.Status)
	assert.Equal(t, NodeSucceeded, exec.Nodes["a"].Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, ErrorKindCancelled, exec.Error.Kind)
	assert.Equal(t, "operator stop", exec.Error.Message)

	assert.ErrorIs(t, tr.Cancel("missing", ""), flowerr.ErrNotFound)
}

func TestTracker_ConcurrentUpdatesAreSerialised(t *testing.T) {
	const n = 50
	g := graph.Graph{ID: "wide"}
	for i := 0; i < n; i++ {
		g.Nodes = append(g.Nodes, graph.Node{ID: fmt.Sprintf("n%02d", i), Type: graph.NodeTypeDataTransform})
	}
	tr := NewTracker(nil)
	id, err := tr.Create(g, nil, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, tr.Start(id))

	var wg sync.WaitGroup
	for _, node := range g.Nodes {
		wg.Add(1)
		go func(nodeID string) {
			defer wg.Done()
			assert.NoError(t, tr.UpdateNode(id, nodeID, NodeUpdate{Status: NodeReady}))
			assert.NoError(t, tr.UpdateNode(id, nodeID, NodeUpdate{Status: NodeRunning}))
			assert.NoError(t, tr.UpdateNode(id, nodeID, NodeUpdate{
				Status:  NodeSucceeded,
				Outputs: graph.Values{"id": graph.String(nodeID)},
			}))
		}(node.ID)
	}
	wg.Wait()

	exec, err := tr.Get(id)
	require.NoError(t, err)
	seen := make(map[int64]bool)
	for _, st := range exec.Nodes {
		assert.Equal(t, NodeSucceeded, st.Status)
		assert.False(t, seen[st.CompletionSeq], "completion sequence must be unique")
		seen[st.CompletionSeq] = true
	}

	events, err := tr.Events(id, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1+3*n)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestTracker_ListAndHasLive(t *testing.T) {
	tr := NewTracker(nil)
	running := newExecution(t, tr)
	done := newExecution(t, tr)
	require.NoError(t, tr.Start(running))
	_, err := tr.Finish(done, StatusFailed, &ErrorRecord{Kind: ErrorKindNodeFailures, Message: "x"})
	require.NoError(t, err)

	active := tr.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, running, active[0].ID)
	assert.Equal(t, 2, active[0].NodeCounts[NodeNotStarted])

	assert.Len(t, tr.List(ListFilter{GraphID: "g1"}), 2)
	assert.Len(t, tr.List(ListFilter{Status: StatusFailed}), 1)
	assert.True(t, tr.HasLive("g1"))
	assert.False(t, tr.HasLive("other"))

	assert.ErrorIs(t, tr.Delete(running), flowerr.ErrConflict)
	require.NoError(t, tr.Delete(done))
	assert.ErrorIs(t, tr.Delete(done), flowerr.ErrNotFound)
}

func TestTracker_EventsWatchAndDone(t *testing.T) {
	tr := NewTracker(nil)
	var (
		mu   sync.Mutex
		seen []EventType
	)
	tr.AddSink(SinkFunc(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Type)
	}))

	id := newExecution(t, tr)
	watch, err := tr.Watch(id)
	require.NoError(t, err)
	require.NoError(t, tr.Start(id))

	select {
	case <-watch:
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after event")
	}

	runNode(t, tr, id, "a", nil)
	require.NoError(t, tr.UpdateNode(id, "b", NodeUpdate{Status: NodeReady}))
	require.NoError(t, tr.UpdateNode(id, "b", NodeUpdate{Status: NodeRunning}))
	require.NoError(t, tr.UpdateNode(id, "b", NodeUpdate{
		Status:  NodeFailed,
		Failure: &NodeFailure{Kind: "permanent", Message: "backend said no"},
	}))

	events, err := tr.Events(id, 4)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventNodeFailed, events[2].Type)
	assert.Equal(t, graph.NodeTypeLLMChat, events[2].NodeType)
	assert.Equal(t, "backend said no", events[2].Message)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tr.Wait(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = tr.Finish(id, StatusFailed, &ErrorRecord{Kind: ErrorKindNodeFailures})
	require.NoError(t, err)
	exec, err := tr.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, "permanent", exec.Nodes["b"].Error.Kind)
	assert.Equal(t, "b", exec.Nodes["b"].Error.NodeID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventExecutionStarted, seen[0])
	assert.Equal(t, EventExecutionFailed, seen[len(seen)-1])
}

func TestTracker_KeepsCallerCompletionSeq(t *testing.T) {
	tr := NewTracker(nil)
	id := newExecution(t, tr)
	require.NoError(t, tr.Start(id))

	require.NoError(t, tr.UpdateNode(id, "a", NodeUpdate{Status: NodeReady}))
	require.NoError(t, tr.UpdateNode(id, "a", NodeUpdate{Status: NodeRunning}))
	require.NoError(t, tr.UpdateNode(id, "a", NodeUpdate{Status: NodeSucceeded, CompletionSeq: 7}))

	// Without a caller value the tracker continues after the highest seen.
	require.NoError(t, tr.UpdateNode(id, "b", NodeUpdate{Status: NodeReady}))
	require.NoError(t, tr.UpdateNode(id, "b", NodeUpdate{Status: NodeRunning}))
	require.NoError(t, tr.UpdateNode(id, "b", NodeUpdate{Status: NodeFailed, Failure: &NodeFailure{Kind: "permanent", Message: "no"}}))

	exec, err := tr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, int64(7), exec.Nodes["a"].CompletionSeq)
	assert.Equal(t, int64(8), exec.Nodes["b"].CompletionSeq)
}
