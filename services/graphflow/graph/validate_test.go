// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id string) Node {
	return Node{ID: id, Type: NodeTypeDataTransform}
}

func edge(src, dst string) Edge {
	return Edge{SourceNodeID: src, SourceOutput: "out", TargetNodeID: dst, TargetInput: "in"}
}

func requireInvalid(t *testing.T, err error) *InvalidGraphError {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidGraph))
	var invalid *InvalidGraphError
	require.True(t, errors.As(err, &invalid))
	return invalid
}

func TestValidate_AcceptsDiamond(t *testing.T) {
	g := Graph{
		Name:  "diamond",
		Nodes: []Node{node("A"), node("B"), node("C"), node("D")},
		Edges: []Edge{edge("A", "B"), edge("A", "C"), edge("B", "D"), edge("C", "D")},
	}.Normalized()

	require.NoError(t, Validate(g))

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D"}, order)
}

func TestTopologicalOrder_ConsistentWithEveryEdge(t *testing.T) {
	g := Graph{
		Nodes: []Node{node("e"), node("d"), node("c"), node("b"), node("a")},
		Edges: []Edge{edge("e", "a"), edge("d", "b"), edge("b", "a"), edge("c", "d")},
	}.Normalized()

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	require.Len(t, order, 5)

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	for _, e := range g.Edges {
		assert.Less(t, pos[e.SourceNodeID], pos[e.TargetNodeID], "edge %s", e.ID)
	}
}

func TestValidate_RejectsTwoNodeCycle(t *testing.T) {
	g := Graph{
		Nodes: []Node{node("A"), node("B")},
		Edges: []Edge{edge("A", "B"), edge("B", "A")},
	}.Normalized()

	invalid := requireInvalid(t, Validate(g))
	assert.True(t, invalid.Has(ViolationCycle))
	assert.Equal(t, []string{"A", "B"}, invalid.CycleMembers())
	assert.Contains(t, invalid.Error(), "A")
	assert.Contains(t, invalid.Error(), "B")
}

func TestValidate_CycleMembersExcludeDownstreamNodes(t *testing.T) {
	// root -> x -> y -> x, y -> tail. Only x and y are on the cycle.
	g := Graph{
		Nodes: []Node{node("root"), node("x"), node("y"), node("tail")},
		Edges: []Edge{edge("root", "x"), edge("x", "y"), edge("y", "x"), edge("y", "tail")},
	}.Normalized()

	invalid := requireInvalid(t, Validate(g))
	assert.Equal(t, []string{"x", "y"}, invalid.CycleMembers())
}

func TestValidate_RejectsSelfLoop(t *testing.T) {
	g := Graph{
		Nodes: []Node{node("solo")},
		Edges: []Edge{edge("solo", "solo")},
	}.Normalized()

	invalid := requireInvalid(t, Validate(g))
	assert.Equal(t, []string{"solo"}, invalid.CycleMembers())
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	g := Graph{
		Nodes: []Node{node("A"), node("A"), node("B")},
		Edges: []Edge{edge("A", "ghost"), edge("B", "A")},
	}.Normalized()

	invalid := requireInvalid(t, Validate(g))
	assert.True(t, invalid.Has(ViolationDuplicateNode))
	assert.True(t, invalid.Has(ViolationDanglingEdge))

	var dangling Violation
	for _, v := range invalid.Violations {
		if v.Kind == ViolationDanglingEdge {
			dangling = v
		}
	}
	assert.Equal(t, []string{"ghost"}, dangling.NodeIDs)
}

func TestValidate_RejectsEmptyGraph(t *testing.T) {
	invalid := requireInvalid(t, Validate(Graph{Name: "empty"}.Normalized()))
	assert.True(t, invalid.Has(ViolationEmptyGraph))
}

func TestValidate_FieldConstraints(t *testing.T) {
	g := Graph{
		Type:  "RING",
		Nodes: []Node{{ID: "n1"}},
		Edges: []Edge{{SourceNodeID: "n1", TargetNodeID: "n1"}},
	}

	invalid := requireInvalid(t, Validate(g))
	assert.True(t, invalid.Has(ViolationInvalidField))

	var fields []string
	for _, v := range invalid.Violations {
		if v.Kind == ViolationInvalidField {
			fields = append(fields, v.Field)
		}
	}
	assert.Contains(t, fields, "Graph.Type")
	assert.Contains(t, fields, "Graph.Nodes[0].Type")
	assert.Contains(t, fields, "Graph.Edges[0].SourceOutput")
}

func TestValidate_DuplicateEdgeIDs(t *testing.T) {
	e1 := edge("A", "B")
	e1.ID = "same"
	e2 := edge("A", "C")
	e2.ID = "same"
	g := Graph{Nodes: []Node{node("A"), node("B"), node("C")}, Edges: []Edge{e1, e2}}

	invalid := requireInvalid(t, Validate(g))
	assert.True(t, invalid.Has(ViolationDuplicateEdge))
}

func TestValidate_Tree(t *testing.T) {
	tests := []struct {
		name    string
		nodes   []Node
		edges   []Edge
		wantErr bool
	}{
		{
			name:  "single root fan-out",
			nodes: []Node{node("r"), node("a"), node("b")},
			edges: []Edge{edge("r", "a"), edge("r", "b")},
		},
		{
			name:    "two roots",
			nodes:   []Node{node("r1"), node("r2"), node("a")},
			edges:   []Edge{edge("r1", "a")},
			wantErr: true,
		},
		{
			name:    "join node",
			nodes:   []Node{node("r"), node("a"), node("b"), node("j")},
			edges:   []Edge{edge("r", "a"), edge("r", "b"), edge("a", "j"), edge("b", "j")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := Graph{Type: GraphTypeTree, Nodes: tt.nodes, Edges: tt.edges}.Normalized()
			err := Validate(g)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			invalid := requireInvalid(t, err)
			assert.True(t, invalid.Has(ViolationTreeShape))
		})
	}
}

func TestNormalized_AssignsDefaults(t *testing.T) {
	g := Graph{Nodes: []Node{node("A"), node("B")}, Edges: []Edge{edge("A", "B")}}.Normalized()

	assert.Equal(t, GraphTypeDAG, g.Type)
	assert.Equal(t, "A.out->B.in", g.Edges[0].ID)
}

func TestTopology_Descendants(t *testing.T) {
	g := Graph{
		Nodes: []Node{node("A"), node("B"), node("C"), node("D"), node("E")},
		Edges: []Edge{edge("A", "B"), edge("B", "D"), edge("C", "D"), edge("D", "E")},
	}.Normalized()

	topo := g.Topology()
	assert.Equal(t, []string{"D", "E"}, topo.Descendants("B"))
	assert.Equal(t, []string{"A", "C"}, topo.Roots())
	assert.Equal(t, 2, topo.InDegree["D"])
}
