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
	"fmt"
	"sort"
	"time"
)

// NodeType selects the invoker that performs a node's work.
type NodeType string

// Built-in node types. Additional types become usable by registering an
// invoker for them.
const (
	NodeTypeSpeechToText  NodeType = "SPEECH_TO_TEXT"
	NodeTypeTextToSpeech  NodeType = "TEXT_TO_SPEECH"
	NodeTypeLLMChat       NodeType = "LLM_CHAT"
	NodeTypeLLMCompletion NodeType = "LLM_COMPLETION"
	NodeTypeDataTransform NodeType = "DATA_TRANSFORM"
	NodeTypeCustomService NodeType = "CUSTOM_SERVICE"
)

// GraphType constrains the shape of a graph beyond acyclicity.
type GraphType string

const (
	// GraphTypeDAG is any directed acyclic graph. It is the default.
	GraphTypeDAG GraphType = "DAG"

	// GraphTypeTree requires one root and exactly one incoming edge for
	// every other node.
	GraphTypeTree GraphType = "TREE"
)

// Graph is a pipeline definition.
//
// Graphs are values: the store hands out copies and executions keep their
// own snapshot, so a Graph is never mutated after it has been accepted.
type Graph struct {
	ID          string    `json:"id" yaml:"id" validate:"omitempty,max=128"`
	Name        string    `json:"name" yaml:"name" validate:"max=256"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Type        GraphType `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,oneof=DAG TREE"`
	Nodes       []Node    `json:"nodes" yaml:"nodes" validate:"dive"`
	Edges       []Edge    `json:"edges" yaml:"edges" validate:"dive"`
	CreatedAt   time.Time `json:"created_at,omitzero" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at,omitzero" yaml:"-"`
}

// Node is one processing step.
type Node struct {
	ID     string   `json:"id" yaml:"id" validate:"required,max=128"`
	Name   string   `json:"name,omitempty" yaml:"name,omitempty"`
	Type   NodeType `json:"type" yaml:"type" validate:"required"`
	Config Values   `json:"config,omitempty" yaml:"config,omitempty"`
}

// Edge routes one named output of its source node into one named input of
// its target node.
type Edge struct {
	ID           string `json:"id,omitempty" yaml:"id,omitempty"`
	SourceNodeID string `json:"source_node_id" yaml:"source_node_id" validate:"required"`
	SourceOutput string `json:"source_output" yaml:"source_output" validate:"required"`
	TargetNodeID string `json:"target_node_id" yaml:"target_node_id" validate:"required"`
	TargetInput  string `json:"target_input" yaml:"target_input" validate:"required"`
}

// DefaultID is the id assigned to edges declared without one.
func (e Edge) DefaultID() string {
	return fmt.Sprintf("%s.%s->%s.%s", e.SourceNodeID, e.SourceOutput, e.TargetNodeID, e.TargetInput)
}

// Summary is the listing view of a graph.
type Summary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Type        GraphType `json:"type"`
	NodeCount   int       `json:"node_count"`
	EdgeCount   int       `json:"edge_count"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
}

// Summary returns the listing view of g.
func (g Graph) Summary() Summary {
	return Summary{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		Type:        g.Type,
		NodeCount:   len(g.Nodes),
		EdgeCount:   len(g.Edges),
		CreatedAt:   g.CreatedAt,
	}
}

// Normalized returns a copy of g with defaults applied: DAG type and
// derived ids for edges declared without one.
func (g Graph) Normalized() Graph {
	out := g.Clone()
	if out.Type == "" {
		out.Type = GraphTypeDAG
	}
	for i := range out.Edges {
		if out.Edges[i].ID == "" {
			out.Edges[i].ID = out.Edges[i].DefaultID()
		}
	}
	return out
}

// Clone returns a deep copy of g.
func (g Graph) Clone() Graph {
	out := g
	out.Nodes = make([]Node, len(g.Nodes))
	for i, n := range g.Nodes {
		n.Config = n.Config.Clone()
		out.Nodes[i] = n
	}
	out.Edges = append([]Edge(nil), g.Edges...)
	return out
}

// Node returns the node with the given id.
func (g Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Topology is the adjacency view of a validated graph.
type Topology struct {
	// InDegree counts edges targeting each node. Two edges from the same
	// source count twice.
	InDegree map[string]int

	// Downstream lists outgoing edges per node in declaration order.
	Downstream map[string][]Edge

	// Upstream lists incoming edges per node in declaration order.
	Upstream map[string][]Edge
}

// Topology builds the adjacency view of g. Edges whose endpoints do not
// resolve are ignored; Validate reports them.
func (g Graph) Topology() Topology {
	t := Topology{
		InDegree:   make(map[string]int, len(g.Nodes)),
		Downstream: make(map[string][]Edge, len(g.Nodes)),
		Upstream:   make(map[string][]Edge, len(g.Nodes)),
	}
	for _, n := range g.Nodes {
		t.InDegree[n.ID] = 0
	}
	for _, e := range g.Edges {
		_, srcOK := t.InDegree[e.SourceNodeID]
		_, dstOK := t.InDegree[e.TargetNodeID]
		if !srcOK || !dstOK {
			continue
		}
		t.InDegree[e.TargetNodeID]++
		t.Downstream[e.SourceNodeID] = append(t.Downstream[e.SourceNodeID], e)
		t.Upstream[e.TargetNodeID] = append(t.Upstream[e.TargetNodeID], e)
	}
	return t
}

// Roots returns the ids of nodes with no incoming edges, sorted.
func (t Topology) Roots() []string {
	var roots []string
	for id, deg := range t.InDegree {
		if deg == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// Descendants returns every node reachable from id, excluding id itself.
func (t Topology) Descendants(id string) []string {
	seen := map[string]bool{id: true}
	queue := []string{id}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range t.Downstream[cur] {
			if seen[e.TargetNodeID] {
				continue
			}
			seen[e.TargetNodeID] = true
			out = append(out, e.TargetNodeID)
			queue = append(queue, e.TargetNodeID)
		}
	}
	sort.Strings(out)
	return out
}

// TopologicalOrder returns node ids in an order consistent with every
// edge, using Kahn's algorithm. Ties are broken by node id so the order is
// deterministic. It fails with a cycle violation if g is cyclic.
func (g Graph) TopologicalOrder() ([]string, error) {
	order, remaining := kahn(g.Topology())
	if len(remaining) > 0 {
		return nil, &InvalidGraphError{GraphID: g.ID, Violations: cycleViolations(g, remaining)}
	}
	return order, nil
}
