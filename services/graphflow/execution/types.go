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
	"time"

	"github.com/AleutianAI/graphflow/services/graphflow/graph"
)

// Status is the overall state of an execution.
//
// Transitions are monotonic: PENDING -> RUNNING -> one terminal state.
// PENDING may also move straight to a terminal state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s is SUCCEEDED, FAILED or CANCELLED.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// NodeStatus is the state of one node within an execution.
type NodeStatus string

const (
	NodeNotStarted NodeStatus = "NOT_STARTED"
	NodeReady      NodeStatus = "READY"
	NodeRunning    NodeStatus = "RUNNING"
	NodeSucceeded  NodeStatus = "SUCCEEDED"
	NodeFailed     NodeStatus = "FAILED"
	NodeSkipped    NodeStatus = "SKIPPED"
)

// Terminal reports whether s is SUCCEEDED, FAILED or SKIPPED.
func (s NodeStatus) Terminal() bool {
	return s == NodeSucceeded || s == NodeFailed || s == NodeSkipped
}

// nodeTransitions lists the allowed moves between node states.
var nodeTransitions = map[NodeStatus][]NodeStatus{
	NodeNotStarted: {NodeReady, NodeSkipped},
	NodeReady:      {NodeRunning, NodeSkipped},
	NodeRunning:    {NodeSucceeded, NodeFailed},
}

func canTransition(from, to NodeStatus) bool {
	for _, s := range nodeTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Error kinds recorded in ErrorRecord.Kind.
const (
	ErrorKindNodeFailures     = "node_failures"
	ErrorKindExecutionTimeout = "execution_timeout"
	ErrorKindCancelled        = "cancelled"
	ErrorKindInternal         = "internal"
)

// NodeFailure is the failure record of one node. Kind carries the
// invoker's classification unchanged ("transient" or "permanent").
type NodeFailure struct {
	NodeID  string `json:"node_id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrorRecord is the aggregated error of an execution. Failures lists
// every failed node, not just the first.
type ErrorRecord struct {
	Kind     string        `json:"kind"`
	Message  string        `json:"message"`
	Failures []NodeFailure `json:"failures,omitempty"`
}

func (r *ErrorRecord) clone() *ErrorRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Failures = append([]NodeFailure(nil), r.Failures...)
	return &out
}

// NodeState is the runtime record of one node.
type NodeState struct {
	Status     NodeStatus   `json:"status"`
	Outputs    graph.Values `json:"outputs,omitempty"`
	Error      *NodeFailure `json:"error,omitempty"`
	SkipReason string       `json:"skip_reason,omitempty"`
	StartedAt  time.Time    `json:"started_at,omitzero"`
	FinishedAt time.Time    `json:"finished_at,omitzero"`

	// CompletionSeq orders node completions within the execution. It is
	// zero until the node succeeds or fails.
	CompletionSeq int64 `json:"completion_seq,omitempty"`
}

func (n NodeState) clone() NodeState {
	if n.Outputs != nil {
		n.Outputs = n.Outputs.Clone()
	}
	if n.Error != nil {
		e := *n.Error
		n.Error = &e
	}
	return n
}

// Execution is one run of a graph against one input.
//
// The Tracker owns every Execution; callers only ever see deep copies.
type Execution struct {
	ID      string `json:"id"`
	GraphID string `json:"graph_id"`

	// Graph is the snapshot taken at submission. Later changes to the
	// stored definition never affect it.
	Graph graph.Graph `json:"graph"`

	Status     Status               `json:"status"`
	Nodes      map[string]NodeState `json:"nodes"`
	Input      graph.Values         `json:"input"`
	CreatedAt  time.Time            `json:"created_at"`
	StartedAt  time.Time            `json:"started_at,omitzero"`
	FinishedAt time.Time            `json:"finished_at,omitzero"`
	Error      *ErrorRecord         `json:"error,omitempty"`
}

// Clone returns a deep copy of e.
func (e Execution) Clone() Execution {
	out := e
	out.Graph = e.Graph.Clone()
	out.Input = e.Input.Clone()
	out.Nodes = make(map[string]NodeState, len(e.Nodes))
	for id, n := range e.Nodes {
		out.Nodes[id] = n.clone()
	}
	out.Error = e.Error.clone()
	return out
}

// Output returns the named output of a node, if recorded.
func (e Execution) Output(nodeID, name string) (graph.Value, bool) {
	n, ok := e.Nodes[nodeID]
	if !ok {
		return graph.Value{}, false
	}
	v, ok := n.Outputs[name]
	return v, ok
}

// Outputs returns the recorded outputs keyed by node id.
func (e Execution) Outputs() map[string]graph.Values {
	out := make(map[string]graph.Values)
	for id, n := range e.Nodes {
		if len(n.Outputs) > 0 {
			out[id] = n.Outputs.Clone()
		}
	}
	return out
}

// Summary is the listing view of an execution.
type Summary struct {
	ID         string             `json:"id"`
	GraphID    string             `json:"graph_id"`
	Status     Status             `json:"status"`
	CreatedAt  time.Time          `json:"created_at"`
	StartedAt  time.Time          `json:"started_at,omitzero"`
	FinishedAt time.Time          `json:"finished_at,omitzero"`
	NodeCounts map[NodeStatus]int `json:"node_counts"`
}

// Summary returns the listing view of e.
func (e Execution) Summary() Summary {
	counts := make(map[NodeStatus]int)
	for _, n := range e.Nodes {
		counts[n.Status]++
	}
	return Summary{
		ID:         e.ID,
		GraphID:    e.GraphID,
		Status:     e.Status,
		CreatedAt:  e.CreatedAt,
		StartedAt:  e.StartedAt,
		FinishedAt: e.FinishedAt,
		NodeCounts: counts,
	}
}

// NodeUpdate is a requested node state change.
type NodeUpdate struct {
	Status NodeStatus

	// Outputs are recorded on SUCCEEDED.
	Outputs graph.Values

	// Failure is recorded on FAILED.
	Failure *NodeFailure

	// Reason is recorded on SKIPPED.
	Reason string

	// CompletionSeq is the coordinator's completion order for SUCCEEDED
	// and FAILED. Zero lets the tracker number the completion itself.
	CompletionSeq int64
}
