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
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidGraph matches any *InvalidGraphError.
var ErrInvalidGraph = errors.New("invalid graph")

// ViolationKind classifies a structural problem found by Validate.
type ViolationKind string

const (
	ViolationEmptyGraph    ViolationKind = "empty_graph"
	ViolationInvalidField  ViolationKind = "invalid_field"
	ViolationDuplicateNode ViolationKind = "duplicate_node"
	ViolationDuplicateEdge ViolationKind = "duplicate_edge"
	ViolationDanglingEdge  ViolationKind = "dangling_edge"
	ViolationCycle         ViolationKind = "cycle"
	ViolationTreeShape     ViolationKind = "tree_shape"
)

// Violation describes one structural problem.
type Violation struct {
	Kind    ViolationKind `json:"kind"`
	NodeIDs []string      `json:"node_ids,omitempty"`
	EdgeID  string        `json:"edge_id,omitempty"`
	Field   string        `json:"field,omitempty"`
	Message string        `json:"message"`
}

// InvalidGraphError is returned when a graph definition is rejected. It
// carries every violation found, not only the first.
type InvalidGraphError struct {
	GraphID    string      `json:"graph_id,omitempty"`
	Violations []Violation `json:"violations"`
}

// Error returns the violations joined into one message.
func (e *InvalidGraphError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Message
	}
	if e.GraphID == "" {
		return fmt.Sprintf("invalid graph: %s", strings.Join(msgs, "; "))
	}
	return fmt.Sprintf("invalid graph %q: %s", e.GraphID, strings.Join(msgs, "; "))
}

// Is reports whether target is ErrInvalidGraph.
func (e *InvalidGraphError) Is(target error) bool {
	return target == ErrInvalidGraph
}

// Has reports whether any violation is of the given kind.
func (e *InvalidGraphError) Has(kind ViolationKind) bool {
	for _, v := range e.Violations {
		if v.Kind == kind {
			return true
		}
	}
	return false
}

// CycleMembers returns the sorted ids of every node that lies on a cycle.
func (e *InvalidGraphError) CycleMembers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range e.Violations {
		if v.Kind != ViolationCycle {
			continue
		}
		for _, id := range v.NodeIDs {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}
