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

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every structural invariant of g.
//
// # Description
//
// Runs all checks and collects every violation rather than stopping at the
// first one:
//
//   - field constraints declared in struct tags (required ids, graph type)
//   - at least one node
//   - unique node ids and edge ids
//   - every edge endpoint resolves to a node
//   - no cycles (Kahn's algorithm; cycle members are reported per strongly
//     connected component)
//   - for TREE graphs: a single root and one incoming edge per other node
//
// Edges without an id are checked under Edge.DefaultID.
//
// # Outputs
//
//   - error: nil, or *InvalidGraphError listing every violation.
func Validate(g Graph) error {
	var vs []Violation
	vs = append(vs, fieldViolations(g)...)

	if len(g.Nodes) == 0 {
		vs = append(vs, Violation{
			Kind:    ViolationEmptyGraph,
			Message: "graph must contain at least one node",
		})
	}

	nodeCount := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID != "" {
			nodeCount[n.ID]++
		}
	}
	for _, id := range sortedKeys(nodeCount) {
		if nodeCount[id] > 1 {
			vs = append(vs, Violation{
				Kind:    ViolationDuplicateNode,
				NodeIDs: []string{id},
				Message: fmt.Sprintf("node id %q is declared %d times", id, nodeCount[id]),
			})
		}
	}

	edgeCount := make(map[string]int, len(g.Edges))
	for _, e := range g.Edges {
		edgeCount[edgeID(e)]++
	}
	for _, id := range sortedKeys(edgeCount) {
		if edgeCount[id] > 1 {
			vs = append(vs, Violation{
				Kind:    ViolationDuplicateEdge,
				EdgeID:  id,
				Message: fmt.Sprintf("edge id %q is declared %d times", id, edgeCount[id]),
			})
		}
	}

	for _, e := range g.Edges {
		for _, end := range []struct{ role, id string }{
			{"source", e.SourceNodeID},
			{"target", e.TargetNodeID},
		} {
			if end.id == "" {
				continue
			}
			if _, ok := nodeCount[end.id]; !ok {
				vs = append(vs, Violation{
					Kind:    ViolationDanglingEdge,
					EdgeID:  edgeID(e),
					NodeIDs: []string{end.id},
					Message: fmt.Sprintf("edge %q references unknown %s node %q", edgeID(e), end.role, end.id),
				})
			}
		}
	}

	topo := g.Topology()
	_, remaining := kahn(topo)
	if len(remaining) > 0 {
		vs = append(vs, cycleViolations(g, remaining)...)
	} else if g.Type == GraphTypeTree && len(g.Nodes) > 0 {
		vs = append(vs, treeViolations(topo)...)
	}

	if len(vs) > 0 {
		return &InvalidGraphError{GraphID: g.ID, Violations: vs}
	}
	return nil
}

func fieldViolations(g Graph) []Violation {
	err := structValidator.Struct(g)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []Violation{{Kind: ViolationInvalidField, Message: err.Error()}}
	}
	out := make([]Violation, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("field %s failed %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("field %s failed %q (%s)", fe.Namespace(), fe.Tag(), fe.Param())
		}
		out = append(out, Violation{
			Kind:    ViolationInvalidField,
			Field:   fe.Namespace(),
			Message: msg,
		})
	}
	return out
}

func edgeID(e Edge) string {
	if e.ID != "" {
		return e.ID
	}
	return e.DefaultID()
}

// kahn strips zero in-degree nodes until none remain. Nodes left over lie
// on a cycle or downstream of one.
func kahn(t Topology) (order, remaining []string) {
	indeg := make(map[string]int, len(t.InDegree))
	for id, d := range t.InDegree {
		indeg[id] = d
	}

	ready := t.Roots()
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		added := false
		for _, e := range t.Downstream[id] {
			indeg[e.TargetNodeID]--
			if indeg[e.TargetNodeID] == 0 {
				ready = append(ready, e.TargetNodeID)
				added = true
			}
		}
		if added {
			sort.Strings(ready)
		}
	}

	for id, d := range indeg {
		if d > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)
	return order, remaining
}

// cycleViolations narrows the nodes Kahn could not strip down to actual
// cycle members using Tarjan's strongly connected components.
func cycleViolations(g Graph, remaining []string) []Violation {
	t := g.Topology()
	inScope := make(map[string]bool, len(remaining))
	for _, id := range remaining {
		inScope[id] = true
	}

	var (
		index   int
		stack   []string
		onStack = make(map[string]bool)
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		out     []Violation
	)

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		selfLoop := false
		for _, e := range t.Downstream[v] {
			w := e.TargetNodeID
			if !inScope[w] {
				continue
			}
			if w == v {
				selfLoop = true
			}
			if _, seen := indices[w]; !seen {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] != indices[v] {
			return
		}
		var members []string
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			members = append(members, w)
			if w == v {
				break
			}
		}
		if len(members) > 1 || selfLoop {
			sort.Strings(members)
			out = append(out, Violation{
				Kind:    ViolationCycle,
				NodeIDs: members,
				Message: fmt.Sprintf("cycle detected among nodes %v", members),
			})
		}
	}

	for _, id := range remaining {
		if _, seen := indices[id]; !seen {
			strongConnect(id)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].NodeIDs[0] < out[j].NodeIDs[0] })
	return out
}

func treeViolations(t Topology) []Violation {
	var out []Violation
	roots := t.Roots()
	if len(roots) != 1 {
		out = append(out, Violation{
			Kind:    ViolationTreeShape,
			NodeIDs: roots,
			Message: fmt.Sprintf("tree graph must have exactly one root, found %d", len(roots)),
		})
	}
	for _, id := range sortedKeys(t.InDegree) {
		if d := t.InDegree[id]; d > 1 {
			out = append(out, Violation{
				Kind:    ViolationTreeShape,
				NodeIDs: []string{id},
				Message: fmt.Sprintf("tree node %q has %d incoming edges, want 1", id, d),
			})
		}
	}
	return out
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
