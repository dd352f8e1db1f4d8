// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph defines pipeline graphs and their structural validation.
//
// A Graph is a set of typed Nodes connected by Edges that route one node's
// named output into another node's named input. Graphs must be acyclic;
// TREE graphs additionally have a single root.
//
// # Values
//
// Node configuration, execution input and node outputs are Values, a
// tagged variant of null, bool, number, string, list and map. Values are
// deep-copied whenever they cross an ownership boundary.
//
// # Example
//
//	g := graph.Graph{
//	    Name: "voice-assistant",
//	    Nodes: []graph.Node{
//	        {ID: "stt1", Type: graph.NodeTypeSpeechToText},
//	        {ID: "llm1", Type: graph.NodeTypeLLMChat},
//	    },
//	    Edges: []graph.Edge{
//	        {SourceNodeID: "stt1", SourceOutput: "transcript", TargetNodeID: "llm1", TargetInput: "text"},
//	    },
//	}.Normalized()
//	if err := graph.Validate(g); err != nil {
//	    var invalid *graph.InvalidGraphError
//	    errors.As(err, &invalid) // invalid.Violations lists every problem
//	}
//
// # Thread Safety
//
// Graph and Value are plain values. Copies may be used concurrently.
package graph
