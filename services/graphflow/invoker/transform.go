// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package invoker

import (
	"context"

	"github.com/AleutianAI/graphflow/services/graphflow/graph"
)

// Transform types understood by DataTransform.
const (
	TransformPassthrough  = "passthrough"
	TransformExtractField = "extract_field"
	TransformRenameField  = "rename_field"
)

// DataTransform reshapes payloads in process.
//
//	passthrough   - outputs are the inputs (also used for unknown types)
//	extract_field - {field_name: inputs[field_name]}; field_name defaults to "text"
//	rename_field  - {new_name: inputs[old_name]}; defaults "input" and "output"
//
// A missing field yields an empty string.
type DataTransform struct{}

// NewDataTransform creates the DATA_TRANSFORM adapter.
func NewDataTransform() DataTransform { return DataTransform{} }

// Invoke implements Invoker.
func (DataTransform) Invoke(ctx context.Context, req Request) (graph.Values, error) {
	if err := ctx.Err(); err != nil {
		return nil, Classify(graph.NodeTypeDataTransform, err)
	}
	switch req.Config.StringOr("transform_type", TransformPassthrough) {
	case TransformExtractField:
		field := req.Config.StringOr("field_name", "text")
		return graph.Values{field: fieldOrEmpty(req.Inputs, field)}, nil
	case TransformRenameField:
		from := req.Config.StringOr("old_name", "input")
		to := req.Config.StringOr("new_name", "output")
		return graph.Values{to: fieldOrEmpty(req.Inputs, from)}, nil
	default:
		return req.Inputs.Clone(), nil
	}
}

func fieldOrEmpty(vs graph.Values, key string) graph.Value {
	if v, ok := vs[key]; ok {
		return v.Clone()
	}
	return graph.String("")
}
