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
	"encoding/json"
	"log/slog"
	"net/url"

	"github.com/AleutianAI/graphflow/services/graphflow/graph"
)

// DefaultCustomEndpoint is the default custom service backend.
const DefaultCustomEndpoint = "http://localhost:9090"

const defaultCustomMethod = "Process"

type customRequest struct {
	ExecutionID string       `json:"execution_id"`
	NodeID      string       `json:"node_id"`
	Method      string       `json:"method"`
	Inputs      graph.Values `json:"inputs"`
	Config      graph.Values `json:"config"`
}

// CustomService forwards inputs and config to a user service at
// POST {endpoint}/v1/{method}. A JSON object response becomes the node's
// outputs; any other JSON value is wrapped as {result, processed: true}.
type CustomService struct {
	b *backend
}

// NewCustomService creates the CUSTOM_SERVICE adapter.
func NewCustomService(opts Options) *CustomService {
	return &CustomService{b: newBackend(graph.NodeTypeCustomService, opts, DefaultCustomEndpoint)}
}

// Invoke implements Invoker.
func (s *CustomService) Invoke(ctx context.Context, req Request) (graph.Values, error) {
	method := req.Config.StringOr("method", defaultCustomMethod)
	body := customRequest{
		ExecutionID: req.ExecutionID,
		NodeID:      req.NodeID,
		Method:      method,
		Inputs:      req.Inputs,
		Config:      req.Config,
	}
	if body.Inputs == nil {
		body.Inputs = graph.Values{}
	}
	if body.Config == nil {
		body.Config = graph.Values{}
	}

	var raw json.RawMessage
	target := s.b.endpoint(req) + "/v1/" + url.PathEscape(method)
	err := s.b.call(ctx, req, func(ctx context.Context) error {
		return s.b.postJSON(ctx, target, body, &raw)
	})
	if err != nil {
		return nil, err
	}

	var result graph.Value
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, Permanent(s.b.nodeType, "malformed response", err)
	}

	s.b.logger.Info("Custom service node executed",
		slog.String("node_id", req.NodeID),
		slog.String("service_endpoint", s.b.endpoint(req)),
		slog.String("method", method))

	if m, ok := result.AsMap(); ok {
		return m, nil
	}
	return graph.Values{
		"result":    result,
		"processed": graph.Bool(true),
	}, nil
}
