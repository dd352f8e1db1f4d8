// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package client is a Go client for the graphflow /v1 HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/graphflow/services/graphflow"
	"github.com/AleutianAI/graphflow/services/graphflow/execution"
	"github.com/AleutianAI/graphflow/services/graphflow/graph"
)

// DefaultTimeout bounds each non-streaming request.
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Violations []graph.Violation
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graphflow: %s (%d %s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("graphflow: %s (%d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to one graphflow server.
type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
}

// New creates a client for baseURL, e.g. "http://localhost:8080". A nil
// httpClient uses one with DefaultTimeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// CreateGraph stores g and returns its id.
func (c *Client) CreateGraph(ctx context.Context, g graph.Graph) (string, error) {
	var resp graphflow.CreateGraphResponse
	if err := c.do(ctx, http.MethodPost, "/v1/graphs", g, &resp); err != nil {
		return "", err
	}
	return resp.GraphID, nil
}

// ListGraphs lists graph summaries, optionally of one type.
func (c *Client) ListGraphs(ctx context.Context, t graph.GraphType) ([]graph.Summary, error) {
	path := "/v1/graphs"
	if t != "" {
		path += "?type=" + url.QueryEscape(string(t))
	}
	var resp graphflow.GraphListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Graphs, nil
}

// GetGraph fetches one definition.
func (c *Client) GetGraph(ctx context.Context, id string) (graph.Graph, error) {
	var g graph.Graph
	err := c.do(ctx, http.MethodGet, "/v1/graphs/"+url.PathEscape(id), nil, &g)
	return g, err
}

// ReplaceGraph overwrites the definition stored under g.ID and returns
// what the server stored.
func (c *Client) ReplaceGraph(ctx context.Context, g graph.Graph) (graph.Graph, error) {
	var stored graph.Graph
	err := c.do(ctx, http.MethodPut, "/v1/graphs/"+url.PathEscape(g.ID), g, &stored)
	return stored, err
}

// DeleteGraph removes a definition.
func (c *Client) DeleteGraph(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/graphs/"+url.PathEscape(id), nil, nil)
}

// Submit starts an execution of graphID.
func (c *Client) Submit(ctx context.Context, graphID string, req graphflow.SubmitRequest) (string, error) {
	var resp graphflow.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/graphs/"+url.PathEscape(graphID)+"/executions", req, &resp); err != nil {
		return "", err
	}
	return resp.ExecutionID, nil
}

// GetExecution fetches the state of an execution.
func (c *Client) GetExecution(ctx context.Context, id string) (graphflow.ExecutionResponse, error) {
	var resp graphflow.ExecutionResponse
	err := c.do(ctx, http.MethodGet, "/v1/executions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListExecutions lists executions. activeOnly limits the result to PENDING
// and RUNNING ones.
func (c *Client) ListExecutions(ctx context.Context, graphID string, activeOnly bool) ([]execution.Summary, error) {
	q := url.Values{}
	if graphID != "" {
		q.Set("graph_id", graphID)
	}
	if activeOnly {
		q.Set("active", "true")
	}
	path := "/v1/executions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp graphflow.ExecutionListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Executions, nil
}

// Events returns the events after sequence number after.
func (c *Client) Events(ctx context.Context, id string, after int64) ([]execution.Event, error) {
	var resp graphflow.EventsResponse
	path := "/v1/executions/" + url.PathEscape(id) + "/events?after=" + strconv.FormatInt(after, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Cancel requests cancellation with an optional reason.
func (c *Client) Cancel(ctx context.Context, id, reason string) error {
	return c.do(ctx, http.MethodPost, "/v1/executions/"+url.PathEscape(id)+"/cancel",
		graphflow.CancelRequest{Reason: reason}, nil)
}

// ForgetExecution drops a terminal execution from the server.
func (c *Client) ForgetExecution(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/executions/"+url.PathEscape(id), nil, nil)
}

// NodeTypes lists the node types the server can run.
func (c *Client) NodeTypes(ctx context.Context) ([]graph.NodeType, error) {
	var resp graphflow.NodeTypesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/node-types", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Types, nil
}

// Stream follows the execution's websocket stream, calling fn for every
// event until the terminal one, an error from fn, or ctx ending.
func (c *Client) Stream(ctx context.Context, id string, fn func(execution.Event) error) error {
	u, err := url.Parse(c.baseURL + "/v1/executions/" + url.PathEscape(id) + "/stream")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	ws, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return decodeError(resp)
		}
		return fmt.Errorf("dialing event stream: %w", err)
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	for {
		var ev execution.Event
		if err := ws.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("reading event stream: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
		if ev.Type.Terminal() {
			return nil
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body graphflow.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
		apiErr.Violations = body.Violations
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}
