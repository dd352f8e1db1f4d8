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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/graphflow/services/graphflow/graph"
)

const (
	// DefaultTimeout bounds one backend call when neither the adapter nor
	// the node configures a timeout.
	DefaultTimeout = 60 * time.Second

	maxResponseBytes = 32 << 20
	maxErrorBody     = 512
)

// Options configure an HTTP-backed adapter.
type Options struct {
	// Endpoint is the backend base URL. A node's service_endpoint config
	// overrides it.
	Endpoint string

	// Timeout bounds each attempt. A node's timeout_ms config overrides it.
	Timeout time.Duration

	Retry RetryPolicy

	// RateLimit caps requests per second to the backend. Zero disables.
	RateLimit float64
	Burst     int

	// HTTPClient replaces the default traced client, mostly for tests.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// backend holds the plumbing shared by the HTTP adapters.
type backend struct {
	nodeType graph.NodeType
	opts     Options
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

func newBackend(t graph.NodeType, opts Options, defEndpoint string) *backend {
	if opts.Endpoint == "" {
		opts.Endpoint = defEndpoint
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	b := &backend{
		nodeType: t,
		opts:     opts,
		client:   opts.HTTPClient,
		logger:   opts.Logger,
	}
	if b.client == nil {
		b.client = newTracedClient()
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With(slog.String("node_type", string(t)))
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return b
}

// newTracedClient returns a client whose requests carry W3C trace context
// and produce client spans.
func newTracedClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// endpoint resolves the base URL for req.
func (b *backend) endpoint(req Request) string {
	return normalizeEndpoint(endpointFor(req.Config, b.opts.Endpoint))
}

// call runs one logical backend call: rate limiting, the per-attempt
// timeout and the retry policy all apply around fn.
func (b *backend) call(ctx context.Context, req Request, fn func(ctx context.Context) error) error {
	timeout := timeoutFor(req.Config, b.opts.Timeout)
	return b.opts.Retry.Do(ctx, func(ctx context.Context) error {
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return Classify(b.nodeType, ctx.Err())
				}
				return Transient(b.nodeType, "rate limit wait exceeds deadline", err)
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := fn(attemptCtx)
		if err != nil {
			b.logger.Debug("backend call failed",
				slog.String("execution_id", req.ExecutionID),
				slog.String("node_id", req.NodeID),
				slog.String("kind", string(KindOf(err))),
				slog.String("error", err.Error()))
		}
		return err
	})
}

// postJSON POSTs in as JSON to url and decodes the response into out.
func (b *backend) postJSON(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return Permanent(b.nodeType, "encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Permanent(b.nodeType, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return Classify(b.nodeType, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Classify(b.nodeType, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(b.nodeType, resp.StatusCode, truncate(string(data), maxErrorBody))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return Permanent(b.nodeType, "malformed response", err)
	}
	return nil
}

// normalizeEndpoint adds a scheme to host:port endpoints and strips any
// trailing slash.
func normalizeEndpoint(e string) string {
	e = strings.TrimSpace(e)
	if !strings.Contains(e, "://") {
		e = "http://" + e
	}
	return strings.TrimRight(e, "/")
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
