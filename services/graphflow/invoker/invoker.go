// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package invoker calls the backend service behind each pipeline node.
//
// # Description
//
// An Invoker turns a node's resolved inputs into its outputs. One adapter
// exists per node type; the Registry maps types to adapters. Every failure
// an adapter returns is an *InvocationError classified as transient or
// permanent, and that classification travels unchanged into the
// execution's failure record.
//
// # Thread Safety
//
// Registry and all adapters are safe for concurrent use.
package invoker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/graphflow/services/graphflow/graph"
)

// Request is one node invocation.
type Request struct {
	ExecutionID string
	NodeID      string
	NodeType    graph.NodeType

	// Config is the node's static configuration.
	Config graph.Values

	// Inputs are the resolved inputs. Source nodes receive the whole
	// execution input.
	Inputs graph.Values
}

// Invoker calls the backend for one node.
//
// Invoke must honour ctx cancellation and return either outputs or an
// *InvocationError.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (graph.Values, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req Request) (graph.Values, error)

// Invoke calls f(ctx, req).
func (f InvokerFunc) Invoke(ctx context.Context, req Request) (graph.Values, error) {
	return f(ctx, req)
}

// Registry maps node types to invokers.
type Registry struct {
	mu       sync.RWMutex
	invokers map[graph.NodeType]Invoker
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{invokers: make(map[graph.NodeType]Invoker)}
}

// Register binds inv to t, replacing any previous binding.
func (r *Registry) Register(t graph.NodeType, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[t] = inv
}

// Lookup returns the invoker bound to t.
func (r *Registry) Lookup(t graph.NodeType) (Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[t]
	return inv, ok
}

// Types lists the registered node types in sorted order.
func (r *Registry) Types() []graph.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]graph.NodeType, 0, len(r.invokers))
	for t := range r.invokers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Invoke dispatches req to the invoker for req.NodeType.
//
// Description:
//
//	An unregistered type fails with a permanent InvocationError. Errors
//	that are not already InvocationErrors are classified with Classify, so
//	callers can always rely on errors.As(err, **InvocationError).
func (r *Registry) Invoke(ctx context.Context, req Request) (graph.Values, error) {
	inv, ok := r.Lookup(req.NodeType)
	if !ok {
		return nil, Permanent(req.NodeType, fmt.Sprintf("no invoker registered for node type %q", req.NodeType), nil)
	}
	out, err := inv.Invoke(ctx, req)
	if err != nil {
		return nil, Classify(req.NodeType, err)
	}
	if out == nil {
		out = graph.Values{}
	}
	return out, nil
}

// endpointFor returns the node's service_endpoint override or def.
func endpointFor(cfg graph.Values, def string) string {
	return cfg.StringOr("service_endpoint", def)
}

// timeoutFor returns the node's timeout_ms override or def.
func timeoutFor(cfg graph.Values, def time.Duration) time.Duration {
	if ms := cfg.NumberOr("timeout_ms", 0); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

// Adapters configures every built-in adapter.
type Adapters struct {
	SpeechToText  Options
	TextToSpeech  Options
	LLMChat       LLMOptions
	LLMCompletion LLMOptions
	CustomService Options
}

// NewDefaultRegistry returns a Registry with an adapter for every node
// type.
func NewDefaultRegistry(a Adapters) *Registry {
	r := NewRegistry()
	r.Register(graph.NodeTypeSpeechToText, NewSpeechToText(a.SpeechToText))
	r.Register(graph.NodeTypeTextToSpeech, NewTextToSpeech(a.TextToSpeech))
	r.Register(graph.NodeTypeLLMChat, NewLLMChat(a.LLMChat))
	r.Register(graph.NodeTypeLLMCompletion, NewLLMCompletion(a.LLMCompletion))
	r.Register(graph.NodeTypeDataTransform, NewDataTransform())
	r.Register(graph.NodeTypeCustomService, NewCustomService(a.CustomService))
	return r
}
