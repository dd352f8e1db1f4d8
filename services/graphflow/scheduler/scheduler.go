// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler runs pipeline executions.
//
// # Description
//
// Submit snapshots a stored graph, registers a PENDING execution with the
// Tracker and returns its id immediately. A coordinator goroutine per
// execution then dispatches nodes as their upstream edges resolve, invokes
// them concurrently through the node Invoker and records every transition
// in the Tracker.
//
// A failed node skips only its descendants; independent branches keep
// running. The execution ends SUCCEEDED when no node failed, FAILED with
// every node failure aggregated otherwise, or CANCELLED on request,
// timeout or shutdown.
//
// # Thread Safety
//
// Scheduler is safe for concurrent use. Each execution's scheduling state
// is owned by its coordinator goroutine alone.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/graphflow/services/graphflow/execution"
	"github.com/AleutianAI/graphflow/services/graphflow/flowerr"
	"github.com/AleutianAI/graphflow/services/graphflow/graph"
	"github.com/AleutianAI/graphflow/services/graphflow/invoker"
)

var tracer = otel.Tracer("graphflow.scheduler")

// DefaultMaxInFlight bounds concurrent node invocations per execution when
// the configuration leaves it unset.
const DefaultMaxInFlight = 8

// FailurePolicy selects how a node failure affects the rest of the run.
type FailurePolicy string

const (
	// FailBranch skips the failed node's descendants and lets independent
	// branches finish.
	FailBranch FailurePolicy = "fail_branch"

	// FailFast stops dispatch and cancels in-flight nodes on the first
	// failure.
	FailFast FailurePolicy = "fail_fast"
)

// Valid reports whether p is a known policy. Empty is valid and means the
// configured default.
func (p FailurePolicy) Valid() bool {
	return p == "" || p == FailBranch || p == FailFast
}

// Config tunes a Scheduler.
type Config struct {
	// MaxInFlight bounds concurrent invocations per execution.
	MaxInFlight int

	// MaxConcurrentNodes bounds concurrent invocations across all
	// executions. Zero means unbounded.
	MaxConcurrentNodes int64

	// ExecutionTimeout bounds each execution's wall time. Zero disables.
	ExecutionTimeout time.Duration

	// FailurePolicy is the default policy. Empty means FailBranch.
	FailurePolicy FailurePolicy
}

// GraphSource loads graph definitions. *store.GraphStore implements it.
type GraphSource interface {
	Get(ctx context.Context, id string) (graph.Graph, error)
}

// SubmitOptions tune one submission. Zero fields use the Scheduler's
// configuration.
type SubmitOptions struct {
	ExecutionID   string
	Timeout       time.Duration
	FailurePolicy FailurePolicy
	MaxInFlight   int
}

// Scheduler dispatches executions.
type Scheduler struct {
	graphs  GraphSource
	tracker *execution.Tracker
	invoker invoker.Invoker
	cfg     Config
	sem     *semaphore.Weighted
	logger  *slog.Logger
	metrics schedulerMetrics

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

// New creates a Scheduler.
//
// Inputs:
//
//	graphs - Source of graph definitions.
//	tracker - Owner of execution state. Must not be nil.
//	inv - Invoker for node work, normally an *invoker.Registry.
//	cfg - Limits and defaults.
//	logger - If nil, uses slog.Default().
func New(graphs GraphSource, tracker *execution.Tracker, inv invoker.Invoker, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailBranch
	}
	s := &Scheduler{
		graphs:  graphs,
		tracker: tracker,
		invoker: inv,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "scheduler")),
		runs:    make(map[string]*run),
	}
	if cfg.MaxConcurrentNodes > 0 {
		s.sem = semaphore.NewWeighted(cfg.MaxConcurrentNodes)
	}
	return s
}

// Submit starts an execution of the stored graph graphID.
//
// Description:
//
//	Returns once the execution is registered. Node failures never surface
//	here; they are recorded on the execution. ctx only bounds the graph
//	lookup; the execution itself is not tied to it.
//
// Outputs:
//
//	string - The execution id.
//	error - flowerr not-found for an unknown graph, ErrInvalidSubmission,
//	        ErrShuttingDown, or a tracker conflict for a reused id.
func (s *Scheduler) Submit(ctx context.Context, graphID string, input graph.Values, opts SubmitOptions) (string, error) {
	g, err := s.graphs.Get(ctx, graphID)
	if err != nil {
		return "", err
	}
	return s.SubmitGraph(ctx, g, input, opts)
}

// SubmitGraph starts an execution of g, which is validated first.
func (s *Scheduler) SubmitGraph(ctx context.Context, g graph.Graph, input graph.Values, opts SubmitOptions) (string, error) {
	if !opts.FailurePolicy.Valid() {
		return "", fmt.Errorf("%w: unknown failure policy %q", ErrInvalidSubmission, opts.FailurePolicy)
	}
	if opts.Timeout < 0 || opts.MaxInFlight < 0 {
		return "", fmt.Errorf("%w: timeout and max_in_flight must not be negative", ErrInvalidSubmission)
	}
	g = g.Normalized()
	if err := graph.Validate(g); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrShuttingDown
	}

	id, err := s.tracker.Create(g, input, execution.CreateOptions{ID: opts.ExecutionID})
	if err != nil {
		return "", err
	}

	r := s.newRun(ctx, id, g, input, opts)
	s.runs[id] = r
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.forget(id)
		r.coordinate()
	}()

	s.logger.Info("execution submitted",
		slog.String("execution_id", id),
		slog.String("graph_id", g.ID),
		slog.Int("nodes", len(g.Nodes)),
		slog.String("failure_policy", string(r.policy)),
	)
	return id, nil
}

// Cancel cancels a PENDING or RUNNING execution.
//
// Description:
//
//	The run context is cancelled first, so no node is dispatched once the
//	execution is seen as CANCELLED. The tracker records CANCELLED before
//	this returns; in-flight nodes are interrupted through their context
//	and their late results are kept for audit only.
//
// Outputs:
//
//	error - flowerr not-found for an unknown id, or a flowerr conflict when
//	        the execution is already terminal.
func (s *Scheduler) Cancel(id, reason string) error {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()

	requested := false
	if ok && r.ctx.Err() == nil {
		r.cancel(&cancelRequest{reason: reason})
		requested = true
	}

	err := s.tracker.Cancel(id, reason)
	if err != nil && requested && errors.Is(err, flowerr.ErrConflict) {
		// The coordinator recorded our cancellation before we did.
		if exec, gerr := s.tracker.Get(id); gerr == nil && exec.Status == execution.StatusCancelled {
			err = nil
		}
	}
	if err != nil {
		return err
	}
	s.logger.Info("execution cancelled",
		slog.String("execution_id", id),
		slog.String("reason", reason))
	return nil
}

// Forget deletes a terminal execution from the tracker.
//
// Description:
//
//	An execution whose coordinator is still draining in-flight nodes
//	cannot be forgotten, even after it became terminal, because late
//	results still land on it.
//
// Outputs:
//
//	error - flowerr not-found for an unknown id, or a flowerr conflict
//	        while the execution is live or still draining.
func (s *Scheduler) Forget(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; ok {
		if _, err := s.tracker.Get(id); err != nil {
			return err
		}
		return flowerr.Conflict(flowerr.ResourceExecution, id, "execution still has nodes in flight")
	}
	return s.tracker.Delete(id)
}

// Wait blocks until the execution is terminal or ctx ends.
func (s *Scheduler) Wait(ctx context.Context, id string) (execution.Execution, error) {
	return s.tracker.Wait(ctx, id)
}

// Running returns the number of executions with a live coordinator.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Shutdown refuses new submissions, cancels every running execution and
// waits for their coordinators to exit or ctx to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	runs := make(map[string]*run, len(s.runs))
	for id, r := range s.runs {
		runs[id] = r
	}
	s.mu.Unlock()

	for id, r := range runs {
		r.cancel(ErrShuttingDown)
		_ = s.tracker.Cancel(id, ErrShuttingDown.Error())
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		r.cancel(nil)
		delete(s.runs, id)
	}
}
