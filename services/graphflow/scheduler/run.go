// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/graphflow/services/graphflow/execution"
	"github.com/AleutianAI/graphflow/services/graphflow/graph"
	"github.com/AleutianAI/graphflow/services/graphflow/invoker"
)

// result is what a node worker reports back to the coordinator.
type result struct {
	nodeID  string
	outputs graph.Values
	err     error

	// started is false when the worker gave up before marking the node
	// RUNNING, e.g. cancelled while waiting for the global semaphore.
	started  bool
	internal bool
}

// stamp orders writes to one (target, input) slot. Later completions win;
// equal sequence numbers fall back to the higher producer id.
type stamp struct {
	seq      int64
	producer string
}

func (a stamp) after(b stamp) bool {
	if a.seq != b.seq {
		return a.seq > b.seq
	}
	return a.producer > b.producer
}

// run is the coordinator state of one execution. Everything except ctx,
// cancel, results and the immutable graph data is touched only by the
// coordinator goroutine.
type run struct {
	s           *Scheduler
	id          string
	g           graph.Graph
	topo        graph.Topology
	nodes       map[string]graph.Node
	input       graph.Values
	policy      FailurePolicy
	maxInFlight int
	timeout     time.Duration
	submitted   time.Time
	logger      *slog.Logger

	ctx         context.Context
	cancel      context.CancelCauseFunc
	stopTimeout context.CancelFunc
	results     chan result

	remaining map[string]int
	inputs    map[string]graph.Values
	stamps    map[string]map[string]stamp
	status    map[string]execution.NodeStatus
	ready     []string
	inFlight  int
	seq       int64

	failures    []execution.NodeFailure
	stopped     bool
	halted      bool
	internalErr error
	final       execution.Status
}

func (s *Scheduler) newRun(ctx context.Context, id string, g graph.Graph, input graph.Values, opts SubmitOptions) *run {
	policy := opts.FailurePolicy
	if policy == "" {
		policy = s.cfg.FailurePolicy
	}
	maxInFlight := opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = s.cfg.MaxInFlight
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.ExecutionTimeout
	}

	// The execution outlives the submitting request but keeps its trace.
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	stopTimeout := context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, stopTimeout = context.WithTimeoutCause(runCtx, timeout,
			&ExecutionTimeoutError{ExecutionID: id, Timeout: timeout})
	}

	r := &run{
		s:           s,
		id:          id,
		g:           g,
		topo:        g.Topology(),
		nodes:       make(map[string]graph.Node, len(g.Nodes)),
		input:       input.Clone(),
		policy:      policy,
		maxInFlight: maxInFlight,
		timeout:     timeout,
		submitted:   time.Now(),
		logger:      s.logger.With(slog.String("execution_id", id), slog.String("graph_id", g.ID)),
		ctx:         runCtx,
		cancel:      cancel,
		stopTimeout: stopTimeout,
		results:     make(chan result, len(g.Nodes)),
		remaining:   make(map[string]int, len(g.Nodes)),
		inputs:      make(map[string]graph.Values, len(g.Nodes)),
		stamps:      make(map[string]map[string]stamp, len(g.Nodes)),
		status:      make(map[string]execution.NodeStatus, len(g.Nodes)),
	}
	for _, n := range g.Nodes {
		r.nodes[n.ID] = n
		r.remaining[n.ID] = r.topo.InDegree[n.ID]
		r.status[n.ID] = execution.NodeNotStarted
	}
	return r
}

// coordinate is the coordinator loop. It returns once the execution is
// terminal and every dispatched worker has reported back.
func (r *run) coordinate() {
	defer r.stopTimeout()
	r.s.metrics.init(r.s.logger)

	ctx, span := tracer.Start(r.ctx, "graphflow.Execution",
		trace.WithAttributes(
			attribute.String("graphflow.execution_id", r.id),
			attribute.String("graphflow.graph_id", r.g.ID),
			attribute.Int("graphflow.node_count", len(r.g.Nodes)),
			attribute.String("graphflow.failure_policy", string(r.policy)),
		),
	)
	defer span.End()

	r.track(r.s.tracker.Start(r.id))
	for _, id := range r.topo.Roots() {
		r.markReady(id)
	}

	done := ctx.Done()
	for {
		if !r.stopped && ctx.Err() != nil {
			r.halt(ctx)
		}
		r.dispatch(ctx)
		if r.inFlight == 0 && (r.stopped || len(r.ready) == 0) {
			break
		}
		if r.stopped {
			done = nil
		}
		select {
		case res := <-r.results:
			r.handle(ctx, res)
		case <-done:
			r.halt(ctx)
			done = nil
		}
	}

	r.finish(ctx, span)
}

// dispatch starts ready nodes up to the in-flight bound. Nothing starts
// once the run context has ended.
func (r *run) dispatch(ctx context.Context) {
	for !r.stopped && ctx.Err() == nil && len(r.ready) > 0 && r.inFlight < r.maxInFlight {
		id := r.ready[0]
		r.ready = r.ready[1:]

		var in graph.Values
		if r.topo.InDegree[id] == 0 {
			in = r.input.Clone()
		} else {
			in = r.inputs[id].Clone()
		}

		r.inFlight++
		r.status[id] = execution.NodeRunning
		go r.invoke(ctx, r.nodes[id], in)
	}
}

// invoke runs on a worker goroutine. It always sends exactly one result.
func (r *run) invoke(ctx context.Context, node graph.Node, in graph.Values) {
	res := result{nodeID: node.ID}
	defer func() { r.results <- res }()

	if sem := r.s.sem; sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			res.err = err
			return
		}
		defer sem.Release(1)
	}
	if err := ctx.Err(); err != nil {
		res.err = err
		return
	}
	if err := r.s.tracker.UpdateNode(r.id, node.ID, execution.NodeUpdate{Status: execution.NodeRunning}); err != nil {
		res.err = err
		res.internal = true
		return
	}
	res.started = true

	ctx, span := tracer.Start(ctx, "graphflow.Node",
		trace.WithAttributes(
			attribute.String("graphflow.execution_id", r.id),
			attribute.String("graphflow.node_id", node.ID),
			attribute.String("graphflow.node_type", string(node.Type)),
		),
	)
	defer span.End()

	r.s.metrics.nodeStarted(ctx, node.Type)
	start := time.Now()

	out, err := r.s.invoker.Invoke(ctx, invoker.Request{
		ExecutionID: r.id,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Config:      node.Config.Clone(),
		Inputs:      in,
	})
	duration := time.Since(start)

	if err != nil {
		r.s.metrics.nodeFinished(ctx, node.Type, "failed", duration)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		res.err = err
		return
	}
	r.s.metrics.nodeFinished(ctx, node.Type, "succeeded", duration)
	span.SetStatus(codes.Ok, "")
	res.outputs = out
}

func (r *run) handle(ctx context.Context, res result) {
	r.inFlight--

	if !res.started {
		if res.internal {
			r.abort(res.err)
		} else if !r.stopped {
			r.halt(ctx)
		}
		// The tracker still has the node READY.
		r.status[res.nodeID] = execution.NodeReady
		r.skip(res.nodeID, r.stopReason(ctx))
		return
	}

	r.seq++
	st := stamp{seq: r.seq, producer: res.nodeID}
	if res.err != nil {
		r.nodeFailed(res, st)
		return
	}
	r.nodeSucceeded(ctx, res, st)
}

func (r *run) nodeSucceeded(ctx context.Context, res result, st stamp) {
	r.status[res.nodeID] = execution.NodeSucceeded
	r.track(r.s.tracker.UpdateNode(r.id, res.nodeID, execution.NodeUpdate{
		Status:        execution.NodeSucceeded,
		Outputs:       res.outputs,
		CompletionSeq: st.seq,
	}))
	r.logger.Debug("node completed", slog.String("node_id", res.nodeID))

	// After a stop, late results are recorded for audit only. A cancelled
	// context that the loop has not yet turned into a halt counts as one.
	if r.stopped || ctx.Err() != nil {
		return
	}

	for _, e := range r.topo.Downstream[res.nodeID] {
		v, ok := res.outputs[e.SourceOutput]
		if !ok {
			r.logger.Warn("node did not produce an output consumed downstream",
				slog.String("node_id", res.nodeID),
				slog.String("output", e.SourceOutput),
				slog.String("edge_id", e.ID))
			v = graph.Null()
		}
		r.merge(e.TargetNodeID, e.TargetInput, v, st)

		r.remaining[e.TargetNodeID]--
		if r.remaining[e.TargetNodeID] == 0 && r.status[e.TargetNodeID] == execution.NodeNotStarted {
			r.markReady(e.TargetNodeID)
		}
	}
}

// merge writes v into target's input slot unless a later write exists.
func (r *run) merge(target, input string, v graph.Value, st stamp) {
	slots := r.stamps[target]
	if slots == nil {
		slots = make(map[string]stamp)
		r.stamps[target] = slots
	}
	if cur, ok := slots[input]; ok && !st.after(cur) {
		return
	}
	slots[input] = st
	if r.inputs[target] == nil {
		r.inputs[target] = graph.Values{}
	}
	r.inputs[target][input] = v
}

func (r *run) nodeFailed(res result, st stamp) {
	failure := execution.NodeFailure{
		NodeID:  res.nodeID,
		Kind:    string(invoker.KindOf(res.err)),
		Message: res.err.Error(),
	}
	r.status[res.nodeID] = execution.NodeFailed
	r.track(r.s.tracker.UpdateNode(r.id, res.nodeID, execution.NodeUpdate{
		Status:        execution.NodeFailed,
		Failure:       &failure,
		CompletionSeq: st.seq,
	}))

	if r.stopped {
		return
	}
	r.failures = append(r.failures, failure)
	r.logger.Error("node failed",
		slog.String("node_id", res.nodeID),
		slog.String("kind", failure.Kind),
		slog.String("error", failure.Message))

	reason := fmt.Sprintf("upstream node %s failed", res.nodeID)
	for _, d := range r.topo.Descendants(res.nodeID) {
		r.skip(d, reason)
	}

	if r.policy == FailFast {
		r.stopped = true
		r.cancel(errFailFast)
		r.skipPending(fmt.Sprintf("execution stopped after node %s failed", res.nodeID))
	}
}

func (r *run) markReady(id string) {
	r.status[id] = execution.NodeReady
	r.track(r.s.tracker.UpdateNode(r.id, id, execution.NodeUpdate{Status: execution.NodeReady}))
	i, _ := slices.BinarySearch(r.ready, id)
	r.ready = slices.Insert(r.ready, i, id)
}

// skip marks a node that has not started SKIPPED.
func (r *run) skip(id, reason string) {
	switch r.status[id] {
	case execution.NodeNotStarted, execution.NodeReady:
	default:
		return
	}
	if i, ok := slices.BinarySearch(r.ready, id); ok {
		r.ready = slices.Delete(r.ready, i, i+1)
	}
	r.status[id] = execution.NodeSkipped
	r.track(r.s.tracker.UpdateNode(r.id, id, execution.NodeUpdate{
		Status: execution.NodeSkipped,
		Reason: reason,
	}))
}

// skipPending skips every node that has not started, in declaration order.
func (r *run) skipPending(reason string) {
	for _, n := range r.g.Nodes {
		r.skip(n.ID, reason)
	}
}

// halt handles the end of the run context: cancellation on request, the
// overall timeout or shutdown. The execution becomes CANCELLED at once;
// in-flight workers are drained afterwards.
func (r *run) halt(ctx context.Context) {
	r.stopped = true
	r.halted = true
	cause := context.Cause(ctx)

	rec := &execution.ErrorRecord{Kind: execution.ErrorKindCancelled, Message: cause.Error()}
	if errors.Is(cause, ErrExecutionTimeout) {
		rec.Kind = execution.ErrorKindExecutionTimeout
		rec.Failures = slices.Clone(r.failures)
	}
	final, err := r.s.tracker.Finish(r.id, execution.StatusCancelled, rec)
	r.track(err)
	r.final = final

	r.logger.Warn("execution halted",
		slog.String("cause", cause.Error()),
		slog.Int("in_flight", r.inFlight))
	r.skipPending(r.stopReason(ctx))
}

// abort stops the run after a broken invariant, such as the tracker
// losing the execution.
func (r *run) abort(err error) {
	if r.internalErr == nil {
		r.internalErr = err
	}
	r.logger.Error("execution aborted", slog.String("error", err.Error()))
	if !r.stopped {
		r.stopped = true
		r.cancel(err)
	}
}

func (r *run) stopReason(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil {
		return "execution stopped: " + cause.Error()
	}
	return "execution stopped"
}

// track logs tracker errors. An unknown execution aborts the run.
func (r *run) track(err error) {
	if err == nil {
		return
	}
	r.logger.Error("tracker update failed", slog.String("error", err.Error()))
	if errors.Is(err, execution.ErrUnknownExecution) {
		r.abort(err)
	}
}

func (r *run) finish(ctx context.Context, span trace.Span) {
	final := r.final
	switch {
	case r.halted:
	case r.internalErr != nil:
		final, _ = r.s.tracker.Finish(r.id, execution.StatusFailed, &execution.ErrorRecord{
			Kind:    execution.ErrorKindInternal,
			Message: r.internalErr.Error(),
		})
	case len(r.failures) > 0:
		ids := make([]string, len(r.failures))
		for i, f := range r.failures {
			ids[i] = f.NodeID
		}
		var err error
		final, err = r.s.tracker.Finish(r.id, execution.StatusFailed, &execution.ErrorRecord{
			Kind:     execution.ErrorKindNodeFailures,
			Message:  fmt.Sprintf("%d node(s) failed: %s", len(ids), strings.Join(ids, ", ")),
			Failures: slices.Clone(r.failures),
		})
		r.track(err)
	default:
		var err error
		final, err = r.s.tracker.Finish(r.id, execution.StatusSucceeded, nil)
		r.track(err)
	}

	duration := time.Since(r.submitted)
	if final == "" {
		// The tracker no longer knows the execution; there is no status
		// to report.
		span.SetStatus(codes.Error, "execution record lost")
		r.logger.Error("execution finished without a recorded status", slog.Duration("duration", duration))
		return
	}
	r.s.metrics.executionFinished(ctx, final, duration)
	span.SetAttributes(attribute.String("graphflow.status", string(final)))
	if final == execution.StatusSucceeded {
		span.SetStatus(codes.Ok, "")
		r.logger.Info("execution completed", slog.Duration("duration", duration))
		return
	}
	span.SetStatus(codes.Error, string(final))
	r.logger.Info("execution finished",
		slog.String("status", string(final)),
		slog.Int("failed_nodes", len(r.failures)),
		slog.Duration("duration", duration))
}
