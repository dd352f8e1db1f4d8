// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package execution tracks the state of pipeline executions.
//
// # Description
//
// The Tracker is the sole owner of Execution records. Every mutation goes
// through a per-execution mutex, so concurrent node completions are
// serialised and status transitions stay monotonic. Reads return deep
// copies; no caller ever sees a partially applied update.
//
// Each record keeps an append-only event log. Watch and Done expose
// change notification without polling.
//
// # Thread Safety
//
// All Tracker methods are safe for concurrent use.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/graphflow/services/graphflow/flowerr"
	"github.com/AleutianAI/graphflow/services/graphflow/graph"
)

var (
	// ErrUnknownExecution is returned by mutations for an id the tracker
	// does not hold. Callers treat it as a broken invariant.
	ErrUnknownExecution = errors.New("unknown execution")

	// ErrUnknownNode is returned by UpdateNode for a node outside the
	// execution's graph snapshot.
	ErrUnknownNode = errors.New("unknown node")

	// ErrInvalidTransition is returned when a node status change would
	// move backwards or skip a required state.
	ErrInvalidTransition = errors.New("invalid node status transition")
)

// CreateOptions tune Create.
type CreateOptions struct {
	// ID is the execution id to use. Empty generates a UUID.
	ID string
}

// ListFilter narrows List results. Zero fields match everything.
type ListFilter struct {
	GraphID    string
	Status     Status
	ActiveOnly bool
}

// Tracker owns all execution records.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*record
	retired map[string]struct{}

	sinksMu sync.RWMutex
	sinks   []Sink

	logger *slog.Logger
	now    func() time.Time
}

type record struct {
	mu      sync.Mutex
	exec    Execution
	events  []Event
	nextSeq int64

	completions int64
	notify      chan struct{}
	done        chan struct{}
}

// NewTracker creates an empty Tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		records: make(map[string]*record),
		retired: make(map[string]struct{}),
		logger:  logger.With(slog.String("component", "execution_tracker")),
		now:     time.Now,
	}
}

// AddSink registers a sink for every future event.
func (t *Tracker) AddSink(s Sink) {
	t.sinksMu.Lock()
	defer t.sinksMu.Unlock()
	t.sinks = append(t.sinks, s)
}

// Create allocates a PENDING execution for a snapshot of g.
//
// Description:
//
//	g and input are deep-copied. Every node starts NOT_STARTED. Ids are
//	never reused: a caller-supplied id that is live or was ever deleted
//	fails with a flowerr conflict.
func (t *Tracker) Create(g graph.Graph, input graph.Values, opts CreateOptions) (string, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	nodes := make(map[string]NodeState, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes[n.ID] = NodeState{Status: NodeNotStarted}
	}

	r := &record{
		exec: Execution{
			ID:        id,
			GraphID:   g.ID,
			Graph:     g.Clone(),
			Status:    StatusPending,
			Nodes:     nodes,
			Input:     input.Clone(),
			CreatedAt: t.now().UTC(),
		},
		notify: make(chan struct{}),
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[id]; ok {
		return "", flowerr.Conflict(flowerr.ResourceExecution, id, "execution id already in use")
	}
	if _, ok := t.retired[id]; ok {
		return "", flowerr.Conflict(flowerr.ResourceExecution, id, "execution id was used before")
	}
	t.records[id] = r

	t.logger.Debug("execution created",
		slog.String("execution_id", id),
		slog.String("graph_id", g.ID))
	return id, nil
}

func (t *Tracker) lookup(id string) (*record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[id]
	return r, ok
}

// Get returns a consistent deep copy of the execution.
func (t *Tracker) Get(id string) (Execution, error) {
	r, ok := t.lookup(id)
	if !ok {
		return Execution{}, flowerr.NotFound(flowerr.ResourceExecution, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Clone(), nil
}

// mutate applies fn under the record lock. Events returned by fn are
// stamped, appended to the log and then delivered to sinks after the lock
// is released.
func (t *Tracker) mutate(id string, fn func(r *record, now time.Time) ([]Event, error)) error {
	r, ok := t.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, id)
	}

	r.mu.Lock()
	now := t.now().UTC()
	events, err := fn(r, now)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	for i := range events {
		r.nextSeq++
		events[i].Seq = r.nextSeq
		events[i].ExecutionID = r.exec.ID
		events[i].GraphID = r.exec.GraphID
		events[i].Time = now
	}
	if len(events) > 0 {
		r.events = append(r.events, events...)
		close(r.notify)
		r.notify = make(chan struct{})
	}
	if r.exec.Status.Terminal() {
		select {
		case <-r.done:
		default:
			close(r.done)
		}
	}
	r.mu.Unlock()

	if len(events) > 0 {
		t.publish(events)
	}
	return nil
}

func (t *Tracker) publish(events []Event) {
	t.sinksMu.RLock()
	sinks := append([]Sink(nil), t.sinks...)
	t.sinksMu.RUnlock()
	for _, ev := range events {
		for _, s := range sinks {
			s.HandleEvent(ev)
		}
	}
}

// Start moves a PENDING execution to RUNNING. It is a no-op for an
// execution that is already running or terminal, e.g. one cancelled
// before its first dispatch.
func (t *Tracker) Start(id string) error {
	return t.mutate(id, func(r *record, now time.Time) ([]Event, error) {
		if r.exec.Status != StatusPending {
			return nil, nil
		}
		r.exec.Status = StatusRunning
		r.exec.StartedAt = now
		return []Event{{Type: EventExecutionStarted}}, nil
	})
}

// UpdateNode is the single entry point for node state changes.
//
// Description:
//
//	Applies u to one node of the execution. Node statuses only move
//	forward (NOT_STARTED -> READY -> RUNNING -> SUCCEEDED|FAILED, or
//	NOT_STARTED|READY -> SKIPPED). Updates are accepted after the
//	execution has become terminal so late results stay auditable, but
//	they never change the execution's own status.
//
// Outputs:
//
//	error - ErrUnknownExecution, ErrUnknownNode or ErrInvalidTransition
//	        (all wrapped), or nil.
func (t *Tracker) UpdateNode(id, nodeID string, u NodeUpdate) error {
	return t.mutate(id, func(r *record, now time.Time) ([]Event, error) {
		cur, ok := r.exec.Nodes[nodeID]
		if !ok {
			return nil, fmt.Errorf("%w: %s in execution %s", ErrUnknownNode, nodeID, id)
		}
		if !canTransition(cur.Status, u.Status) {
			return nil, fmt.Errorf("%w: node %s %s -> %s", ErrInvalidTransition, nodeID, cur.Status, u.Status)
		}

		ev := Event{Type: nodeEventType(u.Status), NodeID: nodeID}
		if n, ok := r.exec.Graph.Node(nodeID); ok {
			ev.NodeType = n.Type
		}

		cur.Status = u.Status
		switch u.Status {
		case NodeRunning:
			cur.StartedAt = now
		case NodeSucceeded:
			cur.Outputs = u.Outputs.Clone()
		case NodeFailed:
			if u.Failure != nil {
				f := *u.Failure
				f.NodeID = nodeID
				cur.Error = &f
				ev.Message = f.Message
			}
		case NodeSkipped:
			cur.SkipReason = u.Reason
			ev.Message = u.Reason
		}
		if u.Status == NodeSucceeded || u.Status == NodeFailed {
			if u.CompletionSeq > 0 {
				r.completions = max(r.completions, u.CompletionSeq)
				cur.CompletionSeq = u.CompletionSeq
			} else {
				r.completions++
				cur.CompletionSeq = r.completions
			}
			cur.FinishedAt = now
			ev.Duration = now.Sub(cur.StartedAt)
		}
		if u.Status == NodeSkipped {
			cur.FinishedAt = now
		}
		r.exec.Nodes[nodeID] = cur
		return []Event{ev}, nil
	})
}

// Finish moves the execution to a terminal status.
//
// Outputs:
//
//	Status - The execution's status after the call. When the execution
//	         was already terminal (for instance cancelled while nodes were
//	         in flight) the existing status is kept and returned.
//	error - ErrUnknownExecution (wrapped), or an error for a non-terminal
//	        status argument.
func (t *Tracker) Finish(id string, status Status, rec *ErrorRecord) (Status, error) {
	if !status.Terminal() {
		return "", fmt.Errorf("finish execution %s: status %s is not terminal", id, status)
	}
	var final Status
	err := t.mutate(id, func(r *record, now time.Time) ([]Event, error) {
		if r.exec.Status.Terminal() {
			final = r.exec.Status
			return nil, nil
		}
		final = status
		return []Event{t.terminate(r, now, status, rec)}, nil
	})
	return final, err
}

// Cancel marks a PENDING or RUNNING execution CANCELLED.
//
// Description:
//
//	Cancellation takes effect in the tracker immediately. Whoever runs the
//	execution is responsible for stopping in-flight work. Cancelling a
//	terminal execution fails with a flowerr conflict, and an unknown id
//	with a flowerr not-found error.
func (t *Tracker) Cancel(id string, reason string) error {
	if _, ok := t.lookup(id); !ok {
		return flowerr.NotFound(flowerr.ResourceExecution, id)
	}
	return t.mutate(id, func(r *record, now time.Time) ([]Event, error) {
		if r.exec.Status.Terminal() {
			return nil, flowerr.Conflict(flowerr.ResourceExecution, id,
				fmt.Sprintf("execution already %s", r.exec.Status))
		}
		if reason == "" {
			reason = "cancelled by request"
		}
		rec := &ErrorRecord{Kind: ErrorKindCancelled, Message: reason}
		return []Event{t.terminate(r, now, StatusCancelled, rec)}, nil
	})
}

func (t *Tracker) terminate(r *record, now time.Time, status Status, rec *ErrorRecord) Event {
	r.exec.Status = status
	r.exec.FinishedAt = now
	r.exec.Error = rec.clone()

	ev := Event{Type: terminalEventType(status)}
	if rec != nil {
		ev.Message = rec.Message
	}
	if !r.exec.StartedAt.IsZero() {
		ev.Duration = now.Sub(r.exec.StartedAt)
	}
	return ev
}

// ListActive returns summaries of every PENDING or RUNNING execution.
func (t *Tracker) ListActive() []Summary {
	return t.List(ListFilter{ActiveOnly: true})
}

// List returns execution summaries matching f, oldest first.
func (t *Tracker) List(f ListFilter) []Summary {
	t.mu.RLock()
	recs := make([]*record, 0, len(t.records))
	for _, r := range t.records {
		recs = append(recs, r)
	}
	t.mu.RUnlock()

	var out []Summary
	for _, r := range recs {
		r.mu.Lock()
		s := r.exec.Summary()
		r.mu.Unlock()

		if f.GraphID != "" && s.GraphID != f.GraphID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		if f.ActiveOnly && s.Status.Terminal() {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// HasLive reports whether any execution of graphID is PENDING or RUNNING.
func (t *Tracker) HasLive(graphID string) bool {
	return len(t.List(ListFilter{GraphID: graphID, ActiveOnly: true})) > 0
}

// Delete removes a terminal execution. Its id is never reused.
func (t *Tracker) Delete(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[id]
	if !ok {
		return flowerr.NotFound(flowerr.ResourceExecution, id)
	}
	r.mu.Lock()
	status := r.exec.Status
	r.mu.Unlock()
	if !status.Terminal() {
		return flowerr.Conflict(flowerr.ResourceExecution, id, "execution is still "+string(status))
	}

	delete(t.records, id)
	t.retired[id] = struct{}{}
	return nil
}

// Events returns the events with a sequence number greater than after.
func (t *Tracker) Events(id string, after int64) ([]Event, error) {
	r, ok := t.lookup(id)
	if !ok {
		return nil, flowerr.NotFound(flowerr.ResourceExecution, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if after < 0 {
		after = 0
	}
	if after >= int64(len(r.events)) {
		return nil, nil
	}
	return append([]Event(nil), r.events[after:]...), nil
}

// Watch returns a channel closed at the next recorded event.
func (t *Tracker) Watch(id string) (<-chan struct{}, error) {
	r, ok := t.lookup(id)
	if !ok {
		return nil, flowerr.NotFound(flowerr.ResourceExecution, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notify, nil
}

// Done returns a channel closed once the execution is terminal.
func (t *Tracker) Done(id string) (<-chan struct{}, error) {
	r, ok := t.lookup(id)
	if !ok {
		return nil, flowerr.NotFound(flowerr.ResourceExecution, id)
	}
	return r.done, nil
}

// Wait blocks until the execution is terminal or ctx ends, then returns
// its final state.
func (t *Tracker) Wait(ctx context.Context, id string) (Execution, error) {
	done, err := t.Done(id)
	if err != nil {
		return Execution{}, err
	}
	select {
	case <-done:
		return t.Get(id)
	case <-ctx.Done():
		return Execution{}, ctx.Err()
	}
}
