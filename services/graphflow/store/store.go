// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store holds validated graph definitions.
//
// # Description
//
// GraphStore validates every definition before accepting it and delegates
// persistence to a Backend: in-memory, BadgerDB or Google Cloud Storage.
// Definitions are immutable once stored; Replace swaps in a whole new
// validated definition under the same id.
//
// # Thread Safety
//
// GraphStore is safe for concurrent use if its Backend is.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/graphflow/services/graphflow/flowerr"
	"github.com/AleutianAI/graphflow/services/graphflow/graph"
)

var tracer = otel.Tracer("graphflow.store")

// Backend errors. GraphStore translates them into flowerr values.
var (
	// ErrExists is returned by Backend.Insert for an id already present.
	ErrExists = errors.New("graph already exists")

	// ErrMissing is returned by Backend methods for an unknown id.
	ErrMissing = errors.New("graph does not exist")
)

// Backend persists graph definitions. Implementations never validate; they
// store what GraphStore hands them.
type Backend interface {
	// Insert stores g, failing with ErrExists if g.ID is taken.
	Insert(ctx context.Context, g graph.Graph) error

	// Update overwrites g, failing with ErrMissing if g.ID is unknown.
	Update(ctx context.Context, g graph.Graph) error

	// Get loads a graph, failing with ErrMissing if id is unknown.
	Get(ctx context.Context, id string) (graph.Graph, error)

	// Scan yields every stored graph. Each range over the sequence starts
	// a fresh scan.
	Scan(ctx context.Context) iter.Seq2[graph.Graph, error]

	// Remove deletes a graph, failing with ErrMissing if id is unknown.
	Remove(ctx context.Context, id string) error

	// Close releases backend resources.
	Close() error
}

// LiveChecker reports whether a graph still has PENDING or RUNNING
// executions.
type LiveChecker interface {
	HasLive(graphID string) bool
}

// Filter narrows List results. The zero Filter matches every graph.
type Filter struct {
	Type graph.GraphType
}

func (f Filter) matches(g graph.Graph) bool {
	return f.Type == "" || g.Type == f.Type
}

// GraphStore validates and stores graph definitions.
type GraphStore struct {
	backend Backend
	live    LiveChecker
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a GraphStore.
//
// Inputs:
//
//	backend - Persistence backend. Must not be nil.
//	live - Reports live executions; Delete refuses graphs it flags. Nil
//	       means no graph is ever considered live.
//	logger - Optional logger; slog.Default() when nil.
func New(backend Backend, live LiveChecker, logger *slog.Logger) *GraphStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphStore{
		backend: backend,
		live:    live,
		logger:  logger.With(slog.String("component", "graph_store")),
		now:     time.Now,
	}
}

// Create validates g and stores it.
//
// Description:
//
//	Applies defaults (DAG type, derived edge ids), assigns a UUID when g.ID
//	is empty, and validates every structural invariant. Nothing is stored
//	if validation fails.
//
// Outputs:
//
//	string - The graph id.
//	error - *graph.InvalidGraphError, or a flowerr conflict if the id is taken.
func (s *GraphStore) Create(ctx context.Context, g graph.Graph) (string, error) {
	ctx, span := tracer.Start(ctx, "GraphStore.Create")
	defer span.End()

	g = g.Normalized()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("graph.id", g.ID))

	if err := graph.Validate(g); err != nil {
		s.logger.Info("graph rejected",
			slog.String("graph_id", g.ID),
			slog.String("error", err.Error()))
		return "", recordErr(span, err)
	}

	now := s.now().UTC()
	g.CreatedAt, g.UpdatedAt = now, now
	if err := s.backend.Insert(ctx, g); err != nil {
		return "", recordErr(span, s.translate(g.ID, err))
	}

	s.logger.Info("graph created",
		slog.String("graph_id", g.ID),
		slog.Int("nodes", len(g.Nodes)),
		slog.Int("edges", len(g.Edges)))
	return g.ID, nil
}

// Get returns the graph with the given id, or a flowerr not-found error.
func (s *GraphStore) Get(ctx context.Context, id string) (graph.Graph, error) {
	g, err := s.backend.Get(ctx, id)
	if err != nil {
		return graph.Graph{}, s.translate(id, err)
	}
	return g, nil
}

// List returns summaries of the stored graphs matching f.
//
// The sequence is lazy and finite. Each range over it performs a fresh
// scan, so it can be restarted. Order is whatever the backend yields and
// is only stable within one iteration.
func (s *GraphStore) List(ctx context.Context, f Filter) iter.Seq2[graph.Summary, error] {
	return func(yield func(graph.Summary, error) bool) {
		for g, err := range s.backend.Scan(ctx) {
			if err != nil {
				yield(graph.Summary{}, fmt.Errorf("list graphs: %w", err))
				return
			}
			if !f.matches(g) {
				continue
			}
			if !yield(g.Summary(), nil) {
				return
			}
		}
	}
}

// Count returns the number of stored graphs.
func (s *GraphStore) Count(ctx context.Context) (int, error) {
	n := 0
	for _, err := range s.List(ctx, Filter{}) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// Replace swaps the definition stored under g.ID for g.
//
// The new definition is validated exactly like Create. Executions already
// running keep the snapshot they started with.
func (s *GraphStore) Replace(ctx context.Context, g graph.Graph) error {
	ctx, span := tracer.Start(ctx, "GraphStore.Replace",
		trace.WithAttributes(attribute.String("graph.id", g.ID)))
	defer span.End()

	if g.ID == "" {
		return recordErr(span, &graph.InvalidGraphError{Violations: []graph.Violation{{
			Kind:    graph.ViolationInvalidField,
			Field:   "Graph.ID",
			Message: "replace requires a graph id",
		}}})
	}

	existing, err := s.backend.Get(ctx, g.ID)
	if err != nil {
		return recordErr(span, s.translate(g.ID, err))
	}

	g = g.Normalized()
	if err := graph.Validate(g); err != nil {
		return recordErr(span, err)
	}
	g.CreatedAt = existing.CreatedAt
	g.UpdatedAt = s.now().UTC()

	if err := s.backend.Update(ctx, g); err != nil {
		return recordErr(span, s.translate(g.ID, err))
	}
	s.logger.Info("graph replaced", slog.String("graph_id", g.ID))
	return nil
}

// Upsert creates g, or replaces it when g.ID is already stored.
//
// Outputs:
//
//	bool - True when the graph was created rather than replaced.
func (s *GraphStore) Upsert(ctx context.Context, g graph.Graph) (bool, error) {
	if g.ID != "" {
		if _, err := s.backend.Get(ctx, g.ID); err == nil {
			return false, s.Replace(ctx, g)
		} else if !errors.Is(err, ErrMissing) {
			return false, s.translate(g.ID, err)
		}
	}
	_, err := s.Create(ctx, g)
	return err == nil, err
}

// Delete removes a graph definition.
//
// Description:
//
//	Fails with a flowerr conflict while any execution of the graph is
//	PENDING or RUNNING. Terminal executions hold their own snapshot and
//	are unaffected.
func (s *GraphStore) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "GraphStore.Delete",
		trace.WithAttributes(attribute.String("graph.id", id)))
	defer span.End()

	if s.live != nil && s.live.HasLive(id) {
		err := flowerr.Conflict(flowerr.ResourceGraph, id, "graph has executions that are still pending or running")
		return recordErr(span, err)
	}
	if err := s.backend.Remove(ctx, id); err != nil {
		return recordErr(span, s.translate(id, err))
	}
	s.logger.Info("graph deleted", slog.String("graph_id", id))
	return nil
}

// Close closes the backend.
func (s *GraphStore) Close() error {
	return s.backend.Close()
}

func (s *GraphStore) translate(id string, err error) error {
	switch {
	case errors.Is(err, ErrMissing):
		return flowerr.NotFound(flowerr.ResourceGraph, id)
	case errors.Is(err, ErrExists):
		return flowerr.Conflict(flowerr.ResourceGraph, id, "a graph with this id already exists")
	default:
		return fmt.Errorf("graph %s: %w", id, err)
	}
}

func recordErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
