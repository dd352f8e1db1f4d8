// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graphflow is the HTTP face of the pipeline orchestrator.
//
// # Description
//
// Service bundles the graph store, the execution tracker, the scheduler
// and the node invoker registry. Handlers expose them under /v1 with gin;
// RegisterRoutes wires the endpoints and NewRouter adds tracing, metrics
// and recovery middleware.
//
// # Thread Safety
//
// All types are safe for concurrent use.
package graphflow

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/AleutianAI/graphflow/services/graphflow/execution"
	"github.com/AleutianAI/graphflow/services/graphflow/invoker"
	"github.com/AleutianAI/graphflow/services/graphflow/scheduler"
	"github.com/AleutianAI/graphflow/services/graphflow/store"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.1.0"

// Service holds the orchestrator components.
type Service struct {
	Graphs    *store.GraphStore
	Tracker   *execution.Tracker
	Scheduler *scheduler.Scheduler
	Invokers  *invoker.Registry

	logger *slog.Logger
	ready  atomic.Bool
}

// NewService assembles a Service. It starts not ready; call SetReady once
// startup work such as loading graph files is done.
func NewService(graphs *store.GraphStore, tracker *execution.Tracker, sched *scheduler.Scheduler, reg *invoker.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Graphs:    graphs,
		Tracker:   tracker,
		Scheduler: sched,
		Invokers:  reg,
		logger:    logger,
	}
}

// SetReady flips the readiness reported by /ready.
func (s *Service) SetReady(ready bool) { s.ready.Store(ready) }

// Ready reports whether the service accepts work.
func (s *Service) Ready() bool { return s.ready.Load() }

// Shutdown marks the service not ready, stops the scheduler and closes the
// graph store.
func (s *Service) Shutdown(ctx context.Context) error {
	s.SetReady(false)
	schedErr := s.Scheduler.Shutdown(ctx)
	storeErr := s.Graphs.Close()
	if err := errors.Join(schedErr, storeErr); err != nil {
		return err
	}
	s.logger.Info("graphflow service stopped")
	return nil
}
