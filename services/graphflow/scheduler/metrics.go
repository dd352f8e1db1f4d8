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
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/graphflow/services/graphflow/execution"
	"github.com/AleutianAI/graphflow/services/graphflow/graph"
)

var meter = otel.Meter("graphflow.scheduler")

// schedulerMetrics holds the OpenTelemetry instruments. Any instrument may
// be nil if its creation failed; recording then becomes a no-op.
type schedulerMetrics struct {
	once sync.Once

	executions    metric.Int64Counter
	nodeDuration  metric.Float64Histogram
	nodesInFlight metric.Int64UpDownCounter
	execDuration  metric.Float64Histogram
}

// init lazily creates the instruments. Failures are logged together and
// leave observability degraded rather than failing executions.
func (m *schedulerMetrics) init(logger *slog.Logger) {
	m.once.Do(func() {
		var initErrors []string
		var err error

		m.executions, err = meter.Int64Counter("graphflow_executions_total",
			metric.WithDescription("Executions finished, by final status"),
		)
		if err != nil {
			initErrors = append(initErrors, "executions: "+err.Error())
		}

		m.nodeDuration, err = meter.Float64Histogram("graphflow_node_duration_seconds",
			metric.WithDescription("Time spent invoking each node"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_duration: "+err.Error())
		}

		m.nodesInFlight, err = meter.Int64UpDownCounter("graphflow_nodes_in_flight",
			metric.WithDescription("Node invocations currently running"),
		)
		if err != nil {
			initErrors = append(initErrors, "nodes_in_flight: "+err.Error())
		}

		m.execDuration, err = meter.Float64Histogram("graphflow_execution_duration_seconds",
			metric.WithDescription("Wall time from submission to terminal status"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "execution_duration: "+err.Error())
		}

		if len(initErrors) > 0 {
			logger.Error("failed to initialize some scheduler metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

func (m *schedulerMetrics) nodeStarted(ctx context.Context, t graph.NodeType) {
	if m.nodesInFlight != nil {
		m.nodesInFlight.Add(ctx, 1, metric.WithAttributes(attribute.String("node_type", string(t))))
	}
}

func (m *schedulerMetrics) nodeFinished(ctx context.Context, t graph.NodeType, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("node_type", string(t)))
	if m.nodesInFlight != nil {
		m.nodesInFlight.Add(ctx, -1, attrs)
	}
	if m.nodeDuration != nil {
		m.nodeDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("node_type", string(t)),
			attribute.String("outcome", outcome),
		))
	}
}

func (m *schedulerMetrics) executionFinished(ctx context.Context, status execution.Status, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	if m.executions != nil {
		m.executions.Add(ctx, 1, attrs)
	}
	if m.execDuration != nil {
		m.execDuration.Record(ctx, d.Seconds(), attrs)
	}
}
