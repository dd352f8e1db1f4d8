// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package execution

import (
	"time"

	"github.com/AleutianAI/graphflow/services/graphflow/graph"
)

// EventType names an entry in an execution's event log.
type EventType string

const (
	EventExecutionStarted   EventType = "EXECUTION_STARTED"
	EventNodeReady          EventType = "NODE_READY"
	EventNodeStarted        EventType = "NODE_STARTED"
	EventNodeCompleted      EventType = "NODE_COMPLETED"
	EventNodeFailed         EventType = "NODE_FAILED"
	EventNodeSkipped        EventType = "NODE_SKIPPED"
	EventExecutionCompleted EventType = "EXECUTION_COMPLETED"
	EventExecutionFailed    EventType = "EXECUTION_FAILED"
	EventExecutionCancelled EventType = "EXECUTION_CANCELLED"
)

// Terminal reports whether the event ends the execution.
func (t EventType) Terminal() bool {
	return t == EventExecutionCompleted || t == EventExecutionFailed || t == EventExecutionCancelled
}

// Event is one entry of an execution's append-only log.
type Event struct {
	// Seq starts at 1 and increases by one per event within an execution.
	Seq         int64          `json:"seq"`
	ExecutionID string         `json:"execution_id"`
	GraphID     string         `json:"graph_id"`
	Type        EventType      `json:"type"`
	NodeID      string         `json:"node_id,omitempty"`
	NodeType    graph.NodeType `json:"node_type,omitempty"`
	Message     string         `json:"message,omitempty"`
	Time        time.Time      `json:"time"`

	// Duration is set on node completion/failure and on terminal
	// execution events.
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// Sink receives every event after it has been recorded.
//
// HandleEvent is called outside the tracker's locks from the goroutine
// that caused the event, so implementations must be safe for concurrent
// use and should not block.
type Sink interface {
	HandleEvent(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// HandleEvent calls f(ev).
func (f SinkFunc) HandleEvent(ev Event) { f(ev) }

func nodeEventType(s NodeStatus) EventType {
	switch s {
	case NodeReady:
		return EventNodeReady
	case NodeRunning:
		return EventNodeStarted
	case NodeSucceeded:
		return EventNodeCompleted
	case NodeFailed:
		return EventNodeFailed
	default:
		return EventNodeSkipped
	}
}

func terminalEventType(s Status) EventType {
	switch s {
	case StatusSucceeded:
		return EventExecutionCompleted
	case StatusCancelled:
		return EventExecutionCancelled
	default:
		return EventExecutionFailed
	}
}
