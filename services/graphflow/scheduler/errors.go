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
	"errors"
	"fmt"
	"time"
)

var (
	// ErrExecutionTimeout matches every *ExecutionTimeoutError.
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrExecutionCancelled is the cancellation cause of an execution
	// cancelled on request.
	ErrExecutionCancelled = errors.New("execution cancelled")

	// ErrShuttingDown is returned by Submit after Shutdown, and is the
	// cancellation cause of executions still running at shutdown.
	ErrShuttingDown = errors.New("scheduler shutting down")

	// ErrInvalidSubmission is returned for malformed submit options.
	ErrInvalidSubmission = errors.New("invalid submission")

	// errFailFast is the internal cancellation cause under FailFast.
	errFailFast = errors.New("node failed under fail_fast policy")
)

// ExecutionTimeoutError is the cancellation cause when an execution
// exceeds its overall timeout.
type ExecutionTimeoutError struct {
	ExecutionID string
	Timeout     time.Duration
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("execution %s exceeded timeout of %s", e.ExecutionID, e.Timeout)
}

// Is matches ErrExecutionTimeout.
func (e *ExecutionTimeoutError) Is(target error) bool { return target == ErrExecutionTimeout }

// cancelRequest is the cancellation cause of Scheduler.Cancel. It carries
// the caller's reason so the coordinator can record it.
type cancelRequest struct {
	reason string
}

func (e *cancelRequest) Error() string {
	if e.reason == "" {
		return "cancelled by request"
	}
	return e.reason
}

func (e *cancelRequest) Unwrap() error { return ErrExecutionCancelled }
