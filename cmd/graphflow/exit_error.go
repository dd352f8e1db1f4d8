// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/graphflow/services/graphflow/client"
)

// Process exit codes.
const (
	exitFailure  = 1
	exitNotFound = 4

	// exitExecutionUnsuccessful is used by run --wait and watch when the
	// execution ends FAILED or CANCELLED.
	exitExecutionUnsuccessful = 3
)

// ExitError carries a specific process exit code.
//
// # Example
//
//	return &ExitError{Code: exitExecutionUnsuccessful, Err: fmt.Errorf("execution %s FAILED", id)}
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *ExitError) Unwrap() error { return e.Err }

// exitCode picks the process exit code for err.
func exitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if client.IsNotFound(err) {
		return exitNotFound
	}
	return exitFailure
}
