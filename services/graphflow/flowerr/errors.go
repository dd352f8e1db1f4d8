// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package flowerr holds the error types shared by the graph store and the
// execution tracker.
//
// # Description
//
// Both stores report missing and conflicting resources the same way so the
// HTTP layer can map them to status codes with a single errors.Is check.
package flowerr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches any *NotFoundError.
	ErrNotFound = errors.New("not found")

	// ErrConflict matches any *ConflictError.
	ErrConflict = errors.New("conflict")
)

// Resource names used in error values.
const (
	ResourceGraph     = "graph"
	ResourceExecution = "execution"
)

// NotFoundError reports an unknown graph or execution id.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NotFound returns a *NotFoundError for the given resource.
func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// ConflictError reports an operation blocked by the current state of a
// resource, e.g. deleting a graph with live executions.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Resource, e.ID, e.Reason)
}

// Is reports whether target is ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Conflict returns a *ConflictError for the given resource.
func Conflict(resource, id, reason string) error {
	return &ConflictError{Resource: resource, ID: id, Reason: reason}
}
