// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package invoker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/AleutianAI/graphflow/services/graphflow/graph"
)

// ErrInvocation matches every *InvocationError with errors.Is.
var ErrInvocation = errors.New("node invocation failed")

// Kind classifies an invocation failure.
type Kind string

const (
	// KindTransient failures may succeed on retry: timeouts, throttling,
	// 5xx responses and network errors.
	KindTransient Kind = "transient"

	// KindPermanent failures will not succeed on retry: bad input,
	// rejected requests, malformed responses and cancellation.
	KindPermanent Kind = "permanent"
)

// InvocationError is the only error type adapters return.
type InvocationError struct {
	Kind     Kind
	NodeType graph.NodeType

	// Detail is a human-readable description of what failed.
	Detail string

	// Err is the underlying cause, if any.
	Err error
}

func (e *InvocationError) Error() string {
	msg := fmt.Sprintf("%s %s failure: %s", e.NodeType, e.Kind, e.Detail)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Is matches ErrInvocation.
func (e *InvocationError) Is(target error) bool { return target == ErrInvocation }

// Transient builds a transient InvocationError.
func Transient(t graph.NodeType, detail string, err error) *InvocationError {
	return &InvocationError{Kind: KindTransient, NodeType: t, Detail: detail, Err: err}
}

// Permanent builds a permanent InvocationError.
func Permanent(t graph.NodeType, detail string, err error) *InvocationError {
	return &InvocationError{Kind: KindPermanent, NodeType: t, Detail: detail, Err: err}
}

// IsTransient reports whether err is a transient InvocationError.
func IsTransient(err error) bool {
	var ie *InvocationError
	return errors.As(err, &ie) && ie.Kind == KindTransient
}

// KindOf returns the classification of err, or KindPermanent for errors
// that are not InvocationErrors.
func KindOf(err error) Kind {
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindPermanent
}

// Classify wraps an arbitrary error as an InvocationError.
//
// Description:
//
//	An existing InvocationError is returned unchanged. Cancellation is
//	permanent, a passed deadline and network errors are transient, and
//	anything else is permanent.
func Classify(t graph.NodeType, err error) *InvocationError {
	if err == nil {
		return nil
	}
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Permanent(t, "invocation cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return Transient(t, "invocation timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(t, "network error", err)
	}
	return Permanent(t, "invocation failed", err)
}

// classifyStatus classifies a non-2xx HTTP response.
func classifyStatus(t graph.NodeType, status int, body string) *InvocationError {
	detail := fmt.Sprintf("backend returned %d %s", status, http.StatusText(status))
	if body != "" {
		detail += ": " + body
	}
	if transientStatus(status) {
		return Transient(t, detail, nil)
	}
	return Permanent(t, detail, nil)
}

func transientStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= http.StatusInternalServerError
}
