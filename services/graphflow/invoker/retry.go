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
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy is an adapter's opt-in retry behaviour. Only transient
// failures are retried. The zero value makes exactly one attempt.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// Do runs fn until it succeeds, fails permanently, the attempts are
// exhausted or ctx ends. The last error fn returned is reported.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	if p.MaxAttempts <= 1 {
		return fn(ctx)
	}

	eb := backoff.NewExponentialBackOff()
	if p.Backoff > 0 {
		eb.InitialInterval = p.Backoff
	}
	if p.MaxBackoff > 0 {
		eb.MaxInterval = p.MaxBackoff
	}

	var last error
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		last = fn(ctx)
		if last != nil && !IsTransient(last) {
			return struct{}{}, backoff.Permanent(last)
		}
		return struct{}{}, last
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	)
	if err != nil && last != nil {
		// Retry reports the context error when ctx ends mid-backoff.
		return last
	}
	return err
}
