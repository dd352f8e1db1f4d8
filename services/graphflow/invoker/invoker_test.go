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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/graphflow/services/graphflow/graph"
	"github.com/AleutianAI/graphflow/services/graphflow/invoker/invokertest"
)

func TestRegistry_UnknownTypeIsPermanent(t *testing.T) {
	r := NewRegistry()
	_, err := r.Invoke(context.Background(), Request{NodeType: "TELEPORT"})

	var ie *InvocationError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, KindPermanent, ie.Kind)
	assert.ErrorIs(t, err, ErrInvocation)
	assert.Contains(t, err.Error(), "TELEPORT")
}

func TestRegistry_ClassifiesPlainErrors(t *testing.T) {
	r := NewRegistry()
	r.Register(graph.NodeTypeCustomService, InvokerFunc(func(ctx context.Context, req Request) (graph.Values, error) {
		return nil, fmt.Errorf("wrapped: %w", context.DeadlineExceeded)
	}))
	r.Register(graph.NodeTypeDataTransform, InvokerFunc(func(ctx context.Context, req Request) (graph.Values, error) {
		return nil, nil
	}))

	_, err := r.Invoke(context.Background(), Request{NodeType: graph.NodeTypeCustomService})
	assert.True(t, IsTransient(err))

	out, err := r.Invoke(context.Background(), Request{NodeType: graph.NodeTypeDataTransform})
	require.NoError(t, err)
	assert.NotNil(t, out)

	assert.Equal(t, []graph.NodeType{graph.NodeTypeCustomService, graph.NodeTypeDataTransform}, r.Types())
}

func TestClassify(t *testing.T) {
	nt := graph.NodeTypeLLMChat
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"cancelled", context.Canceled, KindPermanent},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTransient},
		{"network", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, KindTransient},
		{"other", errors.New("boom"), KindPermanent},
		{"already classified", Transient(nt, "x", nil), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(nt, tt.err).Kind)
		})
	}
	assert.Nil(t, Classify(nt, nil))
}

func TestClassifyStatus(t *testing.T) {
	for status, want := range map[int]Kind{
		http.StatusRequestTimeout:      KindTransient,
		http.StatusTooManyRequests:     KindTransient,
		http.StatusInternalServerError: KindTransient,
		http.StatusServiceUnavailable:  KindTransient,
		http.StatusBadRequest:          KindPermanent,
		http.StatusUnauthorized:        KindPermanent,
		http.StatusNotFound:            KindPermanent,
	} {
		assert.Equal(t, want, classifyStatus(graph.NodeTypeCustomService, status, "").Kind, "status %d", status)
	}
}

func TestRetryPolicy(t *testing.T) {
	t.Run("retries transient until success", func(t *testing.T) {
		calls := 0
		err := RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}.Do(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return Transient(graph.NodeTypeLLMChat, "busy", nil)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("never retries permanent", func(t *testing.T) {
		calls := 0
		err := RetryPolicy{MaxAttempts: 5, Backoff: time.Millisecond}.Do(context.Background(), func(context.Context) error {
			calls++
			return Permanent(graph.NodeTypeLLMChat, "bad request", nil)
		})
		assert.Equal(t, KindPermanent, KindOf(err))
		assert.Equal(t, 1, calls)
	})

	t.Run("reports last error when exhausted", func(t *testing.T) {
		calls := 0
		err := RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond}.Do(context.Background(), func(context.Context) error {
			calls++
			return Transient(graph.NodeTypeLLMChat, fmt.Sprintf("attempt %d", calls), nil)
		})
		assert.True(t, IsTransient(err))
		assert.Contains(t, err.Error(), "attempt 2")
	})

	t.Run("zero value makes one attempt", func(t *testing.T) {
		calls := 0
		_ = RetryPolicy{}.Do(context.Background(), func(context.Context) error {
			calls++
			return Transient(graph.NodeTypeLLMChat, "busy", nil)
		})
		assert.Equal(t, 1, calls)
	})
}

func TestNodeConfigOverrides(t *testing.T) {
	cfg := graph.Values{
		"service_endpoint": graph.String("localhost:7000/"),
		"timeout_ms":       graph.Int(250),
	}
	assert.Equal(t, "http://localhost:7000", normalizeEndpoint(endpointFor(cfg, "unused")))
	assert.Equal(t, 250*time.Millisecond, timeoutFor(cfg, time.Minute))
	assert.Equal(t, time.Minute, timeoutFor(nil, time.Minute))
	assert.Equal(t, "http://def:1", normalizeEndpoint(endpointFor(nil, "http://def:1")))
}

func TestDefaultRegistry_CoversEveryNodeType(t *testing.T) {
	r := NewDefaultRegistry(Adapters{})
	for _, nt := range []graph.NodeType{
		graph.NodeTypeSpeechToText,
		graph.NodeTypeTextToSpeech,
		graph.NodeTypeLLMChat,
		graph.NodeTypeLLMCompletion,
		graph.NodeTypeDataTransform,
		graph.NodeTypeCustomService,
	} {
		_, ok := r.Lookup(nt)
		assert.True(t, ok, nt)
	}
}

func TestRateLimitedBackend(t *testing.T) {
	srv := invokertest.NewServer(t)
	stt := NewSpeechToText(Options{Endpoint: srv.Endpoint(), RateLimit: 20, Burst: 1})
	req := Request{NodeID: "stt1", Inputs: graph.Values{"audio_file": graph.String("a.wav")}}

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := stt.Invoke(context.Background(), req)
		require.NoError(t, err)
	}
	// Burst 1 at 20/s spaces the second and third calls by 50ms each.
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
