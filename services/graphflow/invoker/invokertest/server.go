// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package invokertest provides a fake backend speaking every adapter's
// wire format, for tests.
package invokertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// Paths served by Server.
const (
	PathTranscribe = "/v1/transcribe"
	PathSynthesize = "/v1/synthesize"
	PathChat       = "/v1/chat/completions"
)

// Transcript is what the fake STT backend returns.
const Transcript = "hello from the fake transcriber"

// Server is a fake speech, LLM and custom-service backend.
//
// Every handled request is recorded in order. Fail queues status codes a
// path returns before it starts succeeding. SetDelay and Block hold
// responses back, always giving up when the request context ends.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	calls    []Call
	failures map[string][]int
	delay    time.Duration
	block    chan struct{}
}

// Call is one recorded request.
type Call struct {
	Path string
	Body map[string]any
	At   time.Time
}

// NewServer starts a Server closed at test cleanup.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{failures: make(map[string][]int)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathTranscribe, s.wrap(s.transcribe))
	mux.HandleFunc("POST "+PathSynthesize, s.wrap(s.synthesize))
	mux.HandleFunc("POST "+PathChat, s.wrap(s.chat))
	mux.HandleFunc("POST /v1/{method}", s.wrap(s.custom))

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Endpoint returns the base endpoint for speech and custom adapters.
func (s *Server) Endpoint() string { return s.Server.URL }

// LLMEndpoint returns the base endpoint for the OpenAI-compatible adapters.
func (s *Server) LLMEndpoint() string { return s.Server.URL + "/v1" }

// Fail makes path answer with each status in turn before succeeding.
func (s *Server) Fail(path string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = append(s.failures[path], statuses...)
}

// SetDelay holds every response for d.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Block holds every response until Unblock is called or the request ends.
func (s *Server) Block() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.block == nil {
		s.block = make(chan struct{})
	}
}

// Unblock releases requests held by Block.
func (s *Server) Unblock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.block != nil {
		close(s.block)
		s.block = nil
	}
}

// Calls returns the recorded requests in arrival order.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Paths returns the recorded request paths in arrival order.
func (s *Server) Paths() []string {
	var out []string
	for _, c := range s.Calls() {
		out = append(out, c.Path)
	}
	return out
}

func (s *Server) wrap(h func(body map[string]any, r *http.Request) any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		s.mu.Lock()
		s.calls = append(s.calls, Call{Path: r.URL.Path, Body: body, At: time.Now()})
		var status int
		if q := s.failures[r.URL.Path]; len(q) > 0 {
			status, s.failures[r.URL.Path] = q[0], q[1:]
		}
		delay, block := s.delay, s.block
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if block != nil {
			select {
			case <-block:
			case <-r.Context().Done():
				return
			}
		}

		if status != 0 {
			http.Error(w, fmt.Sprintf(`{"error":{"message":"injected %d"}}`, status), status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h(body, r))
	}
}

func (s *Server) transcribe(map[string]any, *http.Request) any {
	return map[string]any{"transcript": Transcript, "confidence": 0.93}
}

func (s *Server) synthesize(body map[string]any, _ *http.Request) any {
	return map[string]any{
		"audio_chunks": []string{"Y2h1bmsx", "Y2h1bmsy"},
		"format":       body["format"],
	}
}

// chat answers "echo: <last message content>".
func (s *Server) chat(body map[string]any, _ *http.Request) any {
	var last string
	if msgs, ok := body["messages"].([]any); ok && len(msgs) > 0 {
		if m, ok := msgs[len(msgs)-1].(map[string]any); ok {
			last = messageText(m["content"])
		}
	}
	model, _ := body["model"].(string)
	return map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": "echo: " + last},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
	}
}

// messageText accepts both plain string content and the array-of-parts
// form some clients send.
func messageText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var out string
		for _, p := range c {
			if part, ok := p.(map[string]any); ok {
				if text, ok := part["text"].(string); ok {
					out += text
				}
			}
		}
		return out
	}
	return ""
}

// custom echoes the request inputs under "echo".
func (s *Server) custom(body map[string]any, r *http.Request) any {
	return map[string]any{
		"method": r.PathValue("method"),
		"echo":   body["inputs"],
	}
}
