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
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/llms"
	lcopenai "github.com/tmc/langchaingo/llms/openai"

	"github.com/AleutianAI/graphflow/services/graphflow/graph"
)

// Default LLM backend: any OpenAI-compatible server.
const (
	DefaultLLMEndpoint = "http://localhost:9095/v1"
	DefaultLLMModel    = "gpt-4o-mini"

	// placeholderToken satisfies clients that refuse an empty key when the
	// local backend needs none.
	placeholderToken = "unused"
)

// LLMOptions configure the LLM adapters.
type LLMOptions struct {
	Options

	// Model is used when the node does not configure one.
	Model string

	// APIKey may be nil for local backends.
	APIKey *Secret
}

// llmPrompt extracts the prompt and generation settings shared by both
// LLM adapters.
type llmPrompt struct {
	text        string
	model       string
	system      string
	temperature float64
	maxTokens   int
}

func parsePrompt(t graph.NodeType, req Request, defModel string) (llmPrompt, error) {
	text, ok := req.Inputs.FirstString("text", "transcript", "prompt")
	if !ok {
		return llmPrompt{}, Permanent(t, "missing input text, transcript or prompt", nil)
	}
	return llmPrompt{
		text:        text,
		model:       req.Config.StringOr("model", defModel),
		system:      req.Config.StringOr("system_prompt", ""),
		temperature: req.Config.NumberOr("temperature", -1),
		maxTokens:   int(req.Config.NumberOr("max_tokens", 0)),
	}, nil
}

// LLMChat calls a chat completion endpoint with go-openai.
//
// Consumes text, else transcript, else prompt. Config model,
// system_prompt, temperature and max_tokens. Produces response_text,
// message_id and model.
type LLMChat struct {
	b     *backend
	model string
	key   *Secret
}

// NewLLMChat creates the LLM_CHAT adapter.
func NewLLMChat(opts LLMOptions) *LLMChat {
	if opts.Model == "" {
		opts.Model = DefaultLLMModel
	}
	return &LLMChat{
		b:     newBackend(graph.NodeTypeLLMChat, opts.Options, DefaultLLMEndpoint),
		model: opts.Model,
		key:   opts.APIKey,
	}
}

// Invoke implements Invoker.
func (c *LLMChat) Invoke(ctx context.Context, req Request) (graph.Values, error) {
	p, err := parsePrompt(c.b.nodeType, req, c.model)
	if err != nil {
		return nil, err
	}

	creq := openai.ChatCompletionRequest{Model: p.model}
	if p.system != "" {
		creq.Messages = append(creq.Messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: p.system,
		})
	}
	creq.Messages = append(creq.Messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: p.text,
	})
	if p.temperature >= 0 {
		creq.Temperature = float32(p.temperature)
	}
	if p.maxTokens > 0 {
		creq.MaxTokens = p.maxTokens
	}

	client, err := c.client(req)
	if err != nil {
		return nil, Permanent(c.b.nodeType, "build client", err)
	}

	var resp openai.ChatCompletionResponse
	err = c.b.call(ctx, req, func(ctx context.Context) error {
		r, err := client.CreateChatCompletion(ctx, creq)
		if err != nil {
			return classifyOpenAI(c.b.nodeType, err)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, Permanent(c.b.nodeType, "backend returned no choices", nil)
	}

	model := resp.Model
	if model == "" {
		model = p.model
	}
	c.b.logger.Info("LLM chat node executed",
		slog.String("node_id", req.NodeID),
		slog.Int("input_length", len(p.text)),
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)))
	return graph.Values{
		"response_text": graph.String(resp.Choices[0].Message.Content),
		"message_id":    graph.String(resp.ID),
		"model":         graph.String(model),
	}, nil
}

// client builds a go-openai client for req's endpoint. The key leaves the
// enclave only for the duration of the construction.
func (c *LLMChat) client(req Request) (*openai.Client, error) {
	var client *openai.Client
	err := c.key.Use(func(key string) error {
		cfg := openai.DefaultConfig(strings.Clone(key))
		cfg.BaseURL = c.b.endpoint(req)
		cfg.HTTPClient = c.b.client
		client = openai.NewClientWithConfig(cfg)
		return nil
	})
	return client, err
}

func classifyOpenAI(t graph.NodeType, err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status >= 400 {
		ie := classifyStatus(t, status, "")
		ie.Err = err
		return ie
	}
	return Classify(t, err)
}

// LLMCompletion generates text through langchaingo's OpenAI-compatible
// client. Inputs and config match LLMChat; it produces response_text and
// model.
type LLMCompletion struct {
	b     *backend
	model string
	key   *Secret
}

// NewLLMCompletion creates the LLM_COMPLETION adapter.
func NewLLMCompletion(opts LLMOptions) *LLMCompletion {
	if opts.Model == "" {
		opts.Model = DefaultLLMModel
	}
	return &LLMCompletion{
		b:     newBackend(graph.NodeTypeLLMCompletion, opts.Options, DefaultLLMEndpoint),
		model: opts.Model,
		key:   opts.APIKey,
	}
}

// Invoke implements Invoker.
func (c *LLMCompletion) Invoke(ctx context.Context, req Request) (graph.Values, error) {
	p, err := parsePrompt(c.b.nodeType, req, c.model)
	if err != nil {
		return nil, err
	}

	var msgs []llms.MessageContent
	if p.system != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, p.system))
	}
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, p.text))

	var callOpts []llms.CallOption
	if p.temperature >= 0 {
		callOpts = append(callOpts, llms.WithTemperature(p.temperature))
	}
	if p.maxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(p.maxTokens))
	}

	var text string
	err = c.b.call(ctx, req, func(ctx context.Context) error {
		rec := &statusRecorder{base: c.b.client.Transport}
		llm, err := c.llm(req, p.model, &http.Client{Transport: rec})
		if err != nil {
			return Permanent(c.b.nodeType, "build client", err)
		}
		resp, err := llm.GenerateContent(ctx, msgs, callOpts...)
		if err != nil {
			if status := int(rec.status.Load()); status >= 400 {
				ie := classifyStatus(c.b.nodeType, status, "")
				ie.Err = err
				return ie
			}
			return Classify(c.b.nodeType, err)
		}
		if len(resp.Choices) == 0 {
			return Permanent(c.b.nodeType, "backend returned no choices", nil)
		}
		text = resp.Choices[0].Content
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.b.logger.Info("LLM completion node executed",
		slog.String("node_id", req.NodeID),
		slog.Int("input_length", len(p.text)),
		slog.Int("response_length", len(text)))
	return graph.Values{
		"response_text": graph.String(text),
		"model":         graph.String(p.model),
	}, nil
}

func (c *LLMCompletion) llm(req Request, model string, client *http.Client) (*lcopenai.LLM, error) {
	var llm *lcopenai.LLM
	err := c.key.Use(func(key string) error {
		token := strings.Clone(key)
		if token == "" {
			token = placeholderToken
		}
		var err error
		llm, err = lcopenai.New(
			lcopenai.WithToken(token),
			lcopenai.WithBaseURL(c.b.endpoint(req)),
			lcopenai.WithModel(model),
			lcopenai.WithHTTPClient(client),
		)
		return err
	})
	return llm, err
}

// statusRecorder remembers the last HTTP status it saw, so failures from
// clients that hide the status can still be classified.
type statusRecorder struct {
	base   http.RoundTripper
	status atomic.Int32
}

func (s *statusRecorder) RoundTrip(r *http.Request) (*http.Response, error) {
	base := s.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(r)
	if resp != nil {
		s.status.Store(int32(resp.StatusCode))
	}
	return resp, err
}
