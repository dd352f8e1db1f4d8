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
	"log/slog"

	"github.com/AleutianAI/graphflow/services/graphflow/graph"
)

// Default speech backends.
const (
	DefaultSTTEndpoint = "http://localhost:9091"
	DefaultTTSEndpoint = "http://localhost:9092"

	defaultVoice       = "nova"
	defaultAudioFormat = "mp3"
)

type transcribeRequest struct {
	AudioFile string `json:"audio_file,omitempty"`
	Audio     string `json:"audio,omitempty"`
	Language  string `json:"language,omitempty"`
	Model     string `json:"model,omitempty"`
}

type transcribeResponse struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// SpeechToText transcribes audio through the speech service.
//
// Consumes audio_file (a path the service can read) or audio (base64
// data). Config language and model are forwarded. Produces transcript and
// confidence.
type SpeechToText struct {
	b *backend
}

// NewSpeechToText creates the SPEECH_TO_TEXT adapter.
func NewSpeechToText(opts Options) *SpeechToText {
	return &SpeechToText{b: newBackend(graph.NodeTypeSpeechToText, opts, DefaultSTTEndpoint)}
}

// Invoke implements Invoker.
func (s *SpeechToText) Invoke(ctx context.Context, req Request) (graph.Values, error) {
	body := transcribeRequest{
		AudioFile: req.Inputs.StringOr("audio_file", ""),
		Audio:     req.Inputs.StringOr("audio", ""),
		Language:  req.Config.StringOr("language", ""),
		Model:     req.Config.StringOr("model", ""),
	}
	if body.AudioFile == "" && body.Audio == "" {
		return nil, Permanent(s.b.nodeType, "missing input audio_file or audio", nil)
	}

	var resp transcribeResponse
	url := s.b.endpoint(req) + "/v1/transcribe"
	err := s.b.call(ctx, req, func(ctx context.Context) error {
		return s.b.postJSON(ctx, url, body, &resp)
	})
	if err != nil {
		return nil, err
	}

	s.b.logger.Info("STT node executed",
		slog.String("node_id", req.NodeID),
		slog.Int("transcript_length", len(resp.Transcript)))
	return graph.Values{
		"transcript": graph.String(resp.Transcript),
		"confidence": graph.Number(resp.Confidence),
	}, nil
}

type synthesizeRequest struct {
	Text   string `json:"text"`
	Voice  string `json:"voice"`
	Format string `json:"format"`
}

type synthesizeResponse struct {
	AudioChunks []string `json:"audio_chunks"`
	Format      string   `json:"format"`
}

// TextToSpeech synthesises speech through the speech service.
//
// Consumes text. Config voice (default nova) and format (default mp3).
// Produces audio_chunks, a list of base64 strings, and format.
type TextToSpeech struct {
	b *backend
}

// NewTextToSpeech creates the TEXT_TO_SPEECH adapter.
func NewTextToSpeech(opts Options) *TextToSpeech {
	return &TextToSpeech{b: newBackend(graph.NodeTypeTextToSpeech, opts, DefaultTTSEndpoint)}
}

// Invoke implements Invoker.
func (s *TextToSpeech) Invoke(ctx context.Context, req Request) (graph.Values, error) {
	text, ok := req.Inputs.FirstString("text")
	if !ok {
		return nil, Permanent(s.b.nodeType, "missing input text", nil)
	}
	body := synthesizeRequest{
		Text:   text,
		Voice:  req.Config.StringOr("voice", defaultVoice),
		Format: req.Config.StringOr("format", defaultAudioFormat),
	}

	var resp synthesizeResponse
	url := s.b.endpoint(req) + "/v1/synthesize"
	err := s.b.call(ctx, req, func(ctx context.Context) error {
		return s.b.postJSON(ctx, url, body, &resp)
	})
	if err != nil {
		return nil, err
	}

	chunks := make([]graph.Value, len(resp.AudioChunks))
	for i, c := range resp.AudioChunks {
		chunks[i] = graph.String(c)
	}
	format := resp.Format
	if format == "" {
		format = body.Format
	}

	s.b.logger.Info("TTS node executed",
		slog.String("node_id", req.NodeID),
		slog.Int("text_length", len(text)),
		slog.Int("chunks_received", len(chunks)))
	return graph.Values{
		"audio_chunks": graph.List(chunks...),
		"format":       graph.String(format),
	}, nil
}
