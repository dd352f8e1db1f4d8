// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads graphflow.yaml.
package config

import (
	"time"

	bstore "github.com/AleutianAI/graphflow/services/graphflow/storage/badger"
	"github.com/AleutianAI/graphflow/services/graphflow/history"
	"github.com/AleutianAI/graphflow/services/graphflow/store"
	"github.com/AleutianAI/graphflow/services/graphflow/telemetry"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendGCS    = "gcs"
)

// Config is the full graphflow configuration, shared by the server and the
// CLI client commands.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Client    ClientConfig     `yaml:"client"`
	Storage   StorageConfig    `yaml:"storage"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Adapters  AdaptersConfig   `yaml:"adapters"`
	Watch     WatchConfig      `yaml:"watch"`
	History   HistoryConfig    `yaml:"history"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Logging   LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" validate:"required"`
	GRPCAddr        string        `yaml:"grpc_addr"` // empty disables the gRPC health server
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

type ClientConfig struct {
	// ServerURL is where the CLI commands send requests.
	ServerURL string        `yaml:"server_url" validate:"required,url"`
	Timeout   time.Duration `yaml:"timeout" validate:"gte=0"`
}

type StorageConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory badger gcs"`

	// Badger is used when Backend is "badger".
	Badger bstore.Config `yaml:"badger" validate:"-"`

	// GCS is used when Backend is "gcs".
	GCS store.GCSConfig `yaml:"gcs" validate:"-"`
}

type SchedulerConfig struct {
	MaxInFlight        int           `yaml:"max_in_flight" validate:"gte=0"`
	MaxConcurrentNodes int64         `yaml:"max_concurrent_nodes" validate:"gte=0"`
	ExecutionTimeout   time.Duration `yaml:"execution_timeout" validate:"gte=0"`
	FailurePolicy      string        `yaml:"failure_policy" validate:"omitempty,oneof=fail_branch fail_fast"`
}

// AdapterConfig configures one HTTP node adapter. Zero values use the
// adapter defaults.
type AdapterConfig struct {
	Endpoint  string        `yaml:"endpoint" validate:"omitempty,url"`
	Timeout   time.Duration `yaml:"timeout" validate:"gte=0"`
	RateLimit float64       `yaml:"rate_limit" validate:"gte=0"`
	Burst     int           `yaml:"burst" validate:"gte=0"`

	MaxAttempts int           `yaml:"max_attempts" validate:"gte=0"`
	Backoff     time.Duration `yaml:"backoff" validate:"gte=0"`
	MaxBackoff  time.Duration `yaml:"max_backoff" validate:"gte=0"`
}

// LLMConfig adds the model and API key source to AdapterConfig. The key
// is read from APIKeyEnv, then APIKeyFile; neither is required for local
// backends.
type LLMConfig struct {
	AdapterConfig `yaml:",inline"`

	Model      string `yaml:"model"`
	APIKeyEnv  string `yaml:"api_key_env"`
	APIKeyFile string `yaml:"api_key_file"`
}

type AdaptersConfig struct {
	SpeechToText  AdapterConfig `yaml:"speech_to_text"`
	TextToSpeech  AdapterConfig `yaml:"text_to_speech"`
	LLMChat       LLMConfig     `yaml:"llm_chat"`
	LLMCompletion LLMConfig     `yaml:"llm_completion"`
	CustomService AdapterConfig `yaml:"custom_service"`
}

// WatchConfig enables the graph definition directory. An empty Dir
// disables it.
type WatchConfig struct {
	Dir      string        `yaml:"dir"`
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`
}

// HistoryConfig enables the InfluxDB execution history sink.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`

	history.Config `yaml:",inline"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns a configuration that runs everything locally:
// in-memory graphs, adapters on their default localhost ports, no
// history sink.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9096",
			ShutdownTimeout: 30 * time.Second,
		},
		Client: ClientConfig{
			ServerURL: "http://localhost:8080",
			Timeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Badger: bstore.Config{
				Path:           "~/.graphflow/data",
				SyncWrites:     true,
				GCInterval:     5 * time.Minute,
				GCDiscardRatio: 0.5,
			},
		},
		Scheduler: SchedulerConfig{
			MaxInFlight:      8,
			ExecutionTimeout: 10 * time.Minute,
			FailurePolicy:    "fail_branch",
		},
		Adapters: AdaptersConfig{
			LLMChat:       LLMConfig{APIKeyEnv: "GRAPHFLOW_LLM_API_KEY"},
			LLMCompletion: LLMConfig{APIKeyEnv: "GRAPHFLOW_LLM_API_KEY"},
		},
		Watch: WatchConfig{Debounce: 200 * time.Millisecond},
		History: HistoryConfig{
			Config: history.Config{
				URL:           "http://localhost:8086",
				Org:           "graphflow",
				Bucket:        "executions",
				BatchSize:     history.DefaultBatchSize,
				FlushInterval: history.DefaultFlushInterval,
				QueueSize:     history.DefaultQueueSize,
			},
		},
		Telemetry: telemetry.DefaultConfig(),
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.graphflow/logs",
		},
	}
}
