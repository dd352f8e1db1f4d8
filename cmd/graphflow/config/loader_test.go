// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, ":9096", cfg.Server.GRPCAddr)
	assert.Equal(t, 8, cfg.Scheduler.MaxInFlight)
}

func TestDefaultConfigRoundTripsThroughYAML(t *testing.T) {
	data, err := yaml.Marshal(DefaultConfig())
	require.NoError(t, err)
	assert.Contains(t, string(data), "execution_timeout: 10m0s")

	cfg, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Scheduler, cfg.Scheduler)
	assert.Equal(t, DefaultConfig().History, cfg.History)
}

func TestParseLayersOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  http_addr: ":9000"
storage:
  backend: badger
  badger:
    path: /var/lib/graphflow
scheduler:
  execution_timeout: 90s
  failure_policy: fail_fast
adapters:
  llm_chat:
    endpoint: http://llm:9095/v1
    model: llama3
    max_attempts: 3
`))
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.HTTPAddr)
	assert.Equal(t, ":9096", cfg.Server.GRPCAddr, "unset fields keep their default")
	assert.Equal(t, "/var/lib/graphflow", cfg.Storage.Badger.Path)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.ExecutionTimeout)
	assert.Equal(t, "fail_fast", cfg.Scheduler.FailurePolicy)
	assert.Equal(t, "llama3", cfg.Adapters.LLMChat.Model)
	assert.Equal(t, 3, cfg.Adapters.LLMChat.MaxAttempts)
	assert.Equal(t, "GRAPHFLOW_LLM_API_KEY", cfg.Adapters.LLMChat.APIKeyEnv)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown backend", "storage: {backend: postgres}"},
		{"gcs without bucket", "storage: {backend: gcs}"},
		{"bad policy", "scheduler: {failure_policy: retry}"},
		{"negative in-flight", "scheduler: {max_in_flight: -1}"},
		{"bad endpoint", "adapters: {speech_to_text: {endpoint: 'not a url'}}"},
		{"bad log level", "logging: {level: loud}"},
		{"bad trace exporter", "telemetry: {trace_exporter: zipkin}"},
		{"history without org", "history: {enabled: true, org: ''}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	_, err := Parse([]byte("server: ["))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"GRAPHFLOW_HTTP_ADDR":         ":7000",
		"GRAPHFLOW_STORAGE_BACKEND":   "gcs",
		"GRAPHFLOW_GCS_BUCKET":        "graphs",
		"GRAPHFLOW_MAX_IN_FLIGHT":     "2",
		"GRAPHFLOW_EXECUTION_TIMEOUT": "45s",
		"GRAPHFLOW_LLM_ENDPOINT":      "http://llm:1/v1",
		"GRAPHFLOW_LOG_LEVEL":         "DEBUG",
		"GRAPHFLOW_HISTORY_ENABLED":   "true",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := DefaultConfig()
	require.NoError(t, applyEnv(&cfg, lookup))
	assert.Equal(t, ":7000", cfg.Server.HTTPAddr)
	assert.Equal(t, BackendGCS, cfg.Storage.Backend)
	assert.Equal(t, "graphs", cfg.Storage.GCS.Bucket)
	assert.Equal(t, 2, cfg.Scheduler.MaxInFlight)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.ExecutionTimeout)
	assert.Equal(t, "http://llm:1/v1", cfg.Adapters.LLMChat.Endpoint)
	assert.Equal(t, "http://llm:1/v1", cfg.Adapters.LLMCompletion.Endpoint)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.History.Enabled)
	require.NoError(t, cfg.Validate())

	env = map[string]string{
		"GRAPHFLOW_MAX_IN_FLIGHT":     "many",
		"GRAPHFLOW_EXECUTION_TIMEOUT": "soon",
	}
	cfg = DefaultConfig()
	err := applyEnv(&cfg, lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GRAPHFLOW_MAX_IN_FLIGHT")
	assert.Contains(t, err.Error(), "GRAPHFLOW_EXECUTION_TIMEOUT")
}

func TestLoad(t *testing.T) {
	t.Run("first run writes the default file", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("HOME", home)

		cfg, path, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, ".graphflow", "graphflow.yaml"), path)
		assert.FileExists(t, path)
		assert.Equal(t, DefaultConfig().Server, cfg.Server)
	})

	t.Run("explicit path", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "graphflow.yaml")
		require.NoError(t, os.WriteFile(path, []byte("watch: {dir: /graphs}\n"), 0o644))

		cfg, got, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, path, got)
		assert.Equal(t, "/graphs", cfg.Watch.Dir)
	})

	t.Run("explicit path must exist", func(t *testing.T) {
		_, _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}
