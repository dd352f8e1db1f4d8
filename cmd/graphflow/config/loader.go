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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "GRAPHFLOW_"

// ErrInvalid wraps validation failures.
var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultPath returns ~/.graphflow/graphflow.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".graphflow", "graphflow.yaml"), nil
}

// Load reads the configuration.
//
// Description:
//
//	With an empty path the default location is used, and the default
//	configuration is written there on first run. An explicit path must
//	exist. Values from the file are layered over DefaultConfig, then
//	GRAPHFLOW_* environment variables override them, then the result is
//	validated.
//
// Outputs:
//
//	Config - The effective configuration.
//	string - The file that was read.
//	error - Read, parse or validation failure (ErrInvalid).
func Load(path string) (Config, string, error) {
	if path == "" {
		def, err := DefaultPath()
		if err != nil {
			return Config{}, "", err
		}
		path = def
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "First run detected, creating the config at %s\n", path)
			if err := createDefault(path); err != nil {
				return Config{}, "", err
			}
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, path, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, path, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, path, nil
}

// Parse decodes YAML over the defaults, applies the environment and
// validates.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse the config: %w", err)
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks struct tags, plus the settings of the selected storage
// backend.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	switch c.Storage.Backend {
	case BackendBadger:
		if c.Storage.Badger.Path == "" && !c.Storage.Badger.InMemory {
			return fmt.Errorf("%w: storage.badger.path is required", ErrInvalid)
		}
	case BackendGCS:
		if err := validate.Struct(c.Storage.GCS); err != nil {
			return fmt.Errorf("%w: storage.gcs: %w", ErrInvalid, err)
		}
	}
	if c.History.Enabled && (c.History.URL == "" || c.History.Org == "" || c.History.Bucket == "") {
		return fmt.Errorf("%w: history needs url, org and bucket", ErrInvalid)
	}
	return nil
}

// applyEnv overrides fields from GRAPHFLOW_* variables. lookup is
// os.LookupEnv outside tests.
func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}

	str("HTTP_ADDR", &c.Server.HTTPAddr)
	str("GRPC_ADDR", &c.Server.GRPCAddr)
	str("SERVER_URL", &c.Client.ServerURL)
	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("BADGER_PATH", &c.Storage.Badger.Path)
	str("GCS_BUCKET", &c.Storage.GCS.Bucket)
	str("GRAPH_DIR", &c.Watch.Dir)
	str("FAILURE_POLICY", &c.Scheduler.FailurePolicy)
	integer("MAX_IN_FLIGHT", &c.Scheduler.MaxInFlight)
	dur("EXECUTION_TIMEOUT", &c.Scheduler.ExecutionTimeout)
	str("STT_ENDPOINT", &c.Adapters.SpeechToText.Endpoint)
	str("TTS_ENDPOINT", &c.Adapters.TextToSpeech.Endpoint)
	str("LLM_ENDPOINT", &c.Adapters.LLMChat.Endpoint)
	str("LLM_ENDPOINT", &c.Adapters.LLMCompletion.Endpoint)
	str("LLM_MODEL", &c.Adapters.LLMChat.Model)
	str("LLM_MODEL", &c.Adapters.LLMCompletion.Model)
	str("CUSTOM_ENDPOINT", &c.Adapters.CustomService.Endpoint)
	str("INFLUX_URL", &c.History.URL)
	str("INFLUX_TOKEN", &c.History.Token)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_DIR", &c.Logging.Dir)

	if v, ok := lookup(EnvPrefix + "HISTORY_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sHISTORY_ENABLED: %w", EnvPrefix, err))
		} else {
			c.History.Enabled = b
		}
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	return errors.Join(errs...)
}
