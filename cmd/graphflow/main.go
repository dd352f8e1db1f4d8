// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command graphflow runs the pipeline orchestrator and talks to it.
//
// # Usage
//
//	graphflow serve                         # start the server
//	graphflow graph create -f pipeline.yaml # store a graph
//	graphflow run speech-pipeline --input '{"audio_file":"a.wav"}' --wait
//	graphflow watch <execution-id>          # live node view
//
// Configuration is read from ~/.graphflow/graphflow.yaml (created on first
// run) or --config, then GRAPHFLOW_* environment variables.
package main

import (
	"os"

	"github.com/AleutianAI/graphflow/pkg/ux"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		ux.Error(os.Stderr, err.Error())
		os.Exit(exitCode(err))
	}
}
