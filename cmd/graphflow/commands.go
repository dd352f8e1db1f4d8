// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/graphflow/cmd/graphflow/config"
	"github.com/AleutianAI/graphflow/pkg/ux"
	"github.com/AleutianAI/graphflow/services/graphflow/client"
)

// --- Global Command Variables ---
var (
	configPath string
	serverURL  string
	outputMode string

	// cfg is loaded by the root PersistentPreRunE.
	cfg config.Config

	rootCmd = &cobra.Command{
		Use:   "graphflow",
		Short: "Run and manage AI pipeline graphs",
		Long: `graphflow executes directed acyclic graphs of AI service calls
(speech-to-text, language models, text-to-speech, transforms and custom
services), tracking every node of every execution.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if outputMode != "" {
				ux.SetMode(ux.ParseMode(outputMode))
			} else {
				ux.InitMode()
			}
			loaded, _, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			if serverURL != "" {
				cfg.Client.ServerURL = serverURL
			}
			return nil
		},
	}

	// --- Server ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator (HTTP API, gRPC health, graph directory watcher)",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	// --- Graphs ---
	graphCmd = &cobra.Command{
		Use:   "graph",
		Short: "Manage graph definitions",
	}
	graphCreateCmd = &cobra.Command{
		Use:   "create -f FILE",
		Short: "Validate and store a graph from a YAML or JSON file",
		Args:  cobra.NoArgs,
		RunE:  runGraphCreate, // Defined in cmd_graph.go
	}
	graphListCmd = &cobra.Command{
		Use:   "list",
		Short: "List stored graphs",
		Args:  cobra.NoArgs,
		RunE:  runGraphList, // Defined in cmd_graph.go
	}
	graphGetCmd = &cobra.Command{
		Use:   "get GRAPH_ID",
		Short: "Print a graph definition",
		Args:  cobra.ExactArgs(1),
		RunE:  runGraphGet, // Defined in cmd_graph.go
	}
	graphDeleteCmd = &cobra.Command{
		Use:   "delete GRAPH_ID",
		Short: "Delete a graph definition",
		Args:  cobra.ExactArgs(1),
		RunE:  runGraphDelete, // Defined in cmd_graph.go
	}

	// --- Executions ---
	runCmd = &cobra.Command{
		Use:   "run GRAPH_ID",
		Short: "Start an execution of a graph",
		Long: `Start an execution of a graph.

Examples:
  graphflow run speech-pipeline --input '{"audio_file":"hello.wav"}'
  graphflow run speech-pipeline --input @input.json --wait
  graphflow run chain --policy fail_fast --timeout 30s`,
		Args: cobra.ExactArgs(1),
		RunE: runRun, // Defined in cmd_execution.go
	}
	statusCmd = &cobra.Command{
		Use:   "status EXECUTION_ID",
		Short: "Show the state of an execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus, // Defined in cmd_execution.go
	}
	cancelCmd = &cobra.Command{
		Use:   "cancel EXECUTION_ID",
		Short: "Cancel a running execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel, // Defined in cmd_execution.go
	}
	watchCmd = &cobra.Command{
		Use:   "watch EXECUTION_ID",
		Short: "Follow an execution live",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch, // Defined in cmd_watch.go
	}
)

// Command flags.
var (
	graphFile       string
	graphListType   string
	graphDeleteYes  bool
	runInput        string
	runWait         bool
	runPolicy       string
	runTimeout      string
	runExecutionID  string
	runMaxInFlight  int
	cancelReason    string
	serveGraphDir   string
	serveHTTPAddr   string
	serveLogLevel   string
	serveStorageArg string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.graphflow/graphflow.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL, overrides client.server_url")
	rootCmd.PersistentFlags().StringVarP(&outputMode, "output", "o", "", "output mode: rich or plain (default: plain when stdout is not a terminal)")

	serveCmd.Flags().StringVar(&serveGraphDir, "graph-dir", "", "directory of graph files to load and watch")
	serveCmd.Flags().StringVar(&serveHTTPAddr, "http-addr", "", "HTTP listen address")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "debug, info, warn or error")
	serveCmd.Flags().StringVar(&serveStorageArg, "storage", "", "graph storage: memory, badger or gcs")

	graphCreateCmd.Flags().StringVarP(&graphFile, "file", "f", "", "graph definition (.yaml, .yml or .json)")
	_ = graphCreateCmd.MarkFlagRequired("file")
	graphListCmd.Flags().StringVar(&graphListType, "type", "", "only DAG or TREE graphs")
	graphDeleteCmd.Flags().BoolVarP(&graphDeleteYes, "yes", "y", false, "do not ask for confirmation")
	graphCmd.AddCommand(graphCreateCmd, graphListCmd, graphGetCmd, graphDeleteCmd)

	runCmd.Flags().StringVar(&runInput, "input", "", "input JSON object, or @file")
	runCmd.Flags().BoolVar(&runWait, "wait", false, "wait for the execution to finish")
	runCmd.Flags().StringVar(&runPolicy, "policy", "", "fail_branch or fail_fast")
	runCmd.Flags().StringVar(&runTimeout, "timeout", "", "execution timeout, e.g. 30s")
	runCmd.Flags().StringVar(&runExecutionID, "id", "", "execution id to use")
	runCmd.Flags().IntVar(&runMaxInFlight, "max-in-flight", 0, "concurrent node limit for this execution")
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "reason recorded on the execution")

	rootCmd.AddCommand(serveCmd, graphCmd, runCmd, statusCmd, cancelCmd, watchCmd)
}

// newClient returns an API client for the configured server.
func newClient() *client.Client {
	return client.New(cfg.Client.ServerURL, &http.Client{Timeout: cfg.Client.Timeout})
}
