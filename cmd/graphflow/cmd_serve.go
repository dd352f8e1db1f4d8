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
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/graphflow/pkg/logging"
	"github.com/AleutianAI/graphflow/services/graphflow/telemetry"
)

func runServe(cmd *cobra.Command, args []string) error {
	if serveGraphDir != "" {
		cfg.Watch.Dir = serveGraphDir
	}
	if serveHTTPAddr != "" {
		cfg.Server.HTTPAddr = serveHTTPAddr
	}
	if serveLogLevel != "" {
		cfg.Logging.Level = serveLogLevel
	}
	if serveStorageArg != "" {
		cfg.Storage.Backend = serveStorageArg
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logs := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Telemetry.ServiceName,
		JSON:    cfg.Logging.JSON,
	})
	defer logs.Close()
	logger := logs.Slog()
	slog.SetDefault(logger)
	if level != logging.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	srv, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("starting graphflow",
		slog.String("http_addr", cfg.Server.HTTPAddr),
		slog.String("grpc_addr", cfg.Server.GRPCAddr),
		slog.String("storage", cfg.Storage.Backend),
		slog.String("graph_dir", cfg.Watch.Dir),
		slog.String("log_file", logs.FilePath()),
	)
	if err := srv.run(ctx); err != nil {
		logger.Error("graphflow stopped with an error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("graphflow stopped")
	return nil
}
