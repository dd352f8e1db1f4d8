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
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/AleutianAI/graphflow/cmd/graphflow/config"
	"github.com/AleutianAI/graphflow/services/graphflow"
	"github.com/AleutianAI/graphflow/services/graphflow/execution"
	"github.com/AleutianAI/graphflow/services/graphflow/history"
	"github.com/AleutianAI/graphflow/services/graphflow/invoker"
	"github.com/AleutianAI/graphflow/services/graphflow/observability"
	"github.com/AleutianAI/graphflow/services/graphflow/scheduler"
	"github.com/AleutianAI/graphflow/services/graphflow/store"
	"github.com/AleutianAI/graphflow/services/graphflow/telemetry"
	"github.com/AleutianAI/graphflow/services/graphflow/watcher"
)

// healthServiceName is reported alongside the overall ("") status.
const healthServiceName = "graphflow.v1.Orchestrator"

// server is one assembled graphflow process.
type server struct {
	cfg    config.Config
	logger *slog.Logger

	svc     *graphflow.Service
	router  http.Handler
	watcher *watcher.Watcher
	history *history.Sink
	health  *health.Server
}

// newServer builds every component from cfg. Nothing listens yet.
//
// Description:
//
//	The order matters: the tracker gets its sinks before the scheduler
//	can create executions, and graph files are loaded before the service
//	reports ready.
func newServer(ctx context.Context, cfg config.Config, logger *slog.Logger) (*server, error) {
	backend, err := openBackend(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	tracker := execution.NewTracker(logger)
	tracker.AddSink(observability.EventSink{})

	s := &server{cfg: cfg, logger: logger, health: health.NewServer()}
	if cfg.History.Enabled {
		sink, err := history.New(cfg.History.Config, logger)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		if ok, err := sink.Ping(ctx); !ok {
			logger.Warn("InfluxDB not reachable, history points will be retried on flush",
				slog.String("url", cfg.History.URL), slog.Any("error", err))
		}
		tracker.AddSink(sink)
		s.history = sink
	}

	graphs := store.New(backend, tracker, logger)
	reg, err := newRegistry(cfg.Adapters, logger)
	if err != nil {
		_ = graphs.Close()
		return nil, err
	}
	sched := scheduler.New(graphs, tracker, reg, scheduler.Config{
		MaxInFlight:        cfg.Scheduler.MaxInFlight,
		MaxConcurrentNodes: cfg.Scheduler.MaxConcurrentNodes,
		ExecutionTimeout:   cfg.Scheduler.ExecutionTimeout,
		FailurePolicy:      scheduler.FailurePolicy(cfg.Scheduler.FailurePolicy),
	}, logger)
	s.svc = graphflow.NewService(graphs, tracker, sched, reg, logger)

	if cfg.Watch.Dir != "" {
		dir := expandHome(cfg.Watch.Dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = graphs.Close()
			return nil, fmt.Errorf("creating graph directory: %w", err)
		}
		s.watcher = watcher.New(dir, graphs, watcher.Options{Debounce: cfg.Watch.Debounce}, logger)
		if _, err := s.watcher.Sync(ctx); err != nil {
			_ = graphs.Close()
			return nil, err
		}
	}

	s.router = graphflow.NewRouter(graphflow.NewHandlers(s.svc), cfg.Telemetry.ServiceName, telemetry.MetricsHandler())
	return s, nil
}

// setServing flips readiness on HTTP and gRPC together.
func (s *server) setServing(serving bool) {
	s.svc.SetReady(serving)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(healthServiceName, status)
}

// run serves until ctx ends, then shuts everything down within the
// configured timeout.
func (s *server) run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.Server.HTTPAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, s.health)

	var grpcLis net.Listener
	if addr := s.cfg.Server.GRPCAddr; addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			_ = s.svc.Shutdown(context.Background())
			return fmt.Errorf("grpc listen %s: %w", addr, err)
		}
		grpcLis = lis
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("HTTP server listening", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcLis != nil {
		g.Go(func() error {
			s.logger.Info("gRPC health server listening", slog.String("addr", grpcLis.Addr().String()))
			return grpcSrv.Serve(grpcLis)
		})
	}
	if s.watcher != nil {
		g.Go(func() error { return s.watcher.Run(gctx) })
	}
	s.setServing(true)

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(httpSrv, grpcSrv)
	})
	return g.Wait()
}

func (s *server) shutdown(httpSrv *http.Server, grpcSrv *grpc.Server) error {
	s.logger.Info("shutting down graphflow")
	s.setServing(false)
	s.health.Shutdown()

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.svc.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.history != nil {
		if err := s.history.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("history sink: %w", err))
		}
	}
	grpcSrv.GracefulStop()
	return errors.Join(errs...)
}

// openBackend opens the configured graph storage.
func openBackend(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (store.Backend, error) {
	switch cfg.Backend {
	case config.BackendBadger:
		bcfg := cfg.Badger
		bcfg.Path = expandHome(bcfg.Path)
		bcfg.Logger = logger
		b, err := store.OpenBadgerBackend(bcfg)
		if err != nil {
			return nil, fmt.Errorf("opening badger at %s: %w", bcfg.Path, err)
		}
		logger.Info("graph storage: badger", slog.String("path", bcfg.Path))
		return b, nil
	case config.BackendGCS:
		b, err := store.NewGCSBackend(ctx, cfg.GCS)
		if err != nil {
			return nil, fmt.Errorf("opening gcs bucket %s: %w", cfg.GCS.Bucket, err)
		}
		logger.Info("graph storage: gcs", slog.String("bucket", cfg.GCS.Bucket), slog.String("prefix", cfg.GCS.Prefix))
		return b, nil
	default:
		logger.Info("graph storage: memory")
		return store.NewMemoryBackend(), nil
	}
}

// newRegistry builds the node adapters. API keys are sealed in memguard
// enclaves as they are read.
func newRegistry(cfg config.AdaptersConfig, logger *slog.Logger) (*invoker.Registry, error) {
	chatKey, err := loadKey(cfg.LLMChat)
	if err != nil {
		return nil, fmt.Errorf("llm_chat api key: %w", err)
	}
	completionKey, err := loadKey(cfg.LLMCompletion)
	if err != nil {
		return nil, fmt.Errorf("llm_completion api key: %w", err)
	}
	return invoker.NewDefaultRegistry(invoker.Adapters{
		SpeechToText: adapterOptions(cfg.SpeechToText, logger),
		TextToSpeech: adapterOptions(cfg.TextToSpeech, logger),
		LLMChat: invoker.LLMOptions{
			Options: adapterOptions(cfg.LLMChat.AdapterConfig, logger),
			Model:   cfg.LLMChat.Model,
			APIKey:  chatKey,
		},
		LLMCompletion: invoker.LLMOptions{
			Options: adapterOptions(cfg.LLMCompletion.AdapterConfig, logger),
			Model:   cfg.LLMCompletion.Model,
			APIKey:  completionKey,
		},
		CustomService: adapterOptions(cfg.CustomService, logger),
	}), nil
}

func loadKey(cfg config.LLMConfig) (*invoker.Secret, error) {
	key, err := invoker.LoadSecret(cfg.APIKeyEnv, expandHome(cfg.APIKeyFile))
	if errors.Is(err, invoker.ErrNoSecret) {
		return nil, nil
	}
	return key, err
}

func adapterOptions(cfg config.AdapterConfig, logger *slog.Logger) invoker.Options {
	return invoker.Options{
		Endpoint:  cfg.Endpoint,
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
		Burst:     cfg.Burst,
		Retry: invoker.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			Backoff:     cfg.Backoff,
			MaxBackoff:  cfg.MaxBackoff,
		},
		Logger: logger,
	}
}

// expandHome replaces a leading "~/" with the home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
