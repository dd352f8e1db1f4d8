// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history records execution outcomes in InfluxDB.
//
// # Description
//
// Sink is an execution.Sink. It turns node completions, failures and skips
// into "graphflow_node" points and terminal execution events into
// "graphflow_execution" points, and writes them in batches from a single
// background goroutine. HandleEvent never blocks the tracker: when the
// queue is full the event is dropped and counted.
//
// Ids with unbounded cardinality (execution ids) are stored as fields, not
// tags.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/graphflow/services/graphflow/execution"
)

// Measurement names.
const (
	MeasurementNode      = "graphflow_node"
	MeasurementExecution = "graphflow_execution"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 2 * time.Second
	DefaultQueueSize     = 1024
)

// ErrClosed is returned by Close on a second call.
var ErrClosed = errors.New("history sink closed")

// PointWriter writes points synchronously. api.WriteAPIBlocking
// implements it.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Config configures the InfluxDB connection and batching.
type Config struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`

	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	QueueSize     int           `yaml:"queue_size"`
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

// Sink batches execution events into InfluxDB points.
//
// Thread Safety: HandleEvent is safe for concurrent use.
type Sink struct {
	cfg    Config
	writer PointWriter
	client influxdb2.Client // nil when built with NewWithWriter
	logger *slog.Logger

	queue   chan execution.Event
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// New connects to InfluxDB and starts the writer goroutine.
//
// The client connects lazily; use Ping to check the server.
func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("history: url, org and bucket are required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := newSink(cfg, client.WriteAPIBlocking(cfg.Org, cfg.Bucket), logger)
	s.client = client
	return s, nil
}

// NewWithWriter starts a Sink over an existing writer.
func NewWithWriter(w PointWriter, cfg Config, logger *slog.Logger) *Sink {
	return newSink(cfg, w, logger)
}

func newSink(cfg Config, w PointWriter, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	s := &Sink{
		cfg:     cfg,
		writer:  w,
		logger:  logger.With(slog.String("component", "history")),
		queue:   make(chan execution.Event, cfg.QueueSize),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

// Ping reports whether the InfluxDB server is reachable. A Sink built with
// NewWithWriter always reports true.
func (s *Sink) Ping(ctx context.Context) (bool, error) {
	if s.client == nil {
		return true, nil
	}
	return s.client.Ping(ctx)
}

// HandleEvent implements execution.Sink.
func (s *Sink) HandleEvent(ev execution.Event) {
	if !recorded(ev.Type) {
		return
	}
	select {
	case <-s.stop:
		return
	default:
	}
	select {
	case s.queue <- ev:
	default:
		if s.dropped.Add(1)%100 == 1 {
			s.logger.Warn("history queue full, dropping events",
				slog.Int64("dropped_total", s.dropped.Load()))
		}
	}
}

// Stats returns the number of points written, events dropped because the
// queue was full, and points lost to write errors.
func (s *Sink) Stats() (written, dropped, failed int64) {
	return s.written.Load(), s.dropped.Load(), s.failed.Load()
}

// Close flushes queued events and stops the writer goroutine.
func (s *Sink) Close(ctx context.Context) error {
	closed := false
	s.once.Do(func() {
		close(s.stop)
		closed = true
	})
	if !closed {
		return ErrClosed
	}

	select {
	case <-s.stopped:
	case <-ctx.Done():
		return fmt.Errorf("history flush: %w", ctx.Err())
	}
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

func (s *Sink) run() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*write.Point, 0, s.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.writer.WritePoint(ctx, batch...); err != nil {
			s.failed.Add(int64(len(batch)))
			s.logger.Error("failed to write execution history",
				slog.Int("points", len(batch)),
				slog.String("error", err.Error()))
		} else {
			s.written.Add(int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-s.queue:
			batch = append(batch, Point(ev))
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stop:
			for {
				select {
				case ev := <-s.queue:
					batch = append(batch, Point(ev))
				default:
					flush()
					return
				}
			}
		}
	}
}

func recorded(t execution.EventType) bool {
	switch t {
	case execution.EventNodeCompleted, execution.EventNodeFailed, execution.EventNodeSkipped:
		return true
	}
	return t.Terminal()
}

// Point converts an event into its InfluxDB point.
func Point(ev execution.Event) *write.Point {
	if ev.Type.Terminal() {
		return influxdb2.NewPointWithMeasurement(MeasurementExecution).
			AddTag("graph_id", ev.GraphID).
			AddTag("event", string(ev.Type)).
			AddField("execution_id", ev.ExecutionID).
			AddField("duration_ms", ev.Duration.Milliseconds()).
			AddField("message", ev.Message).
			SetTime(ev.Time)
	}
	return influxdb2.NewPointWithMeasurement(MeasurementNode).
		AddTag("graph_id", ev.GraphID).
		AddTag("node_id", ev.NodeID).
		AddTag("node_type", string(ev.NodeType)).
		AddTag("event", string(ev.Type)).
		AddField("execution_id", ev.ExecutionID).
		AddField("duration_ms", ev.Duration.Milliseconds()).
		AddField("message", ev.Message).
		SetTime(ev.Time)
}
