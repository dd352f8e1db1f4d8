// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watcher keeps the graph store in sync with a directory of graph
// definition files.
//
// # Description
//
// Every *.yaml, *.yml and *.json file in the directory holds one graph.
// Sync loads them all once; Run then follows the directory with fsnotify,
// batching bursts of events for a debounce window before applying them.
// A file that exists is upserted, a file that is gone deletes the graph it
// defined. Files that fail to parse or validate are logged and skipped
// without touching the stored graph.
//
// # Thread Safety
//
// Sync and Run may be called from different goroutines. Run may only be
// called once.
package watcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/graphflow/services/graphflow/graph"
	"github.com/AleutianAI/graphflow/services/graphflow/observability"
)

// ErrUnsupportedFile is returned by LoadFile for files that are not YAML or
// JSON by extension.
var ErrUnsupportedFile = errors.New("unsupported graph file extension")

// GraphWriter is the part of the graph store the watcher drives.
type GraphWriter interface {
	Upsert(ctx context.Context, g graph.Graph) (bool, error)
	Delete(ctx context.Context, id string) error
}

// Options configures a Watcher.
type Options struct {
	// Debounce is how long to wait after the last event before applying a
	// batch. Editors often write a file in several steps.
	Debounce time.Duration

	// IgnorePatterns are filepath.Match patterns tested against file base
	// names.
	IgnorePatterns []string
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Debounce: 200 * time.Millisecond,
		IgnorePatterns: []string{
			".*",
			"*~",
			"*.swp",
			"*.tmp",
		},
	}
}

// Watcher mirrors a directory of graph files into a GraphWriter.
type Watcher struct {
	dir    string
	graphs GraphWriter
	opts   Options
	logger *slog.Logger

	changes chan string

	// owned maps a file path to the graph id it last defined, so removing
	// the file or renaming the id inside it deletes the right graph.
	mu    sync.Mutex
	owned map[string]string
}

// New creates a watcher for dir.
func New(dir string, graphs GraphWriter, opts Options, logger *slog.Logger) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultOptions().Debounce
	}
	if opts.IgnorePatterns == nil {
		opts.IgnorePatterns = DefaultOptions().IgnorePatterns
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:     dir,
		graphs:  graphs,
		opts:    opts,
		logger:  logger.With(slog.String("component", "watcher"), slog.String("dir", dir)),
		changes: make(chan string, 256),
		owned:   make(map[string]string),
	}
}

// Sync loads every graph file currently in the directory.
//
// Outputs:
//
//	int - Number of graphs upserted.
//	error - Non-nil only when the directory cannot be read. Bad files are
//	        logged and counted as skipped.
func (w *Watcher) Sync(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("reading graph directory: %w", err)
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if w.shouldIgnore(path) {
			continue
		}
		if w.apply(ctx, path) {
			loaded++
		}
	}
	w.logger.Info("graph directory loaded", slog.Int("graphs", loaded), slog.Int("files", len(entries)))
	return loaded, nil
}

// Run follows the directory until ctx is cancelled.
//
// Description:
//
//	Subdirectories are not followed. Run returns nil on cancellation and
//	an error only when the fsnotify watch cannot be set up.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.debounceLoop(ctx)
	}()

	w.logger.Info("watching graph directory", slog.Duration("debounce", w.opts.Debounce))
	w.processEvents(ctx, fsw)
	wg.Wait()
	return nil
}

// processEvents forwards relevant fsnotify events to the debounce loop.
func (w *Watcher) processEvents(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			if w.shouldIgnore(event.Name) {
				continue
			}
			select {
			case w.changes <- event.Name:
			case <-ctx.Done():
				return
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error", slog.String("error", err.Error()))
		}
	}
}

// debounceLoop batches paths and applies them once the window passes
// without new events.
func (w *Watcher) debounceLoop(ctx context.Context) {
	var batch []string
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		for _, path := range dedupe(batch) {
			w.apply(ctx, path)
		}
		batch = batch[:0]
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case path := <-w.changes:
			batch = append(batch, path)
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.opts.Debounce)
			}
		case <-timerC:
			flush()
		}
	}
}

// dedupe keeps the first occurrence of each path, preserving order.
func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// apply reconciles one path with the store. The current state of the file
// decides, not the event that reported it. Reports whether a graph was
// upserted.
func (w *Watcher) apply(ctx context.Context, path string) bool {
	logger := w.logger.With(slog.String("file", filepath.Base(path)))

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		w.remove(ctx, path, logger)
		return false
	}
	if err != nil {
		logger.Warn("cannot stat graph file", slog.String("error", err.Error()))
		return false
	}
	if info.IsDir() {
		return false
	}

	g, err := LoadFile(path)
	if err == nil {
		_, err = w.graphs.Upsert(ctx, g)
	}
	observability.RecordReload("upsert", err)
	if err != nil {
		logger.Warn("graph file skipped", slog.String("error", err.Error()))
		return false
	}

	w.mu.Lock()
	previous, had := w.owned[path]
	w.owned[path] = g.ID
	w.mu.Unlock()

	logger.Info("graph loaded", slog.String("graph_id", g.ID), slog.Int("nodes", len(g.Nodes)))
	if had && previous != g.ID {
		w.deleteGraph(ctx, previous, logger)
	}
	return true
}

func (w *Watcher) remove(ctx context.Context, path string, logger *slog.Logger) {
	w.mu.Lock()
	id, ok := w.owned[path]
	w.mu.Unlock()
	if !ok {
		return
	}
	if w.deleteGraph(ctx, id, logger) {
		w.mu.Lock()
		delete(w.owned, path)
		w.mu.Unlock()
	}
}

func (w *Watcher) deleteGraph(ctx context.Context, id string, logger *slog.Logger) bool {
	err := w.graphs.Delete(ctx, id)
	observability.RecordReload("delete", err)
	if err != nil {
		logger.Warn("graph not deleted", slog.String("graph_id", id), slog.String("error", err.Error()))
		return false
	}
	logger.Info("graph deleted", slog.String("graph_id", id))
	return true
}

// shouldIgnore reports whether path is not a graph file.
func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.opts.IgnorePatterns {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return !supported(path)
}

func supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// LoadFile reads one graph definition.
//
// Description:
//
//	The format follows the extension. Unknown fields are rejected so that
//	typos such as "source_outpt" surface instead of producing an edge
//	with an empty port. When the file sets no id, the base name without
//	extension is used. The graph is validated before it is returned.
//
// Outputs:
//
//	graph.Graph - The parsed graph.
//	error - ErrUnsupportedFile, a parse error or *graph.InvalidGraphError.
func LoadFile(path string) (graph.Graph, error) {
	if !supported(path) {
		return graph.Graph{}, fmt.Errorf("%w: %s", ErrUnsupportedFile, filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return graph.Graph{}, err
	}
	g, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return graph.Graph{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if g.ID == "" {
		g.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := graph.Validate(g); err != nil {
		return graph.Graph{}, err
	}
	return g, nil
}

// Parse decodes a graph from data. ext is ".json" for JSON; anything else
// is read as YAML.
func Parse(data []byte, ext string) (graph.Graph, error) {
	var g graph.Graph
	if strings.EqualFold(ext, ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&g); err != nil {
			return graph.Graph{}, fmt.Errorf("decoding JSON: %w", err)
		}
		return g, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&g); err != nil {
		return graph.Graph{}, fmt.Errorf("decoding YAML: %w", err)
	}
	return g, nil
}
