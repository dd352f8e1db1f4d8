// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"iter"
	"sort"
	"sync"

	"github.com/AleutianAI/graphflow/services/graphflow/graph"
)

// MemoryBackend keeps graphs in a map. Data is lost on restart.
type MemoryBackend struct {
	mu     sync.RWMutex
	graphs map[string]graph.Graph
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{graphs: make(map[string]graph.Graph)}
}

func (b *MemoryBackend) Insert(_ context.Context, g graph.Graph) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.graphs[g.ID]; ok {
		return ErrExists
	}
	b.graphs[g.ID] = g.Clone()
	return nil
}

func (b *MemoryBackend) Update(_ context.Context, g graph.Graph) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.graphs[g.ID]; !ok {
		return ErrMissing
	}
	b.graphs[g.ID] = g.Clone()
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, id string) (graph.Graph, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	g, ok := b.graphs[id]
	if !ok {
		return graph.Graph{}, ErrMissing
	}
	return g.Clone(), nil
}

// Scan snapshots the id set when iteration starts and yields graphs in id
// order. Graphs removed mid-iteration are skipped.
func (b *MemoryBackend) Scan(ctx context.Context) iter.Seq2[graph.Graph, error] {
	return func(yield func(graph.Graph, error) bool) {
		b.mu.RLock()
		ids := make([]string, 0, len(b.graphs))
		for id := range b.graphs {
			ids = append(ids, id)
		}
		b.mu.RUnlock()
		sort.Strings(ids)

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(graph.Graph{}, err)
				return
			}
			g, err := b.Get(ctx, id)
			if err != nil {
				continue
			}
			if !yield(g, nil) {
				return
			}
		}
	}
}

func (b *MemoryBackend) Remove(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.graphs[id]; !ok {
		return ErrMissing
	}
	delete(b.graphs, id)
	return nil
}

func (b *MemoryBackend) Close() error { return nil }
