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
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/graphflow/services/graphflow/graph"
	bstore "github.com/AleutianAI/graphflow/services/graphflow/storage/badger"
)

const graphKeyPrefix = "graph:"

// BadgerBackend stores each graph as a JSON record under "graph:<id>".
type BadgerBackend struct {
	db *bstore.DB
}

// NewBadgerBackend wraps an open database. The backend takes ownership and
// closes db on Close.
func NewBadgerBackend(db *bstore.DB) *BadgerBackend {
	return &BadgerBackend{db: db}
}

// OpenBadgerBackend opens a database with cfg and wraps it.
func OpenBadgerBackend(cfg bstore.Config) (*BadgerBackend, error) {
	db, err := bstore.Open(cfg)
	if err != nil {
		return nil, err
	}
	return NewBadgerBackend(db), nil
}

func graphKey(id string) string { return graphKeyPrefix + id }

func (b *BadgerBackend) Insert(ctx context.Context, g graph.Graph) error {
	return b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		exists, err := bstore.Exists(txn, graphKey(g.ID))
		if err != nil {
			return err
		}
		if exists {
			return ErrExists
		}
		return bstore.PutJSON(txn, graphKey(g.ID), g)
	})
}

func (b *BadgerBackend) Update(ctx context.Context, g graph.Graph) error {
	return b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		exists, err := bstore.Exists(txn, graphKey(g.ID))
		if err != nil {
			return err
		}
		if !exists {
			return ErrMissing
		}
		return bstore.PutJSON(txn, graphKey(g.ID), g)
	})
}

func (b *BadgerBackend) Get(ctx context.Context, id string) (graph.Graph, error) {
	var g graph.Graph
	err := b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return bstore.GetJSON(txn, graphKey(id), &g)
	})
	if errors.Is(err, bstore.ErrKeyNotFound) {
		return graph.Graph{}, ErrMissing
	}
	return g, err
}

func (b *BadgerBackend) Scan(ctx context.Context) iter.Seq2[graph.Graph, error] {
	return func(yield func(graph.Graph, error) bool) {
		for raw, err := range b.db.Scan(ctx, graphKeyPrefix) {
			if err != nil {
				yield(graph.Graph{}, err)
				return
			}
			var g graph.Graph
			if err := json.Unmarshal(raw, &g); err != nil {
				yield(graph.Graph{}, fmt.Errorf("decode graph record: %w", err))
				return
			}
			if !yield(g, nil) {
				return
			}
		}
	}
}

func (b *BadgerBackend) Remove(ctx context.Context, id string) error {
	return b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		exists, err := bstore.Exists(txn, graphKey(id))
		if err != nil {
			return err
		}
		if !exists {
			return ErrMissing
		}
		return txn.Delete([]byte(graphKey(id)))
	})
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
