// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name string `json:"name"`
}

// TestOpenInMemory verifies JSON round trips through a transaction.
func TestOpenInMemory(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return PutJSON(txn, "graph:a", record{Name: "alpha"})
	}))

	var got record
	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return GetJSON(txn, "graph:a", &got)
	}))
	assert.Equal(t, "alpha", got.Name)
	assert.True(t, db.InMemory())
}

// TestOpenPersistent verifies data survives a reopen.
func TestOpenPersistent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.GCInterval = time.Hour

	db, err := Open(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return PutJSON(txn, "graph:p", record{Name: "persisted"})
	}))
	require.NoError(t, db.Close())

	db2, err := Open(cfg)
	require.NoError(t, err)
	defer db2.Close()

	var got record
	require.NoError(t, db2.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return GetJSON(txn, "graph:p", &got)
	}))
	assert.Equal(t, "persisted", got.Name)
	assert.Equal(t, cfg.Path, db2.Path())
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestGetJSON_MissingKey(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	err = db.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		var r record
		return GetJSON(txn, "nope", &r)
	})
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestWithTxn_RollsBackOnError(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_ = db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := PutJSON(txn, "graph:x", record{Name: "x"}); err != nil {
			return err
		}
		return assert.AnError
	})

	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		ok, err := Exists(txn, "graph:x")
		assert.False(t, ok)
		return err
	}))
}

func TestWithTxn_CancelledContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = db.WithTxn(ctx, func(txn *badger.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScan_PrefixAndEarlyStop(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, k := range []string{"graph:1", "graph:2", "graph:3", "other:1"} {
			if err := PutJSON(txn, k, record{Name: k}); err != nil {
				return err
			}
		}
		return nil
	}))

	var all []string
	for raw, err := range db.Scan(ctx, "graph:") {
		require.NoError(t, err)
		all = append(all, string(raw))
	}
	assert.Len(t, all, 3)

	// Restartable, and an early break releases the transaction.
	count := 0
	for _, err := range db.Scan(ctx, "graph:") {
		require.NoError(t, err)
		count++
		if count == 1 {
			break
		}
	}
	assert.Equal(t, 1, count)
}
