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
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/AleutianAI/graphflow/services/graphflow/graph"
)

// GCSConfig selects the bucket that holds graph definitions.
type GCSConfig struct {
	Bucket string `yaml:"bucket" validate:"required"`

	// Prefix is prepended to every object name, e.g. "prod/".
	Prefix string `yaml:"prefix"`

	// CredentialsFile is a service account key. Empty uses application
	// default credentials.
	CredentialsFile string `yaml:"credentials_file"`
}

// GCSBackend stores each graph as the object "<prefix>graphs/<id>.json".
type GCSBackend struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSBackend creates a storage client for cfg.
func NewGCSBackend(ctx context.Context, cfg GCSConfig) (*GCSBackend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return NewGCSBackendFromClient(client, cfg), nil
}

// NewGCSBackendFromClient wraps an existing client, such as one pointed at
// an emulator. The backend owns client and closes it on Close.
func NewGCSBackendFromClient(client *storage.Client, cfg GCSConfig) *GCSBackend {
	return &GCSBackend{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}
}

func (b *GCSBackend) dir() string { return b.prefix + "graphs/" }

func (b *GCSBackend) object(id string) *storage.ObjectHandle {
	return b.client.Bucket(b.bucket).Object(b.dir() + id + ".json")
}

// Insert relies on a DoesNotExist precondition so concurrent creators of
// the same id cannot both succeed.
func (b *GCSBackend) Insert(ctx context.Context, g graph.Graph) error {
	obj := b.object(g.ID).If(storage.Conditions{DoesNotExist: true})
	err := b.write(ctx, obj, g)
	if isPreconditionFailed(err) {
		return ErrExists
	}
	return err
}

func (b *GCSBackend) Update(ctx context.Context, g graph.Graph) error {
	attrs, err := b.object(g.ID).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrMissing
	}
	if err != nil {
		return fmt.Errorf("stat graph object: %w", err)
	}
	obj := b.object(g.ID).If(storage.Conditions{GenerationMatch: attrs.Generation})
	err = b.write(ctx, obj, g)
	if isPreconditionFailed(err) {
		return fmt.Errorf("graph %s changed concurrently: %w", g.ID, err)
	}
	return err
}

func (b *GCSBackend) write(ctx context.Context, obj *storage.ObjectHandle, g graph.Graph) error {
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if err := json.NewEncoder(w).Encode(g); err != nil {
		_ = w.Close()
		return fmt.Errorf("encode graph %s: %w", g.ID, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for graph %s: %w", g.ID, err)
	}
	return nil
}

func (b *GCSBackend) Get(ctx context.Context, id string) (graph.Graph, error) {
	return b.read(ctx, b.object(id))
}

func (b *GCSBackend) read(ctx context.Context, obj *storage.ObjectHandle) (graph.Graph, error) {
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return graph.Graph{}, ErrMissing
	}
	if err != nil {
		return graph.Graph{}, fmt.Errorf("open graph object %s: %w", obj.ObjectName(), err)
	}
	defer r.Close()

	var g graph.Graph
	if err := json.NewDecoder(r).Decode(&g); err != nil {
		return graph.Graph{}, fmt.Errorf("decode graph object %s: %w", obj.ObjectName(), err)
	}
	return g, nil
}

func (b *GCSBackend) Scan(ctx context.Context) iter.Seq2[graph.Graph, error] {
	return func(yield func(graph.Graph, error) bool) {
		it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: b.dir()})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield(graph.Graph{}, fmt.Errorf("list graph objects: %w", err))
				return
			}
			if !strings.HasSuffix(attrs.Name, ".json") {
				continue
			}
			g, err := b.read(ctx, b.client.Bucket(b.bucket).Object(attrs.Name))
			if errors.Is(err, ErrMissing) {
				// Deleted between listing and reading.
				continue
			}
			if !yield(g, err) || err != nil {
				return
			}
		}
	}
}

func (b *GCSBackend) Remove(ctx context.Context, id string) error {
	err := b.object(id).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrMissing
	}
	return err
}

func (b *GCSBackend) Close() error {
	return b.client.Close()
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
