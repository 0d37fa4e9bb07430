// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package matching

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianIntent/services/intent/config"
	"github.com/AleutianAI/AleutianIntent/services/intent/storage/kv"
)

// =============================================================================
// Vector Index
// =============================================================================

// warmConcurrency is the number of parallel embedding calls during warm-up.
const warmConcurrency = 10

// DefaultIndexTTL is how long persisted warm-up vectors live in the store.
const DefaultIndexTTL = 7 * 24 * time.Hour

// VectorHit is one intent's similarity to a query vector.
type VectorHit struct {
	ActionCode string
	Similarity float64
	Example    string
}

// VectorIndex stores example vectors for every intent and answers nearest
// neighbour queries.
type VectorIndex interface {
	// Warm embeds (or loads) the example vectors for tax.
	Warm(ctx context.Context, tax *config.Taxonomy) error

	// Query returns the best similarity per intent for vec, highest first,
	// at most topK entries. vec must be unit-normalized.
	Query(ctx context.Context, vec []float32, topK int) ([]VectorHit, error)

	// Ready reports whether Warm has produced at least one vector.
	Ready() bool
}

type exampleVector struct {
	ActionCode string
	Example    string
	Vector     []float32
}

// MemoryIndex is an in-process cosine-similarity index.
//
// # Description
//
// Warm embeds every taxonomy example in parallel and keeps the unit vectors
// in memory, so a query is a dot product per example. When a store is
// supplied the vectors are persisted under the taxonomy's corpus hash
// (action codes, examples and embedding model), and a later Warm with the
// same corpus loads them instead of calling the embedder. Any change to the
// taxonomy or model produces a new hash and a fresh warm-up.
//
// # Thread Safety
//
// Safe for concurrent use. Warm should be called once at startup.
type MemoryIndex struct {
	mu      sync.RWMutex
	vectors []exampleVector

	embedder Embedder
	store    kv.Store
	ttl      time.Duration
	logger   *slog.Logger
}

// NewMemoryIndex creates an empty index. store may be nil (no persistence).
func NewMemoryIndex(embedder Embedder, store kv.Store, ttl time.Duration, logger *slog.Logger) (*MemoryIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("NewMemoryIndex: embedder must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultIndexTTL
	}
	return &MemoryIndex{embedder: embedder, store: store, ttl: ttl, logger: logger}, nil
}

// Ready implements VectorIndex.
func (x *MemoryIndex) Ready() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vectors) > 0
}

// Len returns the number of indexed example vectors.
func (x *MemoryIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vectors)
}

// Warm implements VectorIndex.
//
// Individual example failures are logged and skipped. An error is returned
// only when nothing could be embedded, or ctx is cancelled.
func (x *MemoryIndex) Warm(ctx context.Context, tax *config.Taxonomy) error {
	if tax == nil {
		return fmt.Errorf("MemoryIndex.Warm: taxonomy must not be nil")
	}
	ctx, span := tracer.Start(ctx, "matching.MemoryIndex.Warm")
	defer span.End()

	corpusHash := tax.CorpusHash(x.embedder.Model())
	if cached, ok := x.load(ctx, corpusHash); ok {
		x.mu.Lock()
		x.vectors = cached
		x.mu.Unlock()
		x.logger.Info("vector index: loaded from store",
			slog.Int("vectors", len(cached)),
			slog.String("corpus_hash", shortHash(corpusHash)),
		)
		return nil
	}

	var jobs []exampleVector
	for _, in := range tax.Intents() {
		for _, ex := range in.Examples {
			jobs = append(jobs, exampleVector{ActionCode: in.ActionCode, Example: ex})
		}
	}
	if len(jobs) == 0 {
		return nil
	}

	x.logger.Info("vector index: starting warm-up",
		slog.Int("examples", len(jobs)),
		slog.String("model", x.embedder.Model()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(warmConcurrency)
	for i := range jobs {
		g.Go(func() error {
			vec, err := x.embedder.Embed(gctx, jobs[i].Example)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				x.logger.Warn("vector index: failed to embed example",
					slog.String("action_code", jobs[i].ActionCode),
					slog.String("error", err.Error()),
				)
				return nil
			}
			jobs[i].Vector = Normalize(vec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("MemoryIndex.Warm: %w", err)
	}

	vectors := jobs[:0]
	for _, j := range jobs {
		if j.Vector != nil {
			vectors = append(vectors, j)
		}
	}
	if len(vectors) == 0 {
		return fmt.Errorf("MemoryIndex.Warm: no example could be embedded")
	}

	x.mu.Lock()
	x.vectors = vectors
	x.mu.Unlock()

	x.logger.Info("vector index: warm-up complete", slog.Int("vectors", len(vectors)))
	x.save(ctx, corpusHash, vectors)
	return nil
}

// Query implements VectorIndex.
func (x *MemoryIndex) Query(_ context.Context, vec []float32, topK int) ([]VectorHit, error) {
	x.mu.RLock()
	best := make(map[string]VectorHit)
	for _, ev := range x.vectors {
		sim := float64(dotProduct(vec, ev.Vector))
		if cur, ok := best[ev.ActionCode]; !ok || sim > cur.Similarity {
			best[ev.ActionCode] = VectorHit{ActionCode: ev.ActionCode, Similarity: sim, Example: ev.Example}
		}
	}
	x.mu.RUnlock()

	return rankHits(best, topK), nil
}

func rankHits(best map[string]VectorHit, topK int) []VectorHit {
	hits := make([]VectorHit, 0, len(best))
	for _, h := range best {
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ActionCode < hits[j].ActionCode
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// =============================================================================
// Persistence
// =============================================================================

func indexKey(corpusHash string) string {
	return "matching:emb:v1:" + corpusHash
}

func (x *MemoryIndex) load(ctx context.Context, corpusHash string) ([]exampleVector, bool) {
	if x.store == nil {
		return nil, false
	}
	raw, err := x.store.Get(ctx, indexKey(corpusHash))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			x.logger.Warn("vector index: store load failed, continuing with warm-up",
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	var vectors []exampleVector
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&vectors); err != nil {
		x.logger.Warn("vector index: discarding undecodable cache entry",
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return vectors, len(vectors) > 0
}

func (x *MemoryIndex) save(ctx context.Context, corpusHash string, vectors []exampleVector) {
	if x.store == nil {
		return
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(vectors); err != nil {
		x.logger.Warn("vector index: gob encode failed", slog.String("error", err.Error()))
		return
	}
	if err := x.store.Set(ctx, indexKey(corpusHash), buf.Bytes(), x.ttl); err != nil {
		x.logger.Warn("vector index: failed to persist vectors",
			slog.String("error", err.Error()),
			slog.String("corpus_hash", shortHash(corpusHash)),
		)
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
