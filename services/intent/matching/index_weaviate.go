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
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/AleutianIntent/services/intent/config"
)

// weaviateBatchSize bounds a single batch import request.
const weaviateBatchSize = 100

// weaviateOverfetch widens nearVector queries because several examples of the
// same intent can occupy the top slots.
const weaviateOverfetch = 4

// WeaviateIndex stores example vectors in a Weaviate class with
// vectorizer "none" and answers queries with nearVector search.
//
// Objects carry actionCode, text and corpusHash properties. Object ids are
// UUIDv5 of corpus hash, action code and example, so re-importing the same
// corpus overwrites instead of duplicating.
//
// Thread Safety: safe for concurrent use.
type WeaviateIndex struct {
	client   *weaviate.Client
	class    string
	embedder Embedder
	logger   *slog.Logger
	ready    atomic.Bool
	hash     atomic.Value
}

// NewWeaviateIndex connects to the Weaviate instance at scheme://host.
func NewWeaviateIndex(host, scheme, class string, embedder Embedder, logger *slog.Logger) (*WeaviateIndex, error) {
	if host == "" {
		return nil, fmt.Errorf("NewWeaviateIndex: host must not be empty")
	}
	if class == "" {
		return nil, fmt.Errorf("NewWeaviateIndex: class must not be empty")
	}
	if embedder == nil {
		return nil, fmt.Errorf("NewWeaviateIndex: embedder must not be nil")
	}
	if scheme == "" {
		scheme = "http"
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: host, Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("NewWeaviateIndex: %w", err)
	}
	return &WeaviateIndex{client: client, class: class, embedder: embedder, logger: logger}, nil
}

// Ready implements VectorIndex.
func (w *WeaviateIndex) Ready() bool { return w.ready.Load() }

// Warm implements VectorIndex. It creates the class when missing and imports
// the taxonomy examples unless objects for the current corpus hash exist.
func (w *WeaviateIndex) Warm(ctx context.Context, tax *config.Taxonomy) error {
	if tax == nil {
		return fmt.Errorf("WeaviateIndex.Warm: taxonomy must not be nil")
	}
	ctx, span := tracer.Start(ctx, "matching.WeaviateIndex.Warm")
	defer span.End()

	if err := w.ensureClass(ctx); err != nil {
		return fmt.Errorf("WeaviateIndex.Warm: %w", err)
	}

	corpusHash := tax.CorpusHash(w.embedder.Model())
	w.hash.Store(corpusHash)
	present, err := w.hasCorpus(ctx, corpusHash)
	if err != nil {
		return fmt.Errorf("WeaviateIndex.Warm: %w", err)
	}
	if present {
		w.logger.Info("weaviate index: corpus already imported",
			slog.String("class", w.class),
			slog.String("corpus_hash", shortHash(corpusHash)),
		)
		w.ready.Store(true)
		return nil
	}

	var batch []*models.Object
	imported := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		resp, err := w.client.Batch().ObjectsBatcher().WithObjects(batch...).Do(ctx)
		if err != nil {
			return fmt.Errorf("batch import: %w", err)
		}
		for _, r := range resp {
			if r.Result != nil && r.Result.Errors != nil {
				for _, e := range r.Result.Errors.Error {
					w.logger.Warn("weaviate index: object rejected", slog.String("error", e.Message))
				}
				continue
			}
			imported++
		}
		batch = batch[:0]
		return nil
	}

	for _, in := range tax.Intents() {
		for _, ex := range in.Examples {
			vec, err := w.embedder.Embed(ctx, ex)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.Warn("weaviate index: failed to embed example",
					slog.String("action_code", in.ActionCode),
					slog.String("error", err.Error()),
				)
				continue
			}
			id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(corpusHash+"\x00"+in.ActionCode+"\x00"+ex))
			batch = append(batch, &models.Object{
				Class: w.class,
				ID:    strfmt.UUID(id.String()),
				Properties: map[string]any{
					"actionCode": in.ActionCode,
					"text":       ex,
					"corpusHash": corpusHash,
				},
				Vector: Normalize(vec),
			})
			if len(batch) >= weaviateBatchSize {
				if err := flush(); err != nil {
					return fmt.Errorf("WeaviateIndex.Warm: %w", err)
				}
			}
		}
	}
	if err := flush(); err != nil {
		return fmt.Errorf("WeaviateIndex.Warm: %w", err)
	}
	if imported == 0 {
		return fmt.Errorf("WeaviateIndex.Warm: no example could be imported")
	}

	w.logger.Info("weaviate index: import complete",
		slog.String("class", w.class),
		slog.Int("objects", imported),
	)
	w.ready.Store(true)
	return nil
}

// Query implements VectorIndex. Similarity is 1 - cosine distance.
func (w *WeaviateIndex) Query(ctx context.Context, vec []float32, topK int) ([]VectorHit, error) {
	if topK <= 0 {
		topK = 10
	}
	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vec)
	get := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithFields(
			graphql.Field{Name: "actionCode"},
			graphql.Field{Name: "text"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
		).
		WithNearVector(nearVector).
		WithLimit(topK * weaviateOverfetch)
	if h, ok := w.hash.Load().(string); ok && h != "" {
		get = get.WithWhere(corpusFilter(h))
	}

	resp, err := get.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("WeaviateIndex.Query: %w", err)
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("WeaviateIndex.Query: %s", strings.Join(msgs, "; "))
	}

	best := make(map[string]VectorHit)
	for _, obj := range w.objects(resp) {
		code, _ := obj["actionCode"].(string)
		text, _ := obj["text"].(string)
		add, _ := obj["_additional"].(map[string]any)
		dist, ok := add["distance"].(float64)
		if code == "" || !ok {
			continue
		}
		sim := 1 - dist
		if cur, ok := best[code]; !ok || sim > cur.Similarity {
			best[code] = VectorHit{ActionCode: code, Similarity: sim, Example: text}
		}
	}
	return rankHits(best, topK), nil
}

func (w *WeaviateIndex) objects(resp *models.GraphQLResponse) []map[string]any {
	get, _ := resp.Data["Get"].(map[string]any)
	items, _ := get[w.class].([]any)
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func (w *WeaviateIndex) ensureClass(ctx context.Context) error {
	exists, err := w.client.Schema().ClassExistenceChecker().WithClassName(w.class).Do(ctx)
	if err != nil {
		return fmt.Errorf("check class %s: %w", w.class, err)
	}
	if exists {
		return nil
	}
	class := &models.Class{
		Class:       w.class,
		Description: "Intent taxonomy example phrases",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "actionCode", DataType: []string{"text"}},
			{Name: "text", DataType: []string{"text"}},
			{Name: "corpusHash", DataType: []string{"text"}},
		},
	}
	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create class %s: %w", w.class, err)
	}
	return nil
}

func (w *WeaviateIndex) hasCorpus(ctx context.Context, corpusHash string) (bool, error) {
	resp, err := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithFields(graphql.Field{Name: "actionCode"}).
		WithWhere(corpusFilter(corpusHash)).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return false, fmt.Errorf("probe corpus: %w", err)
	}
	return len(w.objects(resp)) > 0, nil
}

func corpusFilter(corpusHash string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"corpusHash"}).
		WithOperator(filters.Equal).
		WithValueText(corpusHash)
}
