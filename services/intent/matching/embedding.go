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
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianIntent/services/intent/datatypes"
)

// Embedding matcher defaults.
const (
	DefaultMinChars     = 3
	DefaultTopK         = 10
	DefaultQueryTimeout = 3 * time.Second
)

// EmbeddingMatcherOptions configures an EmbeddingMatcher. Zero values take
// the package defaults.
type EmbeddingMatcherOptions struct {
	MinChars     int
	TopK         int
	QueryTimeout time.Duration
	Logger       *slog.Logger
}

// EmbeddingMatcher scores intents by cosine similarity between the query
// embedding and the indexed taxonomy examples.
//
// # Description
//
// Returns an empty slice, never an error, when:
//   - the trimmed query is shorter than MinChars or has no letters,
//   - the index has not been warmed,
//   - the embedder or the index fails (logged, counted in
//     intent_matching_embedding_degraded_total).
//
// Negative similarities are dropped and scores are clamped to [0,1].
//
// # Thread Safety
//
// Safe for concurrent use.
type EmbeddingMatcher struct {
	embedder Embedder
	index    VectorIndex
	opts     EmbeddingMatcherOptions
	logger   *slog.Logger
}

// NewEmbeddingMatcher creates a matcher over an index warmed with the same
// embedder.
func NewEmbeddingMatcher(embedder Embedder, index VectorIndex, opts EmbeddingMatcherOptions) (*EmbeddingMatcher, error) {
	if embedder == nil {
		return nil, fmt.Errorf("NewEmbeddingMatcher: embedder must not be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("NewEmbeddingMatcher: index must not be nil")
	}
	if opts.MinChars <= 0 {
		opts.MinChars = DefaultMinChars
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EmbeddingMatcher{embedder: embedder, index: index, opts: opts, logger: logger}, nil
}

// Search implements Matcher.
func (m *EmbeddingMatcher) Search(ctx context.Context, text string) ([]datatypes.IntentCandidate, error) {
	ctx, span := tracer.Start(ctx, "matching.EmbeddingMatcher.Search")
	defer span.End()

	trimmed := strings.TrimSpace(text)
	if len([]rune(trimmed)) < m.opts.MinChars || !hasLetter(trimmed) {
		span.SetAttributes(attribute.Bool("skipped", true))
		return []datatypes.IntentCandidate{}, nil
	}
	if !m.index.Ready() {
		span.SetAttributes(attribute.Bool("index_ready", false))
		return []datatypes.IntentCandidate{}, nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, m.opts.QueryTimeout)
	defer cancel()

	raw, err := m.embedder.Embed(embedCtx, trimmed)
	if err != nil {
		embeddingDegradedTotal.Inc()
		m.logger.Warn("embedding matcher: query embed failed, returning no candidates",
			slog.String("query", truncateForLog(trimmed, 80)),
			slog.String("error", err.Error()),
		)
		return []datatypes.IntentCandidate{}, nil
	}
	vec := Normalize(raw)
	if vec == nil {
		return []datatypes.IntentCandidate{}, nil
	}

	hits, err := m.index.Query(embedCtx, vec, m.opts.TopK)
	if err != nil {
		embeddingDegradedTotal.Inc()
		m.logger.Warn("embedding matcher: index query failed, returning no candidates",
			slog.String("error", err.Error()),
		)
		return []datatypes.IntentCandidate{}, nil
	}

	out := make([]datatypes.IntentCandidate, 0, len(hits))
	for _, h := range hits {
		if h.Similarity <= 0 {
			continue
		}
		out = append(out, datatypes.IntentCandidate{
			IntentID:    h.ActionCode,
			Score:       min(h.Similarity, 1),
			Source:      datatypes.SourceEmbedding,
			MatchedText: h.Example,
		})
	}
	datatypes.SortCandidates(out)
	span.SetAttributes(attribute.Int("candidates", len(out)))
	return out, nil
}
