// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package matching provides the two candidate scorers used by the hybrid
// decision engine: a deterministic keyword/pattern matcher and an
// embedding-similarity matcher, plus the embedding client and vector indexes
// behind the latter.
package matching

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianIntent/services/intent/datatypes"
)

var tracer = otel.Tracer("aleutian.intent.matching")

// Matcher scores a query against the intent taxonomy.
//
// Implementations return candidates sorted with datatypes.SortCandidates,
// scores in [0,1], zero-score intents omitted. An empty slice is a valid
// answer. Errors are reserved for failures the caller must see; scorers
// that can degrade (the embedding matcher) return an empty slice instead.
type Matcher interface {
	Search(ctx context.Context, text string) ([]datatypes.IntentCandidate, error)
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(ctx context.Context, text string) ([]datatypes.IntentCandidate, error)

// Search implements Matcher.
func (f MatcherFunc) Search(ctx context.Context, text string) ([]datatypes.IntentCandidate, error) {
	return f(ctx, text)
}

var (
	keywordHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "matching",
		Name:      "keyword_hits_total",
		Help:      "Keyword matcher top candidates by the rule that produced them",
	}, []string{"kind"})

	embedDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "intent",
		Subsystem: "matching",
		Name:      "embed_duration_seconds",
		Help:      "Embedding service call latency",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"status"})

	embeddingDegradedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "matching",
		Name:      "embedding_degraded_total",
		Help:      "Embedding searches that returned no candidates because the embedding service or index failed",
	})
)
