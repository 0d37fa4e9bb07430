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
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianIntent/services/intent/config"
	"github.com/AleutianAI/AleutianIntent/services/intent/datatypes"
)

// Keyword scoring constants.
const (
	// PhraseScore is the score of an intent whose example phrase appears
	// verbatim in the normalized query.
	PhraseScore = 0.9

	// BM25Ceiling caps lexical scores. It stays below the engine's default
	// priority threshold so only explicit patterns and phrases short-circuit.
	BM25Ceiling = 0.8

	// minPhraseWords keeps one-word examples out of phrase matching; those
	// are handled by BM25.
	minPhraseWords = 2
)

type phrase struct {
	text   string
	padded string
}

// KeywordMatcher is the deterministic scorer.
//
// # Description
//
// Scores every intent by the best of three rules:
//
//  1. Regex pattern match on the normalized query: the intent's
//     pattern_score (default 0.95).
//  2. Example phrase of two or more words contained in the query: 0.9.
//  3. BM25: normalized score × query-term coverage × 0.8.
//
// MatchedText records the pattern or phrase that fired.
//
// # Thread Safety
//
// Immutable after construction. Safe for concurrent use.
type KeywordMatcher struct {
	tax     *config.Taxonomy
	index   *BM25Index
	phrases map[string][]phrase
	order   []string
}

// NewKeywordMatcher builds the matcher's BM25 index and phrase table from
// the taxonomy.
func NewKeywordMatcher(tax *config.Taxonomy) (*KeywordMatcher, error) {
	if tax == nil {
		return nil, fmt.Errorf("NewKeywordMatcher: taxonomy must not be nil")
	}
	intents := tax.Intents()
	m := &KeywordMatcher{
		tax:     tax,
		index:   BuildBM25Index(intents),
		phrases: make(map[string][]phrase, len(intents)),
		order:   make([]string, 0, len(intents)),
	}
	for _, in := range intents {
		m.order = append(m.order, in.ActionCode)
		for _, ex := range in.Examples {
			norm := NormalizeText(ex)
			if len(strings.Fields(norm)) < minPhraseWords {
				continue
			}
			m.phrases[in.ActionCode] = append(m.phrases[in.ActionCode], phrase{text: norm, padded: " " + norm + " "})
		}
	}
	return m, nil
}

// Search implements Matcher. It never returns an error.
func (m *KeywordMatcher) Search(ctx context.Context, text string) ([]datatypes.IntentCandidate, error) {
	_, span := tracer.Start(ctx, "matching.KeywordMatcher.Search")
	defer span.End()

	norm := NormalizeText(text)
	if norm == "" {
		return []datatypes.IntentCandidate{}, nil
	}
	padded := " " + norm + " "
	lexical := m.index.Score(norm)

	out := make([]datatypes.IntentCandidate, 0, 8)
	kinds := make(map[string]string)
	for _, code := range m.order {
		best := datatypes.IntentCandidate{IntentID: code, Source: datatypes.SourceKeyword}
		kind := ""

		intent, _ := m.tax.Lookup(code)
		for _, re := range m.tax.Patterns(code) {
			if re.MatchString(norm) && intent.PatternScore > best.Score {
				best.Score = intent.PatternScore
				best.MatchedText = re.String()
				kind = "pattern"
				break
			}
		}
		if best.Score < PhraseScore {
			for _, p := range m.phrases[code] {
				if strings.Contains(padded, p.padded) {
					best.Score = PhraseScore
					best.MatchedText = p.text
					kind = "phrase"
					break
				}
			}
		}
		if hit, ok := lexical[code]; ok {
			if s := hit.score * hit.coverage * BM25Ceiling; s > best.Score {
				best.Score = s
				best.MatchedText = ""
				kind = "bm25"
			}
		}

		if best.Score > 0 {
			out = append(out, best)
			kinds[code] = kind
		}
	}

	datatypes.SortCandidates(out)
	if len(out) > 0 {
		keywordHitsTotal.WithLabelValues(kinds[out[0].IntentID]).Inc()
		span.SetAttributes(
			attribute.String("top_intent", out[0].IntentID),
			attribute.Float64("top_score", out[0].Score),
		)
	}
	span.SetAttributes(attribute.Int("candidates", len(out)))
	return out, nil
}
