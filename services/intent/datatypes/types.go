// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the value types shared by the intent resolution
// pipeline: matcher candidates, escalation requests and responses, and the
// classification result returned to callers.
package datatypes

import (
	"sort"
)

// Source identifies which scorer produced a candidate.
type Source string

const (
	SourceKeyword   Source = "keyword"
	SourceEmbedding Source = "embedding"
	SourceBlended   Source = "blended"
	SourceLLM       Source = "llm"
)

// rank orders sources for tie-breaking. Lower wins.
func (s Source) rank() int {
	switch s {
	case SourceKeyword:
		return 0
	case SourceEmbedding:
		return 1
	case SourceBlended:
		return 2
	case SourceLLM:
		return 3
	default:
		return 4
	}
}

// IntentCandidate is one scored intent produced by a matcher or by blending.
//
// IntentID is the intent's action code (e.g. ADD_TO_CART). Score is in [0,1].
// MatchedText is the phrase or pattern that fired, keyword matcher only.
type IntentCandidate struct {
	IntentID    string  `json:"intent_id"`
	Score       float64 `json:"score"`
	Source      Source  `json:"source"`
	MatchedText string  `json:"matched_text,omitempty"`
}

// SortCandidates orders candidates by descending score. Equal scores are
// broken by source (keyword before embedding before blended) and then by
// intent id so the order is deterministic.
func SortCandidates(c []IntentCandidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		if ri, rj := c[i].Source.rank(), c[j].Source.rank(); ri != rj {
			return ri < rj
		}
		return c[i].IntentID < c[j].IntentID
	})
}

// OutcomeStatus is the decision engine's verdict on a candidate list.
type OutcomeStatus string

const (
	StatusConfidentKeyword OutcomeStatus = "CONFIDENT_KEYWORD"
	StatusConfident        OutcomeStatus = "CONFIDENT"
	StatusAmbiguous        OutcomeStatus = "AMBIGUOUS"
	StatusBelowThreshold   OutcomeStatus = "BELOW_THRESHOLD"
	StatusNoResults        OutcomeStatus = "NO_RESULTS"
)

// IsConfident reports whether the status can be answered without escalation.
func (s OutcomeStatus) IsConfident() bool {
	return s == StatusConfidentKeyword || s == StatusConfident
}

// ResolutionSource says which path produced the final answer of a request.
type ResolutionSource string

const (
	ResolvedByKeyword  ResolutionSource = "keyword"
	ResolvedByHybrid   ResolutionSource = "hybrid"
	ResolvedByCache    ResolutionSource = "cache"
	ResolvedByLLM      ResolutionSource = "llm"
	ResolvedByFallback ResolutionSource = "fallback"
)
