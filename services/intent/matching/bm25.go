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
	"math"
	"strings"

	"github.com/AleutianAI/AleutianIntent/services/intent/config"
)

// =============================================================================
// BM25 Index
// =============================================================================

// BM25 tuning constants (Robertson et al. defaults).
const (
	// bm25K1 controls term frequency saturation.
	bm25K1 = 1.5

	// bm25B controls document length normalization.
	bm25B = 0.75
)

// bm25Doc holds the BM25 representation of one intent.
type bm25Doc struct {
	id  string
	tf  map[string]int
	len int
}

// bm25Match is one intent's BM25 result for a query.
type bm25Match struct {
	// score is the BM25 score divided by the best score for the query.
	score float64

	// coverage is the fraction of unique query terms found in the intent's
	// document.
	coverage float64
}

// BM25Index is an inverted index over intent documents.
//
// # Description
//
// Each intent's document is its action code words, keywords and example
// phrases. IDF uses Lucene-style smoothing, log((N+1)/(df+1)) + 1, so a term
// present in every intent still scores above zero.
//
// # Thread Safety
//
// Immutable after BuildBM25Index. Safe for concurrent use.
type BM25Index struct {
	docs   []bm25Doc
	idf    map[string]float64
	avgLen float64
}

// BuildBM25Index indexes every intent of the taxonomy. An empty intent list
// yields a valid index that scores nothing.
func BuildBM25Index(intents []config.Intent) *BM25Index {
	if len(intents) == 0 {
		return &BM25Index{idf: make(map[string]float64)}
	}

	docs := make([]bm25Doc, 0, len(intents))
	df := make(map[string]int)
	totalLen := 0

	for _, in := range intents {
		doc := buildDoc(in)
		docs = append(docs, doc)
		totalLen += doc.len
		for term := range doc.tf {
			df[term]++
		}
	}

	n := len(docs)
	idf := make(map[string]float64, len(df))
	for term, docFreq := range df {
		idf[term] = math.Log(float64(n+1)/float64(docFreq+1)) + 1.0
	}

	return &BM25Index{
		docs:   docs,
		idf:    idf,
		avgLen: float64(totalLen) / float64(n),
	}
}

func buildDoc(in config.Intent) bm25Doc {
	parts := make([]string, 0, len(in.Keywords)+len(in.Examples)+1)
	parts = append(parts, strings.ReplaceAll(in.ActionCode, "_", " "))
	parts = append(parts, in.Keywords...)
	parts = append(parts, in.Examples...)

	tf := make(map[string]int)
	total := 0
	for _, tok := range Tokenize(strings.Join(parts, " ")) {
		tf[tok]++
		total++
	}
	return bm25Doc{id: in.ActionCode, tf: tf, len: total}
}

// IsEmpty reports whether the index holds no documents.
func (idx *BM25Index) IsEmpty() bool {
	return len(idx.docs) == 0
}

// Score computes normalized BM25 scores and term coverage for every intent
// whose document shares at least one term with the query.
//
//	score(intent, q) = Σ_t idf(t) × tf(t)×(k1+1) / (tf(t) + k1×(1 − b + b×dl/avgdl))
//
// Scores are divided by the best score so the top intent scores 1.0.
func (idx *BM25Index) Score(query string) map[string]bm25Match {
	out := make(map[string]bm25Match)
	if query == "" || len(idx.docs) == 0 {
		return out
	}
	terms := QueryTerms(query)
	if len(terms) == 0 {
		return out
	}

	var maxScore float64
	for _, doc := range idx.docs {
		score, matched := bm25Score(terms, doc, idx.idf, idx.avgLen)
		if score <= 0 {
			continue
		}
		out[doc.id] = bm25Match{score: score, coverage: float64(matched) / float64(len(terms))}
		if score > maxScore {
			maxScore = score
		}
	}
	if maxScore > 0 {
		for id, m := range out {
			m.score /= maxScore
			out[id] = m
		}
	}
	return out
}

// bm25Score returns the raw BM25 score of one document and the number of
// query terms it contains.
func bm25Score(terms map[string]bool, doc bm25Doc, idf map[string]float64, avgLen float64) (float64, int) {
	dl := float64(doc.len)
	var score float64
	matched := 0
	for term := range terms {
		tf, ok := doc.tf[term]
		if !ok {
			continue
		}
		termIDF, ok := idf[term]
		if !ok {
			continue
		}
		matched++
		tfFloat := float64(tf)
		numerator := tfFloat * (bm25K1 + 1)
		denominator := tfFloat + bm25K1*(1.0-bm25B+bm25B*dl/avgLen)
		score += termIDF * (numerator / denominator)
	}
	return score, matched
}
