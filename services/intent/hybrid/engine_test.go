// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hybrid

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianIntent/services/intent/config"
	"github.com/AleutianAI/AleutianIntent/services/intent/datatypes"
	"github.com/AleutianAI/AleutianIntent/services/intent/matching"
	"github.com/AleutianAI/AleutianIntent/services/intent/storage/kv"
)

// staticMatcher returns fixed candidates and counts calls.
type staticMatcher struct {
	cands []datatypes.IntentCandidate
	err   error
	calls atomic.Int64
}

func (m *staticMatcher) Search(_ context.Context, _ string) ([]datatypes.IntentCandidate, error) {
	m.calls.Add(1)
	return m.cands, m.err
}

func kw(id string, score float64) datatypes.IntentCandidate {
	return datatypes.IntentCandidate{IntentID: id, Score: score, Source: datatypes.SourceKeyword}
}

func emb(id string, score float64) datatypes.IntentCandidate {
	return datatypes.IntentCandidate{IntentID: id, Score: score, Source: datatypes.SourceEmbedding}
}

func newTestEngine(t *testing.T, k, e matching.Matcher, log *AmbiguousLog) *Engine {
	t.Helper()
	ws, err := NewWeightStore(0.6, 0.4)
	if err != nil {
		t.Fatalf("NewWeightStore: %v", err)
	}
	eng, err := NewEngine(EngineOptions{
		Keyword:      k,
		Embedding:    e,
		Weights:      ws,
		Thresholds:   DefaultThresholds(),
		AmbiguousLog: log,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng
}

func TestEngine_KeywordShortCircuit(t *testing.T) {
	k := &staticMatcher{cands: []datatypes.IntentCandidate{kw("ADD_TO_CART", 0.95), kw("VIEW_CART", 0.4)}}
	e := &staticMatcher{cands: []datatypes.IntentCandidate{emb("CHECKOUT", 0.99)}}
	eng := newTestEngine(t, k, e, nil)

	out, err := eng.Search(context.Background(), "add this to my cart")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if out.Status != datatypes.StatusConfidentKeyword {
		t.Errorf("status = %s, want CONFIDENT_KEYWORD", out.Status)
	}
	if out.Top == nil || *out.Top != k.cands[0] {
		t.Errorf("top = %+v, want the exact keyword candidate", out.Top)
	}
	if e.calls.Load() != 0 {
		t.Error("embedding matcher must not run after a keyword short-circuit")
	}
	if out.NextBest != 0.4 || len(out.Alternatives) != 1 {
		t.Errorf("alternatives = %+v next_best = %v", out.Alternatives, out.NextBest)
	}
}

func TestEngine_ShortCircuitAtExactThreshold(t *testing.T) {
	k := &staticMatcher{cands: []datatypes.IntentCandidate{kw("TRACK_ORDER", DefaultPriorityThreshold)}}
	e := &staticMatcher{}
	eng := newTestEngine(t, k, e, nil)

	out, _ := eng.Search(context.Background(), "q")
	if out.Status != datatypes.StatusConfidentKeyword {
		t.Errorf("status = %s, want CONFIDENT_KEYWORD at the threshold", out.Status)
	}
}

func TestEngine_BlendExactness(t *testing.T) {
	k := &staticMatcher{cands: []datatypes.IntentCandidate{kw("TRACK_ORDER", 0.7), kw("CANCEL_ORDER", 0.3)}}
	e := &staticMatcher{cands: []datatypes.IntentCandidate{emb("TRACK_ORDER", 0.8), emb("RETURN_ITEM", 0.5)}}
	eng := newTestEngine(t, k, e, nil)

	out, err := eng.Search(context.Background(), "where is my stuff")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := map[string]float64{
		"TRACK_ORDER":  0.7*0.6 + 0.8*0.4,
		"CANCEL_ORDER": 0.3 * 0.6,
		"RETURN_ITEM":  0.5 * 0.4,
	}
	all := append([]datatypes.IntentCandidate{*out.Top}, out.Alternatives...)
	if len(all) != len(want) {
		t.Fatalf("got %d candidates, want %d: %+v", len(all), len(want), all)
	}
	for _, c := range all {
		if math.Abs(c.Score-want[c.IntentID]) > 1e-12 {
			t.Errorf("%s blended = %v, want %v", c.IntentID, c.Score, want[c.IntentID])
		}
		if c.Source != datatypes.SourceBlended {
			t.Errorf("%s source = %s", c.IntentID, c.Source)
		}
	}
	if out.Top.IntentID != "TRACK_ORDER" || out.Status != datatypes.StatusConfident {
		t.Errorf("outcome = %s %s", out.Status, out.Top.IntentID)
	}
}

func TestEvaluate(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name   string
		cands  []datatypes.IntentCandidate
		status datatypes.OutcomeStatus
		reason string
	}{
		{"none", nil, datatypes.StatusNoResults, ReasonNoCandidates},
		{"below minimum", []datatypes.IntentCandidate{kw("A", 0.2), kw("B", 0.1)}, datatypes.StatusBelowThreshold, ReasonBelowMinimum},
		{"single", []datatypes.IntentCandidate{kw("A", 0.5)}, datatypes.StatusConfident, ReasonSingleCandidate},
		{"close", []datatypes.IntentCandidate{kw("A", 0.6), kw("B", 0.55)}, datatypes.StatusAmbiguous, ReasonCloseCandidates},
		{"clear", []datatypes.IntentCandidate{kw("A", 0.7), kw("B", 0.4)}, datatypes.StatusConfident, ReasonClearWinner},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Evaluate(tt.cands, th)
			if out.Status != tt.status || out.Reason != tt.reason {
				t.Errorf("got %s/%s, want %s/%s", out.Status, out.Reason, tt.status, tt.reason)
			}
			if tt.status == datatypes.StatusBelowThreshold && out.Top.Score >= th.MinAbsoluteConfidence {
				t.Error("BELOW_THRESHOLD with top above the minimum")
			}
			if tt.status == datatypes.StatusAmbiguous && out.Top.Score-out.NextBest >= th.MinDifferenceThreshold {
				t.Error("AMBIGUOUS without two close candidates")
			}
		})
	}
}

func TestBlend_DropsZeroAndUsesMissingAsZero(t *testing.T) {
	got := Blend(
		[]datatypes.IntentCandidate{kw("A", 0.5), kw("Z", 0)},
		[]datatypes.IntentCandidate{emb("B", 0.5)},
		Weights{Keyword: 1, Embedding: 0},
	)
	if len(got) != 1 || got[0].IntentID != "A" || got[0].Score != 0.5 {
		t.Errorf("Blend = %+v, want only A at 0.5", got)
	}
}

func TestEngine_MatcherErrorDegrades(t *testing.T) {
	k := &staticMatcher{cands: []datatypes.IntentCandidate{kw("TRACK_ORDER", 0.8)}}
	e := &staticMatcher{err: errors.New("boom")}
	eng := newTestEngine(t, k, e, nil)

	out, err := eng.Search(context.Background(), "q")
	if err != nil {
		t.Fatalf("Search should absorb matcher errors, got %v", err)
	}
	if out.Top == nil || out.Top.IntentID != "TRACK_ORDER" {
		t.Errorf("top = %+v", out.Top)
	}
	if math.Abs(out.Top.Score-0.8*0.6) > 1e-12 {
		t.Errorf("score = %v, want keyword side only", out.Top.Score)
	}
}

func TestEngine_CancelledContext(t *testing.T) {
	eng := newTestEngine(t, &staticMatcher{}, &staticMatcher{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := eng.Search(ctx, "q"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

type fixedCalibrator float64

func (f fixedCalibrator) Calibrate(_ context.Context, _ string, _ float64) float64 { return float64(f) }

// halvingCalibrator maps every score onto half its value.
type halvingCalibrator struct{}

func (halvingCalibrator) Calibrate(_ context.Context, _ string, x float64) float64 { return x / 2 }

func TestEngine_Calibration(t *testing.T) {
	ws, _ := NewWeightStore(0.6, 0.4)
	eng, err := NewEngine(EngineOptions{
		Keyword:    &staticMatcher{cands: []datatypes.IntentCandidate{kw("A", 0.9)}},
		Embedding:  &staticMatcher{},
		Weights:    ws,
		Thresholds: DefaultThresholds(),
		Calibrator: fixedCalibrator(0.42),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	out, _ := eng.Search(context.Background(), "q")
	if out.Confidence != 0.42 {
		t.Errorf("confidence = %v, want calibrated 0.42", out.Confidence)
	}
	if out.Top.Score != 0.9 {
		t.Errorf("raw top score changed to %v", out.Top.Score)
	}
}

func TestEngine_CalibratesBothLeaders(t *testing.T) {
	ws, _ := NewWeightStore(0.6, 0.4)
	eng, err := NewEngine(EngineOptions{
		Keyword:    &staticMatcher{cands: []datatypes.IntentCandidate{kw("A", 0.9), kw("B", 0.6)}},
		Embedding:  &staticMatcher{},
		Weights:    ws,
		Thresholds: DefaultThresholds(),
		Calibrator: halvingCalibrator{},
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	out, _ := eng.Search(context.Background(), "q")
	if out.Confidence != 0.45 || out.NextBestConfidence != 0.3 {
		t.Errorf("confidence = %v next_best_confidence = %v, want 0.45 and 0.3", out.Confidence, out.NextBestConfidence)
	}
	if out.NextBest != 0.6 {
		t.Errorf("raw next best = %v, want 0.6", out.NextBest)
	}
}

func TestEngine_HotReloadedWeights(t *testing.T) {
	k := &staticMatcher{cands: []datatypes.IntentCandidate{kw("A", 0.5)}}
	e := &staticMatcher{cands: []datatypes.IntentCandidate{emb("A", 1.0)}}
	eng := newTestEngine(t, k, e, nil)

	if err := eng.Weights().Store(1, 3); err != nil {
		t.Fatalf("Store: %v", err)
	}
	out, _ := eng.Search(context.Background(), "q")
	if want := 0.5*0.25 + 1.0*0.75; math.Abs(out.Top.Score-want) > 1e-12 {
		t.Errorf("score = %v, want %v", out.Top.Score, want)
	}
}

func TestNewEngine_Validation(t *testing.T) {
	ws, _ := NewWeightStore(0.6, 0.4)
	m := &staticMatcher{}
	tests := []struct {
		name string
		opts EngineOptions
	}{
		{"nil keyword", EngineOptions{Embedding: m, Weights: ws, Thresholds: DefaultThresholds()}},
		{"nil embedding", EngineOptions{Keyword: m, Weights: ws, Thresholds: DefaultThresholds()}},
		{"nil weights", EngineOptions{Keyword: m, Embedding: m, Thresholds: DefaultThresholds()}},
		{"threshold above one", EngineOptions{Keyword: m, Embedding: m, Weights: ws, Thresholds: Thresholds{PriorityThreshold: 1.2}}},
		{"minimum above priority", EngineOptions{Keyword: m, Embedding: m, Weights: ws, Thresholds: Thresholds{PriorityThreshold: 0.5, MinAbsoluteConfidence: 0.6}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEngine(tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWeightStore(t *testing.T) {
	ws, err := NewWeightStore(3, 1)
	if err != nil {
		t.Fatalf("NewWeightStore: %v", err)
	}
	if w := ws.Load(); w.Keyword != 0.75 || w.Embedding != 0.25 {
		t.Errorf("weights = %+v, want normalized 0.75/0.25", w)
	}
	if err := ws.Store(-1, 1); err == nil {
		t.Error("negative weight accepted")
	}
	if w := ws.Load(); w.Keyword != 0.75 {
		t.Error("invalid Store replaced the weights")
	}
	if _, err := NewWeightStore(0, 0); err == nil {
		t.Error("zero weights accepted")
	}
}

func TestEngine_AmbiguousLog(t *testing.T) {
	store := kv.NewMemoryStore()
	log, err := NewAmbiguousLog(store, 2, time.Hour, 16, nil)
	if err != nil {
		t.Fatalf("NewAmbiguousLog: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go log.Run(ctx)

	k := &staticMatcher{cands: []datatypes.IntentCandidate{kw("A", 0.6), kw("B", 0.58)}}
	eng := newTestEngine(t, k, &staticMatcher{}, log)
	for _, q := range []string{"first", "second", "third"} {
		out, _ := eng.Search(context.Background(), q)
		if out.Status != datatypes.StatusAmbiguous {
			t.Fatalf("status = %s, want AMBIGUOUS", out.Status)
		}
	}

	confident := newTestEngine(t, &staticMatcher{cands: []datatypes.IntentCandidate{kw("A", 0.99)}}, &staticMatcher{}, log)
	_, _ = confident.Search(context.Background(), "confident")

	cancel()
	log.Wait()

	got, err := log.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("log holds %d records, want 2 (trimmed): %+v", len(got), got)
	}
	if got[0].Query != "second" || got[1].Query != "third" {
		t.Errorf("queries = %q, %q", got[0].Query, got[1].Query)
	}
	if len(got[1].Candidates) != 2 {
		t.Errorf("candidates = %+v", got[1].Candidates)
	}
}

func TestAmbiguousLog_DropsWhenFull(t *testing.T) {
	log, _ := NewAmbiguousLog(kv.NewMemoryStore(), 10, time.Hour, 1, nil)
	if !log.Record(AmbiguousCase{Query: "a"}) {
		t.Fatal("first record should fit the buffer")
	}
	if log.Record(AmbiguousCase{Query: "b"}) {
		t.Error("second record should be dropped without a running writer")
	}
}

func TestEngine_WithRealMatchers(t *testing.T) {
	tax, err := config.DefaultTaxonomy()
	if err != nil {
		t.Fatalf("DefaultTaxonomy: %v", err)
	}
	k, err := matching.NewKeywordMatcher(tax)
	if err != nil {
		t.Fatalf("NewKeywordMatcher: %v", err)
	}
	e := &staticMatcher{}
	eng := newTestEngine(t, k, e, nil)

	out, err := eng.Search(context.Background(), "add this to my cart")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if out.Status != datatypes.StatusConfidentKeyword || out.Top.IntentID != "ADD_TO_CART" {
		t.Errorf("outcome = %s %+v", out.Status, out.Top)
	}
	if e.calls.Load() != 0 {
		t.Error("embedding matcher invoked for a priority keyword match")
	}
}
