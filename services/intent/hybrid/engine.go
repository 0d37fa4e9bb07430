// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hybrid implements the decision engine that combines the keyword
// and embedding matchers and classifies the result as confident, ambiguous
// or below threshold.
package hybrid

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianIntent/services/intent/datatypes"
	"github.com/AleutianAI/AleutianIntent/services/intent/matching"
)

var tracer = otel.Tracer("aleutian.intent.hybrid")

var (
	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "hybrid",
		Name:      "outcomes_total",
		Help:      "Decision engine outcomes by status",
	}, []string{"status"})

	searchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "intent",
		Subsystem: "hybrid",
		Name:      "search_duration_seconds",
		Help:      "Decision engine latency including both matchers",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	})

	ambiguousDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "hybrid",
		Name:      "ambiguous_log_dropped_total",
		Help:      "Ambiguous-case records dropped because the write buffer was full",
	})
)

// Default decision thresholds.
const (
	DefaultPriorityThreshold      = 0.85
	DefaultMinAbsoluteConfidence  = 0.35
	DefaultMinDifferenceThreshold = 0.10
)

// Outcome reasons carried in Outcome.Reason.
const (
	ReasonKeywordPriority = "keyword_priority"
	ReasonNoCandidates    = "no_candidates"
	ReasonBelowMinimum    = "below_min_absolute_confidence"
	ReasonSingleCandidate = "single_candidate"
	ReasonCloseCandidates = "close_candidates"
	ReasonClearWinner     = "clear_winner"
)

// Thresholds are the decision engine's confidence rules.
type Thresholds struct {
	// PriorityThreshold is the keyword score at or above which the keyword
	// result is accepted without consulting the embedding matcher.
	PriorityThreshold float64

	// MinAbsoluteConfidence is the lowest blended top score that can be
	// CONFIDENT or AMBIGUOUS.
	MinAbsoluteConfidence float64

	// MinDifferenceThreshold is the top-minus-second gap below which the
	// outcome is AMBIGUOUS.
	MinDifferenceThreshold float64
}

// DefaultThresholds returns the documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PriorityThreshold:      DefaultPriorityThreshold,
		MinAbsoluteConfidence:  DefaultMinAbsoluteConfidence,
		MinDifferenceThreshold: DefaultMinDifferenceThreshold,
	}
}

// Validate reports thresholds outside [0,1] or a minimum above the priority
// threshold.
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{
		"priority_threshold":       t.PriorityThreshold,
		"min_absolute_confidence":  t.MinAbsoluteConfidence,
		"min_difference_threshold": t.MinDifferenceThreshold,
	} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return fmt.Errorf("%s must be in [0,1], got %v", name, v)
		}
	}
	if t.MinAbsoluteConfidence > t.PriorityThreshold {
		return fmt.Errorf("min_absolute_confidence (%v) must not exceed priority_threshold (%v)",
			t.MinAbsoluteConfidence, t.PriorityThreshold)
	}
	return nil
}

// Calibrator adjusts a reported confidence from historical accuracy.
type Calibrator interface {
	Calibrate(ctx context.Context, actionCode string, reported float64) float64
}

// Outcome is the decision engine's verdict for one query.
type Outcome struct {
	Status datatypes.OutcomeStatus `json:"status"`

	// Top is the best candidate. Nil only for NO_RESULTS.
	Top *datatypes.IntentCandidate `json:"top,omitempty"`

	// Alternatives are the remaining candidates, best first.
	Alternatives []datatypes.IntentCandidate `json:"alternatives"`

	// Confidence is Top's score after calibration, or Top's score when no
	// calibrator is configured.
	Confidence float64 `json:"confidence"`

	// NextBest is the second candidate's score, 0 when there is none.
	NextBest float64 `json:"next_best"`

	// NextBestConfidence is NextBest calibrated for the second candidate,
	// so it is on the same scale as Confidence.
	NextBestConfidence float64 `json:"next_best_confidence"`

	// Reason names the rule that produced Status.
	Reason string `json:"reason"`
}

// EngineOptions wires an Engine. Keyword, Embedding and Weights are required.
type EngineOptions struct {
	Keyword      matching.Matcher
	Embedding    matching.Matcher
	Weights      *WeightStore
	Thresholds   Thresholds
	Calibrator   Calibrator
	AmbiguousLog *AmbiguousLog
	Logger       *slog.Logger

	// Now is the clock used for ambiguous-case timestamps.
	Now func() time.Time
}

// Engine is the hybrid decision engine.
//
// # Description
//
// Search runs the keyword matcher first. A keyword top score at or above
// PriorityThreshold returns CONFIDENT_KEYWORD immediately and the embedding
// matcher is never called. Otherwise the embedding matcher runs and every
// intent in either list gets
//
//	blended = kw × w_kw + emb × w_emb
//
// with 0 for a missing side. Zero blends are dropped and the rest sorted,
// then the status rules are applied in order: no candidates, top below
// MinAbsoluteConfidence, a single candidate, a top-second gap below
// MinDifferenceThreshold, otherwise confident.
//
// AMBIGUOUS, BELOW_THRESHOLD and NO_RESULTS outcomes are handed to the
// ambiguous-case log, which never blocks.
//
// # Thread Safety
//
// Safe for concurrent use. Weights may be swapped at any time.
type Engine struct {
	keyword    matching.Matcher
	embedding  matching.Matcher
	weights    *WeightStore
	thresholds Thresholds
	calibrator Calibrator
	ambiguous  *AmbiguousLog
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine validates opts and creates an Engine.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Keyword == nil {
		return nil, fmt.Errorf("NewEngine: keyword matcher must not be nil")
	}
	if opts.Embedding == nil {
		return nil, fmt.Errorf("NewEngine: embedding matcher must not be nil")
	}
	if opts.Weights == nil {
		return nil, fmt.Errorf("NewEngine: weight store must not be nil")
	}
	if err := opts.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("NewEngine: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		keyword:    opts.Keyword,
		embedding:  opts.Embedding,
		weights:    opts.Weights,
		thresholds: opts.Thresholds,
		calibrator: opts.Calibrator,
		ambiguous:  opts.AmbiguousLog,
		logger:     logger,
		now:        now,
	}, nil
}

// Weights returns the engine's live weight store.
func (e *Engine) Weights() *WeightStore { return e.weights }

// Thresholds returns the engine's decision thresholds.
func (e *Engine) Thresholds() Thresholds { return e.thresholds }

// Search classifies query. Matcher failures are logged and treated as an
// empty candidate list; the only error returned is ctx's.
func (e *Engine) Search(ctx context.Context, query string) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "hybrid.Engine.Search")
	defer span.End()
	start := time.Now()
	defer func() { searchDuration.Observe(time.Since(start).Seconds()) }()

	kw := e.run(ctx, e.keyword, "keyword", query)
	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancelled")
		return nil, fmt.Errorf("Engine.Search: %w", err)
	}

	if len(kw) > 0 && kw[0].Score >= e.thresholds.PriorityThreshold {
		top := kw[0]
		out := &Outcome{
			Status:       datatypes.StatusConfidentKeyword,
			Top:          &top,
			Alternatives: append([]datatypes.IntentCandidate{}, kw[1:]...),
			Reason:       ReasonKeywordPriority,
		}
		if len(kw) > 1 {
			out.NextBest = kw[1].Score
		}
		e.finish(ctx, query, out)
		span.SetAttributes(attribute.Bool("short_circuit", true))
		return out, nil
	}

	emb := e.run(ctx, e.embedding, "embedding", query)
	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancelled")
		return nil, fmt.Errorf("Engine.Search: %w", err)
	}

	blended := Blend(kw, emb, e.weights.Load())
	out := Evaluate(blended, e.thresholds)
	e.finish(ctx, query, out)
	return out, nil
}

func (e *Engine) run(ctx context.Context, m matching.Matcher, name, query string) []datatypes.IntentCandidate {
	cands, err := m.Search(ctx, query)
	if err != nil {
		e.logger.Warn("hybrid: matcher failed, continuing without its candidates",
			slog.String("matcher", name),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return cands
}

func (e *Engine) finish(ctx context.Context, query string, out *Outcome) {
	if out.Top != nil {
		out.Confidence = out.Top.Score
		if e.calibrator != nil {
			out.Confidence = e.calibrator.Calibrate(ctx, out.Top.IntentID, out.Top.Score)
		}
	}
	out.NextBestConfidence = out.NextBest
	if e.calibrator != nil && len(out.Alternatives) > 0 && out.NextBest > 0 {
		out.NextBestConfidence = e.calibrator.Calibrate(ctx, out.Alternatives[0].IntentID, out.NextBest)
	}
	outcomesTotal.WithLabelValues(string(out.Status)).Inc()

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("status", string(out.Status)),
		attribute.String("reason", out.Reason),
	)
	if out.Top != nil {
		span.SetAttributes(
			attribute.String("top_intent", out.Top.IntentID),
			attribute.Float64("top_score", out.Top.Score),
		)
	}

	if out.Status.IsConfident() || e.ambiguous == nil {
		return
	}
	cands := make([]datatypes.IntentCandidate, 0, len(out.Alternatives)+1)
	if out.Top != nil {
		cands = append(cands, *out.Top)
	}
	cands = append(cands, out.Alternatives...)
	e.ambiguous.Record(AmbiguousCase{
		Query:      query,
		Status:     out.Status,
		Candidates: cands,
		Timestamp:  e.now().UTC(),
	})
}

// Blend merges keyword and embedding candidates with w. Intents missing from
// one list score 0 on that side. Zero blends are dropped and the result is
// sorted best first with Source set to blended.
func Blend(kw, emb []datatypes.IntentCandidate, w Weights) []datatypes.IntentCandidate {
	type pair struct {
		kw, emb float64
		text    string
	}
	merged := make(map[string]*pair, len(kw)+len(emb))
	order := make([]string, 0, len(kw)+len(emb))
	get := func(id string) *pair {
		p, ok := merged[id]
		if !ok {
			p = &pair{}
			merged[id] = p
			order = append(order, id)
		}
		return p
	}
	for _, c := range kw {
		p := get(c.IntentID)
		if c.Score > p.kw {
			p.kw = c.Score
			p.text = c.MatchedText
		}
	}
	for _, c := range emb {
		p := get(c.IntentID)
		if c.Score > p.emb {
			p.emb = c.Score
			if p.text == "" {
				p.text = c.MatchedText
			}
		}
	}

	out := make([]datatypes.IntentCandidate, 0, len(order))
	for _, id := range order {
		p := merged[id]
		score := p.kw*w.Keyword + p.emb*w.Embedding
		if score <= 0 {
			continue
		}
		out = append(out, datatypes.IntentCandidate{
			IntentID:    id,
			Score:       min(score, 1),
			Source:      datatypes.SourceBlended,
			MatchedText: p.text,
		})
	}
	datatypes.SortCandidates(out)
	return out
}

// Evaluate applies the confidence rules to a sorted candidate list.
func Evaluate(cands []datatypes.IntentCandidate, t Thresholds) *Outcome {
	if len(cands) == 0 {
		return &Outcome{
			Status:       datatypes.StatusNoResults,
			Alternatives: []datatypes.IntentCandidate{},
			Reason:       ReasonNoCandidates,
		}
	}

	top := cands[0]
	out := &Outcome{
		Top:          &top,
		Alternatives: append([]datatypes.IntentCandidate{}, cands[1:]...),
	}
	if len(cands) > 1 {
		out.NextBest = cands[1].Score
	}

	switch {
	case top.Score < t.MinAbsoluteConfidence:
		out.Status, out.Reason = datatypes.StatusBelowThreshold, ReasonBelowMinimum
	case len(cands) == 1:
		out.Status, out.Reason = datatypes.StatusConfident, ReasonSingleCandidate
	case top.Score-cands[1].Score < t.MinDifferenceThreshold:
		out.Status, out.Reason = datatypes.StatusAmbiguous, ReasonCloseCandidates
	default:
		out.Status, out.Reason = datatypes.StatusConfident, ReasonClearWinner
	}
	return out
}
