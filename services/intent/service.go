// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intent wires the hybrid engine, the escalation controller, the
// semantic cache, the calibrator and the async queue into one Service and
// exposes it over HTTP.
package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianIntent/services/intent/calibration"
	"github.com/AleutianAI/AleutianIntent/services/intent/config"
	"github.com/AleutianAI/AleutianIntent/services/intent/datatypes"
	"github.com/AleutianAI/AleutianIntent/services/intent/escalation"
	"github.com/AleutianAI/AleutianIntent/services/intent/hybrid"
	"github.com/AleutianAI/AleutianIntent/services/intent/queue"
	"github.com/AleutianAI/AleutianIntent/services/intent/semcache"
	"github.com/AleutianAI/AleutianIntent/services/intent/storage/kv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultMaxTextChars bounds query length at the HTTP boundary.
const DefaultMaxTextChars = 2000

// Errors returned by Service operations.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotFound      = errors.New("not found")
	ErrCacheDisabled = errors.New("response cache is disabled")
	ErrUnknownQueue  = errors.New("unknown queue")

	ErrCalibrationDisabled = errors.New("calibration is disabled")
)

var tracer = otel.Tracer("aleutian.intent.service")

var (
	classificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "service",
		Name:      "classifications_total",
		Help:      "Classify calls by resolution source",
	}, []string{"resolved_by"})

	feedbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "service",
		Name:      "feedback_total",
		Help:      "Feedback records by correctness",
	}, []string{"correct"})
)

// ServiceOptions wires a Service. Engine, Controller, Taxonomy and Queue are
// required; Cache and Calibrator are optional.
type ServiceOptions struct {
	Engine     *hybrid.Engine
	Controller *escalation.Controller
	Cache      *semcache.Cache
	Calibrator *calibration.Calibrator
	Queue      *queue.Queue
	Taxonomy   *config.Taxonomy

	// Stores are reported by Health when degraded.
	Stores       []*kv.FailoverStore
	MaxTextChars int
	Logger       *slog.Logger
}

// Service is the intent resolution service.
//
// # Description
//
// Classify runs the hybrid engine and, when the trigger rules fire,
// escalates through the controller (cache, LLM, fallback). Enqueue defers
// the same work to the queue; Process is the queue worker's entry point.
// Every path returns a well-formed result, falling back to a clarification
// request when nothing better is available.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	engine       *hybrid.Engine
	controller   *escalation.Controller
	cache        *semcache.Cache
	calibrator   *calibration.Calibrator
	queue        *queue.Queue
	taxonomy     *config.Taxonomy
	stores       []*kv.FailoverStore
	maxTextChars int
	logger       *slog.Logger
}

// NewService validates opts and creates a Service.
func NewService(opts ServiceOptions) (*Service, error) {
	switch {
	case opts.Engine == nil:
		return nil, errors.New("NewService: engine is required")
	case opts.Controller == nil:
		return nil, errors.New("NewService: controller is required")
	case opts.Taxonomy == nil:
		return nil, errors.New("NewService: taxonomy is required")
	case opts.Queue == nil:
		return nil, errors.New("NewService: queue is required")
	}
	if opts.MaxTextChars <= 0 {
		opts.MaxTextChars = DefaultMaxTextChars
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		engine:       opts.Engine,
		controller:   opts.Controller,
		cache:        opts.Cache,
		calibrator:   opts.Calibrator,
		queue:        opts.Queue,
		taxonomy:     opts.Taxonomy,
		stores:       opts.Stores,
		maxTextChars: opts.MaxTextChars,
		logger:       opts.Logger,
	}, nil
}

// MaxTextChars returns the configured query length limit.
func (s *Service) MaxTextChars() int { return s.maxTextChars }

// ValidateText rejects blank or over-long queries.
func (s *Service) ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: text is empty", ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(text); n > s.maxTextChars {
		return fmt.Errorf("%w: text has %d characters, limit is %d", ErrInvalidInput, n, s.maxTextChars)
	}
	return nil
}

// ============================================================================
// Classification
// ============================================================================

// Classify resolves text synchronously. It never fails: any problem in the
// engine or the escalation path yields a clarification result.
func (s *Service) Classify(ctx context.Context, text string, rctx datatypes.RequestContext) datatypes.ClassificationResult {
	ctx, span := tracer.Start(ctx, "Service.Classify")
	defer span.End()

	result, _ := s.classify(ctx, text, rctx)
	classificationsTotal.WithLabelValues(string(result.ResolvedBy)).Inc()
	span.SetAttributes(
		attribute.String("status", string(result.Status)),
		attribute.String("resolved_by", string(result.ResolvedBy)),
		attribute.String("action_code", result.ActionCode),
	)
	return result
}

// classify returns the result plus the escalation failure behind a
// fallback, if any.
func (s *Service) classify(ctx context.Context, text string, rctx datatypes.RequestContext) (datatypes.ClassificationResult, error) {
	if strings.TrimSpace(text) == "" {
		res := s.controller.Resolve(ctx, datatypes.LLMRequest{Context: rctx, IsFallback: true})
		return fromResolution(datatypes.StatusNoResults, res, "", nil), res.Err
	}

	out, err := s.engine.Search(ctx, text)
	if err != nil {
		s.logger.Warn("hybrid search failed", slog.String("error", err.Error()))
		out = &hybrid.Outcome{Status: datatypes.StatusNoResults, Reason: hybrid.ReasonNoCandidates}
	}

	req := datatypes.LLMRequest{
		Text:               text,
		TopConfidence:      out.Confidence,
		NextBestConfidence: out.NextBestConfidence,
		IsFallback:         !out.Status.IsConfident() && out.Status != datatypes.StatusAmbiguous,
		Context:            rctx,
	}
	if out.Top != nil {
		req.RuleGuess = out.Top.IntentID
		// A keyword short-circuit wins outright; only blended results are
		// second-guessed by calibration history.
		if !req.IsFallback && out.Status != datatypes.StatusConfidentKeyword && s.calibrator != nil {
			if fb, reason := s.calibrator.ShouldFallback(ctx, out.Top.IntentID, out.Confidence, 0); fb {
				s.logger.Debug("calibrator rejected rule result",
					slog.String("action_code", out.Top.IntentID),
					slog.String("reason", reason))
				req.IsFallback = true
			}
		}
	}

	escalate, reason := s.controller.ShouldTrigger(escalation.TriggerContext{
		TopConfidence:      req.TopConfidence,
		NextBestConfidence: req.NextBestConfidence,
		ActionCode:         req.RuleGuess,
		IsFallback:         req.IsFallback,
		Confident:          out.Status.IsConfident(),
	})
	if !escalate {
		return s.fromOutcome(out), nil
	}
	req.TriggerReason = reason
	res := s.controller.Resolve(ctx, req)
	return fromResolution(out.Status, res, reason, out.Alternatives), res.Err
}

// fromOutcome converts an engine verdict that needs no escalation.
func (s *Service) fromOutcome(out *hybrid.Outcome) datatypes.ClassificationResult {
	res := datatypes.ClassificationResult{
		Status:       out.Status,
		Confidence:   out.Confidence,
		ResolvedBy:   datatypes.ResolvedByHybrid,
		Alternatives: out.Alternatives,
	}
	if out.Status == datatypes.StatusConfidentKeyword {
		res.ResolvedBy = datatypes.ResolvedByKeyword
	}
	if out.Top != nil {
		res.ActionCode = out.Top.IntentID
		if in, ok := s.taxonomy.Lookup(out.Top.IntentID); ok {
			res.Intent = in.Name
		}
	}
	return res
}

func fromResolution(status datatypes.OutcomeStatus, r escalation.Resolution, trigger string, alts []datatypes.IntentCandidate) datatypes.ClassificationResult {
	return datatypes.ClassificationResult{
		Status:                status,
		Intent:                r.Response.Intent,
		ActionCode:            r.Response.ActionCode,
		Confidence:            r.Response.Confidence,
		Entities:              r.Response.Entities,
		RequiresClarification: r.Response.NeedsClarification,
		ClarificationPrompt:   r.Response.ClarificationPrompt,
		ResolvedBy:            r.Source,
		TriggerReason:         trigger,
		Alternatives:          alts,
	}
}

// ============================================================================
// Async path
// ============================================================================

// Enqueue defers text to the queue and returns its request id.
func (s *Service) Enqueue(ctx context.Context, text string, rctx datatypes.RequestContext, priority int) (string, error) {
	if err := s.ValidateText(text); err != nil {
		return "", err
	}
	id, err := s.queue.Enqueue(ctx, text, rctx, priority)
	if err != nil {
		return "", fmt.Errorf("Service.Enqueue: %w", err)
	}
	return id, nil
}

// GetStatus returns the lifecycle of a queued request.
func (s *Service) GetStatus(ctx context.Context, id string) (queue.RequestStatus, error) {
	st, err := s.queue.Status().Get(ctx, id)
	if errors.Is(err, kv.ErrNotFound) {
		return queue.RequestStatus{}, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	return st, err
}

// Process resolves one queued message; it is the queue worker's Processor.
//
// A fallback caused by a transient escalation failure is returned as an
// error so the queue retries the message. Any other result completes it.
func (s *Service) Process(ctx context.Context, msg *queue.Message) (datatypes.ClassificationResult, error) {
	ctx, span := tracer.Start(ctx, "Service.Process")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", msg.ID))

	result, escErr := s.classify(ctx, msg.Query, msg.Context)
	result.RequestID = msg.ID
	if err := ctx.Err(); err != nil {
		// The worker is stopping; the fallback built here is not an answer.
		return result, fmt.Errorf("request %s: %w", msg.ID, err)
	}
	classificationsTotal.WithLabelValues(string(result.ResolvedBy)).Inc()

	if escErr != nil && escalation.IsTransient(escErr) {
		return result, fmt.Errorf("request %s: %w", msg.ID, escErr)
	}
	return result, nil
}

// Processor adapts Process to queue.Processor.
func (s *Service) Processor() queue.Processor {
	return queue.ProcessorFunc(s.Process)
}

// ============================================================================
// Administration
// ============================================================================

// ClearCache empties the response cache and returns how many entries were
// removed.
func (s *Service) ClearCache(ctx context.Context) (int, error) {
	if s.cache == nil {
		return 0, ErrCacheDisabled
	}
	return s.cache.Clear(ctx)
}

// InvalidateCache removes the entry query would hit.
func (s *Service) InvalidateCache(ctx context.Context, query string) (bool, error) {
	if s.cache == nil {
		return false, ErrCacheDisabled
	}
	removed, err := s.cache.Invalidate(ctx, query)
	if errors.Is(err, semcache.ErrNotCacheable) {
		return false, nil
	}
	return removed, err
}

// CacheStats reports cache activity.
func (s *Service) CacheStats(ctx context.Context) (semcache.Stats, error) {
	if s.cache == nil {
		return semcache.Stats{}, ErrCacheDisabled
	}
	return s.cache.Stats(ctx)
}

// ClearQueue drops every pending message of the named queue.
func (s *Service) ClearQueue(ctx context.Context, name string) (int, error) {
	if name != s.queue.Name() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	return s.queue.Clear(ctx)
}

// DeadLetters lists up to limit dead-lettered messages.
func (s *Service) DeadLetters(ctx context.Context, limit int) ([]queue.DeadLetterRecord, error) {
	return s.queue.DeadLetters(ctx, limit)
}

// RecordFeedback stores whether a reported classification was correct.
func (s *Service) RecordFeedback(ctx context.Context, actionCode string, reported float64, correct bool) error {
	if s.calibrator == nil {
		return ErrCalibrationDisabled
	}
	if !s.taxonomy.IsValidActionCode(actionCode) {
		return fmt.Errorf("%w: unknown action code %q", ErrInvalidInput, actionCode)
	}
	if reported < 0 || reported > 1 || math.IsNaN(reported) {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidInput, reported)
	}
	if err := s.calibrator.Record(ctx, actionCode, reported, correct); err != nil {
		return fmt.Errorf("Service.RecordFeedback: %w", err)
	}
	feedbackTotal.WithLabelValues(fmt.Sprint(correct)).Inc()
	return nil
}

// CalibrationReport returns calibration statistics for actionCode, or the
// global statistics when it is empty.
func (s *Service) CalibrationReport(ctx context.Context, actionCode string) (calibration.Stats, error) {
	if s.calibrator == nil {
		return calibration.Stats{}, ErrCalibrationDisabled
	}
	if actionCode != "" && !s.taxonomy.IsValidActionCode(actionCode) {
		return calibration.Stats{}, fmt.Errorf("%w: unknown action code %q", ErrInvalidInput, actionCode)
	}
	return s.calibrator.Report(ctx, actionCode)
}

// Health summarizes dependency state.
type Health struct {
	Status         string   `json:"status"`
	Breaker        string   `json:"breaker"`
	DegradedStores []string `json:"degraded_stores,omitempty"`
	QueueReady     int      `json:"queue_ready"`
	QueueDelayed   int      `json:"queue_delayed"`
	QueueInFlight  int      `json:"queue_in_flight"`
	CacheEnabled   bool     `json:"cache_enabled"`
}

// Health reports "ok", or "degraded" when the breaker is open or any store
// runs on its in-memory substitute.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Status:       "ok",
		Breaker:      s.controller.Breaker().State().String(),
		CacheEnabled: s.cache != nil,
	}
	for _, st := range s.stores {
		if st.Degraded() {
			h.DegradedStores = append(h.DegradedStores, st.Subsystem())
		}
	}
	if ready, delayed, err := s.queue.Depth(ctx); err == nil {
		h.QueueReady, h.QueueDelayed = ready, delayed
	}
	if n, err := s.queue.InFlight(ctx); err == nil {
		h.QueueInFlight = n
	}
	if len(h.DegradedStores) > 0 || s.controller.Breaker().State() == escalation.StateOpen {
		h.Status = "degraded"
	}
	return h
}
