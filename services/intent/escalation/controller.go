// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianIntent/services/intent/config"
	"github.com/AleutianAI/AleutianIntent/services/intent/datatypes"
	"github.com/AleutianAI/AleutianIntent/services/intent/fallback"
	"github.com/AleutianAI/AleutianIntent/services/llm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// rawPayloadLogChars bounds how much of a malformed model answer is logged.
const rawPayloadLogChars = 200

// ResponseCache is the semantic cache consulted before calling the LLM.
type ResponseCache interface {
	// Get returns the cached answer and true on a hit. Uncacheable
	// queries report a miss through the error.
	Get(ctx context.Context, query string) (datatypes.LLMResponse, bool, error)
	Set(ctx context.Context, query string, resp datatypes.LLMResponse) error
}

// Resolution is the outcome of Resolve. Response is always well formed.
type Resolution struct {
	Response datatypes.LLMResponse
	Source   datatypes.ResolutionSource

	// Err is the failure that caused a fallback. Nil for cache and LLM
	// answers.
	Err error
}

// DefaultConfig returns the escalation defaults: 2.5s hard timeout, one
// retry at 200ms ±25%, breaker opening after 5 failures for 30s.
func DefaultConfig() config.EscalationConfig {
	return config.EscalationConfig{
		LowConfidenceThreshold: DefaultLowConfidenceThreshold,
		AmbiguityDelta:         DefaultAmbiguityDelta,
		Timeout:                DefaultTimeout,
		MaxRetries:             1,
		BaseDelay:              200 * time.Millisecond,
		Multiplier:             2,
		Jitter:                 0.25,
		FailureThreshold:       DefaultFailureThreshold,
		ResetTimeout:           DefaultResetTimeout,
		Workers:                DefaultWorkers,
		MaxTokens:              256,
	}
}

// ControllerOptions wires a Controller.
type ControllerOptions struct {
	Completer llm.Completer
	Taxonomy  *config.Taxonomy
	Config    config.EscalationConfig

	// Cache is optional. Nil disables caching.
	Cache    ResponseCache
	Fallback *fallback.Manager
	Logger   *slog.Logger

	// Test hooks. Nil uses the real clock, time.Sleep and math/rand.
	Now    func() time.Time
	Sleep  func(time.Duration)
	Random func() float64
}

// Controller owns the escalation path.
//
// Description:
//
//	ShouldTrigger decides whether to escalate. Invoke makes the resilient
//	LLM call: each attempt passes the rate limiter, asks the breaker, runs
//	on the bounded invoker, and parses the answer; transient failures are
//	retried under the policy. Resolve adds the cache in front and the
//	fallback behind, so it never fails.
//
// Thread Safety: Safe for concurrent use.
type Controller struct {
	completer llm.Completer
	trigger   *Trigger
	breaker   *Breaker
	retrier   *Retrier
	invoker   *Invoker
	limiter   *rate.Limiter
	prompt    *PromptBuilder
	cache     ResponseCache
	fallback  *fallback.Manager
	params    llm.Params
	logger    *slog.Logger
}

// NewController validates opts and builds the resilience chain.
func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Completer == nil {
		return nil, fmt.Errorf("NewController: completer must not be nil")
	}
	if opts.Taxonomy == nil {
		return nil, fmt.Errorf("NewController: taxonomy must not be nil")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Fallback == nil {
		opts.Fallback = fallback.NewManager(opts.Taxonomy, opts.Logger)
	}
	cfg := opts.Config

	highRisk := cfg.HighRiskActions
	if len(highRisk) == 0 {
		highRisk = opts.Taxonomy.HighRiskActionCodes()
	}
	trigger, err := NewTrigger(cfg.LowConfidenceThreshold, cfg.AmbiguityDelta, highRisk)
	if err != nil {
		return nil, fmt.Errorf("NewController: %w", err)
	}
	breaker, err := NewBreaker(BreakerOptions{
		Name:             opts.Completer.Provider(),
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
		Logger:           opts.Logger,
		Now:              opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("NewController: %w", err)
	}
	retrier, err := NewRetrier(RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		Multiplier: cfg.Multiplier,
		Jitter:     cfg.Jitter,
		Retryable:  IsTransient,
	}, opts.Sleep, opts.Random)
	if err != nil {
		return nil, fmt.Errorf("NewController: %w", err)
	}
	invoker, err := NewInvoker(cfg.Workers, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("NewController: %w", err)
	}
	prompt, err := NewPromptBuilder(opts.Taxonomy)
	if err != nil {
		return nil, fmt.Errorf("NewController: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Controller{
		completer: opts.Completer,
		trigger:   trigger,
		breaker:   breaker,
		retrier:   retrier,
		invoker:   invoker,
		limiter:   limiter,
		prompt:    prompt,
		cache:     opts.Cache,
		fallback:  opts.Fallback,
		params: llm.Params{
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			JSON:        true,
		},
		logger: opts.Logger,
	}, nil
}

// ShouldTrigger applies the trigger rules.
func (c *Controller) ShouldTrigger(tc TriggerContext) (bool, string) {
	return c.trigger.ShouldTrigger(tc)
}

// Breaker exposes the breaker for health reporting.
func (c *Controller) Breaker() *Breaker { return c.breaker }

// Invoke makes the resilient LLM call for req.
//
// Outputs:
//
//	datatypes.LLMResponse - The parsed answer.
//	error - A *RetriesExhaustedError when every attempt failed transiently,
//	  otherwise the first non-transient failure (provider error or
//	  ErrMalformedResponse).
func (c *Controller) Invoke(ctx context.Context, req datatypes.LLMRequest) (datatypes.LLMResponse, error) {
	messages, err := c.prompt.Build(req)
	if err != nil {
		return datatypes.LLMResponse{}, err
	}
	return Do(ctx, c.retrier, func(ctx context.Context, attempt int) (datatypes.LLMResponse, error) {
		return c.attempt(ctx, messages, attempt)
	})
}

func (c *Controller) attempt(ctx context.Context, messages []llm.Message, attempt int) (datatypes.LLMResponse, error) {
	if c.limiter != nil && !c.limiter.Allow() {
		attemptsTotal.WithLabelValues("rate_limited").Inc()
		return datatypes.LLMResponse{}, ErrRateLimited
	}
	if !c.breaker.AllowRequest() {
		attemptsTotal.WithLabelValues("circuit_open").Inc()
		return datatypes.LLMResponse{}, ErrCircuitOpen
	}

	completion, err := c.invoker.Call(ctx, func(ctx context.Context) (*llm.Completion, error) {
		return c.completer.Complete(ctx, messages, c.params)
	})
	if err != nil && !errors.Is(err, ErrTimeout) && ctx.Err() != nil {
		// The caller gave up; the provider's health is unknown.
		c.breaker.RecordAbandoned()
		attemptsTotal.WithLabelValues("cancelled").Inc()
		return datatypes.LLMResponse{}, ctx.Err()
	}
	if err != nil {
		c.breaker.RecordFailure()
		outcome := "error"
		if errors.Is(err, ErrTimeout) {
			outcome = "timeout"
		}
		attemptsTotal.WithLabelValues(outcome).Inc()
		c.logger.Warn("llm attempt failed",
			slog.Int("attempt", attempt),
			slog.String("outcome", outcome),
			slog.Bool("transient", IsTransient(err)),
			slog.String("error", llm.SafeLogString(err.Error())),
		)
		return datatypes.LLMResponse{}, err
	}
	// The provider answered; whether the answer is usable is not a health
	// signal.
	c.breaker.RecordSuccess()

	resp, err := c.prompt.ParseResponse(completion.Text)
	if err != nil {
		attemptsTotal.WithLabelValues("malformed").Inc()
		c.logger.Warn("malformed llm response",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
			slog.String("raw", llm.Excerpt(completion.Text, rawPayloadLogChars)),
		)
		return datatypes.LLMResponse{}, err
	}
	attemptsTotal.WithLabelValues("success").Inc()
	return resp, nil
}

// Resolve answers req from the cache, the LLM, or the fallback manager.
//
// Description:
//
//	A cache hit returns immediately. Otherwise Invoke runs; a usable answer
//	that is not itself a clarification is written back to the cache. Any
//	failure becomes a fallback clarification with Err set. Cache errors are
//	logged and never fail the request.
//
// Thread Safety: Safe for concurrent use. Concurrent misses for the same
// query may both call the LLM.
func (c *Controller) Resolve(ctx context.Context, req datatypes.LLMRequest) Resolution {
	ctx, span := tracer.Start(ctx, "escalation.Controller.Resolve", trace.WithAttributes(
		attribute.String("trigger_reason", req.TriggerReason),
		attribute.String("rule_guess", req.RuleGuess),
	))
	defer span.End()
	start := time.Now()
	defer func() { escalationLatency.Observe(time.Since(start).Seconds()) }()

	if strings.TrimSpace(req.Text) == "" {
		return c.fallbackFor(span, req, fallback.ReasonEmptyQuery, nil)
	}

	if c.cache != nil {
		cached, ok, err := c.cache.Get(ctx, req.Text)
		switch {
		case err != nil:
			c.logger.Debug("cache lookup skipped", slog.String("error", err.Error()))
		case ok:
			resolutionsTotal.WithLabelValues(string(datatypes.ResolvedByCache)).Inc()
			span.SetAttributes(attribute.String("source", string(datatypes.ResolvedByCache)))
			return Resolution{Response: cached, Source: datatypes.ResolvedByCache}
		}
	}

	resp, err := c.Invoke(ctx, req)
	if err != nil {
		return c.fallbackFor(span, req, reasonFor(err), err)
	}

	if c.cache != nil && !resp.NeedsClarification {
		if err := c.cache.Set(ctx, req.Text, resp); err != nil {
			c.logger.Debug("cache store skipped", slog.String("error", err.Error()))
		}
	}
	resolutionsTotal.WithLabelValues(string(datatypes.ResolvedByLLM)).Inc()
	span.SetAttributes(
		attribute.String("source", string(datatypes.ResolvedByLLM)),
		attribute.String("action_code", resp.ActionCode),
		attribute.Float64("confidence", resp.Confidence),
	)
	return Resolution{Response: resp, Source: datatypes.ResolvedByLLM}
}

func (c *Controller) fallbackFor(span trace.Span, req datatypes.LLMRequest, reason fallback.Reason, err error) Resolution {
	resolutionsTotal.WithLabelValues(string(datatypes.ResolvedByFallback)).Inc()
	span.SetAttributes(
		attribute.String("source", string(datatypes.ResolvedByFallback)),
		attribute.String("fallback_reason", string(reason)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(reason))
		c.logger.Warn("escalation fell back",
			slog.String("reason", string(reason)),
			slog.String("error", llm.SafeLogString(err.Error())),
		)
	}
	return Resolution{
		Response: c.fallback.Response(reason, req),
		Source:   datatypes.ResolvedByFallback,
		Err:      err,
	}
}

// reasonFor maps an Invoke failure to a fallback reason. Exhausted retries
// are checked first since they wrap the last transient error.
func reasonFor(err error) fallback.Reason {
	switch {
	case errors.Is(err, ErrRetriesExhausted):
		return fallback.ReasonRetriesExhausted
	case errors.Is(err, ErrMalformedResponse):
		return fallback.ReasonMalformed
	case errors.Is(err, ErrCircuitOpen):
		return fallback.ReasonCircuitOpen
	case errors.Is(err, ErrTimeout):
		return fallback.ReasonTimeout
	default:
		return fallback.ReasonLLMUnavailable
	}
}
