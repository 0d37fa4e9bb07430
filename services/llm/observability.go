// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.intent.llm")

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "llm",
		Name:      "requests_total",
		Help:      "Completion requests by provider and result (ok or error class)",
	}, []string{"provider", "result"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "intent",
		Subsystem: "llm",
		Name:      "request_duration_seconds",
		Help:      "Completion request latency",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
	}, []string{"provider"})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "llm",
		Name:      "tokens_total",
		Help:      "Tokens consumed by provider and kind (prompt, completion)",
	}, []string{"provider", "kind"})
)

// instrument runs one completion call inside a span and records metrics.
// fn's error is classified and wrapped as a *ProviderError.
func instrument(ctx context.Context, provider, model string, fn func(ctx context.Context) (*Completion, error)) (*Completion, error) {
	ctx, span := tracer.Start(ctx, "llm.Complete", trace.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	))
	defer span.End()

	start := time.Now()
	out, err := fn(ctx)
	requestDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())

	if err != nil {
		err = wrapError(provider, err)
		class := ClassUnknown
		var pe *ProviderError
		if errors.As(err, &pe) {
			class = pe.Class
		}
		requestsTotal.WithLabelValues(provider, string(class)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(class))
		return nil, err
	}

	requestsTotal.WithLabelValues(provider, "ok").Inc()
	tokensTotal.WithLabelValues(provider, "prompt").Add(float64(out.Usage.PromptTokens))
	tokensTotal.WithLabelValues(provider, "completion").Add(float64(out.Usage.CompletionTokens))
	span.SetAttributes(
		attribute.Int("prompt_tokens", out.Usage.PromptTokens),
		attribute.Int("completion_tokens", out.Usage.CompletionTokens),
	)
	return out, nil
}
