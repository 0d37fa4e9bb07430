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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.intent.escalation")

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	triggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "escalation",
		Name:      "triggers_total",
		Help:      "Trigger decisions by reason (none when not triggered)",
	}, []string{"reason"})

	resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "escalation",
		Name:      "resolutions_total",
		Help:      "Escalations by resolution source: cache, llm, fallback",
	}, []string{"source"})

	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "escalation",
		Name:      "attempts_total",
		Help:      "LLM call attempts by outcome: success, timeout, circuit_open, rate_limited, malformed, error",
	}, []string{"outcome"})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "escalation",
		Name:      "retries_total",
		Help:      "Retries scheduled after a transient failure",
	})

	escalationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "intent",
		Subsystem: "escalation",
		Name:      "latency_seconds",
		Help:      "End-to-end latency of Resolve, including cache lookup and fallback",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 3.0, 5.0},
	})

	inFlightCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "intent",
		Subsystem: "escalation",
		Name:      "in_flight_calls",
		Help:      "LLM calls currently holding a worker slot, including abandoned ones",
	})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "intent",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open",
	}, []string{"name"})

	breakerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit breaker transitions by target state",
	}, []string{"name", "to"})
)
