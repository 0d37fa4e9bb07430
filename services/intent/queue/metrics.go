// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.intent.queue")

var (
	enqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Messages enqueued by queue name",
	}, []string{"queue"})

	dequeuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "queue",
		Name:      "dequeued_total",
		Help:      "Messages handed to a consumer",
	}, []string{"queue"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "queue",
		Name:      "retries_total",
		Help:      "Messages scheduled for a delayed retry",
	}, []string{"queue"})

	deadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "queue",
		Name:      "dead_lettered_total",
		Help:      "Messages moved to the dead-letter list",
	}, []string{"queue"})

	expiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "queue",
		Name:      "expired_total",
		Help:      "Messages whose body expired before they were dequeued",
	}, []string{"queue"})

	reclaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "queue",
		Name:      "reclaimed_total",
		Help:      "In-flight messages put back after their visibility timeout lapsed",
	}, []string{"queue"})

	processedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "queue",
		Name:      "processed_total",
		Help:      "Worker outcomes (completed, retried, requeued, dead_lettered)",
	}, []string{"queue", "result"})

	processDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "intent",
		Subsystem: "queue",
		Name:      "process_duration_seconds",
		Help:      "Time a worker spends on one message",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"queue"})

	statusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "status",
		Name:      "transitions_total",
		Help:      "Status writes by target state",
	}, []string{"status"})

	statusRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "status",
		Name:      "rejected_transitions_total",
		Help:      "Status writes refused because they would move a request backwards",
	})

	statusLookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "intent",
		Subsystem: "status",
		Name:      "lookup_duration_seconds",
		Help:      "Status lookup latency",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05},
	})
)
