// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package semcache

import (
	"sort"
	"sync"
	"time"
)

// DefaultLatencyWindow is the number of recent lookups kept for p95 and
// throughput reporting.
const DefaultLatencyWindow = 1000

type sample struct {
	at      time.Time
	latency time.Duration
}

// LatencyTracker keeps a sliding window of lookup latencies.
//
// Thread Safety: Safe for concurrent use.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []sample
	next    int
	full    bool
	now     func() time.Time
}

// NewLatencyTracker creates a tracker over the last window samples.
func NewLatencyTracker(window int, now func() time.Time) *LatencyTracker {
	if window <= 0 {
		window = DefaultLatencyWindow
	}
	if now == nil {
		now = time.Now
	}
	return &LatencyTracker{samples: make([]sample, window), now: now}
}

// Observe records one lookup.
func (t *LatencyTracker) Observe(latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples[t.next] = sample{at: t.now(), latency: latency}
	t.next = (t.next + 1) % len(t.samples)
	if t.next == 0 {
		t.full = true
	}
}

func (t *LatencyTracker) window() []sample {
	if t.full {
		return t.samples
	}
	return t.samples[:t.next]
}

// P95 returns the nearest-rank 95th percentile latency in the window, or
// zero when empty.
func (t *LatencyTracker) P95() time.Duration {
	t.mu.Lock()
	w := t.window()
	lat := make([]time.Duration, len(w))
	for i, s := range w {
		lat[i] = s.latency
	}
	t.mu.Unlock()

	if len(lat) == 0 {
		return 0
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	rank := (95*len(lat) + 99) / 100
	return lat[rank-1]
}

// Throughput returns lookups per second between the oldest sample in the
// window and now.
func (t *LatencyTracker) Throughput() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.window()
	if len(w) == 0 {
		return 0
	}
	oldest := w[0].at
	for _, s := range w[1:] {
		if s.at.Before(oldest) {
			oldest = s.at
		}
	}
	elapsed := t.now().Sub(oldest).Seconds()
	if elapsed <= 0 {
		return float64(len(w))
	}
	return float64(len(w)) / elapsed
}

// Count returns the number of samples in the window.
func (t *LatencyTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.window())
}
