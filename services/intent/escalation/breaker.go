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
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("BreakerState(%d)", int(s))
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
)

// BreakerOptions configures a Breaker. Zero values use the defaults.
type BreakerOptions struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	Logger           *slog.Logger

	// Now is the clock. Nil uses time.Now.
	Now func() time.Time
}

// Breaker is a consecutive-failure circuit breaker.
//
// Description:
//
//	Closed: requests pass; FailureThreshold consecutive failures open it.
//	Open: requests are denied until ResetTimeout has elapsed since it
//	opened, then exactly one probe request is allowed (half-open).
//	Half-open: the probe's success closes the breaker, its failure reopens
//	it. Other requests are denied while the probe is outstanding.
//
//	State is local to the process; instances break independently.
//
// Thread Safety: Safe for concurrent use.
type Breaker struct {
	name      string
	threshold int
	reset     time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(opts BreakerOptions) (*Breaker, error) {
	if opts.FailureThreshold < 0 {
		return nil, fmt.Errorf("NewBreaker: failure threshold must not be negative")
	}
	if opts.ResetTimeout < 0 {
		return nil, fmt.Errorf("NewBreaker: reset timeout must not be negative")
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.ResetTimeout == 0 {
		opts.ResetTimeout = DefaultResetTimeout
	}
	if opts.Name == "" {
		opts.Name = "llm"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := &Breaker{
		name:      opts.Name,
		threshold: opts.FailureThreshold,
		reset:     opts.ResetTimeout,
		now:       opts.Now,
		logger:    opts.Logger,
	}
	breakerState.WithLabelValues(b.name).Set(float64(StateClosed))
	return b, nil
}

// AllowRequest reports whether a call may proceed. A true result from an
// open breaker whose reset timeout has elapsed is the half-open probe; the
// caller must report its outcome with RecordSuccess or RecordFailure.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.reset {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	default:
		// Half-open with the probe outstanding.
		return false
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// RecordFailure counts a failure, opening the breaker at the threshold or
// immediately when the half-open probe fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.openedAt = b.now()
		b.transition(StateOpen)
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	default:
		// A late failure from a call admitted before the breaker opened.
	}
}

// RecordAbandoned reports an admitted call that never reached a verdict
// because the caller went away. The failure count is untouched; a
// half-open probe slot is handed back so the next request probes instead.
func (b *Breaker) RecordAbandoned() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		// openedAt is kept, so the reset timeout has already elapsed.
		b.transition(StateOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the breaker's metric label.
func (b *Breaker) Name() string { return b.name }

// transition must be called with mu held.
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if to != StateOpen {
		b.failures = 0
	}
	breakerState.WithLabelValues(b.name).Set(float64(to))
	breakerTransitionsTotal.WithLabelValues(b.name, to.String()).Inc()
	b.logger.Info("circuit breaker transition",
		slog.String("breaker", b.name),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
}
