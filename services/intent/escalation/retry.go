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
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy is the retry budget and backoff shape.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	BaseDelay  time.Duration
	Multiplier float64

	// Jitter is the relative spread applied to each delay: 0.25 means the
	// delay is scaled by a factor drawn from [0.75, 1.25].
	Jitter float64

	// Retryable selects the errors worth retrying. Nil uses IsTransient.
	Retryable func(error) bool
}

// DefaultRetryPolicy is one retry after 200ms ±25%.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 1,
		BaseDelay:  200 * time.Millisecond,
		Multiplier: 2,
		Jitter:     0.25,
		Retryable:  IsTransient,
	}
}

// Validate rejects a policy that cannot be executed.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return fmt.Errorf("max retries %d is negative", p.MaxRetries)
	case p.BaseDelay < 0:
		return fmt.Errorf("base delay %s is negative", p.BaseDelay)
	case p.Multiplier < 1 || math.IsNaN(p.Multiplier):
		return fmt.Errorf("multiplier %v must be at least 1", p.Multiplier)
	case p.Jitter < 0 || p.Jitter >= 1 || math.IsNaN(p.Jitter):
		return fmt.Errorf("jitter %v outside [0,1)", p.Jitter)
	}
	return nil
}

// Retrier executes operations under a RetryPolicy.
//
// Thread Safety: Safe for concurrent use when sleep and random are.
type Retrier struct {
	policy RetryPolicy
	sleep  func(time.Duration)
	random func() float64
}

// NewRetrier validates policy. sleep and random may be nil for time.Sleep
// and math/rand; tests inject both.
func NewRetrier(policy RetryPolicy, sleep func(time.Duration), random func() float64) (*Retrier, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("NewRetrier: %w", err)
	}
	if policy.Retryable == nil {
		policy.Retryable = IsTransient
	}
	if sleep == nil {
		sleep = time.Sleep
	}
	if random == nil {
		random = rand.Float64
	}
	return &Retrier{policy: policy, sleep: sleep, random: random}, nil
}

// Policy returns the retrier's policy.
func (r *Retrier) Policy() RetryPolicy { return r.policy }

// Delay returns the backoff before retry number retry (0-based).
func (r *Retrier) Delay(retry int) time.Duration {
	d := float64(r.policy.BaseDelay) * math.Pow(r.policy.Multiplier, float64(retry))
	if r.policy.Jitter > 0 {
		d *= 1 + r.policy.Jitter*(2*r.random()-1)
	}
	return time.Duration(d)
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// retry budget is spent.
//
// Description:
//
//	Non-retryable errors are returned unchanged after the attempt that
//	produced them. When every one of MaxRetries+1 attempts fails with a
//	retryable error, the result is a *RetriesExhaustedError wrapping the
//	last one. Backoff sleeps are not interrupted by ctx; ctx is only passed
//	through to op.
func Do[T any](ctx context.Context, r *Retrier, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	attempts := r.policy.MaxRetries + 1
	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			retriesTotal.Inc()
			r.sleep(r.Delay(attempt - 1))
		}
		out, err := op(ctx, attempt)
		if err == nil {
			return out, nil
		}
		if !r.policy.Retryable(err) {
			return zero, err
		}
		last = err
	}
	return zero, &RetriesExhaustedError{Attempts: attempts, Last: last}
}
