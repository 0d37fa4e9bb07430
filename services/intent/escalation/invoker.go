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
	"time"

	"github.com/AleutianAI/AleutianIntent/services/llm"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultTimeout = 2500 * time.Millisecond
	DefaultWorkers = 8
)

// callResult carries a completion from the worker goroutine.
type callResult struct {
	completion *llm.Completion
	err        error
}

// Invoker runs provider calls on a bounded worker pool under a hard
// wall-clock deadline.
//
// # Description
//
// Each call runs on its own goroutine holding one of the pool's worker
// slots. The caller waits on the result channel or the deadline, whichever
// comes first. On deadline the call's context is cancelled and the caller
// returns ErrTimeout immediately; the worker goroutine finishes on its own,
// writes into a buffered channel nobody reads, and only then releases its
// slot. Abandoned calls therefore still count against the pool.
//
// Time spent waiting for a free slot counts against the deadline.
//
// # Thread Safety
//
// Safe for concurrent use.
type Invoker struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

// NewInvoker creates an invoker with workers slots and the given hard
// timeout.
func NewInvoker(workers int, timeout time.Duration) (*Invoker, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("NewInvoker: workers must be positive, got %d", workers)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("NewInvoker: timeout must be positive, got %s", timeout)
	}
	return &Invoker{sem: semaphore.NewWeighted(int64(workers)), timeout: timeout}, nil
}

// Timeout returns the hard deadline applied to each call.
func (i *Invoker) Timeout() time.Duration { return i.timeout }

// Call runs fn under the hard deadline.
//
// Outputs:
//
//	*llm.Completion - fn's result when it finishes in time.
//	error - ErrTimeout (wrapped) on deadline, the parent context's error if
//	  the caller cancelled, or fn's error.
func (i *Invoker) Call(ctx context.Context, fn func(ctx context.Context) (*llm.Completion, error)) (*llm.Completion, error) {
	callCtx, cancel := context.WithTimeout(ctx, i.timeout)

	if err := i.sem.Acquire(callCtx, 1); err != nil {
		cancel()
		return nil, i.deadlineError(ctx, callCtx, "waiting for a worker")
	}

	results := make(chan callResult, 1)
	inFlightCalls.Inc()
	go func() {
		defer i.sem.Release(1)
		defer inFlightCalls.Dec()
		defer cancel()
		c, err := fn(callCtx)
		results <- callResult{completion: c, err: err}
	}()

	select {
	case r := <-results:
		if r.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, i.timeout)
		}
		return r.completion, r.err
	case <-callCtx.Done():
		cancel()
		return nil, i.deadlineError(ctx, callCtx, "abandoning in-flight call")
	}
}

func (i *Invoker) deadlineError(parent, callCtx context.Context, what string) error {
	if err := parent.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s (%s)", ErrTimeout, i.timeout, what)
	}
	return callCtx.Err()
}
