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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianIntent/services/intent/datatypes"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// DefaultDequeueTimeout bounds each worker's blocking Dequeue.
const DefaultDequeueTimeout = 2 * time.Second

// requeueTimeout bounds the store write that hands back a message when the
// worker's own context is already done.
const requeueTimeout = 5 * time.Second

// Processor resolves one dequeued message.
type Processor interface {
	Process(ctx context.Context, msg *Message) (datatypes.ClassificationResult, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, msg *Message) (datatypes.ClassificationResult, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, msg *Message) (datatypes.ClassificationResult, error) {
	return f(ctx, msg)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the worker dead-letters the
// message immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Pool runs queue consumers.
//
// # Description
//
// Each worker loops on Dequeue and hands messages to the Processor. A
// successful result completes the request. A failure is retried while the
// message has budget left and dead-lettered afterwards. A message cut short
// by the pool stopping goes back to the ready set untouched.
//
// # Thread Safety
//
// Run may be called once. The Processor must be safe for concurrent use.
type Pool struct {
	queue          *Queue
	proc           Processor
	workers        int
	dequeueTimeout time.Duration
	logger         *slog.Logger
}

// NewPool creates a pool of workers consuming q.
func NewPool(q *Queue, proc Processor, workers int, dequeueTimeout time.Duration, logger *slog.Logger) (*Pool, error) {
	if q == nil || proc == nil {
		return nil, errors.New("queue.NewPool: queue and processor are required")
	}
	if workers <= 0 {
		return nil, fmt.Errorf("queue.NewPool: workers must be positive, got %d", workers)
	}
	if dequeueTimeout <= 0 {
		dequeueTimeout = DefaultDequeueTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:          q,
		proc:           proc,
		workers:        workers,
		dequeueTimeout: dequeueTimeout,
		logger:         logger.With(slog.String("queue", q.Name())),
	}, nil
}

// Run blocks until ctx is cancelled or a worker hits a store error it
// cannot recover from.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error { return p.loop(gctx, worker) })
	}
	p.logger.Info("queue workers started", slog.Int("workers", p.workers))
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	p.logger.Info("queue workers stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, worker int) error {
	for {
		msg, err := p.queue.Dequeue(ctx, p.dequeueTimeout)
		switch {
		case errors.Is(err, ErrEmpty):
			continue
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			p.logger.Warn("dequeue failed", slog.Int("worker", worker), slog.String("error", err.Error()))
			if !sleepCtx(ctx, p.queue.pollInterval) {
				return ctx.Err()
			}
			continue
		}
		p.Handle(ctx, msg)
	}
}

// Handle processes one message and records its outcome. Exposed so callers
// can drive a single message without running the pool.
func (p *Pool) Handle(ctx context.Context, msg *Message) {
	ctx, span := tracer.Start(ctx, "Pool.Handle")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", msg.ID), attribute.Int("retry_count", msg.RetryCount))

	start := time.Now()
	result, err := p.proc.Process(ctx, msg)
	processDuration.WithLabelValues(p.queue.Name()).Observe(time.Since(start).Seconds())

	if err == nil {
		if err := p.queue.CompleteResult(ctx, msg.ID, result); err != nil {
			span.RecordError(err)
			p.logger.Error("completing message failed", slog.String("request_id", msg.ID), slog.String("error", err.Error()))
			return
		}
		processedTotal.WithLabelValues(p.queue.Name(), "completed").Inc()
		return
	}

	if interrupted(ctx, err) {
		p.requeue(msg)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "process failed")
	if !IsPermanent(err) {
		retried, rerr := p.queue.Retry(ctx, msg, err)
		if rerr != nil {
			p.logger.Error("scheduling retry failed", slog.String("request_id", msg.ID), slog.String("error", rerr.Error()))
		}
		if retried {
			processedTotal.WithLabelValues(p.queue.Name(), "retried").Inc()
			return
		}
	}
	if err := p.queue.MoveToDeadLetter(ctx, msg, err.Error()); err != nil {
		p.logger.Error("dead-lettering failed", slog.String("request_id", msg.ID), slog.String("error", err.Error()))
		return
	}
	processedTotal.WithLabelValues(p.queue.Name(), "dead_lettered").Inc()
}

// interrupted reports whether err came from ctx ending rather than from
// the message itself.
func interrupted(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (p *Pool) requeue(msg *Message) {
	ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
	defer cancel()
	if err := p.queue.Requeue(ctx, msg); err != nil {
		// The in-flight entry still reclaims it once the visibility timeout lapses.
		p.logger.Error("requeue after shutdown failed", slog.String("request_id", msg.ID), slog.String("error", err.Error()))
		return
	}
	processedTotal.WithLabelValues(p.queue.Name(), "requeued").Inc()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
