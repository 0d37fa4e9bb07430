// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue holds requests that are resolved asynchronously.
//
// Messages wait in a priority-ordered sorted set in the shared kv store.
// A dequeued message is held in an in-flight set until its consumer settles
// it; one left there past the visibility timeout is delivered again.
// Failed messages are retried after an exponential delay at a lower
// priority and, once their retry budget is spent, copied to a dead-letter
// list. A StatusStore tracks each request's lifecycle for polling.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianIntent/services/intent/config"
	"github.com/AleutianAI/AleutianIntent/services/intent/datatypes"
	"github.com/AleutianAI/AleutianIntent/services/intent/storage/kv"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrEmpty is returned by Dequeue when no message became ready in time.
var ErrEmpty = errors.New("queue: no message available")

const (
	// DeadLetterKey is the list shared by every queue.
	DeadLetterKey = "queue:dead_letter"

	DefaultName         = "intent"
	DefaultMaxRetries   = 3
	DefaultRetryDelay   = time.Second
	DefaultMessageTTL   = 24 * time.Hour
	DefaultPollInterval = 100 * time.Millisecond
	DefaultVisibility   = 5 * time.Minute
	DefaultPriority     = 5
	MaxPriority         = 99
	promoteBatch        = 100
	priorityScoreStride = 1e13
	maxBackoffShift     = 10
)

// Message is one queued request.
type Message struct {
	ID               string                   `json:"id"`
	Query            string                   `json:"query"`
	Context          datatypes.RequestContext `json:"context"`
	Priority         int                      `json:"priority"`
	OriginalPriority int                      `json:"original_priority"`
	RetryCount       int                      `json:"retry_count"`
	EnqueuedAt       time.Time                `json:"enqueued_at"`
	LastError        string                   `json:"last_error,omitempty"`
}

// DeadLetterRecord preserves a message that exhausted its retries.
type DeadLetterRecord struct {
	Queue      string    `json:"queue"`
	Message    Message   `json:"message"`
	Reason     string    `json:"reason"`
	RetryCount int       `json:"retry_count"`
	FailedAt   time.Time `json:"failed_at"`
}

// Options configures a Queue. Zero values take the defaults.
type Options struct {
	Name            string
	MaxRetries      int
	RetryDelay      time.Duration
	MessageTTL      time.Duration
	PollInterval    time.Duration
	DefaultPriority int

	// VisibilityTimeout is how long a dequeued message may stay unsettled
	// before another consumer receives it.
	VisibilityTimeout time.Duration

	// Status is required; every queue transition is mirrored into it.
	Status *StatusStore
	Logger *slog.Logger
	Now    func() time.Time
}

// OptionsFromConfig maps the queue section of the service config.
func OptionsFromConfig(cfg config.QueueConfig, status *StatusStore, logger *slog.Logger) Options {
	return Options{
		Name:              cfg.Name,
		MaxRetries:        cfg.MaxRetries,
		RetryDelay:        cfg.RetryDelay,
		MessageTTL:        cfg.MessageTTL,
		PollInterval:      cfg.PollInterval,
		DefaultPriority:   cfg.DefaultPriority,
		VisibilityTimeout: cfg.VisibilityTimeout,
		Status:            status,
		Logger:            logger,
	}
}

// Queue is a priority queue with delayed retry and dead-lettering.
//
// # Description
//
// Ready messages live in queue:{name}, scored priority*1e13 + ready-ms so
// lower priorities are served first and each tier is FIFO. Retried messages
// wait in queue:{name}:delayed scored by ready-ms and are promoted on the
// next Dequeue. Dequeued messages sit in queue:{name}:processing scored by
// their visibility deadline until CompleteResult, Retry, Requeue or
// MoveToDeadLetter settles them; Dequeue puts lapsed ones back in the ready
// set, so a consumer that dies mid-message does not strand it. Message bodies are stored separately under
// queue:{name}:msg:{id} with the message TTL.
//
// # Thread Safety
//
// Safe for concurrent use by many producers and consumers, across
// processes sharing the store. Dequeue relies on the store's atomic
// ZPopMin, so no two consumers receive the same message.
type Queue struct {
	store           kv.Store
	status          *StatusStore
	name            string
	readyKey        string
	delayedKey      string
	processingKey   string
	visibility      time.Duration
	maxRetries      int
	retryDelay      time.Duration
	ttl             time.Duration
	pollInterval    time.Duration
	defaultPriority int
	logger          *slog.Logger
	now             func() time.Time
}

// New creates a Queue over store.
func New(store kv.Store, opts Options) (*Queue, error) {
	if store == nil {
		return nil, errors.New("queue.New: store is required")
	}
	if opts.Status == nil {
		return nil, errors.New("queue.New: status store is required")
	}
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if strings.ContainsAny(opts.Name, ": ") {
		return nil, fmt.Errorf("queue.New: invalid queue name %q", opts.Name)
	}
	if opts.MaxRetries < 0 {
		return nil, fmt.Errorf("queue.New: max retries %d is negative", opts.MaxRetries)
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.MessageTTL <= 0 {
		opts.MessageTTL = DefaultMessageTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.DefaultPriority <= 0 {
		opts.DefaultPriority = DefaultPriority
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = DefaultVisibility
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ready := "queue:" + opts.Name
	return &Queue{
		store:           store,
		status:          opts.Status,
		name:            opts.Name,
		readyKey:        ready,
		delayedKey:      ready + ":delayed",
		processingKey:   ready + ":processing",
		visibility:      opts.VisibilityTimeout,
		maxRetries:      opts.MaxRetries,
		retryDelay:      opts.RetryDelay,
		ttl:             opts.MessageTTL,
		pollInterval:    opts.PollInterval,
		defaultPriority: opts.DefaultPriority,
		logger:          opts.Logger.With(slog.String("queue", opts.Name)),
		now:             opts.Now,
	}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// MaxRetries returns the retry budget per message.
func (q *Queue) MaxRetries() int { return q.maxRetries }

// Status returns the status store the queue writes through.
func (q *Queue) Status() *StatusStore { return q.status }

func (q *Queue) msgKey(id string) string { return q.readyKey + ":msg:" + id }

func score(priority int, at time.Time) float64 {
	return float64(priority)*priorityScoreStride + float64(at.UnixMilli())
}

// ============================================================================
// Producer side
// ============================================================================

// Enqueue stores a new message and returns its request id. A priority of
// zero uses the queue default; lower numbers are served first.
func (q *Queue) Enqueue(ctx context.Context, query string, rctx datatypes.RequestContext, priority int) (string, error) {
	ctx, span := tracer.Start(ctx, "Queue.Enqueue")
	defer span.End()

	if strings.TrimSpace(query) == "" {
		return "", errors.New("Queue.Enqueue: query is empty")
	}
	if priority == 0 {
		priority = q.defaultPriority
	}
	if priority < 0 || priority > MaxPriority {
		return "", fmt.Errorf("Queue.Enqueue: priority %d outside [1,%d]", priority, MaxPriority)
	}

	now := q.now()
	msg := Message{
		ID:               uuid.NewString(),
		Query:            query,
		Context:          rctx,
		Priority:         priority,
		OriginalPriority: priority,
		EnqueuedAt:       now,
	}
	span.SetAttributes(attribute.String("request_id", msg.ID), attribute.Int("priority", priority))

	if err := q.status.MarkQueued(ctx, msg.ID, now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "status write failed")
		return "", fmt.Errorf("Queue.Enqueue: %w", err)
	}
	if err := q.save(ctx, &msg); err != nil {
		return "", err
	}
	if err := q.store.ZAdd(ctx, q.readyKey, msg.ID, score(priority, now)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		return "", fmt.Errorf("Queue.Enqueue: %w", err)
	}
	enqueuedTotal.WithLabelValues(q.name).Inc()
	q.logger.Debug("message enqueued", slog.String("request_id", msg.ID), slog.Int("priority", priority))
	return msg.ID, nil
}

// ============================================================================
// Consumer side
// ============================================================================

// Dequeue waits up to timeout for the highest-priority ready message and
// marks it PROCESSING. It returns ErrEmpty when nothing became ready.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		msg, err := q.tryDequeue(ctx)
		if err != nil || msg != nil {
			return msg, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrEmpty
		}
		wait := q.pollInterval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// tryDequeue pops one message without waiting. It returns (nil, nil) when
// the ready set is empty.
func (q *Queue) tryDequeue(ctx context.Context) (*Message, error) {
	if err := q.promoteDue(ctx); err != nil {
		q.logger.Warn("delayed promotion failed", slog.String("error", err.Error()))
	}
	if err := q.reclaimLapsed(ctx); err != nil {
		q.logger.Warn("in-flight reclaim failed", slog.String("error", err.Error()))
	}
	for {
		top, err := q.store.ZPopMin(ctx, q.readyKey)
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("Queue.Dequeue: %w", err)
		}
		msg, err := q.load(ctx, top.Member)
		if errors.Is(err, kv.ErrNotFound) {
			expiredTotal.WithLabelValues(q.name).Inc()
			q.logger.Warn("message expired before dequeue", slog.String("request_id", top.Member))
			if err := q.status.MarkFailed(ctx, top.Member, "message expired", 0); err != nil {
				q.logger.Debug("status update for expired message failed", slog.String("error", err.Error()))
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		deadline := q.now().Add(q.visibility)
		if err := q.store.ZAdd(ctx, q.processingKey, msg.ID, float64(deadline.UnixMilli())); err != nil {
			// Hand it back rather than deliver a message nothing tracks.
			if rerr := q.store.ZAdd(ctx, q.readyKey, top.Member, top.Score); rerr != nil {
				q.logger.Error("message lost after in-flight write failed", slog.String("request_id", msg.ID), slog.String("error", rerr.Error()))
			}
			return nil, fmt.Errorf("Queue.Dequeue: %w", err)
		}
		if err := q.status.MarkProcessing(ctx, msg.ID, msg.RetryCount); err != nil {
			q.logger.Warn("status update failed",
				slog.String("request_id", msg.ID),
				slog.String("error", err.Error()))
		}
		dequeuedTotal.WithLabelValues(q.name).Inc()
		return msg, nil
	}
}

// promoteDue moves delayed messages whose ready time has passed into the
// ready set. ZRem decides which consumer performs each promotion.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := q.now()
	due, err := q.store.ZRangeByScore(ctx, q.delayedKey, float64(now.UnixMilli()), promoteBatch)
	if err != nil {
		return err
	}
	for _, d := range due {
		n, err := q.store.ZRem(ctx, q.delayedKey, d.Member)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		msg, err := q.load(ctx, d.Member)
		if errors.Is(err, kv.ErrNotFound) {
			expiredTotal.WithLabelValues(q.name).Inc()
			continue
		}
		if err != nil {
			return err
		}
		if err := q.store.ZAdd(ctx, q.readyKey, msg.ID, score(msg.Priority, now)); err != nil {
			return err
		}
	}
	return nil
}

// reclaimLapsed returns in-flight messages whose visibility deadline has
// passed to the ready set at their original position. As with promoteDue,
// ZRem decides which consumer performs each reclaim.
func (q *Queue) reclaimLapsed(ctx context.Context) error {
	lapsed, err := q.store.ZRangeByScore(ctx, q.processingKey, float64(q.now().UnixMilli()), promoteBatch)
	if err != nil {
		return err
	}
	for _, l := range lapsed {
		n, err := q.store.ZRem(ctx, q.processingKey, l.Member)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		msg, err := q.load(ctx, l.Member)
		if errors.Is(err, kv.ErrNotFound) {
			// Settled or expired while the deadline ran out.
			continue
		}
		if err != nil {
			return err
		}
		if err := q.store.ZAdd(ctx, q.readyKey, msg.ID, score(msg.Priority, msg.EnqueuedAt)); err != nil {
			return err
		}
		reclaimedTotal.WithLabelValues(q.name).Inc()
		q.logger.Warn("in-flight message reclaimed after visibility timeout",
			slog.String("request_id", msg.ID),
			slog.Int("retry_count", msg.RetryCount))
	}
	return nil
}

// settle drops id from the in-flight set.
func (q *Queue) settle(ctx context.Context, id string) error {
	_, err := q.store.ZRem(ctx, q.processingKey, id)
	return err
}

// Requeue hands an unfinished message back to the ready set at its original
// position without spending its retry budget. Workers call it when they are
// stopped mid-message. The request stays PROCESSING until it is picked up
// again, since status never moves backwards.
func (q *Queue) Requeue(ctx context.Context, msg *Message) error {
	if err := q.store.ZAdd(ctx, q.readyKey, msg.ID, score(msg.Priority, msg.EnqueuedAt)); err != nil {
		return fmt.Errorf("Queue.Requeue: %w", err)
	}
	if err := q.settle(ctx, msg.ID); err != nil {
		return fmt.Errorf("Queue.Requeue: %w", err)
	}
	q.logger.Info("message requeued", slog.String("request_id", msg.ID))
	return nil
}

// CompleteResult stores result as the request's final outcome and drops
// the message body.
func (q *Queue) CompleteResult(ctx context.Context, id string, result datatypes.ClassificationResult) error {
	result.RequestID = id
	if err := q.status.MarkCompleted(ctx, id, result); err != nil {
		return fmt.Errorf("Queue.CompleteResult: %w", err)
	}
	if err := q.store.Delete(ctx, q.msgKey(id)); err != nil {
		return fmt.Errorf("Queue.CompleteResult: %w", err)
	}
	if err := q.settle(ctx, id); err != nil {
		return fmt.Errorf("Queue.CompleteResult: %w", err)
	}
	return nil
}

// Retry schedules msg for another attempt.
//
// Description:
//
//	When msg has already used MaxRetries retries Retry returns false and
//	changes nothing; the caller must then call MoveToDeadLetter. Otherwise
//	it increments RetryCount, demotes the message one level below its
//	original priority and makes it ready after RetryDelay * 2^RetryCount.
//
// Outputs:
//
//	bool - True if the message was rescheduled.
//	error - Non-nil if the store write failed.
func (q *Queue) Retry(ctx context.Context, msg *Message, cause error) (bool, error) {
	if msg.RetryCount >= q.maxRetries {
		return false, nil
	}
	msg.RetryCount++
	msg.Priority = min(msg.OriginalPriority+1, MaxPriority)
	if cause != nil {
		msg.LastError = cause.Error()
	}

	delay := q.retryDelay << min(msg.RetryCount, maxBackoffShift)
	readyAt := q.now().Add(delay)

	if err := q.save(ctx, msg); err != nil {
		return false, err
	}
	if err := q.store.ZAdd(ctx, q.delayedKey, msg.ID, float64(readyAt.UnixMilli())); err != nil {
		return false, fmt.Errorf("Queue.Retry: %w", err)
	}
	if err := q.settle(ctx, msg.ID); err != nil {
		return false, fmt.Errorf("Queue.Retry: %w", err)
	}
	if err := q.status.MarkProcessing(ctx, msg.ID, msg.RetryCount); err != nil {
		q.logger.Warn("status update failed", slog.String("request_id", msg.ID), slog.String("error", err.Error()))
	}
	retriesTotal.WithLabelValues(q.name).Inc()
	q.logger.Info("message scheduled for retry",
		slog.String("request_id", msg.ID),
		slog.Int("retry_count", msg.RetryCount),
		slog.Duration("delay", delay))
	return true, nil
}

// MoveToDeadLetter copies msg into the dead-letter list with reason, removes
// it from the queue and marks the request FAILED.
func (q *Queue) MoveToDeadLetter(ctx context.Context, msg *Message, reason string) error {
	ctx, span := tracer.Start(ctx, "Queue.MoveToDeadLetter")
	defer span.End()

	rec := DeadLetterRecord{
		Queue:      q.name,
		Message:    *msg,
		Reason:     reason,
		RetryCount: msg.RetryCount,
		FailedAt:   q.now(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("Queue.MoveToDeadLetter: encode: %w", err)
	}
	if err := q.store.RPush(ctx, DeadLetterKey, raw, 0); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dead-letter write failed")
		return fmt.Errorf("Queue.MoveToDeadLetter: %w", err)
	}
	if _, err := q.store.ZRem(ctx, q.readyKey, msg.ID); err != nil {
		return fmt.Errorf("Queue.MoveToDeadLetter: %w", err)
	}
	if _, err := q.store.ZRem(ctx, q.delayedKey, msg.ID); err != nil {
		return fmt.Errorf("Queue.MoveToDeadLetter: %w", err)
	}
	if err := q.settle(ctx, msg.ID); err != nil {
		return fmt.Errorf("Queue.MoveToDeadLetter: %w", err)
	}
	if err := q.store.Delete(ctx, q.msgKey(msg.ID)); err != nil {
		return fmt.Errorf("Queue.MoveToDeadLetter: %w", err)
	}
	if err := q.status.MarkFailed(ctx, msg.ID, reason, msg.RetryCount); err != nil {
		q.logger.Warn("status update failed", slog.String("request_id", msg.ID), slog.String("error", err.Error()))
	}
	deadLetteredTotal.WithLabelValues(q.name).Inc()
	q.logger.Warn("message dead-lettered",
		slog.String("request_id", msg.ID),
		slog.Int("retry_count", msg.RetryCount),
		slog.String("reason", reason))
	return nil
}

// ============================================================================
// Inspection and administration
// ============================================================================

// DeadLetters returns up to limit records, oldest first. A limit <= 0
// returns all of them.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]DeadLetterRecord, error) {
	stop := -1
	if limit > 0 {
		stop = limit - 1
	}
	raws, err := q.store.LRange(ctx, DeadLetterKey, 0, stop)
	if err != nil {
		return nil, fmt.Errorf("Queue.DeadLetters: %w", err)
	}
	out := make([]DeadLetterRecord, 0, len(raws))
	for _, raw := range raws {
		var rec DeadLetterRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			q.logger.Warn("skipping undecodable dead-letter record", slog.String("error", err.Error()))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// TrimDeadLetters drops the n oldest dead-letter records.
func (q *Queue) TrimDeadLetters(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if err := q.store.LTrim(ctx, DeadLetterKey, n, -1); err != nil {
		return fmt.Errorf("Queue.TrimDeadLetters: %w", err)
	}
	return nil
}

// InFlight returns the number of dequeued messages not yet settled.
func (q *Queue) InFlight(ctx context.Context) (int, error) {
	n, err := q.store.ZCard(ctx, q.processingKey)
	if err != nil {
		return 0, fmt.Errorf("Queue.InFlight: %w", err)
	}
	return n, nil
}

// Depth returns the number of ready and delayed messages.
func (q *Queue) Depth(ctx context.Context) (ready, delayed int, err error) {
	if ready, err = q.store.ZCard(ctx, q.readyKey); err != nil {
		return 0, 0, fmt.Errorf("Queue.Depth: %w", err)
	}
	if delayed, err = q.store.ZCard(ctx, q.delayedKey); err != nil {
		return 0, 0, fmt.Errorf("Queue.Depth: %w", err)
	}
	return ready, delayed, nil
}

// Clear removes every message the queue still holds, including in-flight
// ones, marks each request FAILED and returns how many were removed. Dead
// letters are kept.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	var ids []string
	for _, key := range []string{q.readyKey, q.delayedKey, q.processingKey} {
		members, err := q.store.ZRange(ctx, key, 0, -1)
		if err != nil {
			return 0, fmt.Errorf("Queue.Clear: %w", err)
		}
		for _, m := range members {
			ids = append(ids, m.Member)
		}
	}
	keys := make([]string, 0, len(ids)+2)
	for _, id := range ids {
		keys = append(keys, q.msgKey(id))
	}
	keys = append(keys, q.readyKey, q.delayedKey, q.processingKey)
	if err := q.store.Delete(ctx, keys...); err != nil {
		return 0, fmt.Errorf("Queue.Clear: %w", err)
	}
	for _, id := range ids {
		if err := q.status.MarkFailed(ctx, id, "queue cleared", 0); err != nil {
			q.logger.Debug("status update on clear failed", slog.String("request_id", id), slog.String("error", err.Error()))
		}
	}
	q.logger.Info("queue cleared", slog.Int("messages", len(ids)))
	return len(ids), nil
}

func (q *Queue) save(ctx context.Context, msg *Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("Queue.save: encode: %w", err)
	}
	if err := q.store.Set(ctx, q.msgKey(msg.ID), raw, q.ttl); err != nil {
		return fmt.Errorf("Queue.save %s: %w", msg.ID, err)
	}
	return nil
}

func (q *Queue) load(ctx context.Context, id string) (*Message, error) {
	raw, err := q.store.Get(ctx, q.msgKey(id))
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("Queue.load %s: decode: %w", id, err)
	}
	return &msg, nil
}
