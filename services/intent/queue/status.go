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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianIntent/services/intent/datatypes"
	"github.com/AleutianAI/AleutianIntent/services/intent/storage/kv"
)

// ErrInvalidTransition is returned when a status write would move a request
// backwards through its lifecycle.
var ErrInvalidTransition = errors.New("invalid status transition")

// State is a request's lifecycle stage.
type State string

const (
	StateQueued     State = "QUEUED"
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// rank orders states; a write may never lower it.
func (s State) rank() int {
	switch s {
	case StateQueued:
		return 0
	case StateProcessing:
		return 1
	case StateCompleted, StateFailed:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

const (
	statusPrefix             = "status:"
	DefaultStatusActiveTTL   = 24 * time.Hour
	DefaultStatusTerminalTTL = time.Hour
)

// RequestStatus is the externally visible lifecycle of one queued request.
type RequestStatus struct {
	RequestID   string                           `json:"request_id"`
	Status      State                            `json:"status"`
	QueuedAt    time.Time                        `json:"queued_at"`
	StartedAt   *time.Time                       `json:"started_at,omitempty"`
	CompletedAt *time.Time                       `json:"completed_at,omitempty"`
	Result      *datatypes.ClassificationResult `json:"result,omitempty"`
	Error       string                           `json:"error,omitempty"`
	RetryCount  int                              `json:"retry_count"`
}

// StatusStore persists RequestStatus records under status:{request_id}.
//
// # Description
//
// Every write reads the current record and refuses to lower its rank
// (QUEUED < PROCESSING < COMPLETED|FAILED). Rewriting the same state is an
// upsert, which is how retry counts advance while a request stays
// PROCESSING. Terminal records get the shorter TTL.
//
// # Thread Safety
//
// Safe for concurrent use. The read-check-write is not atomic across
// processes; concurrent writers converge because ranks only increase.
type StatusStore struct {
	store       kv.Store
	activeTTL   time.Duration
	terminalTTL time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// StatusOptions configures a StatusStore.
type StatusOptions struct {
	ActiveTTL   time.Duration
	TerminalTTL time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// NewStatusStore creates a StatusStore over store.
func NewStatusStore(store kv.Store, opts StatusOptions) (*StatusStore, error) {
	if store == nil {
		return nil, errors.New("queue.NewStatusStore: store is required")
	}
	if opts.ActiveTTL <= 0 {
		opts.ActiveTTL = DefaultStatusActiveTTL
	}
	if opts.TerminalTTL <= 0 {
		opts.TerminalTTL = DefaultStatusTerminalTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &StatusStore{
		store:       store,
		activeTTL:   opts.ActiveTTL,
		terminalTTL: opts.TerminalTTL,
		logger:      opts.Logger,
		now:         opts.Now,
	}, nil
}

// Get returns the status of id, or an error wrapping kv.ErrNotFound.
func (s *StatusStore) Get(ctx context.Context, id string) (RequestStatus, error) {
	start := time.Now()
	defer func() { statusLookupDuration.Observe(time.Since(start).Seconds()) }()

	raw, err := s.store.Get(ctx, statusPrefix+id)
	if err != nil {
		return RequestStatus{}, fmt.Errorf("StatusStore.Get %s: %w", id, err)
	}
	var st RequestStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return RequestStatus{}, fmt.Errorf("StatusStore.Get %s: decode: %w", id, err)
	}
	return st, nil
}

// MarkQueued records a freshly enqueued request.
func (s *StatusStore) MarkQueued(ctx context.Context, id string, queuedAt time.Time) error {
	return s.update(ctx, id, StateQueued, func(st *RequestStatus) {
		st.QueuedAt = queuedAt
	})
}

// MarkProcessing records that a worker picked up the request. Calling it
// again while processing updates the retry count.
func (s *StatusStore) MarkProcessing(ctx context.Context, id string, retryCount int) error {
	return s.update(ctx, id, StateProcessing, func(st *RequestStatus) {
		if st.StartedAt == nil {
			now := s.now()
			st.StartedAt = &now
		}
		st.RetryCount = retryCount
	})
}

// MarkCompleted stores the final result.
func (s *StatusStore) MarkCompleted(ctx context.Context, id string, result datatypes.ClassificationResult) error {
	return s.update(ctx, id, StateCompleted, func(st *RequestStatus) {
		now := s.now()
		st.CompletedAt = &now
		st.Result = &result
		st.Error = ""
	})
}

// MarkFailed records a terminal failure.
func (s *StatusStore) MarkFailed(ctx context.Context, id, reason string, retryCount int) error {
	return s.update(ctx, id, StateFailed, func(st *RequestStatus) {
		now := s.now()
		st.CompletedAt = &now
		st.Error = reason
		st.RetryCount = retryCount
	})
}

func (s *StatusStore) update(ctx context.Context, id string, to State, apply func(*RequestStatus)) error {
	if id == "" {
		return errors.New("StatusStore: empty request id")
	}
	cur, err := s.Get(ctx, id)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		cur = RequestStatus{RequestID: id, QueuedAt: s.now()}
	case err != nil:
		return err
	default:
		if err := checkTransition(cur.Status, to); err != nil {
			statusRejectedTotal.Inc()
			s.logger.Warn("status transition rejected",
				slog.String("request_id", id),
				slog.String("from", string(cur.Status)),
				slog.String("to", string(to)))
			return err
		}
	}

	cur.Status = to
	apply(&cur)
	raw, err := json.Marshal(cur)
	if err != nil {
		return fmt.Errorf("StatusStore.update %s: encode: %w", id, err)
	}
	ttl := s.activeTTL
	if to.Terminal() {
		ttl = s.terminalTTL
	}
	if err := s.store.Set(ctx, statusPrefix+id, raw, ttl); err != nil {
		return fmt.Errorf("StatusStore.update %s: %w", id, err)
	}
	statusTransitionsTotal.WithLabelValues(string(to)).Inc()
	return nil
}

func checkTransition(from, to State) error {
	if from == to {
		return nil
	}
	if to.rank() <= from.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
