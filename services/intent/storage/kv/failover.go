// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kv

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultFailoverCooldown is how long a FailoverStore stays on its local
// substitute before probing the primary again.
const DefaultFailoverCooldown = 30 * time.Second

var (
	storeDegraded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "intent",
		Subsystem: "store",
		Name:      "degraded",
		Help:      "1 when the subsystem is serving from its in-memory substitute",
	}, []string{"subsystem"})

	storeFailoversTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "store",
		Name:      "failovers_total",
		Help:      "Primary store errors that switched a subsystem to its substitute",
	}, []string{"subsystem", "op"})
)

// FailoverStore routes calls to a primary Store and switches one subsystem
// to a local MemoryStore when the primary errors.
//
// Description:
//
//	Each subsystem (cache, queue, status, calibration) gets its own
//	FailoverStore over the same primary, so one subsystem tripping does not
//	move the others. While degraded, every call goes to the substitute; after
//	the cooldown the next call probes the primary and, on success, the
//	subsystem returns to it. Data written to the substitute during an outage
//	is not copied back.
//
//	ErrNotFound and context errors are normal results and never trip the
//	failover.
//
// Thread Safety:
//
//	Safe for concurrent use.
type FailoverStore struct {
	subsystem string
	primary   Store
	fallback  *MemoryStore
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu            sync.Mutex
	degraded      bool
	degradedUntil time.Time
}

// NewFailoverStore wraps primary for the named subsystem.
//
// Inputs:
//
//	subsystem - Metric label and log field, e.g. "cache".
//	primary - The shared store. Must not be nil.
//	cooldown - Time spent on the substitute before re-probing. Zero means
//	  DefaultFailoverCooldown.
//	logger - nil means slog.Default().
func NewFailoverStore(subsystem string, primary Store, cooldown time.Duration, logger *slog.Logger) *FailoverStore {
	if cooldown <= 0 {
		cooldown = DefaultFailoverCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	storeDegraded.WithLabelValues(subsystem).Set(0)
	return &FailoverStore{
		subsystem: subsystem,
		primary:   primary,
		fallback:  NewMemoryStore(),
		cooldown:  cooldown,
		logger:    logger.With(slog.String("subsystem", subsystem)),
		now:       time.Now,
	}
}

// Degraded reports whether the subsystem is currently on its substitute.
func (f *FailoverStore) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

// Subsystem returns the subsystem label.
func (f *FailoverStore) Subsystem() string { return f.subsystem }

// target returns the store to use and whether it is the primary.
func (f *FailoverStore) target() (Store, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.degraded && f.now().Before(f.degradedUntil) {
		return f.fallback, false
	}
	return f.primary, true
}

func (f *FailoverStore) trip(op string, err error) {
	f.mu.Lock()
	wasDegraded := f.degraded
	f.degraded = true
	f.degradedUntil = f.now().Add(f.cooldown)
	f.mu.Unlock()

	storeFailoversTotal.WithLabelValues(f.subsystem, op).Inc()
	storeDegraded.WithLabelValues(f.subsystem).Set(1)
	if !wasDegraded {
		f.logger.Warn("shared store unavailable, using in-memory substitute",
			slog.String("op", op),
			slog.String("error", err.Error()),
			slog.Duration("cooldown", f.cooldown),
		)
	}
}

func (f *FailoverStore) markHealthy() {
	f.mu.Lock()
	was := f.degraded
	f.degraded = false
	f.mu.Unlock()
	if was {
		storeDegraded.WithLabelValues(f.subsystem).Set(0)
		f.logger.Info("shared store recovered")
	}
}

// failoverCall runs fn against the current target, switching to the
// substitute when the primary fails.
func failoverCall[T any](ctx context.Context, f *FailoverStore, op string, fn func(Store) (T, error)) (T, error) {
	store, isPrimary := f.target()
	v, err := fn(store)
	if !isPrimary {
		return v, err
	}
	if err == nil || errors.Is(err, ErrNotFound) {
		f.markHealthy()
		return v, err
	}
	if ctx.Err() != nil {
		return v, err
	}
	f.trip(op, err)
	return fn(f.fallback)
}

func failoverExec(ctx context.Context, f *FailoverStore, op string, fn func(Store) error) error {
	_, err := failoverCall(ctx, f, op, func(s Store) (struct{}, error) {
		return struct{}{}, fn(s)
	})
	return err
}

// Get implements Store.
func (f *FailoverStore) Get(ctx context.Context, key string) ([]byte, error) {
	return failoverCall(ctx, f, "get", func(s Store) ([]byte, error) { return s.Get(ctx, key) })
}

// Set implements Store.
func (f *FailoverStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return failoverExec(ctx, f, "set", func(s Store) error { return s.Set(ctx, key, value, ttl) })
}

// Delete implements Store.
func (f *FailoverStore) Delete(ctx context.Context, keys ...string) error {
	return failoverExec(ctx, f, "delete", func(s Store) error { return s.Delete(ctx, keys...) })
}

// ZAdd implements Store.
func (f *FailoverStore) ZAdd(ctx context.Context, set, member string, score float64) error {
	return failoverExec(ctx, f, "zadd", func(s Store) error { return s.ZAdd(ctx, set, member, score) })
}

// ZRem implements Store.
func (f *FailoverStore) ZRem(ctx context.Context, set string, members ...string) (int, error) {
	return failoverCall(ctx, f, "zrem", func(s Store) (int, error) { return s.ZRem(ctx, set, members...) })
}

// ZPopMin implements Store.
func (f *FailoverStore) ZPopMin(ctx context.Context, set string) (ScoredMember, error) {
	return failoverCall(ctx, f, "zpopmin", func(s Store) (ScoredMember, error) { return s.ZPopMin(ctx, set) })
}

// ZRange implements Store.
func (f *FailoverStore) ZRange(ctx context.Context, set string, start, stop int) ([]ScoredMember, error) {
	return failoverCall(ctx, f, "zrange", func(s Store) ([]ScoredMember, error) { return s.ZRange(ctx, set, start, stop) })
}

// ZRangeByScore implements Store.
func (f *FailoverStore) ZRangeByScore(ctx context.Context, set string, max float64, limit int) ([]ScoredMember, error) {
	return failoverCall(ctx, f, "zrangebyscore", func(s Store) ([]ScoredMember, error) {
		return s.ZRangeByScore(ctx, set, max, limit)
	})
}

// ZCard implements Store.
func (f *FailoverStore) ZCard(ctx context.Context, set string) (int, error) {
	return failoverCall(ctx, f, "zcard", func(s Store) (int, error) { return s.ZCard(ctx, set) })
}

// RPush implements Store.
func (f *FailoverStore) RPush(ctx context.Context, list string, value []byte, ttl time.Duration) error {
	return failoverExec(ctx, f, "rpush", func(s Store) error { return s.RPush(ctx, list, value, ttl) })
}

// LPop implements Store.
func (f *FailoverStore) LPop(ctx context.Context, list string) ([]byte, error) {
	return failoverCall(ctx, f, "lpop", func(s Store) ([]byte, error) { return s.LPop(ctx, list) })
}

// LRange implements Store.
func (f *FailoverStore) LRange(ctx context.Context, list string, start, stop int) ([][]byte, error) {
	return failoverCall(ctx, f, "lrange", func(s Store) ([][]byte, error) { return s.LRange(ctx, list, start, stop) })
}

// LTrim implements Store.
func (f *FailoverStore) LTrim(ctx context.Context, list string, start, stop int) error {
	return failoverExec(ctx, f, "ltrim", func(s Store) error { return s.LTrim(ctx, list, start, stop) })
}

// LLen implements Store.
func (f *FailoverStore) LLen(ctx context.Context, list string) (int, error) {
	return failoverCall(ctx, f, "llen", func(s Store) (int, error) { return s.LLen(ctx, list) })
}

// Close closes the substitute only. The primary is shared between
// subsystems and is closed by its owner.
func (f *FailoverStore) Close() error {
	return f.fallback.Close()
}
