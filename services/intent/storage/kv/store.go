// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package kv provides the shared key/value, sorted-set and list store used by
// the response cache, the request queue, the status store and the calibration
// history.
//
// Two backends are provided: BadgerStore (durable, process-local database)
// and MemoryStore (volatile). FailoverStore wraps a primary backend with a
// MemoryStore substitute so that each subsystem degrades independently when
// its backing store becomes unavailable.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist, has expired, or when a
// pop is attempted on an empty sorted set or list.
var ErrNotFound = errors.New("kv: not found")

// ScoredMember is one element of a sorted set.
type ScoredMember struct {
	Member string
	Score  float64
}

// Store is the shared store contract.
//
// Description:
//
//	Strings carry an optional TTL. Sorted sets are ordered by ascending score
//	with ties broken by member. Lists are append-at-tail, pop-at-head. Every
//	call may be served by a store that other processes also write to, so
//	callers must treat reads as possibly stale.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use. ZPopMin and ZRem are
//	atomic: when two callers race for the same member, exactly one of them
//	observes it.
type Store interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the named keys. A name that refers to a sorted set or a
	// list removes the whole structure. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// ZAdd inserts member into set or updates its score.
	ZAdd(ctx context.Context, set, member string, score float64) error

	// ZRem removes members from set and reports how many were present.
	ZRem(ctx context.Context, set string, members ...string) (int, error)

	// ZPopMin atomically removes and returns the lowest-scored member, or
	// ErrNotFound when the set is empty.
	ZPopMin(ctx context.Context, set string) (ScoredMember, error)

	// ZRange returns members by rank in ascending score order. Negative
	// indices count from the end, -1 being the last member.
	ZRange(ctx context.Context, set string, start, stop int) ([]ScoredMember, error)

	// ZRangeByScore returns up to limit members with score <= max in
	// ascending order. A limit <= 0 means no limit.
	ZRangeByScore(ctx context.Context, set string, max float64, limit int) ([]ScoredMember, error)

	// ZCard returns the number of members in set.
	ZCard(ctx context.Context, set string) (int, error)

	// RPush appends value to the tail of list. A non-zero ttl expires the
	// pushed element ttl after the push.
	RPush(ctx context.Context, list string, value []byte, ttl time.Duration) error

	// LPop removes and returns the head of list, or ErrNotFound when empty.
	LPop(ctx context.Context, list string) ([]byte, error)

	// LRange returns list elements between start and stop inclusive.
	// Negative indices count from the tail.
	LRange(ctx context.Context, list string, start, stop int) ([][]byte, error)

	// LTrim keeps only the elements between start and stop inclusive.
	LTrim(ctx context.Context, list string, start, stop int) error

	// LLen returns the number of elements in list.
	LLen(ctx context.Context, list string) (int, error)

	// Close releases backend resources.
	Close() error
}

// resolveRange converts Redis-style inclusive start/stop indices into a
// half-open [from, to) window over n elements. ok is false when the window is
// empty.
func resolveRange(start, stop, n int) (from, to int, ok bool) {
	if n == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop + 1, true
}

func expiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
