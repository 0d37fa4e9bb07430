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
	"sort"
	"sync"
	"time"
)

type memValue struct {
	data    []byte
	expires time.Time
}

func (v memValue) expired(now time.Time) bool {
	return !v.expires.IsZero() && !now.Before(v.expires)
}

// MemoryStore is a volatile, process-local Store.
//
// It serves as the degraded-mode substitute inside FailoverStore and as a
// test double. It gives no cross-instance consistency.
//
// Thread Safety: safe for concurrent use; a single mutex serializes all
// operations.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string]memValue
	zsets   map[string]map[string]float64
	lists   map[string][]memValue
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]memValue),
		zsets:   make(map[string]map[string]float64),
		lists:   make(map[string][]memValue),
		now:     time.Now,
	}
}

// WithClock replaces the time source used for TTL evaluation. Tests only.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.strings[key]
	if !ok {
		return nil, ErrNotFound
	}
	if v.expired(m.now()) {
		delete(m.strings, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), v.data...), nil
}

// Set implements Store.
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = memValue{data: append([]byte(nil), value...), expires: expiresAt(m.now(), ttl)}
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.strings, k)
		delete(m.zsets, k)
		delete(m.lists, k)
	}
	return nil
}

// ZAdd implements Store.
func (m *MemoryStore) ZAdd(ctx context.Context, set, member string, score float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[set]
	if !ok {
		z = make(map[string]float64)
		m.zsets[set] = z
	}
	z[member] = score
	return nil
}

// ZRem implements Store.
func (m *MemoryStore) ZRem(ctx context.Context, set string, members ...string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zsets[set]
	removed := 0
	for _, member := range members {
		if _, ok := z[member]; ok {
			delete(z, member)
			removed++
		}
	}
	return removed, nil
}

// ZPopMin implements Store.
func (m *MemoryStore) ZPopMin(ctx context.Context, set string) (ScoredMember, error) {
	if err := ctx.Err(); err != nil {
		return ScoredMember{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := m.sortedLocked(set)
	if len(sorted) == 0 {
		return ScoredMember{}, ErrNotFound
	}
	head := sorted[0]
	delete(m.zsets[set], head.Member)
	return head, nil
}

// ZRange implements Store.
func (m *MemoryStore) ZRange(ctx context.Context, set string, start, stop int) ([]ScoredMember, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := m.sortedLocked(set)
	from, to, ok := resolveRange(start, stop, len(sorted))
	if !ok {
		return nil, nil
	}
	return sorted[from:to], nil
}

// ZRangeByScore implements Store.
func (m *MemoryStore) ZRangeByScore(ctx context.Context, set string, max float64, limit int) ([]ScoredMember, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ScoredMember
	for _, sm := range m.sortedLocked(set) {
		if sm.Score > max {
			break
		}
		out = append(out, sm)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ZCard implements Store.
func (m *MemoryStore) ZCard(ctx context.Context, set string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.zsets[set]), nil
}

func (m *MemoryStore) sortedLocked(set string) []ScoredMember {
	z := m.zsets[set]
	out := make([]ScoredMember, 0, len(z))
	for member, score := range z {
		out = append(out, ScoredMember{Member: member, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

// RPush implements Store.
func (m *MemoryStore) RPush(ctx context.Context, list string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[list] = append(m.lists[list], memValue{
		data:    append([]byte(nil), value...),
		expires: expiresAt(m.now(), ttl),
	})
	return nil
}

// LPop implements Store.
func (m *MemoryStore) LPop(ctx context.Context, list string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.liveLocked(list)
	if len(live) == 0 {
		return nil, ErrNotFound
	}
	m.lists[list] = live[1:]
	return live[0].data, nil
}

// LRange implements Store.
func (m *MemoryStore) LRange(ctx context.Context, list string, start, stop int) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.liveLocked(list)
	from, to, ok := resolveRange(start, stop, len(live))
	if !ok {
		return nil, nil
	}
	out := make([][]byte, 0, to-from)
	for _, v := range live[from:to] {
		out = append(out, append([]byte(nil), v.data...))
	}
	return out, nil
}

// LTrim implements Store.
func (m *MemoryStore) LTrim(ctx context.Context, list string, start, stop int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.liveLocked(list)
	from, to, ok := resolveRange(start, stop, len(live))
	if !ok {
		delete(m.lists, list)
		return nil
	}
	m.lists[list] = append([]memValue(nil), live[from:to]...)
	return nil
}

// LLen implements Store.
func (m *MemoryStore) LLen(ctx context.Context, list string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.liveLocked(list)), nil
}

// liveLocked drops expired elements and returns what remains.
func (m *MemoryStore) liveLocked(list string) []memValue {
	items := m.lists[list]
	now := m.now()
	live := items[:0]
	for _, v := range items {
		if !v.expired(now) {
			live = append(live, v)
		}
	}
	m.lists[list] = live
	return live
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
