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
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// Key layout inside BadgerDB. A NUL byte separates the structure name from
// the element so that names may contain ':' and '/'.
//
//	s\x00{key}                          → value (native TTL)
//	z\x00{set}\x00{score:8}{member}     → empty (ordered index)
//	zm\x00{set}\x00{member}             → score:8
//	l\x00{list}\x00{seq:8}              → value (native TTL)
//	lm\x00{list}                        → next tail seq:8
const (
	prefixString     = "s\x00"
	prefixZSet       = "z\x00"
	prefixZMember    = "zm\x00"
	prefixList       = "l\x00"
	prefixListMeta   = "lm\x00"
	nameSeparator    = "\x00"
	maxConflictRetry = 100
	deleteChunkSize  = 1000
)

// BadgerOptions configures OpenBadgerStore.
type BadgerOptions struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string

	// InMemory opens a volatile database, used by tests.
	InMemory bool

	// ReadOnly opens the directory without write access, used by the CLI
	// inspection commands while the service owns the database.
	ReadOnly bool

	// Logger receives store diagnostics. nil means slog.Default().
	Logger *slog.Logger
}

// BadgerStore implements Store on an embedded BadgerDB.
//
// Description:
//
//	Strings and list elements use BadgerDB native TTL; expired entries are
//	skipped by reads and reclaimed by value-log GC. Sorted sets are kept as
//	an ordered index keyed by a byte-sortable score encoding plus a member
//	lookup key, both written in one transaction.
//
// Thread Safety:
//
//	Safe for concurrent use. Read-modify-write operations run in update
//	transactions that are retried on ErrConflict, which makes ZPopMin, ZRem
//	and LPop atomic across goroutines.
type BadgerStore struct {
	db     *dgbadger.DB
	logger *slog.Logger
}

// OpenBadgerStore opens (or creates) a BadgerDB and wraps it.
//
// Outputs:
//
//	*BadgerStore - The store. Close releases the database.
//	error - Non-nil if the database cannot be opened.
func OpenBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var bopts dgbadger.Options
	if opts.InMemory {
		bopts = dgbadger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, fmt.Errorf("OpenBadgerStore: dir must not be empty")
		}
		bopts = dgbadger.DefaultOptions(opts.Dir).WithReadOnly(opts.ReadOnly)
	}
	bopts = bopts.WithLogger(nil)

	db, err := dgbadger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("OpenBadgerStore: open %q: %w", opts.Dir, err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// RunGC runs BadgerDB value-log garbage collection every interval until ctx
// is cancelled. Expired entries only release disk space through GC.
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, dgbadger.ErrNoRewrite) {
						s.logger.Debug("badger value log GC stopped", slog.String("error", err.Error()))
					}
					break
				}
			}
		}
	}
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Strings
// =============================================================================

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte(prefixString + key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %q: %w", key, err)
	}
	return out, nil
}

// Set implements Store.
func (s *BadgerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.update(func(txn *dgbadger.Txn) error {
		return txn.SetEntry(newEntry([]byte(prefixString+key), value, ttl))
	})
	if err != nil {
		return fmt.Errorf("badger set %q: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *BadgerStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, key := range keys {
		doomed := [][]byte{[]byte(prefixString + key), []byte(prefixListMeta + key)}
		for _, prefix := range []string{
			prefixZSet + key + nameSeparator,
			prefixZMember + key + nameSeparator,
			prefixList + key + nameSeparator,
		} {
			found, err := s.keysWithPrefix([]byte(prefix))
			if err != nil {
				return fmt.Errorf("badger delete %q: %w", key, err)
			}
			doomed = append(doomed, found...)
		}
		if err := s.deleteKeys(doomed); err != nil {
			return fmt.Errorf("badger delete %q: %w", key, err)
		}
	}
	return nil
}

// Scan calls fn for every string key with the given prefix, along with its
// value and expiry (zero when the key does not expire). Used by inspection
// tooling; not part of Store.
func (s *BadgerStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte, expiresAt time.Time) error) error {
	return s.db.View(func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		full := []byte(prefixString + prefix)
		for it.Seek(full); it.ValidForPrefix(full); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var exp time.Time
			if e := item.ExpiresAt(); e > 0 {
				exp = time.Unix(int64(e), 0)
			}
			key := string(item.Key()[len(prefixString):])
			if err := fn(key, val, exp); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// Sorted sets
// =============================================================================

// ZAdd implements Store.
func (s *BadgerStore) ZAdd(ctx context.Context, set, member string, score float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.update(func(txn *dgbadger.Txn) error {
		mkey := zMemberKey(set, member)
		if old, ok, err := readScore(txn, mkey); err != nil {
			return err
		} else if ok {
			if err := txn.Delete(zIndexKey(set, old, member)); err != nil {
				return err
			}
		}
		if err := txn.Set(zIndexKey(set, score, member), nil); err != nil {
			return err
		}
		return txn.Set(mkey, encodeScore(score))
	})
	if err != nil {
		return fmt.Errorf("badger zadd %q: %w", set, err)
	}
	return nil
}

// ZRem implements Store.
func (s *BadgerStore) ZRem(ctx context.Context, set string, members ...string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var removed int
	err := s.update(func(txn *dgbadger.Txn) error {
		removed = 0
		for _, member := range members {
			mkey := zMemberKey(set, member)
			score, ok, err := readScore(txn, mkey)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := txn.Delete(zIndexKey(set, score, member)); err != nil {
				return err
			}
			if err := txn.Delete(mkey); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger zrem %q: %w", set, err)
	}
	return removed, nil
}

// ZPopMin implements Store.
func (s *BadgerStore) ZPopMin(ctx context.Context, set string) (ScoredMember, error) {
	if err := ctx.Err(); err != nil {
		return ScoredMember{}, err
	}
	var popped ScoredMember
	err := s.update(func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		prefix := zSetPrefix(set)
		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			it.Close()
			return ErrNotFound
		}
		key := it.Item().KeyCopy(nil)
		it.Close()

		m, err := parseZIndexKey(key, len(prefix))
		if err != nil {
			return err
		}
		popped = m
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(zMemberKey(set, m.Member))
	})
	if errors.Is(err, ErrNotFound) {
		return ScoredMember{}, ErrNotFound
	}
	if err != nil {
		return ScoredMember{}, fmt.Errorf("badger zpopmin %q: %w", set, err)
	}
	return popped, nil
}

// ZRange implements Store.
func (s *BadgerStore) ZRange(ctx context.Context, set string, start, stop int) ([]ScoredMember, error) {
	all, err := s.zScan(ctx, set, math.Inf(1), 0)
	if err != nil {
		return nil, err
	}
	from, to, ok := resolveRange(start, stop, len(all))
	if !ok {
		return nil, nil
	}
	return all[from:to], nil
}

// ZRangeByScore implements Store.
func (s *BadgerStore) ZRangeByScore(ctx context.Context, set string, max float64, limit int) ([]ScoredMember, error) {
	return s.zScan(ctx, set, max, limit)
}

// ZCard implements Store.
func (s *BadgerStore) ZCard(ctx context.Context, set string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := s.countPrefix(zSetPrefix(set))
	if err != nil {
		return 0, fmt.Errorf("badger zcard %q: %w", set, err)
	}
	return n, nil
}

func (s *BadgerStore) zScan(ctx context.Context, set string, max float64, limit int) ([]ScoredMember, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []ScoredMember
	err := s.db.View(func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := zSetPrefix(set)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			m, err := parseZIndexKey(it.Item().Key(), len(prefix))
			if err != nil {
				return err
			}
			if m.Score > max {
				break
			}
			out = append(out, m)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger zrange %q: %w", set, err)
	}
	return out, nil
}

// =============================================================================
// Lists
// =============================================================================

// RPush implements Store. Each element carries its own TTL measured from the
// push.
func (s *BadgerStore) RPush(ctx context.Context, list string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.update(func(txn *dgbadger.Txn) error {
		metaKey := []byte(prefixListMeta + list)
		var seq uint64
		item, err := txn.Get(metaKey)
		switch {
		case errors.Is(err, dgbadger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(v []byte) error {
				if len(v) != 8 {
					return fmt.Errorf("corrupt list meta for %q", list)
				}
				seq = binary.BigEndian.Uint64(v)
				return nil
			}); err != nil {
				return err
			}
		}
		if err := txn.SetEntry(newEntry(listItemKey(list, seq), value, ttl)); err != nil {
			return err
		}
		next := make([]byte, 8)
		binary.BigEndian.PutUint64(next, seq+1)
		return txn.Set(metaKey, next)
	})
	if err != nil {
		return fmt.Errorf("badger rpush %q: %w", list, err)
	}
	return nil
}

// LPop implements Store.
func (s *BadgerStore) LPop(ctx context.Context, list string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.update(func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		prefix := listPrefix(list)
		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			it.Close()
			return ErrNotFound
		}
		item := it.Item()
		key := item.KeyCopy(nil)
		val, err := item.ValueCopy(nil)
		it.Close()
		if err != nil {
			return err
		}
		out = val
		return txn.Delete(key)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger lpop %q: %w", list, err)
	}
	return out, nil
}

// LRange implements Store.
func (s *BadgerStore) LRange(ctx context.Context, list string, start, stop int) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var all [][]byte
	err := s.db.View(func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()
		prefix := listPrefix(list)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			all = append(all, val)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger lrange %q: %w", list, err)
	}
	from, to, ok := resolveRange(start, stop, len(all))
	if !ok {
		return nil, nil
	}
	return all[from:to], nil
}

// LTrim implements Store.
func (s *BadgerStore) LTrim(ctx context.Context, list string, start, stop int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	keys, err := s.keysWithPrefix(listPrefix(list))
	if err != nil {
		return fmt.Errorf("badger ltrim %q: %w", list, err)
	}
	from, to, ok := resolveRange(start, stop, len(keys))
	var doomed [][]byte
	if !ok {
		doomed = keys
	} else {
		doomed = append(doomed, keys[:from]...)
		doomed = append(doomed, keys[to:]...)
	}
	if err := s.deleteKeys(doomed); err != nil {
		return fmt.Errorf("badger ltrim %q: %w", list, err)
	}
	return nil
}

// LLen implements Store.
func (s *BadgerStore) LLen(ctx context.Context, list string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := s.countPrefix(listPrefix(list))
	if err != nil {
		return 0, fmt.Errorf("badger llen %q: %w", list, err)
	}
	return n, nil
}

// =============================================================================
// Helpers
// =============================================================================

// update runs fn in a read-write transaction, retrying when a concurrent
// transaction committed a conflicting write first.
func (s *BadgerStore) update(fn func(txn *dgbadger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetry; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, dgbadger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *BadgerStore) keysWithPrefix(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := s.db.View(func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

func (s *BadgerStore) countPrefix(prefix []byte) (int, error) {
	var n int
	err := s.db.View(func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *BadgerStore) deleteKeys(keys [][]byte) error {
	for len(keys) > 0 {
		n := min(len(keys), deleteChunkSize)
		chunk := keys[:n]
		keys = keys[n:]
		err := s.update(func(txn *dgbadger.Txn) error {
			for _, k := range chunk {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func newEntry(key, value []byte, ttl time.Duration) *dgbadger.Entry {
	e := dgbadger.NewEntry(key, value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

func readScore(txn *dgbadger.Txn, mkey []byte) (float64, bool, error) {
	item, err := txn.Get(mkey)
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var score float64
	err = item.Value(func(v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("corrupt score for key %q", mkey)
		}
		score = decodeScore(v)
		return nil
	})
	return score, err == nil, err
}

func zSetPrefix(set string) []byte {
	return []byte(prefixZSet + set + nameSeparator)
}

func zMemberKey(set, member string) []byte {
	return []byte(prefixZMember + set + nameSeparator + member)
}

func zIndexKey(set string, score float64, member string) []byte {
	var buf bytes.Buffer
	buf.Grow(len(prefixZSet) + len(set) + 1 + 8 + len(member))
	buf.WriteString(prefixZSet)
	buf.WriteString(set)
	buf.WriteString(nameSeparator)
	buf.Write(encodeScore(score))
	buf.WriteString(member)
	return buf.Bytes()
}

func parseZIndexKey(key []byte, prefixLen int) (ScoredMember, error) {
	if len(key) < prefixLen+8 {
		return ScoredMember{}, fmt.Errorf("corrupt sorted-set key %q", key)
	}
	return ScoredMember{
		Score:  decodeScore(key[prefixLen : prefixLen+8]),
		Member: string(key[prefixLen+8:]),
	}, nil
}

func listPrefix(list string) []byte {
	return []byte(prefixList + list + nameSeparator)
}

func listItemKey(list string, seq uint64) []byte {
	key := make([]byte, 0, len(prefixList)+len(list)+1+8)
	key = append(key, listPrefix(list)...)
	return binary.BigEndian.AppendUint64(key, seq)
}

// encodeScore maps a float64 onto 8 bytes whose lexicographic order matches
// numeric order, so BadgerDB iteration yields ascending scores.
func encodeScore(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, bits)
	return out
}

func decodeScore(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}
