// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package semcache is a similarity-keyed cache of LLM answers.
//
// A query is normalized and embedded; the cache answers with the stored
// response whose embedding is closest to the query's, provided the cosine
// similarity clears a threshold. Entries live in the shared kv store so
// that every replica sees the same cache.
package semcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianIntent/services/intent/datatypes"
	"github.com/AleutianAI/AleutianIntent/services/intent/matching"
	"github.com/AleutianAI/AleutianIntent/services/intent/storage/kv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// IndexKey is the sorted set of entry hashes scored by insert time.
	IndexKey  = "cache:index"
	keyPrefix = "cache:"

	DefaultSimilarityThreshold = 0.95
	DefaultMaxSize             = 1000
	DefaultTTL                 = 24 * time.Hour

	// exactMatchSimilarity ends the scan early.
	exactMatchSimilarity = 0.99
)

var tracer = otel.Tracer("aleutian.intent.semcache")

var (
	lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Cache lookups by result (hit, miss, skip, error)",
	}, []string{"result"})

	evictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries evicted to stay under the size bound",
	})

	lookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "intent",
		Subsystem: "cache",
		Name:      "lookup_duration_seconds",
		Help:      "Cache lookup latency including embedding",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5},
	})

	sizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "intent",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Entries in the cache index after the last write",
	})
)

// Entry is one cached answer.
type Entry struct {
	Key       string                `json:"key"`
	Query     string                `json:"query"`
	Embedding []float32             `json:"embedding"`
	Response  datatypes.LLMResponse `json:"response"`
	CreatedAt time.Time             `json:"created_at"`
	ExpiresAt time.Time             `json:"expires_at"`
	HitCount  int                   `json:"hit_count"`
}

// Stats summarizes cache activity since process start.
type Stats struct {
	Size       int           `json:"size"`
	Hits       int64         `json:"hits"`
	Misses     int64         `json:"misses"`
	Skips      int64         `json:"skips"`
	HitRatio   float64       `json:"hit_ratio"`
	P95Latency time.Duration `json:"p95_latency"`
	Throughput float64       `json:"throughput_per_sec"`
}

// Options configures a Cache. Zero values take the defaults.
type Options struct {
	SimilarityThreshold float64
	MaxSize             int
	TTL                 time.Duration
	MinQueryChars       int
	MinSingleWordChars  int
	LatencyWindow       int

	// Sink receives one event per operation. Optional.
	Sink   EventSink
	Logger *slog.Logger
	Now    func() time.Time
}

// Cache is the semantic response cache.
//
// # Description
//
// Get walks every indexed entry and keeps the best cosine similarity at or
// above the threshold. Set stores the answer under a hash of the query
// embedding and evicts the oldest entries past MaxSize. Index members whose
// entry has expired are dropped lazily during Get.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent Sets may briefly overshoot MaxSize
// until the next Set evicts.
type Cache struct {
	store     kv.Store
	embedder  matching.Embedder
	normalize *Normalizer
	threshold float64
	maxSize   int
	ttl       time.Duration
	latency   *LatencyTracker
	sink      EventSink
	logger    *slog.Logger
	now       func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
	skips  atomic.Int64
}

// New creates a Cache over store using embedder for query vectors.
func New(store kv.Store, embedder matching.Embedder, opts Options) (*Cache, error) {
	if store == nil {
		return nil, errors.New("semcache.New: store is required")
	}
	if embedder == nil {
		return nil, errors.New("semcache.New: embedder is required")
	}
	if opts.SimilarityThreshold == 0 {
		opts.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if opts.SimilarityThreshold < 0 || opts.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("semcache.New: similarity threshold %v outside (0,1]", opts.SimilarityThreshold)
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		store:     store,
		embedder:  embedder,
		normalize: NewNormalizer(opts.MinQueryChars, opts.MinSingleWordChars),
		threshold: opts.SimilarityThreshold,
		maxSize:   opts.MaxSize,
		ttl:       opts.TTL,
		latency:   NewLatencyTracker(opts.LatencyWindow, opts.Now),
		sink:      opts.Sink,
		logger:    opts.Logger,
		now:       opts.Now,
	}, nil
}

// ============================================================================
// Lookup
// ============================================================================

// Get returns the cached answer closest to query.
//
// Uncacheable queries return ErrNotCacheable. A miss returns false with a
// nil error.
func (c *Cache) Get(ctx context.Context, query string) (datatypes.LLMResponse, bool, error) {
	ctx, span := tracer.Start(ctx, "Cache.Get")
	defer span.End()
	start := c.now()

	best, sim, err := c.lookup(ctx, query)
	elapsed := c.now().Sub(start)
	c.latency.Observe(elapsed)
	lookupDuration.Observe(elapsed.Seconds())

	switch {
	case errors.Is(err, ErrNotCacheable):
		c.skips.Add(1)
		c.emit(EventSkip, elapsed, 0)
		lookupsTotal.WithLabelValues("skip").Inc()
		return datatypes.LLMResponse{}, false, err
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
		lookupsTotal.WithLabelValues("error").Inc()
		return datatypes.LLMResponse{}, false, err
	case best == nil:
		c.misses.Add(1)
		c.emit(EventMiss, elapsed, 0)
		lookupsTotal.WithLabelValues("miss").Inc()
		span.SetAttributes(attribute.Bool("hit", false))
		return datatypes.LLMResponse{}, false, nil
	}

	c.hits.Add(1)
	c.emit(EventHit, elapsed, sim)
	lookupsTotal.WithLabelValues("hit").Inc()
	span.SetAttributes(attribute.Bool("hit", true), attribute.Float64("similarity", sim))
	c.touch(ctx, best)
	return best.Response, true, nil
}

// lookup finds the best entry for query, or nil when none clears the
// threshold.
func (c *Cache) lookup(ctx context.Context, query string) (*Entry, float64, error) {
	norm, err := c.normalize.Normalize(query)
	if err != nil {
		return nil, 0, err
	}
	vec, err := c.embed(ctx, norm)
	if err != nil {
		return nil, 0, err
	}
	members, err := c.store.ZRange(ctx, IndexKey, 0, -1)
	if err != nil {
		return nil, 0, fmt.Errorf("Cache.lookup: read index: %w", err)
	}

	var (
		best    *Entry
		bestSim = -1.0
		stale   []string
	)
	for _, m := range members {
		entry, err := c.load(ctx, m.Member)
		if errors.Is(err, kv.ErrNotFound) {
			stale = append(stale, m.Member)
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		sim := matching.Cosine(vec, entry.Embedding)
		if sim >= c.threshold && sim > bestSim {
			best, bestSim = entry, sim
			if sim > exactMatchSimilarity {
				break
			}
		}
	}
	if len(stale) > 0 {
		if _, err := c.store.ZRem(ctx, IndexKey, stale...); err != nil {
			c.logger.Debug("cache index cleanup failed", slog.String("error", err.Error()))
		}
	}
	return best, bestSim, nil
}

// touch bumps the hit count while keeping the original expiry.
func (c *Cache) touch(ctx context.Context, e *Entry) {
	remaining := e.ExpiresAt.Sub(c.now())
	if remaining <= 0 {
		return
	}
	e.HitCount++
	if err := c.save(ctx, e, remaining); err != nil {
		c.logger.Debug("cache hit count update failed", slog.String("error", err.Error()))
	}
}

// ============================================================================
// Mutation
// ============================================================================

// Set stores resp as the answer for query.
func (c *Cache) Set(ctx context.Context, query string, resp datatypes.LLMResponse) error {
	ctx, span := tracer.Start(ctx, "Cache.Set")
	defer span.End()

	norm, err := c.normalize.Normalize(query)
	if err != nil {
		return err
	}
	vec, err := c.embed(ctx, norm)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embed failed")
		return err
	}

	now := c.now()
	entry := &Entry{
		Key:       embeddingKey(vec),
		Query:     norm,
		Embedding: vec,
		Response:  resp,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
	if err := c.save(ctx, entry, c.ttl); err != nil {
		return err
	}
	if err := c.store.ZAdd(ctx, IndexKey, entry.Key, float64(now.UnixMilli())); err != nil {
		return fmt.Errorf("Cache.Set: index: %w", err)
	}
	c.emit(EventSet, 0, 0)
	return c.evict(ctx)
}

// evict removes the oldest entries until the index is within maxSize.
func (c *Cache) evict(ctx context.Context) error {
	n, err := c.store.ZCard(ctx, IndexKey)
	if err != nil {
		return fmt.Errorf("Cache.evict: %w", err)
	}
	if n <= c.maxSize {
		sizeGauge.Set(float64(n))
		return nil
	}
	oldest, err := c.store.ZRange(ctx, IndexKey, 0, n-c.maxSize-1)
	if err != nil {
		return fmt.Errorf("Cache.evict: %w", err)
	}
	keys := make([]string, 0, len(oldest))
	members := make([]string, 0, len(oldest))
	for _, m := range oldest {
		keys = append(keys, keyPrefix+m.Member)
		members = append(members, m.Member)
	}
	if err := c.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("Cache.evict: delete: %w", err)
	}
	removed, err := c.store.ZRem(ctx, IndexKey, members...)
	if err != nil {
		return fmt.Errorf("Cache.evict: index: %w", err)
	}
	evictionsTotal.Add(float64(removed))
	for i := 0; i < removed; i++ {
		c.emit(EventEvict, 0, 0)
	}
	sizeGauge.Set(float64(n - removed))
	return nil
}

// Invalidate removes the entry that query would hit. It reports whether an
// entry was removed.
func (c *Cache) Invalidate(ctx context.Context, query string) (bool, error) {
	best, _, err := c.lookup(ctx, query)
	if err != nil || best == nil {
		return false, err
	}
	if err := c.store.Delete(ctx, keyPrefix+best.Key); err != nil {
		return false, fmt.Errorf("Cache.Invalidate: %w", err)
	}
	if _, err := c.store.ZRem(ctx, IndexKey, best.Key); err != nil {
		return false, fmt.Errorf("Cache.Invalidate: %w", err)
	}
	c.logger.Info("cache entry invalidated", slog.String("query", best.Query))
	return true, nil
}

// Clear removes every entry and returns how many were indexed.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	members, err := c.store.ZRange(ctx, IndexKey, 0, -1)
	if err != nil {
		return 0, fmt.Errorf("Cache.Clear: %w", err)
	}
	keys := make([]string, 0, len(members)+1)
	for _, m := range members {
		keys = append(keys, keyPrefix+m.Member)
	}
	keys = append(keys, IndexKey)
	if err := c.store.Delete(ctx, keys...); err != nil {
		return 0, fmt.Errorf("Cache.Clear: %w", err)
	}
	sizeGauge.Set(0)
	c.logger.Info("cache cleared", slog.Int("entries", len(members)))
	return len(members), nil
}

// ============================================================================
// Introspection
// ============================================================================

// Size returns the number of indexed entries, including any that expired
// since the last lookup.
func (c *Cache) Size(ctx context.Context) (int, error) {
	return c.store.ZCard(ctx, IndexKey)
}

// Stats returns hit ratio, latency and size.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	size, err := c.Size(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("Cache.Stats: %w", err)
	}
	s := Stats{
		Size:       size,
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Skips:      c.skips.Load(),
		P95Latency: c.latency.P95(),
		Throughput: c.latency.Throughput(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRatio = float64(s.Hits) / float64(total)
	}
	return s, nil
}

// Entries returns live entries oldest first.
func (c *Cache) Entries(ctx context.Context) ([]Entry, error) {
	members, err := c.store.ZRange(ctx, IndexKey, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("Cache.Entries: %w", err)
	}
	out := make([]Entry, 0, len(members))
	for _, m := range members {
		e, err := c.load(ctx, m.Member)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

// ============================================================================
// Helpers
// ============================================================================

func (c *Cache) embed(ctx context.Context, text string) ([]float32, error) {
	raw, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("Cache.embed: %w", err)
	}
	vec := matching.Normalize(raw)
	if vec == nil {
		return nil, ErrNotCacheable
	}
	return vec, nil
}

func (c *Cache) load(ctx context.Context, hash string) (*Entry, error) {
	raw, err := c.store.Get(ctx, keyPrefix+hash)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("Cache.load: decode %s: %w", hash, err)
	}
	return &e, nil
}

func (c *Cache) save(ctx context.Context, e *Entry, ttl time.Duration) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("Cache.save: encode: %w", err)
	}
	if err := c.store.Set(ctx, keyPrefix+e.Key, raw, ttl); err != nil {
		return fmt.Errorf("Cache.save: %w", err)
	}
	return nil
}

func (c *Cache) emit(kind EventKind, latency time.Duration, sim float64) {
	if c.sink == nil {
		return
	}
	c.sink.Record(Event{Kind: kind, Latency: latency, Similarity: sim, Time: c.now()})
}

// embeddingKey hashes the little-endian float32 bytes of vec.
func embeddingKey(vec []float32) string {
	buf := make([]byte, 4*len(vec))
	for i, x := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}
