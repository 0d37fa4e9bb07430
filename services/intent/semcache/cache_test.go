// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package semcache

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianIntent/services/intent/datatypes"
	"github.com/AleutianAI/AleutianIntent/services/intent/storage/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bagOfWords embeds text as hashed word counts.
type bagOfWords struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (b *bagOfWords) Model() string { return "bow-256" }

func (b *bagOfWords) Embed(_ context.Context, text string) ([]float32, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if b.fail != nil {
		return nil, b.fail
	}
	v := make([]float32, 256)
	for _, w := range strings.Fields(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%256]++
	}
	return v, nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, opts Options) (*Cache, *testClock, *bagOfWords) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := kv.NewMemoryStore().WithClock(clock.Now)
	emb := &bagOfWords{}
	opts.Now = clock.Now
	c, err := New(store, emb, opts)
	require.NoError(t, err)
	return c, clock, emb
}

var trackOrder = datatypes.LLMResponse{
	Intent:     "track order",
	ActionCode: "TRACK_ORDER",
	Confidence: 0.93,
	Entities:   map[string]string{"order_id": "12345"},
}

func TestNormalizer(t *testing.T) {
	n := NewNormalizer(0, 0)
	tests := []struct {
		name string
		in   string
		want string
		err  error
	}{
		{"lowercase and trailing punctuation", "Where is my ORDER 12345?", "where is my order 12345", nil},
		{"polite prefix", "Could you please track my order", "track my order", nil},
		{"polite suffix after comma", "Track my order, please!", "track my order", nil},
		{"contraction", "Where's my refund", "where is my refund", nil},
		{"curly apostrophe", "What’s my balance", "what is my balance", nil},
		{"whitespace collapse", "  track   my\torder  ", "track my order", nil},
		{"full-width and folded case", "ＴＲＡＣＫ my Straße order", "track my strasse order", nil},
		{"too short", "hi", "", ErrNotCacheable},
		{"short single word", "refund", "", ErrNotCacheable},
		{"only politeness", "please, thanks!", "", ErrNotCacheable},
		{"long single word", "cancellation", "cancellation", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Normalize(tt.in)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCache_HitOnParaphrase(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t, Options{})

	_, ok, err := c.Get(ctx, "where is my order 12345")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "where is my order 12345", trackOrder))

	got, ok, err := c.Get(ctx, "Where's my order 12345, please?")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, trackOrder, got)

	_, ok, err = c.Get(ctx, "cancel my subscription today")
	require.NoError(t, err)
	assert.False(t, ok, "unrelated query must miss")
}

func TestCache_ThresholdRejectsPartialOverlap(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t, Options{SimilarityThreshold: 0.95})
	require.NoError(t, c.Set(ctx, "where is my order 12345", trackOrder))

	_, ok, err := c.Get(ctx, "where is my order 99999")
	require.NoError(t, err)
	assert.False(t, ok, "a different order number must not share an answer")
}

func TestCache_UncacheableQuery(t *testing.T) {
	ctx := context.Background()
	c, _, emb := newTestCache(t, Options{})

	_, ok, err := c.Get(ctx, "help")
	assert.ErrorIs(t, err, ErrNotCacheable)
	assert.False(t, ok)
	assert.ErrorIs(t, c.Set(ctx, "ok", trackOrder), ErrNotCacheable)
	assert.Zero(t, emb.calls, "uncacheable queries are never embedded")

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Skips)
}

func TestCache_EmbedFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	c, _, emb := newTestCache(t, Options{})
	emb.fail = errors.New("embedder down")

	_, ok, err := c.Get(ctx, "where is my order 12345")
	require.Error(t, err)
	assert.False(t, ok)
	assert.Error(t, c.Set(ctx, "where is my order 12345", trackOrder))
}

func TestCache_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	c, clock, _ := newTestCache(t, Options{MaxSize: 2})

	queries := []string{"track order 111", "cancel order 222", "refund order 333"}
	for _, q := range queries {
		require.NoError(t, c.Set(ctx, q, trackOrder))
		clock.Advance(time.Second)
	}

	size, err := c.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	_, ok, err := c.Get(ctx, queries[0])
	require.NoError(t, err)
	assert.False(t, ok, "oldest entry evicted")
	for _, q := range queries[1:] {
		_, ok, err := c.Get(ctx, q)
		require.NoError(t, err)
		assert.True(t, ok, q)
	}
}

func TestCache_ExpiredEntriesDropFromIndex(t *testing.T) {
	ctx := context.Background()
	c, clock, _ := newTestCache(t, Options{TTL: time.Hour})
	require.NoError(t, c.Set(ctx, "where is my order 12345", trackOrder))

	clock.Advance(2 * time.Hour)
	_, ok, err := c.Get(ctx, "where is my order 12345")
	require.NoError(t, err)
	assert.False(t, ok)

	size, err := c.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size, "stale index member removed during lookup")
}

func TestCache_HitCountKeepsExpiry(t *testing.T) {
	ctx := context.Background()
	c, clock, _ := newTestCache(t, Options{TTL: time.Hour})
	require.NoError(t, c.Set(ctx, "where is my order 12345", trackOrder))

	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Minute)
		_, ok, err := c.Get(ctx, "where is my order 12345")
		require.NoError(t, err)
		require.True(t, ok)
	}

	entries, err := c.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].HitCount)
	assert.Equal(t, entries[0].CreatedAt.Add(time.Hour), entries[0].ExpiresAt)

	clock.Advance(31 * time.Minute)
	_, ok, err := c.Get(ctx, "where is my order 12345")
	require.NoError(t, err)
	assert.False(t, ok, "hits do not extend the lifetime")
}

func TestCache_InvalidateAndClear(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t, Options{})
	require.NoError(t, c.Set(ctx, "where is my order 12345", trackOrder))
	require.NoError(t, c.Set(ctx, "cancel my subscription today", trackOrder))

	removed, err := c.Invalidate(ctx, "Where is my order 12345?")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = c.Invalidate(ctx, "where is my order 12345")
	require.NoError(t, err)
	assert.False(t, removed)

	n, err := c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	size, err := c.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestCache_Stats(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t, Options{})
	require.NoError(t, c.Set(ctx, "where is my order 12345", trackOrder))

	_, _, _ = c.Get(ctx, "where is my order 12345")
	_, _, _ = c.Get(ctx, "where is my order 12345")
	_, _, _ = c.Get(ctx, "change my shipping address")
	_, _, _ = c.Get(ctx, "change my shipping address now")

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Size)
	assert.EqualValues(t, 2, stats.Hits)
	assert.EqualValues(t, 2, stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRatio, 1e-9)
}

func TestNew_Validation(t *testing.T) {
	store := kv.NewMemoryStore()
	_, err := New(nil, &bagOfWords{}, Options{})
	assert.Error(t, err)
	_, err = New(store, nil, Options{})
	assert.Error(t, err)
	_, err = New(store, &bagOfWords{}, Options{SimilarityThreshold: 1.5})
	assert.Error(t, err)
}

func TestEmbeddingKey_Stable(t *testing.T) {
	a := embeddingKey([]float32{0.6, 0.8})
	assert.Equal(t, a, embeddingKey([]float32{0.6, 0.8}))
	assert.NotEqual(t, a, embeddingKey([]float32{0.8, 0.6}))
	assert.Len(t, a, 64)
}

func TestLatencyTracker(t *testing.T) {
	clock := &testClock{t: time.Unix(1000, 0)}
	lt := NewLatencyTracker(20, clock.Now)

	assert.Zero(t, lt.P95())
	assert.Zero(t, lt.Throughput())

	for i := 1; i <= 40; i++ {
		lt.Observe(time.Duration(i) * time.Millisecond)
		clock.Advance(100 * time.Millisecond)
	}
	assert.Equal(t, 20, lt.Count())
	// window holds 21..40ms; nearest rank 19 of 20
	assert.Equal(t, 39*time.Millisecond, lt.P95())
	assert.InDelta(t, 10.0, lt.Throughput(), 0.01)
}

func TestInfluxSink_WritesEvents(t *testing.T) {
	var (
		mu   sync.Mutex
		body strings.Builder
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/write" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body.Write(b)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := NewInfluxSink(srv.URL, "test-token", "aleutian", "intent", nil)
	require.NoError(t, err)

	sink.Record(Event{Kind: EventHit, Latency: 3 * time.Millisecond, Similarity: 0.97, Time: time.Unix(1700000000, 0)})
	sink.Record(Event{Kind: EventMiss, Latency: time.Millisecond, Time: time.Unix(1700000001, 0)})
	sink.Flush()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		s := body.String()
		return strings.Contains(s, "intent_cache_event,kind=hit") &&
			strings.Contains(s, "intent_cache_event,kind=miss")
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, sink.Close())
}

func TestNewInfluxSink_RequiresTarget(t *testing.T) {
	_, err := NewInfluxSink("", "t", "org", "bucket", nil)
	assert.Error(t, err)
}
