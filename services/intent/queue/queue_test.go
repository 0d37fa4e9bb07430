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
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianIntent/services/intent/datatypes"
	"github.com/AleutianAI/AleutianIntent/services/intent/storage/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

type fixture struct {
	q      *Queue
	status *StatusStore
	store  *kv.MemoryStore
	clock  *testClock
}

// newFixture builds a queue on a memory store sharing one fake clock.
func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	store := kv.NewMemoryStore().WithClock(clock.Now)
	status, err := NewStatusStore(store, StatusOptions{Now: clock.Now})
	require.NoError(t, err)
	opts := Options{
		Name:         "test",
		MaxRetries:   3,
		RetryDelay:   time.Second,
		PollInterval: 2 * time.Millisecond,
		Status:       status,
		Now:          clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	q, err := New(store, opts)
	require.NoError(t, err)
	return &fixture{q: q, status: status, store: store, clock: clock}
}

func (f *fixture) enqueue(t *testing.T, query string, priority int) string {
	t.Helper()
	id, err := f.q.Enqueue(context.Background(), query, datatypes.RequestContext{SessionID: "s-1"}, priority)
	require.NoError(t, err)
	f.clock.Advance(time.Millisecond)
	return id
}

func (f *fixture) mustDequeue(t *testing.T) *Message {
	t.Helper()
	msg, err := f.q.Dequeue(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, msg)
	return msg
}

func TestQueue_EnqueueDequeueTracksStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	id := f.enqueue(t, "where is my order 12345", 0)
	st, err := f.status.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, st.Status)
	assert.Nil(t, st.StartedAt)

	msg := f.mustDequeue(t)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "where is my order 12345", msg.Query)
	assert.Equal(t, DefaultPriority, msg.Priority)
	assert.Equal(t, "s-1", msg.Context.SessionID)

	st, err = f.status.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, st.Status)
	require.NotNil(t, st.StartedAt)
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	f := newFixture(t, nil)
	a := f.enqueue(t, "first at five", 5)
	b := f.enqueue(t, "urgent", 1)
	c := f.enqueue(t, "second at five", 5)

	var got []string
	for i := 0; i < 3; i++ {
		got = append(got, f.mustDequeue(t).ID)
	}
	assert.Equal(t, []string{b, a, c}, got)
}

func TestQueue_DequeueEmptyTimesOut(t *testing.T) {
	f := newFixture(t, nil)
	start := time.Now()
	msg, err := f.q.Dequeue(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)
	assert.Nil(t, msg)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQueue_DequeueHonorsCancellation(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.q.Dequeue(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueue_ConcurrentDequeueDeliversOnce(t *testing.T) {
	f := newFixture(t, nil)
	const n = 60
	for i := 0; i < n; i++ {
		f.enqueue(t, "bulk query", 0)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, err := f.q.Dequeue(context.Background(), 0)
				if errors.Is(err, ErrEmpty) {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[msg.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}
}

func TestQueue_RetryDelaysAndDeprioritizes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	id := f.enqueue(t, "check my refund", 3)
	msg := f.mustDequeue(t)

	ok, err := f.q.Retry(ctx, msg, errors.New("llm timeout"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, msg.RetryCount)
	assert.Equal(t, 4, msg.Priority)

	ready, delayed, err := f.q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ready)
	assert.Equal(t, 1, delayed)

	_, err = f.q.Dequeue(ctx, 0)
	assert.ErrorIs(t, err, ErrEmpty, "not ready before RetryDelay * 2^1")

	f.clock.Advance(1999 * time.Millisecond)
	_, err = f.q.Dequeue(ctx, 0)
	assert.ErrorIs(t, err, ErrEmpty)

	f.clock.Advance(time.Millisecond)
	again := f.mustDequeue(t)
	assert.Equal(t, id, again.ID)
	assert.Equal(t, 1, again.RetryCount)
	assert.Equal(t, "llm timeout", again.LastError)

	st, err := f.status.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, st.Status)
	assert.Equal(t, 1, st.RetryCount)
}

func TestQueue_RetryBackoffDoubles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) { o.MaxRetries = 5 })
	f.enqueue(t, "check my refund", 0)

	for _, want := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
		msg := f.mustDequeue(t)
		ok, err := f.q.Retry(ctx, msg, nil)
		require.NoError(t, err)
		require.True(t, ok)

		f.clock.Advance(want - time.Millisecond)
		_, err = f.q.Dequeue(ctx, 0)
		require.ErrorIs(t, err, ErrEmpty, "delay %s", want)
		f.clock.Advance(time.Millisecond)
	}
	msg := f.mustDequeue(t)
	assert.Equal(t, 3, msg.RetryCount)
	assert.Equal(t, DefaultPriority+1, msg.Priority, "demotion is relative to the original priority")
}

func TestQueue_RetriedMessageYieldsToFreshWork(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.enqueue(t, "flaky", 5)
	msg := f.mustDequeue(t)
	ok, err := f.q.Retry(ctx, msg, nil)
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(time.Hour)
	fresh := f.enqueue(t, "fresh", 5)

	assert.Equal(t, fresh, f.mustDequeue(t).ID)
	assert.Equal(t, msg.ID, f.mustDequeue(t).ID)
}

func TestQueue_ExhaustedRetriesDeadLetter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) { o.MaxRetries = 2 })
	id := f.enqueue(t, "cancel order 991", 0)

	var msg *Message
	for {
		msg = f.mustDequeue(t)
		ok, err := f.q.Retry(ctx, msg, errors.New("provider unavailable"))
		require.NoError(t, err)
		if !ok {
			break
		}
		f.clock.Advance(time.Hour)
	}
	assert.Equal(t, 2, msg.RetryCount)
	require.NoError(t, f.q.MoveToDeadLetter(ctx, msg, "retries exhausted: provider unavailable"))

	dl, err := f.q.DeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dl, 1)
	assert.Equal(t, id, dl[0].Message.ID)
	assert.Equal(t, "cancel order 991", dl[0].Message.Query)
	assert.Equal(t, 2, dl[0].RetryCount)
	assert.Equal(t, "test", dl[0].Queue)
	assert.Contains(t, dl[0].Reason, "retries exhausted")

	st, err := f.status.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.Status)
	assert.Equal(t, 2, st.RetryCount)

	ready, delayed, err := f.q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, ready+delayed)
	f.clock.Advance(time.Hour)
	_, err = f.q.Dequeue(ctx, 0)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestQueue_ZeroRetryBudget(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxRetries = 0 })
	f.enqueue(t, "no second chances", 0)
	msg := f.mustDequeue(t)
	ok, err := f.q.Retry(context.Background(), msg, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, msg.RetryCount)
}

func TestQueue_CompleteResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	id := f.enqueue(t, "track order 12345", 0)
	f.mustDequeue(t)

	result := datatypes.ClassificationResult{
		Status:     datatypes.StatusConfident,
		ActionCode: "TRACK_ORDER",
		Confidence: 0.91,
		ResolvedBy: datatypes.ResolvedByLLM,
	}
	require.NoError(t, f.q.CompleteResult(ctx, id, result))

	st, err := f.status.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.Status)
	require.NotNil(t, st.Result)
	assert.Equal(t, "TRACK_ORDER", st.Result.ActionCode)
	assert.Equal(t, id, st.Result.RequestID)
	require.NotNil(t, st.CompletedAt)

	_, err = f.store.Get(ctx, f.q.msgKey(id))
	assert.ErrorIs(t, err, kv.ErrNotFound, "message body dropped")

	err = f.status.MarkProcessing(ctx, id, 1)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestQueue_SettledMessagesLeaveInFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	done := f.enqueue(t, "track order 1", 0)
	f.enqueue(t, "track order 2", 0)
	f.enqueue(t, "track order 3", 0)

	inFlight := func() int {
		n, err := f.q.InFlight(ctx)
		require.NoError(t, err)
		return n
	}

	f.mustDequeue(t)
	retried := f.mustDequeue(t)
	dead := f.mustDequeue(t)
	assert.Equal(t, 3, inFlight())

	require.NoError(t, f.q.CompleteResult(ctx, done, datatypes.ClassificationResult{ActionCode: "TRACK_ORDER"}))
	ok, err := f.q.Retry(ctx, retried, errors.New("llm timeout"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.q.MoveToDeadLetter(ctx, dead, "unparseable"))
	assert.Zero(t, inFlight())

	// Nothing is reclaimed once every message is settled.
	f.clock.Advance(DefaultVisibility + time.Hour)
	msg := f.mustDequeue(t)
	assert.Equal(t, retried.ID, msg.ID)
	_, err = f.q.Dequeue(ctx, 0)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestQueue_LapsedMessageIsRedelivered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) { o.VisibilityTimeout = time.Minute })
	stuck := f.enqueue(t, "refund order 88", 3)
	later := f.enqueue(t, "show my cart", 3)

	// The consumer dies without settling.
	first := f.mustDequeue(t)
	require.Equal(t, stuck, first.ID)

	f.clock.Advance(59 * time.Second)
	assert.Equal(t, later, f.mustDequeue(t).ID)
	_, err := f.q.Dequeue(ctx, 0)
	assert.ErrorIs(t, err, ErrEmpty, "still within its visibility timeout")

	f.clock.Advance(2 * time.Second)
	again := f.mustDequeue(t)
	assert.Equal(t, stuck, again.ID)
	assert.Zero(t, again.RetryCount)
	assert.Equal(t, "refund order 88", again.Query)

	st, err := f.status.Get(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, st.Status)
}

func TestQueue_RequeueKeepsPosition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	first := f.enqueue(t, "first", 5)
	second := f.enqueue(t, "second", 5)

	msg := f.mustDequeue(t)
	require.Equal(t, first, msg.ID)
	require.NoError(t, f.q.Requeue(ctx, msg))

	n, err := f.q.InFlight(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, first, f.mustDequeue(t).ID, "requeued ahead of later arrivals")
	assert.Equal(t, second, f.mustDequeue(t).ID)
}

func TestQueue_ExpiredMessageIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) { o.MessageTTL = time.Minute })
	stale := f.enqueue(t, "old request", 1)
	f.clock.Advance(2 * time.Minute)
	live := f.enqueue(t, "new request", 5)

	msg := f.mustDequeue(t)
	assert.Equal(t, live, msg.ID)

	st, err := f.status.Get(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.Status)
	assert.Equal(t, "message expired", st.Error)
}

func TestQueue_Clear(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	ids := []string{f.enqueue(t, "one", 0), f.enqueue(t, "two", 0), f.enqueue(t, "three", 0)}
	msg := f.mustDequeue(t)
	_, err := f.q.Retry(ctx, msg, nil)
	require.NoError(t, err)

	n, err := f.q.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ready, delayed, err := f.q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, ready+delayed)
	for _, id := range ids {
		st, err := f.status.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateFailed, st.Status, id)
	}
}

func TestQueue_EnqueueValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.q.Enqueue(ctx, "   ", datatypes.RequestContext{}, 0)
	assert.Error(t, err)
	_, err = f.q.Enqueue(ctx, "valid", datatypes.RequestContext{}, MaxPriority+1)
	assert.Error(t, err)
	_, err = f.q.Enqueue(ctx, "valid", datatypes.RequestContext{}, -1)
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	store := kv.NewMemoryStore()
	status, err := NewStatusStore(store, StatusOptions{})
	require.NoError(t, err)

	tests := []struct {
		name  string
		store kv.Store
		opts  Options
	}{
		{"nil store", nil, Options{Status: status}},
		{"nil status", store, Options{}},
		{"name with colon", store, Options{Name: "a:b", Status: status}},
		{"negative retries", store, Options{MaxRetries: -1, Status: status}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.store, tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestQueue_DeadLettersLimitAndTrim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	for i := 0; i < 3; i++ {
		f.enqueue(t, "doomed", 0)
		msg := f.mustDequeue(t)
		require.NoError(t, f.q.MoveToDeadLetter(ctx, msg, "bad input"))
	}

	two, err := f.q.DeadLetters(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)

	require.NoError(t, f.q.TrimDeadLetters(ctx, 2))
	rest, err := f.q.DeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}
