// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hybrid

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianIntent/services/intent/datatypes"
	"github.com/AleutianAI/AleutianIntent/services/intent/storage/kv"
)

// AmbiguousLogKey is the list holding ambiguous-case records.
const AmbiguousLogKey = "ambiguous:log"

// Ambiguous log defaults.
const (
	DefaultAmbiguousLogSize   = 10000
	DefaultAmbiguousLogTTL    = 30 * 24 * time.Hour
	DefaultAmbiguousLogBuffer = 256
)

// AmbiguousCase is one non-confident outcome kept for offline review.
type AmbiguousCase struct {
	Query      string                      `json:"query"`
	Status     datatypes.OutcomeStatus     `json:"status"`
	Candidates []datatypes.IntentCandidate `json:"candidates"`
	Timestamp  time.Time                   `json:"timestamp"`
}

// AmbiguousLog appends AmbiguousCase records to a bounded list in the shared
// store from a single background goroutine.
//
// # Description
//
// Record never blocks: when the buffer is full the record is dropped and
// counted in intent_hybrid_ambiguous_log_dropped_total. The list is trimmed
// to the newest Size records after every write.
//
// # Thread Safety
//
// Record is safe for concurrent use. Run must be called exactly once.
type AmbiguousLog struct {
	store  kv.Store
	size   int
	ttl    time.Duration
	ch     chan AmbiguousCase
	logger *slog.Logger
	done   chan struct{}
}

// NewAmbiguousLog creates the log. Zero size, ttl or buffer take defaults.
func NewAmbiguousLog(store kv.Store, size int, ttl time.Duration, buffer int, logger *slog.Logger) (*AmbiguousLog, error) {
	if store == nil {
		return nil, fmt.Errorf("NewAmbiguousLog: store must not be nil")
	}
	if size <= 0 {
		size = DefaultAmbiguousLogSize
	}
	if ttl <= 0 {
		ttl = DefaultAmbiguousLogTTL
	}
	if buffer <= 0 {
		buffer = DefaultAmbiguousLogBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AmbiguousLog{
		store:  store,
		size:   size,
		ttl:    ttl,
		ch:     make(chan AmbiguousCase, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

// Record queues c for writing. It returns false if c was dropped.
func (l *AmbiguousLog) Record(c AmbiguousCase) bool {
	select {
	case l.ch <- c:
		return true
	default:
		ambiguousDroppedTotal.Inc()
		return false
	}
}

// Run writes queued records until ctx is cancelled, then drains what is
// already buffered.
func (l *AmbiguousLog) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case c := <-l.ch:
			l.write(ctx, c)
		case <-ctx.Done():
			l.drain()
			return
		}
	}
}

// Wait blocks until Run has returned.
func (l *AmbiguousLog) Wait() {
	<-l.done
}

func (l *AmbiguousLog) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case c := <-l.ch:
			l.write(ctx, c)
		default:
			return
		}
	}
}

func (l *AmbiguousLog) write(ctx context.Context, c AmbiguousCase) {
	raw, err := json.Marshal(c)
	if err != nil {
		l.logger.Warn("ambiguous log: marshal failed", slog.String("error", err.Error()))
		return
	}
	if err := l.store.RPush(ctx, AmbiguousLogKey, raw, l.ttl); err != nil {
		l.logger.Warn("ambiguous log: write failed", slog.String("error", err.Error()))
		return
	}
	if err := l.store.LTrim(ctx, AmbiguousLogKey, -l.size, -1); err != nil {
		l.logger.Warn("ambiguous log: trim failed", slog.String("error", err.Error()))
	}
}

// Recent returns up to limit of the newest records, oldest first.
func (l *AmbiguousLog) Recent(ctx context.Context, limit int) ([]AmbiguousCase, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := l.store.LRange(ctx, AmbiguousLogKey, -limit, -1)
	if err != nil {
		return nil, fmt.Errorf("AmbiguousLog.Recent: %w", err)
	}
	out := make([]AmbiguousCase, 0, len(raws))
	for _, raw := range raws {
		var c AmbiguousCase
		if err := json.Unmarshal(raw, &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
