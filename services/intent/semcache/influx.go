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
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// EventKind labels a cache event.
type EventKind string

const (
	EventHit   EventKind = "hit"
	EventMiss  EventKind = "miss"
	EventSkip  EventKind = "skip"
	EventSet   EventKind = "set"
	EventEvict EventKind = "evict"
)

// Event is one cache operation, emitted for dashboards.
type Event struct {
	Kind       EventKind
	Latency    time.Duration
	Similarity float64
	Time       time.Time
}

// EventSink receives cache events. Record must not block.
type EventSink interface {
	Record(Event)
	Close() error
}

const influxMeasurement = "intent_cache_event"

// InfluxSink writes cache events to InfluxDB v2 through the client's
// asynchronous batching write API.
//
// Thread Safety: Safe for concurrent use.
type InfluxSink struct {
	client influxdb2.Client
	writer api.WriteAPI
	logger *slog.Logger
	done   chan struct{}
}

// NewInfluxSink connects to url with token and writes to org/bucket.
// Write errors are logged, never returned to the cache.
func NewInfluxSink(url, token, org, bucket string, logger *slog.Logger) (*InfluxSink, error) {
	if url == "" || org == "" || bucket == "" {
		return nil, fmt.Errorf("NewInfluxSink: url, org and bucket are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClientWithOptions(url, token,
		influxdb2.DefaultOptions().SetBatchSize(200).SetFlushInterval(1000))
	s := &InfluxSink{
		client: client,
		writer: client.WriteAPI(org, bucket),
		logger: logger,
		done:   make(chan struct{}),
	}
	go s.drainErrors()
	return s, nil
}

func (s *InfluxSink) drainErrors() {
	errs := s.writer.Errors()
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			s.logger.Warn("influx cache event write failed", slog.String("error", err.Error()))
		case <-s.done:
			return
		}
	}
}

// Record implements EventSink.
func (s *InfluxSink) Record(e Event) {
	fields := map[string]interface{}{
		"latency_ms": float64(e.Latency.Microseconds()) / 1000,
	}
	if e.Kind == EventHit {
		fields["similarity"] = e.Similarity
	}
	s.writer.WritePoint(influxdb2.NewPoint(influxMeasurement,
		map[string]string{"kind": string(e.Kind)},
		fields,
		e.Time,
	))
}

// Flush sends buffered points.
func (s *InfluxSink) Flush() { s.writer.Flush() }

// Close flushes and releases the client.
func (s *InfluxSink) Close() error {
	s.writer.Flush()
	close(s.done)
	s.client.Close()
	return nil
}
