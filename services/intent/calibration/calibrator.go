// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package calibration turns reported confidences into calibrated ones using
// the observed accuracy of past classifications.
package calibration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianIntent/services/intent/storage/kv"
)

var tracer = otel.Tracer("aleutian.intent.calibration")

var (
	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "calibration",
		Name:      "records_total",
		Help:      "Calibration records appended, by outcome",
	}, []string{"outcome"})

	globalErrorGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "intent",
		Subsystem: "calibration",
		Name:      "global_error",
		Help:      "Absolute difference between overall accuracy and average reported confidence",
	})

	fallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "calibration",
		Name:      "fallbacks_total",
		Help:      "ShouldFallback decisions that returned true, by reason",
	}, []string{"reason"})
)

// Key layout in the shared store.
const (
	keyPrefix = "calibration:"
	GlobalKey = keyPrefix + "global"
)

// Bucket layout.
const (
	NumBuckets  = 5
	BucketWidth = 1.0 / NumBuckets
)

// Fallback reasons.
const (
	ReasonBelowThreshold = "calibrated_confidence_below_threshold"
	ReasonLowAccuracy    = "low_historical_accuracy"
)

// Defaults.
const (
	DefaultMinSamples            = 10
	DefaultMaxRecords            = 10000
	DefaultRecordTTL             = 90 * 24 * time.Hour
	DefaultStatsCacheTTL         = time.Minute
	DefaultThreshold             = 0.5
	DefaultLowAccuracy           = 0.6
	DefaultLowAccuracyConfidence = 0.7

	// globalErrorTolerance is the calibration error above which global
	// scaling is applied.
	globalErrorTolerance = 0.1
)

// Record is one observed classification outcome.
type Record struct {
	ActionCode         string    `json:"action_code"`
	ReportedConfidence float64   `json:"reported_confidence"`
	Correct            bool      `json:"actual_outcome"`
	Timestamp          time.Time `json:"timestamp"`
}

// Bucket aggregates records whose reported confidence falls in
// [Lower, Upper).
type Bucket struct {
	Lower         float64 `json:"lower"`
	Upper         float64 `json:"upper"`
	Count         int     `json:"count"`
	Correct       int     `json:"correct"`
	Accuracy      float64 `json:"accuracy"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// Stats summarizes the history of one key.
type Stats struct {
	Key              string             `json:"key"`
	Total            int                `json:"total"`
	Accuracy         float64            `json:"accuracy"`
	AvgConfidence    float64            `json:"avg_confidence"`
	CalibrationError float64            `json:"calibration_error"`
	Buckets          [NumBuckets]Bucket `json:"buckets"`
}

// Options configures a Calibrator. Zero values take the package defaults.
type Options struct {
	MinSamples            int
	MaxRecords            int
	RecordTTL             time.Duration
	StatsCacheTTL         time.Duration
	DefaultThreshold      float64
	LowAccuracy           float64
	LowAccuracyConfidence float64
	Logger                *slog.Logger
	Now                   func() time.Time
}

func (o *Options) applyDefaults() {
	if o.MinSamples <= 0 {
		o.MinSamples = DefaultMinSamples
	}
	if o.MaxRecords <= 0 {
		o.MaxRecords = DefaultMaxRecords
	}
	if o.RecordTTL <= 0 {
		o.RecordTTL = DefaultRecordTTL
	}
	if o.StatsCacheTTL <= 0 {
		o.StatsCacheTTL = DefaultStatsCacheTTL
	}
	if o.DefaultThreshold == 0 {
		o.DefaultThreshold = DefaultThreshold
	}
	if o.LowAccuracy == 0 {
		o.LowAccuracy = DefaultLowAccuracy
	}
	if o.LowAccuracyConfidence == 0 {
		o.LowAccuracyConfidence = DefaultLowAccuracyConfidence
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type cachedStats struct {
	stats   Stats
	expires time.Time
}

// Calibrator maintains per-action-code and global calibration history.
//
// # Description
//
// Records are appended to the lists calibration:{action_code} and
// calibration:global, each trimmed to the newest MaxRecords and expiring
// after RecordTTL. Aggregated stats are cached in-process for StatsCacheTTL
// and invalidated by Record on the same instance; other instances see new
// records once their cache expires.
//
// Calibrate is the identity until an action code has MinSamples records.
// After that the reported confidence is replaced by the observed accuracy of
// its 0.2-wide bucket (when that bucket has records), and if the global
// calibration error exceeds 0.1 the result is scaled by
// overall_accuracy / average_confidence and clamped to [0,1].
//
// Store failures make Calibrate the identity and are logged.
//
// # Thread Safety
//
// Safe for concurrent use.
type Calibrator struct {
	store kv.Store
	opts  Options

	mu    sync.Mutex
	cache map[string]cachedStats
}

// New creates a Calibrator over store.
func New(store kv.Store, opts Options) (*Calibrator, error) {
	if store == nil {
		return nil, fmt.Errorf("calibration.New: store must not be nil")
	}
	opts.applyDefaults()
	for name, v := range map[string]float64{
		"default_threshold":       opts.DefaultThreshold,
		"low_accuracy":            opts.LowAccuracy,
		"low_accuracy_confidence": opts.LowAccuracyConfidence,
	} {
		if v < 0 || v > 1 {
			return nil, fmt.Errorf("calibration.New: %s must be in [0,1], got %v", name, v)
		}
	}
	return &Calibrator{store: store, opts: opts, cache: make(map[string]cachedStats)}, nil
}

// Record appends an observed outcome for actionCode.
func (c *Calibrator) Record(ctx context.Context, actionCode string, reported float64, correct bool) error {
	actionCode = normalizeCode(actionCode)
	if actionCode == "" {
		return fmt.Errorf("Calibrator.Record: action code must not be empty")
	}
	if reported < 0 || reported > 1 || math.IsNaN(reported) {
		return fmt.Errorf("Calibrator.Record: reported confidence must be in [0,1], got %v", reported)
	}
	ctx, span := tracer.Start(ctx, "calibration.Calibrator.Record")
	defer span.End()

	raw, err := json.Marshal(Record{
		ActionCode:         actionCode,
		ReportedConfidence: reported,
		Correct:            correct,
		Timestamp:          c.opts.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("Calibrator.Record: %w", err)
	}
	for _, key := range []string{keyPrefix + actionCode, GlobalKey} {
		if err := c.store.RPush(ctx, key, raw, c.opts.RecordTTL); err != nil {
			return fmt.Errorf("Calibrator.Record: append %s: %w", key, err)
		}
		if err := c.store.LTrim(ctx, key, -c.opts.MaxRecords, -1); err != nil {
			return fmt.Errorf("Calibrator.Record: trim %s: %w", key, err)
		}
	}

	c.mu.Lock()
	delete(c.cache, keyPrefix+actionCode)
	delete(c.cache, GlobalKey)
	c.mu.Unlock()

	outcome := "incorrect"
	if correct {
		outcome = "correct"
	}
	recordsTotal.WithLabelValues(outcome).Inc()
	return nil
}

// Calibrate returns the calibrated form of reported for actionCode.
func (c *Calibrator) Calibrate(ctx context.Context, actionCode string, reported float64) float64 {
	ctx, span := tracer.Start(ctx, "calibration.Calibrator.Calibrate")
	defer span.End()

	actionCode = normalizeCode(actionCode)
	stats, err := c.stats(ctx, keyPrefix+actionCode)
	if err != nil {
		c.opts.Logger.Warn("calibration: stats unavailable, using reported confidence",
			slog.String("action_code", actionCode),
			slog.String("error", err.Error()),
		)
		return reported
	}
	if stats.Total < c.opts.MinSamples {
		return reported
	}

	calibrated := reported
	if b := stats.Buckets[bucketIndex(reported)]; b.Count > 0 {
		calibrated = b.Accuracy
	}

	global, err := c.stats(ctx, GlobalKey)
	if err == nil && global.Total >= c.opts.MinSamples && global.AvgConfidence > 0 &&
		global.CalibrationError > globalErrorTolerance {
		calibrated *= global.Accuracy / global.AvgConfidence
	}
	calibrated = clamp01(calibrated)

	span.SetAttributes(
		attribute.String("action_code", actionCode),
		attribute.Float64("reported", reported),
		attribute.Float64("calibrated", calibrated),
	)
	return calibrated
}

// ShouldFallback reports whether a classification with the given calibrated
// confidence should not be trusted. threshold <= 0 uses the configured
// default.
func (c *Calibrator) ShouldFallback(ctx context.Context, actionCode string, calibrated, threshold float64) (bool, string) {
	if threshold <= 0 {
		threshold = c.opts.DefaultThreshold
	}
	if calibrated < threshold {
		fallbacksTotal.WithLabelValues(ReasonBelowThreshold).Inc()
		return true, ReasonBelowThreshold
	}
	stats, err := c.stats(ctx, keyPrefix+normalizeCode(actionCode))
	if err != nil || stats.Total < c.opts.MinSamples {
		return false, ""
	}
	if stats.Accuracy < c.opts.LowAccuracy && calibrated < c.opts.LowAccuracyConfidence {
		fallbacksTotal.WithLabelValues(ReasonLowAccuracy).Inc()
		return true, ReasonLowAccuracy
	}
	return false, ""
}

// Report returns the aggregated statistics for actionCode, or the global
// statistics when actionCode is empty.
func (c *Calibrator) Report(ctx context.Context, actionCode string) (Stats, error) {
	key := GlobalKey
	if code := normalizeCode(actionCode); code != "" {
		key = keyPrefix + code
	}
	s, err := c.stats(ctx, key)
	if err != nil {
		return Stats{}, fmt.Errorf("Calibrator.Report: %w", err)
	}
	return s, nil
}

func (c *Calibrator) stats(ctx context.Context, key string) (Stats, error) {
	now := c.opts.Now()
	c.mu.Lock()
	if cs, ok := c.cache[key]; ok && now.Before(cs.expires) {
		c.mu.Unlock()
		return cs.stats, nil
	}
	c.mu.Unlock()

	raws, err := c.store.LRange(ctx, key, 0, -1)
	if err != nil {
		return Stats{}, err
	}
	records := make([]Record, 0, len(raws))
	for _, raw := range raws {
		var r Record
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		records = append(records, r)
	}
	s := Aggregate(key, records)
	if key == GlobalKey {
		globalErrorGauge.Set(s.CalibrationError)
	}

	c.mu.Lock()
	c.cache[key] = cachedStats{stats: s, expires: now.Add(c.opts.StatsCacheTTL)}
	c.mu.Unlock()
	return s, nil
}

// Aggregate computes bucket and overall statistics for records.
func Aggregate(key string, records []Record) Stats {
	s := Stats{Key: key}
	for i := range s.Buckets {
		s.Buckets[i].Lower = float64(i) * BucketWidth
		s.Buckets[i].Upper = float64(i+1) * BucketWidth
	}
	var sumConf float64
	correct := 0
	bucketConf := [NumBuckets]float64{}
	for _, r := range records {
		i := bucketIndex(r.ReportedConfidence)
		s.Buckets[i].Count++
		bucketConf[i] += r.ReportedConfidence
		sumConf += r.ReportedConfidence
		if r.Correct {
			s.Buckets[i].Correct++
			correct++
		}
	}
	s.Total = len(records)
	if s.Total == 0 {
		return s
	}
	for i := range s.Buckets {
		if n := s.Buckets[i].Count; n > 0 {
			s.Buckets[i].Accuracy = float64(s.Buckets[i].Correct) / float64(n)
			s.Buckets[i].AvgConfidence = bucketConf[i] / float64(n)
		}
	}
	s.Accuracy = float64(correct) / float64(s.Total)
	s.AvgConfidence = sumConf / float64(s.Total)
	s.CalibrationError = math.Abs(s.Accuracy - s.AvgConfidence)
	return s
}

// bucketIndex maps a confidence in [0,1] to its bucket; 1.0 falls in the last.
// The epsilon keeps bucket edges like 0.6 out of the bucket below.
func bucketIndex(conf float64) int {
	i := int(conf/BucketWidth + 1e-9)
	if i < 0 {
		return 0
	}
	if i >= NumBuckets {
		return NumBuckets - 1
	}
	return i
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
