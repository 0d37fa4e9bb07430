// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package escalation

import (
	"fmt"
	"math"
)

// Trigger reasons, in rule order.
const (
	ReasonHighRisk      = "high_risk_action"
	ReasonRuleFallback  = "rule_fallback"
	ReasonLowConfidence = "low_confidence_threshold"
	ReasonAmbiguous     = "ambiguous_candidates"
)

const (
	DefaultLowConfidenceThreshold = 0.50
	DefaultAmbiguityDelta         = 0.10
)

// TriggerContext is what the rule pipeline knows about a query.
type TriggerContext struct {
	TopConfidence      float64
	NextBestConfidence float64
	ActionCode         string
	IsFallback         bool

	// Confident marks a clear winner from the rule pipeline. Only the
	// high-risk and fallback rules apply to it.
	Confident bool
}

// Trigger decides whether a query is escalated to the LLM.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type Trigger struct {
	lowConfidence  float64
	ambiguityDelta float64
	highRisk       map[string]struct{}
}

// NewTrigger validates the thresholds and copies the high-risk set.
func NewTrigger(lowConfidence, ambiguityDelta float64, highRisk []string) (*Trigger, error) {
	if math.IsNaN(lowConfidence) || lowConfidence < 0 || lowConfidence > 1 {
		return nil, fmt.Errorf("NewTrigger: low confidence threshold %v outside [0,1]", lowConfidence)
	}
	if math.IsNaN(ambiguityDelta) || ambiguityDelta < 0 || ambiguityDelta > 1 {
		return nil, fmt.Errorf("NewTrigger: ambiguity delta %v outside [0,1]", ambiguityDelta)
	}
	set := make(map[string]struct{}, len(highRisk))
	for _, code := range highRisk {
		if code == "" {
			return nil, fmt.Errorf("NewTrigger: empty high-risk action code")
		}
		set[code] = struct{}{}
	}
	return &Trigger{lowConfidence: lowConfidence, ambiguityDelta: ambiguityDelta, highRisk: set}, nil
}

// ShouldTrigger applies the rules in order; the first match wins.
//
//  1. ActionCode is high risk.
//  2. The rule pipeline already fell back.
//  3. TopConfidence is below the low-confidence threshold.
//  4. TopConfidence - NextBestConfidence is below the ambiguity delta.
//
// Rules 3 and 4 are skipped for a Confident context.
//
// Returns (false, "") when no rule matches.
func (t *Trigger) ShouldTrigger(tc TriggerContext) (bool, string) {
	reason := t.evaluate(tc)
	if reason == "" {
		triggersTotal.WithLabelValues("none").Inc()
		return false, ""
	}
	triggersTotal.WithLabelValues(reason).Inc()
	return true, reason
}

func (t *Trigger) evaluate(tc TriggerContext) string {
	if _, ok := t.highRisk[tc.ActionCode]; ok && tc.ActionCode != "" {
		return ReasonHighRisk
	}
	if tc.IsFallback {
		return ReasonRuleFallback
	}
	if tc.Confident {
		return ""
	}
	if tc.TopConfidence < t.lowConfidence {
		return ReasonLowConfidence
	}
	if tc.TopConfidence-tc.NextBestConfidence < t.ambiguityDelta {
		return ReasonAmbiguous
	}
	return ""
}

// IsHighRisk reports whether code is in the high-risk set.
func (t *Trigger) IsHighRisk(code string) bool {
	_, ok := t.highRisk[code]
	return ok
}
