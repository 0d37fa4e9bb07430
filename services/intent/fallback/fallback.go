// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fallback produces the standardized "needs clarification" answer
// returned whenever a request cannot be resolved with enough confidence.
package fallback

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianIntent/services/intent/config"
	"github.com/AleutianAI/AleutianIntent/services/intent/datatypes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var fallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "intent",
	Subsystem: "fallback",
	Name:      "responses_total",
	Help:      "Clarification responses produced, by reason",
}, []string{"reason"})

// Reason says why a fallback was produced.
type Reason string

const (
	ReasonEmptyQuery       Reason = "empty_query"
	ReasonLowConfidence    Reason = "low_confidence"
	ReasonLLMUnavailable   Reason = "llm_unavailable"
	ReasonCircuitOpen      Reason = "circuit_open"
	ReasonTimeout          Reason = "timeout"
	ReasonMalformed        Reason = "malformed_response"
	ReasonRetriesExhausted Reason = "retries_exhausted"
	ReasonCalibration      Reason = "calibration"
)

const (
	genericPrompt = "I'm not sure what you'd like to do. Could you rephrase that or add a bit more detail?"
	emptyPrompt   = "What can I help you with today?"
	guessPrompt   = "Did you want to %s? Please confirm, or tell me a bit more about what you need."
)

// Manager builds clarification responses.
//
// Thread Safety: Safe for concurrent use. The taxonomy is read-only.
type Manager struct {
	taxonomy *config.Taxonomy
	logger   *slog.Logger
}

// NewManager creates a Manager. taxonomy may be nil, in which case rule
// guesses are never echoed back to the user.
func NewManager(taxonomy *config.Taxonomy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{taxonomy: taxonomy, logger: logger}
}

// Response returns the clarification answer for req.
//
// The result always carries ClarificationActionCode, zero confidence and
// NeedsClarification set. When the rule pipeline produced a guess that the
// taxonomy knows, the prompt asks the user to confirm it and the guess is
// kept in Entities["suggested_action"].
func (m *Manager) Response(reason Reason, req datatypes.LLMRequest) datatypes.LLMResponse {
	fallbacksTotal.WithLabelValues(string(reason)).Inc()

	resp := datatypes.LLMResponse{
		Intent:              "clarification",
		ActionCode:          config.ClarificationActionCode,
		Confidence:          0,
		NeedsClarification:  true,
		ClarificationPrompt: genericPrompt,
		Reasoning:           "fallback: " + string(reason),
	}

	if strings.TrimSpace(req.Text) == "" {
		resp.ClarificationPrompt = emptyPrompt
		return resp
	}

	if name, ok := m.describe(req.RuleGuess); ok {
		resp.ClarificationPrompt = fmt.Sprintf(guessPrompt, name)
		resp.Entities = map[string]string{"suggested_action": req.RuleGuess}
	}

	m.logger.Debug("fallback response",
		slog.String("reason", string(reason)),
		slog.String("rule_guess", req.RuleGuess),
	)
	return resp
}

// describe turns an action code into a lower-case phrase for the prompt.
func (m *Manager) describe(code string) (string, bool) {
	if m.taxonomy == nil || code == "" || code == config.ClarificationActionCode {
		return "", false
	}
	intent, ok := m.taxonomy.Lookup(code)
	if !ok {
		return "", false
	}
	name := intent.Name
	if name == "" {
		name = strings.ReplaceAll(intent.ActionCode, "_", " ")
	}
	return strings.ToLower(name), true
}
