// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// Context bounds applied before a request context is forwarded to the LLM.
const (
	MaxPriorTurns      = 5
	MaxSessionSnippets = 3
	MaxSnippetChars    = 500
)

// ConversationTurn is one prior exchange in the caller's session.
type ConversationTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// RequestContext is the caller-supplied context accompanying a query.
type RequestContext struct {
	SessionID       string             `json:"session_id,omitempty"`
	UserID          string             `json:"user_id,omitempty"`
	PriorTurns      []ConversationTurn `json:"prior_turns,omitempty"`
	SessionSnippets []string           `json:"session_snippets,omitempty"`
	Metadata        map[string]string  `json:"metadata,omitempty"`
}

// Bounded returns a copy holding only the most recent MaxPriorTurns turns
// and the first MaxSessionSnippets snippets, each snippet truncated to
// MaxSnippetChars runes. The receiver is not modified.
func (c RequestContext) Bounded() RequestContext {
	out := RequestContext{
		SessionID: c.SessionID,
		UserID:    c.UserID,
	}
	turns := c.PriorTurns
	if len(turns) > MaxPriorTurns {
		turns = turns[len(turns)-MaxPriorTurns:]
	}
	if len(turns) > 0 {
		out.PriorTurns = append([]ConversationTurn(nil), turns...)
	}
	for i, s := range c.SessionSnippets {
		if i >= MaxSessionSnippets {
			break
		}
		if r := []rune(s); len(r) > MaxSnippetChars {
			s = string(r[:MaxSnippetChars])
		}
		out.SessionSnippets = append(out.SessionSnippets, s)
	}
	if len(c.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// LLMRequest is the input to one escalation. Built once per escalation and
// passed by value.
type LLMRequest struct {
	Text               string         `json:"text"`
	RuleGuess          string         `json:"rule_guess,omitempty"`
	TopConfidence      float64        `json:"top_confidence"`
	NextBestConfidence float64        `json:"next_best_confidence"`
	IsFallback         bool           `json:"is_fallback"`
	TriggerReason      string         `json:"trigger_reason,omitempty"`
	Context            RequestContext `json:"context"`
}

// LLMResponse is a resolved intent produced by the LLM, the response cache,
// or the fallback manager.
type LLMResponse struct {
	Intent              string            `json:"intent"`
	ActionCode          string            `json:"action_code"`
	Confidence          float64           `json:"confidence"`
	NeedsClarification  bool              `json:"needs_clarification"`
	ClarificationPrompt string            `json:"clarification_prompt,omitempty"`
	Entities            map[string]string `json:"entities,omitempty"`
	Reasoning           string            `json:"reasoning,omitempty"`
}

// ClassificationResult is what Classify returns to callers and what the
// queue stores as a completed request's result.
type ClassificationResult struct {
	RequestID             string            `json:"request_id,omitempty"`
	Status                OutcomeStatus     `json:"status"`
	Intent                string            `json:"intent,omitempty"`
	ActionCode            string            `json:"action_code,omitempty"`
	Confidence            float64           `json:"confidence"`
	Entities              map[string]string `json:"entities,omitempty"`
	RequiresClarification bool              `json:"requires_clarification"`
	ClarificationPrompt   string            `json:"clarification_prompt,omitempty"`
	ResolvedBy            ResolutionSource  `json:"resolved_by"`
	TriggerReason         string            `json:"trigger_reason,omitempty"`
	Alternatives          []IntentCandidate `json:"alternatives,omitempty"`
}
