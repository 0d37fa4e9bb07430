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
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"text/template"

	"github.com/AleutianAI/AleutianIntent/services/intent/config"
	"github.com/AleutianAI/AleutianIntent/services/intent/datatypes"
	"github.com/AleutianAI/AleutianIntent/services/llm"
)

// =============================================================================
// Prompt Builder
// =============================================================================

const systemPromptTemplate = `You classify shopping assistant requests into exactly one intent.

## Intents
{{range .Intents}}- {{.ActionCode}}{{if .Name}}: {{.Name}}{{end}} ({{.Category}})
{{end}}- {{.Clarification}}: the request is too vague to act on safely

## Output
Respond with ONLY a JSON object, no markdown and no explanation:
{"intent": "<short name>", "action_code": "<one code from the list>", "confidence": <0.0-1.0>,
 "needs_clarification": <true|false>, "clarification_prompt": "<question for the user, if needed>",
 "entities": {"<name>": "<value>"}, "reasoning": "<one sentence>"}

Use {{.Clarification}} with needs_clarification=true when no intent fits.`

const userPromptTemplate = `Request: {{.Text}}
{{- if .RuleGuess}}
Rule-based guess: {{.RuleGuess}} (confidence {{printf "%.2f" .TopConfidence}}, next best {{printf "%.2f" .NextBestConfidence}})
{{- end}}
{{- if .TriggerReason}}
Escalated because: {{.TriggerReason}}
{{- end}}
{{- with .Context}}
{{- if .PriorTurns}}

Conversation so far:
{{- range .PriorTurns}}
{{.Role}}: {{.Text}}
{{- end}}
{{- end}}
{{- if .SessionSnippets}}

Session notes:
{{- range .SessionSnippets}}
- {{.}}
{{- end}}
{{- end}}
{{- end}}`

// PromptBuilder renders the classification prompt.
//
// # Thread Safety
//
// Safe for concurrent use.
type PromptBuilder struct {
	system string
	user   *template.Template
	tax    *config.Taxonomy
}

// NewPromptBuilder renders the system prompt once from the taxonomy.
func NewPromptBuilder(tax *config.Taxonomy) (*PromptBuilder, error) {
	if tax == nil {
		return nil, fmt.Errorf("NewPromptBuilder: taxonomy must not be nil")
	}
	sys, err := template.New("system").Parse(systemPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("NewPromptBuilder: parsing system template: %w", err)
	}
	var buf bytes.Buffer
	if err := sys.Execute(&buf, struct {
		Intents       []config.Intent
		Clarification string
	}{tax.Intents(), config.ClarificationActionCode}); err != nil {
		return nil, fmt.Errorf("NewPromptBuilder: rendering system prompt: %w", err)
	}
	user, err := template.New("user").Parse(userPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("NewPromptBuilder: parsing user template: %w", err)
	}
	return &PromptBuilder{system: buf.String(), user: user, tax: tax}, nil
}

// Build returns the chat messages for req. The request context is bounded
// before rendering.
func (b *PromptBuilder) Build(req datatypes.LLMRequest) ([]llm.Message, error) {
	req.Context = req.Context.Bounded()
	var buf bytes.Buffer
	if err := b.user.Execute(&buf, req); err != nil {
		return nil, fmt.Errorf("PromptBuilder.Build: %w", err)
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: b.system},
		{Role: llm.RoleUser, Content: buf.String()},
	}, nil
}

// =============================================================================
// Response Parsing
// =============================================================================

type rawResponse struct {
	Intent              string         `json:"intent"`
	ActionCode          string         `json:"action_code"`
	Confidence          *float64       `json:"confidence"`
	NeedsClarification  bool           `json:"needs_clarification"`
	ClarificationPrompt string         `json:"clarification_prompt"`
	Entities            map[string]any `json:"entities"`
	Reasoning           string         `json:"reasoning"`
}

// ParseResponse validates a model answer against the taxonomy.
//
// Description:
//
//	Markdown code fences and text around the outermost JSON object are
//	tolerated. The answer is malformed when no object parses, action_code
//	is missing or unknown, or confidence is missing or outside [0,1].
//	Entity values of any JSON type are kept as strings.
//
// Outputs:
//
//	datatypes.LLMResponse - The validated answer.
//	error - Wraps ErrMalformedResponse on any validation failure.
func (b *PromptBuilder) ParseResponse(text string) (datatypes.LLMResponse, error) {
	payload, err := extractJSONObject(text)
	if err != nil {
		return datatypes.LLMResponse{}, err
	}

	var raw rawResponse
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return datatypes.LLMResponse{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	code := strings.ToUpper(strings.TrimSpace(raw.ActionCode))
	if code == "" {
		return datatypes.LLMResponse{}, fmt.Errorf("%w: missing action_code", ErrMalformedResponse)
	}
	if code != config.ClarificationActionCode && !b.tax.IsValidActionCode(code) {
		return datatypes.LLMResponse{}, fmt.Errorf("%w: unknown action_code %q", ErrMalformedResponse, code)
	}
	if raw.Confidence == nil {
		return datatypes.LLMResponse{}, fmt.Errorf("%w: missing confidence", ErrMalformedResponse)
	}
	conf := *raw.Confidence
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return datatypes.LLMResponse{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrMalformedResponse, conf)
	}

	resp := datatypes.LLMResponse{
		Intent:              raw.Intent,
		ActionCode:          code,
		Confidence:          conf,
		NeedsClarification:  raw.NeedsClarification || code == config.ClarificationActionCode,
		ClarificationPrompt: raw.ClarificationPrompt,
		Reasoning:           raw.Reasoning,
	}
	if len(raw.Entities) > 0 {
		resp.Entities = make(map[string]string, len(raw.Entities))
		for k, v := range raw.Entities {
			if v == nil {
				continue
			}
			if s, ok := v.(string); ok {
				resp.Entities[k] = s
				continue
			}
			resp.Entities[k] = fmt.Sprint(v)
		}
	}
	if resp.Intent == "" {
		if intent, ok := b.tax.Lookup(code); ok {
			resp.Intent = intent.Name
		}
	}
	return resp, nil
}

func extractJSONObject(text string) (string, error) {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return "", fmt.Errorf("%w: no JSON object in response", ErrMalformedResponse)
	}
	return s[start : end+1], nil
}
