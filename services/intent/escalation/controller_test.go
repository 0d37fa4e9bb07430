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
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianIntent/services/intent/config"
	"github.com/AleutianAI/AleutianIntent/services/intent/datatypes"
	"github.com/AleutianAI/AleutianIntent/services/llm"
)

// =============================================================================
// Test fakes
// =============================================================================

type reply struct {
	text string
	err  error
}

// scriptedCompleter returns replies in order, repeating the last one.
type scriptedCompleter struct {
	mu      sync.Mutex
	replies []reply
	calls   int
	block   chan struct{}
}

func (c *scriptedCompleter) Complete(ctx context.Context, _ []llm.Message, _ llm.Params) (*llm.Completion, error) {
	c.mu.Lock()
	i := c.calls
	c.calls++
	block := c.block
	c.mu.Unlock()

	if block != nil {
		<-block
	}
	if i >= len(c.replies) {
		i = len(c.replies) - 1
	}
	r := c.replies[i]
	if r.err != nil {
		return nil, r.err
	}
	return &llm.Completion{Text: r.text}, nil
}

func (c *scriptedCompleter) Provider() string { return "fake" }
func (c *scriptedCompleter) Model() string    { return "fake-model" }

func (c *scriptedCompleter) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]datatypes.LLMResponse
	sets    int
}

func newMapCache() *mapCache { return &mapCache{entries: map[string]datatypes.LLMResponse{}} }

func (m *mapCache) Get(_ context.Context, q string) (datatypes.LLMResponse, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.entries[strings.ToLower(q)]
	return r, ok, nil
}

func (m *mapCache) Set(_ context.Context, q string, r datatypes.LLMResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	m.entries[strings.ToLower(q)] = r
	return nil
}

const trackOrderJSON = `{"intent":"track order","action_code":"TRACK_ORDER","confidence":0.92,"needs_clarification":false,"entities":{"order_id":12345}}`

func newTestController(t *testing.T, c llm.Completer, cache ResponseCache, mutate func(*config.EscalationConfig)) *Controller {
	t.Helper()
	tax, err := config.DefaultTaxonomy()
	if err != nil {
		t.Fatalf("DefaultTaxonomy: %v", err)
	}
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	opts := ControllerOptions{
		Completer: c,
		Taxonomy:  tax,
		Config:    cfg,
		Sleep:     func(time.Duration) {},
		Random:    func() float64 { return 0.5 },
	}
	if cache != nil {
		opts.Cache = cache
	}
	ctrl, err := NewController(opts)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return ctrl
}

func request(text string) datatypes.LLMRequest {
	return datatypes.LLMRequest{
		Text:               text,
		RuleGuess:          "TRACK_ORDER",
		TopConfidence:      0.40,
		NextBestConfidence: 0.38,
		TriggerReason:      ReasonLowConfidence,
	}
}

// =============================================================================
// Controller
// =============================================================================

func TestController_LowConfidenceInvokesLLMOnce(t *testing.T) {
	fc := &scriptedCompleter{replies: []reply{{text: trackOrderJSON}}}
	ctrl := newTestController(t, fc, nil, nil)

	ok, reason := ctrl.ShouldTrigger(TriggerContext{TopConfidence: 0.40, NextBestConfidence: 0.38, ActionCode: "TRACK_ORDER"})
	if !ok || reason != ReasonLowConfidence {
		t.Fatalf("ShouldTrigger = (%v, %q)", ok, reason)
	}

	res := ctrl.Resolve(context.Background(), request("where's my stuff"))
	if res.Source != datatypes.ResolvedByLLM || res.Err != nil {
		t.Fatalf("Resolve = %+v", res)
	}
	if res.Response.ActionCode != "TRACK_ORDER" || res.Response.Confidence != 0.92 {
		t.Errorf("response = %+v", res.Response)
	}
	if res.Response.Entities["order_id"] != "12345" {
		t.Errorf("entities = %v", res.Response.Entities)
	}
	if fc.Calls() != 1 {
		t.Errorf("LLM calls = %d, want 1", fc.Calls())
	}
}

func TestController_CacheHitSkipsLLM(t *testing.T) {
	fc := &scriptedCompleter{replies: []reply{{text: trackOrderJSON}}}
	cache := newMapCache()
	ctrl := newTestController(t, fc, cache, nil)

	first := ctrl.Resolve(context.Background(), request("Where is my order"))
	second := ctrl.Resolve(context.Background(), request("where is my order"))

	if first.Source != datatypes.ResolvedByLLM || second.Source != datatypes.ResolvedByCache {
		t.Fatalf("sources = %s, %s", first.Source, second.Source)
	}
	if second.Response.ActionCode != "TRACK_ORDER" {
		t.Errorf("cached response = %+v", second.Response)
	}
	if fc.Calls() != 1 {
		t.Errorf("LLM calls = %d, want 1", fc.Calls())
	}
}

func TestController_ClarificationAnswersAreNotCached(t *testing.T) {
	fc := &scriptedCompleter{replies: []reply{{text: `{"action_code":"NEEDS_CLARIFICATION","confidence":0.3,"clarification_prompt":"Which order?"}`}}}
	cache := newMapCache()
	ctrl := newTestController(t, fc, cache, nil)

	res := ctrl.Resolve(context.Background(), request("that thing"))
	if res.Source != datatypes.ResolvedByLLM || !res.Response.NeedsClarification {
		t.Fatalf("Resolve = %+v", res)
	}
	if cache.sets != 0 {
		t.Errorf("clarification answer was cached")
	}
}

func TestController_MalformedIsNotRetried(t *testing.T) {
	fc := &scriptedCompleter{replies: []reply{{text: "I think they want to track an order"}}}
	ctrl := newTestController(t, fc, nil, func(c *config.EscalationConfig) { c.MaxRetries = 3 })

	res := ctrl.Resolve(context.Background(), request("where's my stuff"))
	if res.Source != datatypes.ResolvedByFallback || !errors.Is(res.Err, ErrMalformedResponse) {
		t.Fatalf("Resolve = %+v", res)
	}
	if res.Response.ActionCode != config.ClarificationActionCode {
		t.Errorf("fallback action = %s", res.Response.ActionCode)
	}
	if fc.Calls() != 1 {
		t.Errorf("LLM calls = %d, want 1", fc.Calls())
	}
	if ctrl.Breaker().State() != StateClosed {
		t.Errorf("malformed answer counted against the breaker")
	}
}

func TestController_TransientFailuresExhaustRetries(t *testing.T) {
	fc := &scriptedCompleter{replies: []reply{{err: errTransient}}}
	ctrl := newTestController(t, fc, nil, nil)

	res := ctrl.Resolve(context.Background(), request("where's my stuff"))
	if res.Source != datatypes.ResolvedByFallback || !errors.Is(res.Err, ErrRetriesExhausted) {
		t.Fatalf("Resolve = %+v", res)
	}
	if fc.Calls() != 2 {
		t.Errorf("LLM calls = %d, want 1 + 1 retry", fc.Calls())
	}
	if !strings.Contains(res.Response.Reasoning, "retries_exhausted") {
		t.Errorf("reasoning = %q", res.Response.Reasoning)
	}
}

func TestController_RetryRecovers(t *testing.T) {
	fc := &scriptedCompleter{replies: []reply{{err: errTransient}, {text: trackOrderJSON}}}
	ctrl := newTestController(t, fc, nil, nil)

	res := ctrl.Resolve(context.Background(), request("where's my stuff"))
	if res.Source != datatypes.ResolvedByLLM || res.Err != nil {
		t.Fatalf("Resolve = %+v", res)
	}
}

func TestController_OpenBreakerShortCircuits(t *testing.T) {
	permanent := &llm.ProviderError{Provider: "fake", Class: llm.ClassServer, Err: errors.New("500")}
	fc := &scriptedCompleter{replies: []reply{{err: permanent}}}
	ctrl := newTestController(t, fc, nil, func(c *config.EscalationConfig) {
		c.FailureThreshold = 2
		c.MaxRetries = 0
	})

	for i := 0; i < 2; i++ {
		res := ctrl.Resolve(context.Background(), request("where's my stuff"))
		if res.Source != datatypes.ResolvedByFallback {
			t.Fatalf("call %d source = %s", i, res.Source)
		}
	}
	if ctrl.Breaker().State() != StateOpen {
		t.Fatalf("breaker state = %s, want open", ctrl.Breaker().State())
	}

	res := ctrl.Resolve(context.Background(), request("where's my stuff"))
	if !errors.Is(res.Err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", res.Err)
	}
	if fc.Calls() != 2 {
		t.Errorf("LLM calls = %d, want 2 (none while open)", fc.Calls())
	}
}

func TestController_CallerCancellationLeavesBreakerClosed(t *testing.T) {
	fc := &scriptedCompleter{replies: []reply{{text: trackOrderJSON}}}
	ctrl := newTestController(t, fc, nil, nil)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < DefaultFailureThreshold+1; i++ {
		res := ctrl.Resolve(cancelled, request("where's my stuff"))
		if res.Source != datatypes.ResolvedByFallback || !errors.Is(res.Err, context.Canceled) {
			t.Fatalf("call %d = %+v, want fallback with context.Canceled", i, res)
		}
		if IsTransient(res.Err) {
			t.Fatalf("cancellation classified as transient")
		}
	}
	if ctrl.Breaker().State() != StateClosed {
		t.Fatalf("breaker state = %s, want closed", ctrl.Breaker().State())
	}
	if fc.Calls() != 0 {
		t.Fatalf("LLM calls = %d, want 0", fc.Calls())
	}

	res := ctrl.Resolve(context.Background(), request("where's my stuff"))
	if res.Source != datatypes.ResolvedByLLM {
		t.Errorf("live request source = %s, want llm", res.Source)
	}
}

func TestController_TimeoutFallsBackWithinBound(t *testing.T) {
	fc := &scriptedCompleter{replies: []reply{{text: trackOrderJSON}}, block: make(chan struct{})}
	t.Cleanup(func() { close(fc.block) })
	ctrl := newTestController(t, fc, nil, func(c *config.EscalationConfig) {
		c.Timeout = 50 * time.Millisecond
		c.MaxRetries = 0
	})

	start := time.Now()
	res := ctrl.Resolve(context.Background(), request("where's my stuff"))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Resolve took %s with a 50ms timeout", elapsed)
	}
	if res.Source != datatypes.ResolvedByFallback || !errors.Is(res.Err, ErrTimeout) {
		t.Fatalf("Resolve = %+v", res)
	}
	if !res.Response.NeedsClarification {
		t.Error("fallback does not require clarification")
	}
}

func TestController_RateLimited(t *testing.T) {
	fc := &scriptedCompleter{replies: []reply{{text: trackOrderJSON}}}
	ctrl := newTestController(t, fc, nil, func(c *config.EscalationConfig) {
		c.RateLimit = 0.001
		c.RateBurst = 1
		c.MaxRetries = 0
	})

	if res := ctrl.Resolve(context.Background(), request("first")); res.Source != datatypes.ResolvedByLLM {
		t.Fatalf("first Resolve = %+v", res)
	}
	res := ctrl.Resolve(context.Background(), request("second"))
	if !errors.Is(res.Err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", res.Err)
	}
	if fc.Calls() != 1 {
		t.Errorf("LLM calls = %d, want 1", fc.Calls())
	}
}

func TestController_EmptyTextFallsBack(t *testing.T) {
	fc := &scriptedCompleter{replies: []reply{{text: trackOrderJSON}}}
	ctrl := newTestController(t, fc, nil, nil)
	res := ctrl.Resolve(context.Background(), datatypes.LLMRequest{Text: "   "})
	if res.Source != datatypes.ResolvedByFallback || fc.Calls() != 0 {
		t.Errorf("Resolve = %+v, calls = %d", res, fc.Calls())
	}
}

func TestNewController_Validation(t *testing.T) {
	tax, _ := config.DefaultTaxonomy()
	if _, err := NewController(ControllerOptions{Taxonomy: tax, Config: DefaultConfig()}); err == nil {
		t.Error("nil completer accepted")
	}
	bad := DefaultConfig()
	bad.LowConfidenceThreshold = 2
	if _, err := NewController(ControllerOptions{Completer: &scriptedCompleter{}, Taxonomy: tax, Config: bad}); err == nil {
		t.Error("invalid threshold accepted")
	}
}

// =============================================================================
// Prompt
// =============================================================================

func TestPromptBuilder_Build(t *testing.T) {
	tax, _ := config.DefaultTaxonomy()
	b, err := NewPromptBuilder(tax)
	if err != nil {
		t.Fatalf("NewPromptBuilder: %v", err)
	}
	req := request("where's my stuff")
	req.Context = datatypes.RequestContext{
		PriorTurns: []datatypes.ConversationTurn{{Role: "user", Text: "I ordered shoes"}},
	}

	msgs, err := b.Build(req)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != llm.RoleSystem || msgs[1].Role != llm.RoleUser {
		t.Fatalf("messages = %+v", msgs)
	}
	for _, want := range []string{"ADD_TO_CART", "TRACK_ORDER", config.ClarificationActionCode} {
		if !strings.Contains(msgs[0].Content, want) {
			t.Errorf("system prompt missing %s", want)
		}
	}
	for _, want := range []string{"Request: where's my stuff", "Rule-based guess: TRACK_ORDER (confidence 0.40, next best 0.38)", "user: I ordered shoes"} {
		if !strings.Contains(msgs[1].Content, want) {
			t.Errorf("user prompt missing %q:\n%s", want, msgs[1].Content)
		}
	}
}

func TestPromptBuilder_ParseResponse(t *testing.T) {
	tax, _ := config.DefaultTaxonomy()
	b, _ := NewPromptBuilder(tax)

	tests := []struct {
		name    string
		text    string
		wantErr bool
		code    string
	}{
		{"plain", trackOrderJSON, false, "TRACK_ORDER"},
		{"fenced", "```json\n" + trackOrderJSON + "\n```", false, "TRACK_ORDER"},
		{"lowercase code", `{"action_code":"track_order","confidence":0.8}`, false, "TRACK_ORDER"},
		{"clarification", `{"action_code":"NEEDS_CLARIFICATION","confidence":0.2}`, false, config.ClarificationActionCode},
		{"not json", "track order", true, ""},
		{"missing code", `{"confidence":0.8}`, true, ""},
		{"unknown code", `{"action_code":"LAUNCH_ROCKET","confidence":0.8}`, true, ""},
		{"confidence above 1", `{"action_code":"TRACK_ORDER","confidence":1.2}`, true, ""},
		{"missing confidence", `{"action_code":"TRACK_ORDER"}`, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.ParseResponse(tt.text)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedResponse) {
					t.Errorf("err = %v, want ErrMalformedResponse", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseResponse: %v", err)
			}
			if got.ActionCode != tt.code {
				t.Errorf("action code = %s, want %s", got.ActionCode, tt.code)
			}
		})
	}
}
