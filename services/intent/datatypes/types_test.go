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

import (
	"strings"
	"testing"
)

func TestSortCandidates(t *testing.T) {
	c := []IntentCandidate{
		{IntentID: "TRACK_ORDER", Score: 0.7, Source: SourceEmbedding},
		{IntentID: "ADD_TO_CART", Score: 0.9, Source: SourceBlended},
		{IntentID: "RETURN_ITEM", Score: 0.7, Source: SourceKeyword},
		{IntentID: "CHECK_PRICE", Score: 0.7, Source: SourceKeyword},
	}
	SortCandidates(c)

	want := []string{"ADD_TO_CART", "CHECK_PRICE", "RETURN_ITEM", "TRACK_ORDER"}
	for i, id := range want {
		if c[i].IntentID != id {
			t.Errorf("position %d = %s, want %s", i, c[i].IntentID, id)
		}
	}
}

func TestOutcomeStatus_IsConfident(t *testing.T) {
	tests := map[OutcomeStatus]bool{
		StatusConfidentKeyword: true,
		StatusConfident:        true,
		StatusAmbiguous:        false,
		StatusBelowThreshold:   false,
		StatusNoResults:        false,
	}
	for s, want := range tests {
		if got := s.IsConfident(); got != want {
			t.Errorf("%s.IsConfident() = %v, want %v", s, got, want)
		}
	}
}

func TestRequestContext_Bounded(t *testing.T) {
	var turns []ConversationTurn
	for i := 0; i < 8; i++ {
		turns = append(turns, ConversationTurn{Role: "user", Text: string(rune('a' + i))})
	}
	orig := RequestContext{
		SessionID:       "s1",
		PriorTurns:      turns,
		SessionSnippets: []string{strings.Repeat("x", 600), "b", "c", "d"},
		Metadata:        map[string]string{"channel": "web"},
	}

	b := orig.Bounded()

	if len(b.PriorTurns) != MaxPriorTurns {
		t.Fatalf("PriorTurns = %d, want %d", len(b.PriorTurns), MaxPriorTurns)
	}
	if b.PriorTurns[0].Text != "d" {
		t.Errorf("oldest kept turn = %q, want d", b.PriorTurns[0].Text)
	}
	if len(b.SessionSnippets) != MaxSessionSnippets {
		t.Errorf("SessionSnippets = %d, want %d", len(b.SessionSnippets), MaxSessionSnippets)
	}
	if len([]rune(b.SessionSnippets[0])) != MaxSnippetChars {
		t.Errorf("snippet not truncated: %d runes", len([]rune(b.SessionSnippets[0])))
	}

	b.Metadata["channel"] = "mobile"
	if orig.Metadata["channel"] != "web" {
		t.Error("Bounded must copy Metadata")
	}
	if len(orig.PriorTurns) != 8 {
		t.Error("Bounded must not modify the receiver")
	}
}
