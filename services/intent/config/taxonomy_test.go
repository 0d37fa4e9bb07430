// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"strings"
	"testing"
)

func TestDefaultTaxonomy(t *testing.T) {
	tax, err := DefaultTaxonomy()
	if err != nil {
		t.Fatalf("DefaultTaxonomy failed on embedded YAML: %v", err)
	}
	if tax.Len() < 20 {
		t.Errorf("expected at least 20 intents, got %d", tax.Len())
	}

	add, ok := tax.Lookup("add_to_cart")
	if !ok {
		t.Fatal("ADD_TO_CART missing (lookup must be case-insensitive)")
	}
	if add.Category != "cart" {
		t.Errorf("ADD_TO_CART category = %q", add.Category)
	}
	if add.PatternScore != DefaultPatternScore {
		t.Errorf("PatternScore default = %v, want %v", add.PatternScore, DefaultPatternScore)
	}
	if len(tax.Patterns("ADD_TO_CART")) == 0 {
		t.Error("ADD_TO_CART patterns not compiled")
	}

	highRisk := tax.HighRiskActionCodes()
	for _, code := range []string{"CANCEL_ORDER", "PAYMENT_ISSUE", "REPORT_FRAUD"} {
		found := false
		for _, hr := range highRisk {
			if hr == code {
				found = true
			}
		}
		if !found {
			t.Errorf("%s should be high risk, got %v", code, highRisk)
		}
	}

	if !tax.IsValidActionCode(ClarificationActionCode) {
		t.Error("clarification code must always be valid")
	}
	if tax.IsValidActionCode("TELEPORT_PACKAGE") {
		t.Error("unknown code reported valid")
	}
}

func TestTaxonomy_ReturnsCopies(t *testing.T) {
	tax, err := DefaultTaxonomy()
	if err != nil {
		t.Fatal(err)
	}
	in, _ := tax.Lookup("ADD_TO_CART")
	in.Examples[0] = "mutated"
	again, _ := tax.Lookup("ADD_TO_CART")
	if again.Examples[0] == "mutated" {
		t.Error("Lookup must return a copy")
	}
}

func TestParseTaxonomy_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"empty", "", "empty YAML"},
		{"no intents", "version: x\nintents: []\n", "validation"},
		{"missing category", "intents:\n  - action_code: A\n", "Category"},
		{"duplicate", "intents:\n  - action_code: A\n    category: c\n  - action_code: a\n    category: c\n", "duplicate"},
		{"bad pattern", "intents:\n  - action_code: A\n    category: c\n    patterns: ['(']\n", "pattern"},
		{"threshold range", "intents:\n  - action_code: A\n    category: c\n    confidence_threshold: 2\n", "ConfidenceThreshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTaxonomy([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestTaxonomy_CorpusHash(t *testing.T) {
	a, err := ParseTaxonomy([]byte("intents:\n  - action_code: A\n    category: c\n    examples: [one, two]\n  - action_code: B\n    category: c\n"))
	if err != nil {
		t.Fatal(err)
	}
	reordered, err := ParseTaxonomy([]byte("intents:\n  - action_code: B\n    category: c\n  - action_code: A\n    category: c\n    examples: [two, one]\n"))
	if err != nil {
		t.Fatal(err)
	}
	changed, err := ParseTaxonomy([]byte("intents:\n  - action_code: A\n    category: c\n    examples: [one, three]\n  - action_code: B\n    category: c\n"))
	if err != nil {
		t.Fatal(err)
	}

	if a.CorpusHash("m") != reordered.CorpusHash("m") {
		t.Error("hash must not depend on YAML ordering")
	}
	if a.CorpusHash("m") == changed.CorpusHash("m") {
		t.Error("hash must change when examples change")
	}
	if a.CorpusHash("m") == a.CorpusHash("other-model") {
		t.Error("hash must change when the model changes")
	}
}
