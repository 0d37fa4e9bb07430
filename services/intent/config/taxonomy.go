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
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed taxonomy.yaml
var defaultTaxonomyYAML []byte

// ClarificationActionCode is the action code carried by every "needs
// clarification" response. It is always a valid code, whether or not the
// taxonomy lists it.
const ClarificationActionCode = "NEEDS_CLARIFICATION"

// DefaultPatternScore is the keyword score of a regex pattern match when the
// intent does not set pattern_score.
const DefaultPatternScore = 0.95

// Intent is one taxonomy entry.
type Intent struct {
	ActionCode          string   `yaml:"action_code" validate:"required"`
	Name                string   `yaml:"name"`
	Category            string   `yaml:"category" validate:"required"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold" validate:"gte=0,lte=1"`
	Priority            int      `yaml:"priority" validate:"gte=0"`
	HighRisk            bool     `yaml:"high_risk"`
	Keywords            []string `yaml:"keywords"`
	Examples            []string `yaml:"examples"`
	Patterns            []string `yaml:"patterns"`
	PatternScore        float64  `yaml:"pattern_score" validate:"gte=0,lte=1"`
}

type taxonomyFile struct {
	Version string   `yaml:"version"`
	Intents []Intent `yaml:"intents" validate:"required,min=1,dive"`
}

// Taxonomy is the read-only intent catalog.
//
// Description:
//
//	Loaded once at startup and shared by reference. Every accessor returns
//	copies, so no caller can mutate the catalog.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type Taxonomy struct {
	version  string
	intents  []Intent
	byCode   map[string]int
	patterns map[string][]*regexp.Regexp
}

// DefaultTaxonomy loads the embedded sample taxonomy.
func DefaultTaxonomy() (*Taxonomy, error) {
	return ParseTaxonomy(defaultTaxonomyYAML)
}

// LoadTaxonomy loads the taxonomy file at path, or the embedded sample when
// path is empty.
func LoadTaxonomy(path string) (*Taxonomy, error) {
	if path == "" {
		return DefaultTaxonomy()
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("LoadTaxonomy: %w", err)
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, fmt.Errorf("LoadTaxonomy: %s exceeds maximum size (%d > %d)", path, info.Size(), MaxYAMLFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadTaxonomy: reading %s: %w", path, err)
	}
	return ParseTaxonomy(data)
}

// ParseTaxonomy parses and validates a taxonomy document.
//
// Outputs:
//
//	*Taxonomy - The catalog with patterns compiled.
//	error - Non-nil on parse failure, duplicate action codes, missing
//	  required fields, or an invalid pattern.
func ParseTaxonomy(data []byte) (*Taxonomy, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("ParseTaxonomy: empty YAML data")
	}
	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("ParseTaxonomy: YAML data exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}

	var f taxonomyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("ParseTaxonomy: parsing YAML: %w", err)
	}
	if err := validate.Struct(&f); err != nil {
		return nil, fmt.Errorf("ParseTaxonomy: validation: %w", err)
	}

	t := &Taxonomy{
		version:  f.Version,
		intents:  f.Intents,
		byCode:   make(map[string]int, len(f.Intents)),
		patterns: make(map[string][]*regexp.Regexp),
	}
	for i := range t.intents {
		in := &t.intents[i]
		in.ActionCode = strings.ToUpper(strings.TrimSpace(in.ActionCode))
		if _, dup := t.byCode[in.ActionCode]; dup {
			return nil, fmt.Errorf("ParseTaxonomy: duplicate action_code %q", in.ActionCode)
		}
		if in.PatternScore == 0 {
			in.PatternScore = DefaultPatternScore
		}
		t.byCode[in.ActionCode] = i

		for _, p := range in.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("ParseTaxonomy: intent %s: pattern %q: %w", in.ActionCode, p, err)
			}
			t.patterns[in.ActionCode] = append(t.patterns[in.ActionCode], re)
		}
	}

	slog.Info("intent taxonomy loaded",
		slog.String("version", t.version),
		slog.Int("intents", len(t.intents)),
	)
	return t, nil
}

// Version returns the taxonomy version string.
func (t *Taxonomy) Version() string { return t.version }

// Len returns the number of intents.
func (t *Taxonomy) Len() int { return len(t.intents) }

// Lookup returns the intent for an action code.
func (t *Taxonomy) Lookup(actionCode string) (Intent, bool) {
	i, ok := t.byCode[strings.ToUpper(actionCode)]
	if !ok {
		return Intent{}, false
	}
	return cloneIntent(t.intents[i]), true
}

// IsValidActionCode reports whether code is in the taxonomy or is the
// clarification code.
func (t *Taxonomy) IsValidActionCode(code string) bool {
	if strings.EqualFold(code, ClarificationActionCode) {
		return true
	}
	_, ok := t.byCode[strings.ToUpper(code)]
	return ok
}

// Intents returns a copy of all intents in file order.
func (t *Taxonomy) Intents() []Intent {
	out := make([]Intent, len(t.intents))
	for i, in := range t.intents {
		out[i] = cloneIntent(in)
	}
	return out
}

// Patterns returns the compiled patterns of an intent. Compiled regexps are
// safe for concurrent use.
func (t *Taxonomy) Patterns(actionCode string) []*regexp.Regexp {
	return t.patterns[actionCode]
}

// HighRiskActionCodes returns the codes flagged high_risk, sorted.
func (t *Taxonomy) HighRiskActionCodes() []string {
	var out []string
	for _, in := range t.intents {
		if in.HighRisk {
			out = append(out, in.ActionCode)
		}
	}
	sort.Strings(out)
	return out
}

// CorpusHash identifies the embedding corpus derived from this taxonomy.
//
// SHA256 over the sorted action codes with their sorted examples, plus the
// embedding model name. Any change to examples or model yields a new hash,
// which invalidates persisted example vectors without an explicit purge.
func (t *Taxonomy) CorpusHash(model string) string {
	sorted := t.Intents()
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ActionCode < sorted[j].ActionCode
	})

	h := sha256.New()
	for _, in := range sorted {
		examples := append([]string(nil), in.Examples...)
		sort.Strings(examples)
		fmt.Fprintf(h, "%s\t%s\n", in.ActionCode, strings.Join(examples, "\x1f"))
	}
	fmt.Fprintf(h, "model=%s\n", model)
	return hex.EncodeToString(h.Sum(nil))
}

func cloneIntent(in Intent) Intent {
	in.Keywords = append([]string(nil), in.Keywords...)
	in.Examples = append([]string(nil), in.Examples...)
	in.Patterns = append([]string(nil), in.Patterns...)
	return in
}
