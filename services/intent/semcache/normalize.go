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
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// ErrNotCacheable is returned for queries too short or too vague to share
// an answer with other queries.
var ErrNotCacheable = errors.New("query not cacheable")

const (
	DefaultMinQueryChars      = 4
	DefaultMinSingleWordChars = 10
)

// phraseFolds maps polite or contracted variants onto one canonical form.
// Longer phrases come first so "could you please" is folded whole.
var phraseFolds = []struct {
	from, to string
}{
	{"could you please", ""},
	{"would you please", ""},
	{"can you please", ""},
	{"i would like to", ""},
	{"i'd like to", ""},
	{"i want to", ""},
	{"could you", ""},
	{"would you", ""},
	{"can you", ""},
	{"thank you", ""},
	{"please", ""},
	{"kindly", ""},
	{"thanks", ""},
	{"pls", ""},
	{"plz", ""},
	{"where's", "where is"},
	{"what's", "what is"},
	{"how's", "how is"},
	{"i'm", "i am"},
	{"can't", "cannot"},
	{"don't", "do not"},
	{"won't", "will not"},
}

// Normalizer canonicalizes cache queries.
//
// Thread Safety: Immutable; safe for concurrent use.
type Normalizer struct {
	minChars     int
	minWordChars int
}

// NewNormalizer creates a Normalizer. Non-positive limits use the defaults.
func NewNormalizer(minChars, minSingleWordChars int) *Normalizer {
	if minChars <= 0 {
		minChars = DefaultMinQueryChars
	}
	if minSingleWordChars <= 0 {
		minSingleWordChars = DefaultMinSingleWordChars
	}
	return &Normalizer{minChars: minChars, minWordChars: minSingleWordChars}
}

// Normalize case-folds the NFKC form of q, collapses whitespace, strips trailing
// punctuation and folds polite-phrase variants. It returns ErrNotCacheable
// when the result is shorter than the minimum length or is a single word
// shorter than the single-word minimum.
func (n *Normalizer) Normalize(q string) (string, error) {
	// Casers are stateful, so each call gets its own.
	s := cases.Fold().String(norm.NFKC.String(q))
	s = strings.ReplaceAll(s, "’", "'")
	s = strings.ReplaceAll(s, ",", " ")
	s = trimTrailing(collapse(s))

	padded := " " + s + " "
	for _, f := range phraseFolds {
		needle := " " + f.from + " "
		for strings.Contains(padded, needle) {
			padded = strings.ReplaceAll(padded, needle, " "+f.to+" ")
		}
	}
	s = trimTrailing(collapse(padded))

	if utf8.RuneCountInString(s) < n.minChars {
		return "", ErrNotCacheable
	}
	if !strings.Contains(s, " ") && utf8.RuneCountInString(s) < n.minWordChars {
		return "", ErrNotCacheable
	}
	return s, nil
}

func trimTrailing(s string) string {
	return strings.TrimRight(s, ".!?;: ")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
