// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package matching

import (
	"strings"
	"unicode"
)

// stopWords are dropped before BM25 scoring. Negations and question words
// are not in the list.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "this": true, "that": true, "these": true,
	"those": true, "i": true, "me": true, "my": true, "you": true, "your": true,
	"it": true, "is": true, "are": true, "am": true, "be": true, "to": true,
	"of": true, "for": true, "on": true, "in": true, "at": true, "and": true,
	"or": true, "please": true, "can": true, "could": true, "would": true,
	"do": true, "does": true, "want": true, "like": true, "some": true,
}

// NormalizeText lowercases s, replaces every rune that is not a letter or
// digit with a space, and collapses runs of spaces.
func NormalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// Tokenize returns the normalized, stop-word-free tokens of s in order,
// duplicates included.
func Tokenize(s string) []string {
	fields := strings.Fields(NormalizeText(s))
	out := fields[:0]
	for _, f := range fields {
		if stopWords[f] {
			continue
		}
		out = append(out, stem(f))
	}
	return out
}

// QueryTerms returns the unique tokens of s.
func QueryTerms(s string) map[string]bool {
	terms := make(map[string]bool)
	for _, t := range Tokenize(s) {
		terms[t] = true
	}
	return terms
}

// stem folds the most common English plural endings so "orders" matches
// "order" and "boxes" matches "box".
func stem(w string) string {
	switch {
	case len(w) > 4 && strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case len(w) > 4 && strings.HasSuffix(w, "xes"):
		return w[:len(w)-2]
	case len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
		return w[:len(w)-1]
	default:
		return w
	}
}

// hasLetter reports whether s contains at least one letter.
func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// truncateForLog shortens s to maxLen runes for log output.
func truncateForLog(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
