// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package escalation decides when a query is escalated to the LLM and makes
// that call bounded: rate limited, circuit broken, retried with backoff,
// and cut off by a hard timeout.
package escalation

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianIntent/services/llm"
)

var (
	// ErrCircuitOpen is returned without calling the provider while the
	// breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrTimeout is returned when the hard call deadline expires. The
	// in-flight call is abandoned.
	ErrTimeout = errors.New("llm call timed out")

	// ErrRateLimited is returned when the local call budget is spent.
	ErrRateLimited = errors.New("llm call rate limited")

	// ErrRetriesExhausted matches every *RetriesExhaustedError.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrMalformedResponse is returned when the provider answered with
	// something that is not a valid classification.
	ErrMalformedResponse = errors.New("malformed llm response")
)

// RetriesExhaustedError reports the attempts made and the last failure.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

func (e *RetriesExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }

// IsTransient reports whether err is worth another attempt: a local
// timeout, open circuit or rate limit, or a provider error classified as
// transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMalformedResponse) {
		return false
	}
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrRateLimited) ||
		llm.IsTransient(err)
}
