// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// ErrorClass categorizes a provider failure.
type ErrorClass string

const (
	ClassTimeout    ErrorClass = "timeout"
	ClassRateLimit  ErrorClass = "rate_limit"
	ClassConnection ErrorClass = "connection"
	ClassAuth       ErrorClass = "auth"
	ClassServer     ErrorClass = "server"
	ClassBadRequest ErrorClass = "bad_request"
	ClassEmpty      ErrorClass = "empty_response"
	ClassUnknown    ErrorClass = "unknown"
)

// ProviderError wraps a provider failure with its class.
type ProviderError struct {
	Provider string
	Class    ErrorClass
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Class, SafeLogString(e.Err.Error()))
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether retrying the same request may succeed.
func (e *ProviderError) Transient() bool {
	switch e.Class {
	case ClassTimeout, ClassRateLimit, ClassConnection:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err is a transient *ProviderError.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient()
}

// wrapError classifies err and wraps it as a *ProviderError. nil stays nil.
func wrapError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: provider, Class: classifyError(err), Err: err}
}

// classifyError maps an error to an ErrorClass, preferring typed SDK and
// network errors over message matching.
func classifyError(err error) ErrorClass {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTimeout
	}

	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		return classifyStatus(oaErr.StatusCode)
	}
	var anErr *anthropic.Error
	if errors.As(err, &anErr) {
		return classifyStatus(anErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) || errors.Is(err, syscall.ECONNREFUSED) {
		return ClassConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return ClassTimeout
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests"):
		return ClassRateLimit
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") || strings.Contains(msg, "eof"):
		return ClassConnection
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "api key"):
		return ClassAuth
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "server error"):
		return ClassServer
	default:
		return ClassUnknown
	}
}

func classifyStatus(status int) ErrorClass {
	switch {
	case status == 408:
		return ClassTimeout
	case status == 429:
		return ClassRateLimit
	case status == 401 || status == 403:
		return ClassAuth
	case status >= 500:
		return ClassServer
	case status >= 400:
		return ClassBadRequest
	default:
		return ClassUnknown
	}
}
