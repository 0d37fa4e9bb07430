// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides chat-completion clients for the providers the intent
// service can escalate to, behind a single Completer interface.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Role is a chat message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Params are the generation parameters for one completion.
type Params struct {
	Temperature float64
	MaxTokens   int

	// JSON asks the provider for a JSON object response where supported.
	JSON bool
}

// Usage is the token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Completion is a provider's answer.
type Completion struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// Completer is a chat-completion service.
//
// Complete returns a *ProviderError for every provider-side failure, so
// callers can tell transient failures (IsTransient) from permanent ones.
type Completer interface {
	Complete(ctx context.Context, messages []Message, params Params) (*Completion, error)

	// Provider names the backend, used as a metric label.
	Provider() string

	// Model names the model completions are requested from.
	Model() string
}

// Provider names.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config selects and configures a provider.
type Config struct {
	Provider string
	Model    string
	BaseURL  string

	// APIKeyEnv names the environment variable holding the API key. Empty
	// uses the provider's conventional variable.
	APIKeyEnv string
}

// New builds the Completer for cfg.Provider.
//
// Inputs:
//
//	cfg - Provider selection. Provider and Model are required; OpenAI and
//	  Anthropic also need an API key in the environment.
//
// Outputs:
//
//	Completer - The configured client.
//	error - Non-nil for an unknown provider or a missing API key.
func New(cfg Config) (Completer, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm.New: model must not be empty")
	}
	switch strings.ToLower(cfg.Provider) {
	case ProviderOllama:
		return NewOllamaClient(cfg.Model, cfg.BaseURL)
	case ProviderOpenAI:
		key, err := apiKey(cfg.APIKeyEnv, "OPENAI_API_KEY")
		if err != nil {
			return nil, fmt.Errorf("llm.New: openai: %w", err)
		}
		return NewOpenAIClient(key, cfg.Model, cfg.BaseURL)
	case ProviderAnthropic:
		key, err := apiKey(cfg.APIKeyEnv, "ANTHROPIC_API_KEY")
		if err != nil {
			return nil, fmt.Errorf("llm.New: anthropic: %w", err)
		}
		return NewAnthropicClient(key, cfg.Model, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("llm.New: unknown provider %q", cfg.Provider)
	}
}

func apiKey(envName, fallback string) (string, error) {
	if envName == "" {
		envName = fallback
	}
	key := os.Getenv(envName)
	if key == "" {
		return "", fmt.Errorf("API key is missing (%s)", envName)
	}
	return key, nil
}

// splitSystem separates system messages from the conversation for providers
// that take the system prompt as a separate field.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}
