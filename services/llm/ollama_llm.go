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

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// DefaultOllamaURL is used when no base URL is configured.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaClient completes chats against a local Ollama server through
// langchaingo.
//
// # Thread Safety
//
// Safe for concurrent use.
type OllamaClient struct {
	llm   *ollama.LLM
	model string
}

// NewOllamaClient creates a client for model at baseURL.
func NewOllamaClient(model, baseURL string) (*OllamaClient, error) {
	if model == "" {
		return nil, fmt.Errorf("NewOllamaClient: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	client, err := ollama.New(ollama.WithModel(model), ollama.WithServerURL(baseURL))
	if err != nil {
		return nil, fmt.Errorf("NewOllamaClient: %w", err)
	}
	return &OllamaClient{llm: client, model: model}, nil
}

func (c *OllamaClient) Provider() string { return ProviderOllama }
func (c *OllamaClient) Model() string    { return c.model }

// Complete implements Completer.
func (c *OllamaClient) Complete(ctx context.Context, messages []Message, p Params) (*Completion, error) {
	return instrument(ctx, ProviderOllama, c.model, func(ctx context.Context) (*Completion, error) {
		opts := []llms.CallOption{llms.WithTemperature(p.Temperature)}
		if p.MaxTokens > 0 {
			opts = append(opts, llms.WithMaxTokens(p.MaxTokens))
		}
		if p.JSON {
			opts = append(opts, llms.WithJSONMode())
		}

		resp, err := c.llm.GenerateContent(ctx, toLangchainMessages(messages), opts...)
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
			return nil, &ProviderError{Provider: ProviderOllama, Class: ClassEmpty, Err: errors.New("no content in response")}
		}
		choice := resp.Choices[0]
		return &Completion{
			Text: choice.Content,
			Usage: Usage{
				PromptTokens:     intFromInfo(choice.GenerationInfo, "PromptTokens"),
				CompletionTokens: intFromInfo(choice.GenerationInfo, "CompletionTokens"),
			},
		}, nil
	})
}

func toLangchainMessages(messages []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case RoleSystem:
			role = llms.ChatMessageTypeSystem
		case RoleAssistant:
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

// intFromInfo reads a token count from langchaingo's untyped generation info.
func intFromInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
