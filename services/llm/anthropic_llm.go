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
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 512

// AnthropicClient completes chats against the Anthropic Messages API.
//
// # Thread Safety
//
// Safe for concurrent use.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient creates a client with SDK retries disabled.
func NewAnthropicClient(apiKey, model, baseURL string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("NewAnthropicClient: api key must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("NewAnthropicClient: model must not be empty")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicClient{client: anthropic.NewClient(opts...), model: model}, nil
}

func (c *AnthropicClient) Provider() string { return ProviderAnthropic }
func (c *AnthropicClient) Model() string    { return c.model }

// Complete implements Completer. The Messages API has no JSON mode, so
// p.JSON relies on the prompt.
func (c *AnthropicClient) Complete(ctx context.Context, messages []Message, p Params) (*Completion, error) {
	return instrument(ctx, ProviderAnthropic, c.model, func(ctx context.Context) (*Completion, error) {
		system, rest := splitSystem(messages)
		maxTokens := int64(p.MaxTokens)
		if maxTokens <= 0 {
			maxTokens = defaultAnthropicMaxTokens
		}

		params := anthropic.MessageNewParams{
			Model:       anthropic.Model(c.model),
			MaxTokens:   maxTokens,
			Messages:    toAnthropicMessages(rest),
			Temperature: anthropic.Float(p.Temperature),
		}
		if system != "" {
			params.System = []anthropic.TextBlockParam{{Text: system}}
		}

		message, err := c.client.Messages.New(ctx, params)
		if err != nil {
			return nil, err
		}

		var text strings.Builder
		for _, block := range message.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		if text.Len() == 0 {
			return nil, &ProviderError{Provider: ProviderAnthropic, Class: ClassEmpty, Err: errors.New("no text content in response")}
		}
		return &Completion{
			Text: text.String(),
			Usage: Usage{
				PromptTokens:     int(message.Usage.InputTokens),
				CompletionTokens: int(message.Usage.OutputTokens),
			},
		}, nil
	})
}

func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
			continue
		}
		out = append(out, anthropic.NewUserMessage(block))
	}
	return out
}
